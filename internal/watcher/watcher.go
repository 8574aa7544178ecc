// Package watcher monitors an inbox directory and imports lesson files
// dropped into it.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/lessonfile"
)

// Debounce: editors and downloaders fire several events per file, so
// imports run a beat after the directory goes quiet.
const debounceDelay = 2 * time.Second

// importedSuffix marks files the watcher has already ingested.
const importedSuffix = ".imported"

// Watch imports lesson files from dir until ctx is done. Files already
// in the directory are imported immediately; new .json and .md files
// are imported after a debounce window. Ingested files are renamed to
// <name>.imported so a restart never double-imports.
func Watch(ctx context.Context, client *lore.Lore, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	fmt.Fprintf(os.Stderr, "Watching %s for lesson files (.json, .md)\n", dir)
	fmt.Fprintf(os.Stderr, "Press Ctrl+C to stop.\n\n")

	// Pick up anything that was dropped in before we started.
	sweepInbox(ctx, client, dir)

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		timer   *time.Timer
	)

	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]bool)
		mu.Unlock()

		for _, p := range paths {
			importFile(ctx, client, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !eligibleLessonFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				mu.Lock()
				pending[event.Name] = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, flush)
				mu.Unlock()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "  [WARN] Watch error: %v\n", err)
		}
	}
}

// eligibleLessonFile reports whether path looks like an importable
// lesson file. Already-ingested files end with .imported and never match.
func eligibleLessonFile(path string) bool {
	return strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".md")
}

// sweepInbox imports every eligible file already present in dir.
func sweepInbox(ctx context.Context, client *lore.Lore, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  [WARN] read inbox: %v\n", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !eligibleLessonFile(entry.Name()) {
			continue
		}
		importFile(ctx, client, filepath.Join(dir, entry.Name()))
	}
}

// importFile parses one lesson file, imports it through the façade so
// redaction and embedding apply, and renames it out of the inbox.
// Failed files stay in place for the user to fix.
func importFile(ctx context.Context, client *lore.Lore, path string) {
	name := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		// Disappeared before the debounce flush (renames, deletes).
		return
	}
	if info.IsDir() {
		return
	}

	lessons, err := lessonfile.ParseFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  [ERROR] %s: %v\n", name, err)
		return
	}

	data, err := json.Marshal(lessons)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  [ERROR] %s: %v\n", name, err)
		return
	}
	n, err := client.ImportData(ctx, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  [ERROR] %s: %v\n", name, err)
		return
	}

	if err := os.Rename(path, path+importedSuffix); err != nil {
		fmt.Fprintf(os.Stderr, "  [WARN] rename %s: %v\n", name, err)
	}
	fmt.Fprintf(os.Stderr, "  Imported %d lesson(s) from %s\n", n, name)
}
