package main

import (
	"strings"
	"testing"
)

func TestRunDelete(t *testing.T) {
	setupCommandTest(t)
	startEmbedServer(t)

	captureCommandStdout(t, func() {
		if err := runPublish("", "noisy warning", "silence it in config", "", nil, 0.5, "", 0); err != nil {
			t.Errorf("runPublish: %v", err)
		}
	})
	id := listedLessons(t)[0].ID

	var runErr error
	out := captureCommandStdout(t, func() {
		runErr = runDelete(id)
	})
	if runErr != nil {
		t.Fatalf("runDelete: %v", runErr)
	}
	if !strings.Contains(out, "Deleted lesson "+id) {
		t.Fatalf("expected delete confirmation, got: %q", out)
	}

	if got := listedLessons(t); len(got) != 0 {
		t.Fatalf("expected empty store, got %d lessons", len(got))
	}

	if err := runDelete(id); err == nil {
		t.Fatal("expected error deleting the same id twice")
	}
}
