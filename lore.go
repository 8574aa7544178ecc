// Package lore is a shared memory for coding agents. Lessons published
// by one agent (a problem, the resolution that worked, and ranking
// metadata) become retrievable by every other agent through hybrid
// search: semantic similarity weighted by confidence, age decay, and
// votes. Sensitive spans are redacted before anything is stored.
package lore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sgx-labs/lore/redact"
)

// ExportVersion is the envelope version written by Export.
const ExportVersion = 1

// Embedder turns text into a fixed-dimension vector. Implementations
// must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions reports the vector dimension, or 0 when unknown.
	Dimensions() int
}

// EmbedderFunc adapts a bare function to the Embedder interface. Its
// dimension is unknown; stores learn it from the first vector.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

func (f EmbedderFunc) Dimensions() int { return 0 }

// Lore is the SDK front door: one instance wraps a store, an embedding
// provider, and the redaction pipeline behind publish/query semantics
// that are identical across backends.
//
//	l, err := lore.New(lore.WithEmbedder(provider))
//	if err != nil { ... }
//	defer l.Close()
//
//	id, err := l.Publish(ctx, lore.PublishRequest{
//		Problem:    "pip install fails with SSL errors behind proxy",
//		Resolution: "set HTTPS_PROXY and pass --trusted-host pypi.org",
//		Tags:       []string{"python", "networking"},
//	})
//	results, err := l.Query(ctx, "pip SSL proxy errors", lore.QueryOptions{})
type Lore struct {
	project  string
	store    Store
	embedder Embedder
	redactor *redact.Redactor // nil when redaction is off
	halfLife float64
}

// New builds a Lore instance. With no options it persists to
// DefaultDBPath with redaction on and no embedding provider.
func New(opts ...Option) (*Lore, error) {
	cfg := settings{
		redactOn: true,
		halfLife: DefaultHalfLifeDays,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.store != nil && cfg.apiURL != "" {
		return nil, errors.New("lore: WithStore and WithRemote are mutually exclusive")
	}

	var redactor *redact.Redactor
	if cfg.redactOn {
		r, err := redact.New(cfg.patterns...)
		if err != nil {
			return nil, err
		}
		redactor = r
	}

	var store Store
	switch {
	case cfg.store != nil:
		store = cfg.store
	case cfg.apiURL != "" || cfg.apiKey != "":
		s, err := NewRemoteStore(cfg.apiURL, cfg.apiKey)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		path := cfg.dbPath
		if path == "" {
			path = DefaultDBPath()
		}
		s, err := OpenEmbedded(path)
		if err != nil {
			return nil, err
		}
		store = s
	}

	return &Lore{
		project:  cfg.project,
		store:    store,
		embedder: cfg.embedder,
		redactor: redactor,
		halfLife: cfg.halfLife,
	}, nil
}

// Close releases the underlying store.
func (l *Lore) Close() error {
	return l.store.Close()
}

// Store exposes the backend for callers that need store-level access,
// such as bulk tooling.
func (l *Lore) Store() Store { return l.store }

// PublishRequest describes a lesson to publish. Problem and Resolution
// are required. Confidence defaults to 0.5 when nil; Project defaults
// to the instance's project.
type PublishRequest struct {
	Problem    string
	Resolution string
	Context    string
	Tags       []string
	Confidence *float64
	Source     string
	Project    string
	ExpiresAt  *time.Time
	Meta       map[string]any
}

// Publish validates, redacts, embeds, and stores a new lesson,
// returning its id. The embedding covers the redacted problem and
// resolution (plus context when present), so stored vectors never
// encode secrets.
func (l *Lore) Publish(ctx context.Context, req PublishRequest) (string, error) {
	confidence := 0.5
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	project := req.Project
	if project == "" {
		project = l.project
	}

	lesson := &Lesson{
		ID:         NewID(),
		Problem:    req.Problem,
		Resolution: req.Resolution,
		Context:    req.Context,
		Tags:       tags,
		Confidence: confidence,
		Source:     req.Source,
		Project:    project,
		ExpiresAt:  req.ExpiresAt,
		Meta:       req.Meta,
	}
	if err := lesson.Validate(); err != nil {
		return "", err
	}
	if l.embedder == nil {
		return "", ErrNoEmbedder
	}

	if l.redactor != nil {
		lesson.Problem = l.redactor.Redact(lesson.Problem)
		lesson.Resolution = l.redactor.Redact(lesson.Resolution)
		if lesson.Context != "" {
			lesson.Context = l.redactor.Redact(lesson.Context)
		}
	}

	vec, err := l.embedder.Embed(ctx, embedText(lesson.Problem, lesson.Resolution, lesson.Context))
	if err != nil {
		return "", fmt.Errorf("embed lesson: %w", err)
	}
	lesson.Embedding = vec

	now := time.Now().UTC().Truncate(time.Millisecond)
	lesson.CreatedAt = now
	lesson.UpdatedAt = now

	if err := l.store.Save(ctx, lesson); err != nil {
		return "", err
	}
	return lesson.ID, nil
}

// QueryOptions narrows a Query. The zero value returns the top
// DefaultQueryLimit lessons with no filters.
type QueryOptions struct {
	// Tags keeps only lessons carrying every listed tag.
	Tags []string
	// Limit caps results; 0 means DefaultQueryLimit.
	Limit int
	// MinConfidence drops lessons below the raw confidence threshold.
	MinConfidence float64
}

// Query embeds the text and ranks lessons against it. Local stores
// score in process; the remote store scores on the server. Expired
// lessons never appear, and zero results is not an error.
func (l *Lore) Query(ctx context.Context, text string, opts QueryOptions) ([]QueryResult, error) {
	if l.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vec, err := l.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return l.store.Search(ctx, vec, SearchOptions{
		Tags:          opts.Tags,
		Project:       l.project,
		Limit:         opts.Limit,
		MinConfidence: opts.MinConfidence,
		HalfLifeDays:  l.halfLife,
	})
}

// Get returns a lesson by id, or (nil, nil) when absent.
func (l *Lore) Get(ctx context.Context, id string) (*Lesson, error) {
	return l.store.Get(ctx, id)
}

// List returns lessons newest first. Unlike Query it is not scoped to
// the instance's project unless opts says so.
func (l *Lore) List(ctx context.Context, opts ListOptions) ([]*Lesson, error) {
	return l.store.List(ctx, opts)
}

// Delete removes a lesson by id, reporting whether it existed.
func (l *Lore) Delete(ctx context.Context, id string) (bool, error) {
	return l.store.Delete(ctx, id)
}

// Upvote records that a lesson helped. Absent ids fail with
// NotFoundError.
func (l *Lore) Upvote(ctx context.Context, id string) error {
	return l.vote(ctx, id, true)
}

// Downvote records that a lesson did not help. Absent ids fail with
// NotFoundError.
func (l *Lore) Downvote(ctx context.Context, id string) error {
	return l.vote(ctx, id, false)
}

func (l *Lore) vote(ctx context.Context, id string, upvote bool) error {
	if inc, ok := l.store.(VoteIncrementer); ok {
		return inc.IncrementVote(ctx, id, upvote)
	}

	lesson, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if lesson == nil {
		return &NotFoundError{ID: id}
	}
	if upvote {
		lesson.Upvotes++
	} else {
		lesson.Downvotes++
	}
	lesson.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	ok, err := l.store.Update(ctx, lesson)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{ID: id}
	}
	return nil
}

type exportFile struct {
	Version int       `json:"version"`
	Lessons []*Lesson `json:"lessons"`
}

// Export returns every lesson in the instance's scope with embeddings
// stripped (vectors are re-derived on import, so they stay out of the
// portable form). When path is non-empty the versioned envelope
// {"version":1,"lessons":[...]} is also written there.
func (l *Lore) Export(ctx context.Context, path string) ([]*Lesson, error) {
	var lessons []*Lesson
	var err error
	if bulk, ok := l.store.(BulkExporter); ok {
		lessons, err = bulk.ExportLessons(ctx)
		if err == nil && l.project != "" {
			kept := lessons[:0]
			for _, lesson := range lessons {
				if lesson.Project == l.project {
					kept = append(kept, lesson)
				}
			}
			lessons = kept
		}
	} else {
		lessons, err = l.store.List(ctx, ListOptions{Project: l.project})
	}
	if err != nil {
		return nil, err
	}

	for _, lesson := range lessons {
		lesson.Embedding = nil
	}

	if path != "" {
		payload, err := json.MarshalIndent(exportFile{
			Version: ExportVersion,
			Lessons: lessons,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode export: %w", err)
		}
		if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
			return nil, fmt.Errorf("write export: %w", err)
		}
	}
	return lessons, nil
}

// Import reads an export file and ingests its lessons.
func (l *Lore) Import(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read import: %w", err)
	}
	return l.ImportData(ctx, raw)
}

// ImportData ingests exported JSON: either the versioned envelope or a
// bare lesson array. Lessons whose ids already exist are skipped,
// original timestamps are preserved, text goes through the redaction
// pipeline (imports can carry hand-written files, not just round-
// tripped exports), and text is re-embedded when an embedding provider
// is configured; without one, lessons land without vectors and stay
// invisible to Query until re-imported with an embedder. Returns the
// number of lessons applied.
func (l *Lore) ImportData(ctx context.Context, raw []byte) (int, error) {
	var file exportFile
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &file.Lessons); err != nil {
			return 0, fmt.Errorf("decode import: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &file); err != nil {
		return 0, fmt.Errorf("decode import: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, lesson := range file.Lessons {
		if lesson.ID == "" {
			lesson.ID = NewID()
		}
		if lesson.Tags == nil {
			lesson.Tags = []string{}
		}
		if lesson.CreatedAt.IsZero() {
			lesson.CreatedAt = now
		}
		if lesson.UpdatedAt.IsZero() {
			lesson.UpdatedAt = now
		}
		if l.redactor != nil {
			lesson.Problem = l.redactor.Redact(lesson.Problem)
			lesson.Resolution = l.redactor.Redact(lesson.Resolution)
			if lesson.Context != "" {
				lesson.Context = l.redactor.Redact(lesson.Context)
			}
		}
		if l.embedder != nil && len(lesson.Embedding) == 0 {
			vec, err := l.embedder.Embed(ctx, embedText(lesson.Problem, lesson.Resolution, lesson.Context))
			if err != nil {
				return 0, fmt.Errorf("embed import %s: %w", lesson.ID, err)
			}
			lesson.Embedding = vec
		}
	}

	// The remote backend upserts the whole batch keyed by id in one
	// call, which keeps ids stable across installations.
	if bulk, ok := l.store.(BulkImporter); ok {
		return bulk.ImportLessons(ctx, file.Lessons)
	}

	existing, err := l.store.List(ctx, ListOptions{})
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, lesson := range existing {
		seen[lesson.ID] = struct{}{}
	}

	imported := 0
	for _, lesson := range file.Lessons {
		if _, ok := seen[lesson.ID]; ok {
			continue
		}
		if err := l.store.Save(ctx, lesson); err != nil {
			return imported, err
		}
		seen[lesson.ID] = struct{}{}
		imported++
	}
	return imported, nil
}

// embedText is the canonical embedding input: problem and resolution,
// plus context when present. Publish, Import, and the server all embed
// this same concatenation so query vectors compare against like input.
func embedText(problem, resolution, context string) string {
	s := problem + " " + resolution
	if context != "" {
		s += " " + context
	}
	return s
}
