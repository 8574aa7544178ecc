package lore

import "context"

// ListOptions narrows a List call. A zero value lists everything,
// newest first.
type ListOptions struct {
	// Project keeps only lessons in the given project when non-empty.
	Project string
	// Limit caps the number of rows returned; 0 means no cap.
	Limit int
}

// SearchOptions narrows and shapes a vector search.
type SearchOptions struct {
	// Tags keeps only lessons carrying every listed tag.
	Tags []string
	// Project keeps only lessons in the given project when non-empty.
	Project string
	// Limit caps results; 0 means DefaultQueryLimit.
	Limit int
	// MinConfidence drops lessons whose raw confidence is below the
	// threshold, before any decay is applied.
	MinConfidence float64
	// HalfLifeDays overrides the decay half-life for local ranking;
	// 0 means DefaultHalfLifeDays. Remote search ignores it.
	HalfLifeDays float64
}

// Store is the capability set shared by every lesson backend. The four
// implementations (memory, embedded, remote, and the server's own
// database layer) differ in mechanics, never in these semantics.
//
// Get returns (nil, nil) for an absent id. Update and Delete report
// absence as (false, nil). Search never returns expired lessons and
// orders by score descending with deterministic tie-breaks.
type Store interface {
	Save(ctx context.Context, lesson *Lesson) error
	Get(ctx context.Context, id string) (*Lesson, error)
	List(ctx context.Context, opts ListOptions) ([]*Lesson, error)
	Update(ctx context.Context, lesson *Lesson) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, vec []float32, opts SearchOptions) ([]QueryResult, error)
	Close() error
}

// VoteIncrementer is an optional store capability: apply a single +1
// vote atomically instead of the fetch-modify-save fallback. Backends
// with transactional semantics should implement it.
type VoteIncrementer interface {
	IncrementVote(ctx context.Context, id string, upvote bool) error
}

// BulkExporter is an optional store capability: fetch every lesson in
// scope, embeddings included, in one round trip.
type BulkExporter interface {
	ExportLessons(ctx context.Context) ([]*Lesson, error)
}

// BulkImporter is an optional store capability: upsert a batch of
// lessons keyed by their ids, returning how many were applied.
type BulkImporter interface {
	ImportLessons(ctx context.Context, lessons []*Lesson) (int, error)
}
