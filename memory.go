package lore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps lessons in a map guarded by a single mutex. It is
// meant for tests and ephemeral agents; nothing survives the process.
type MemoryStore struct {
	mu      sync.RWMutex
	lessons map[string]*Lesson
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lessons: make(map[string]*Lesson)}
}

// Save inserts or replaces a lesson. The store keeps its own deep copy
// so callers cannot mutate stored state afterwards.
func (s *MemoryStore) Save(ctx context.Context, lesson *Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons[lesson.ID] = lesson.Clone()
	return nil
}

// Get returns a copy of the lesson, or (nil, nil) when absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lessons[id]
	if !ok {
		return nil, nil
	}
	return l.Clone(), nil
}

// List returns lessons newest first, optionally scoped to a project.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Lesson, error) {
	s.mu.RLock()
	out := make([]*Lesson, 0, len(s.lessons))
	for _, l := range s.lessons {
		if opts.Project != "" && l.Project != opts.Project {
			continue
		}
		out = append(out, l.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Update replaces an existing lesson, reporting false when the id is
// unknown.
func (s *MemoryStore) Update(ctx context.Context, lesson *Lesson) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lessons[lesson.ID]; !ok {
		return false, nil
	}
	s.lessons[lesson.ID] = lesson.Clone()
	return true, nil
}

// Delete removes a lesson, reporting false when the id is unknown.
func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lessons[id]; !ok {
		return false, nil
	}
	delete(s.lessons, id)
	return true, nil
}

// Search scans every lesson and ranks the survivors.
func (s *MemoryStore) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]QueryResult, error) {
	lessons, err := s.List(ctx, ListOptions{Project: opts.Project})
	if err != nil {
		return nil, err
	}
	return rankLessons(lessons, vec, opts, time.Now().UTC())
}

// Close is a no-op; there is nothing to release.
func (s *MemoryStore) Close() error { return nil }
