package lore

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DefaultHalfLifeDays is the decay half-life local ranking applies when
// the caller does not override it.
const DefaultHalfLifeDays = 30.0

// DefaultQueryLimit is the number of results a query returns when no
// limit is given.
const DefaultQueryLimit = 5

// Cosine returns the cosine similarity of two vectors. When either
// vector has near-zero magnitude, or the lengths differ, it returns 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	na = math.Sqrt(na)
	nb = math.Sqrt(nb)
	if na < 1e-9 || nb < 1e-9 {
		return 0
	}
	return dot / (na * nb)
}

// TimeDecay returns the geometric age penalty 0.5^(ageDays/halfLife).
// Non-positive half-life falls back to DefaultHalfLifeDays; negative
// age counts as zero, so decay stays within (0, 1].
func TimeDecay(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

// VoteFactor converts a vote tally into a ranking multiplier: each net
// upvote adds 0.1, floored at 0.1 so heavily downvoted lessons remain
// retrievable rather than vanishing.
func VoteFactor(upvotes, downvotes int) float64 {
	f := 1.0 + 0.1*float64(upvotes-downvotes)
	if f < 0.1 {
		return 0.1
	}
	return f
}

// Score combines similarity, confidence, age, and votes into the final
// ranking value used by local stores.
func Score(cosine, confidence, ageDays float64, upvotes, downvotes int, halfLifeDays float64) float64 {
	return cosine * confidence * TimeDecay(ageDays, halfLifeDays) * VoteFactor(upvotes, downvotes)
}

// rankLessons filters, scores, and orders candidates for a query
// vector. Both local stores rank through this one path so their
// results are identical for identical corpora.
//
// Lessons without an embedding are skipped; a lesson whose embedding
// has a different dimension than the query is an integrity failure.
func rankLessons(lessons []*Lesson, vec []float32, opts SearchOptions, now time.Time) ([]QueryResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	results := make([]QueryResult, 0, len(lessons))
	for _, l := range lessons {
		if l.Expired(now) {
			continue
		}
		if opts.Project != "" && l.Project != opts.Project {
			continue
		}
		if l.Confidence < opts.MinConfidence {
			continue
		}
		if !hasAllTags(l.Tags, opts.Tags) {
			continue
		}
		if len(l.Embedding) == 0 {
			continue
		}
		if len(l.Embedding) != len(vec) {
			return nil, fmt.Errorf("lesson %s: embedding dimension %d does not match query dimension %d",
				l.ID, len(l.Embedding), len(vec))
		}
		ageDays := now.Sub(l.CreatedAt).Hours() / 24
		s := Score(Cosine(vec, l.Embedding), l.Confidence, ageDays, l.Upvotes, l.Downvotes, opts.HalfLifeDays)
		results = append(results, QueryResult{Lesson: l, Score: s})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// sortResults orders by score descending, then created_at descending,
// then id descending, so equal-score runs are deterministic.
func sortResults(results []QueryResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Lesson.CreatedAt.Equal(b.Lesson.CreatedAt) {
			return a.Lesson.CreatedAt.After(b.Lesson.CreatedAt)
		}
		return a.Lesson.ID > b.Lesson.ID
	})
}

// hasAllTags reports whether want is a subset of have. An empty filter
// matches everything.
func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
