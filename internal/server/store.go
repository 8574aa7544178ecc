package server

import (
	"context"
	"errors"
	"time"

	"github.com/sgx-labs/lore"
)

// Sentinel errors returned by Repo implementations. Handlers translate
// them into wire status codes.
var (
	errStoreNotFound  = errors.New("not found")
	errOrgExists      = errors.New("organization already initialized")
	errAlreadyRevoked = errors.New("key already revoked")
	errLastRootKey    = errors.New("cannot revoke the last active root key")
)

// listQuery selects one page of lessons within an org, newest first.
type listQuery struct {
	OrgID   string
	Project string
	Text    string // case-insensitive substring over problem and resolution
	Limit   int
	Offset  int
}

// searchQuery carries the filters for one vector search within an org.
// Tags means all-of; MinConfidence applies to the stored confidence,
// not the final score.
type searchQuery struct {
	OrgID         string
	Embedding     []float32
	Limit         int
	MinConfidence float64
	Tags          []string
	Project       string
}

// scoredRow pairs a lesson with the score the store computed for it.
type scoredRow struct {
	Lesson *lore.Lesson
	Score  float64
}

// lessonPatch is a partial update. Nil fields stay untouched; the vote
// deltas are applied atomically on top of the stored counts and never
// drive a count below zero.
type lessonPatch struct {
	Confidence    *float64
	Tags          *[]string
	Upvotes       *int
	Downvotes     *int
	UpvoteDelta   int
	DownvoteDelta int
	Meta          *map[string]any
}

func (p lessonPatch) empty() bool {
	return p.Confidence == nil && p.Tags == nil && p.Upvotes == nil &&
		p.Downvotes == nil && p.UpvoteDelta == 0 && p.DownvoteDelta == 0 &&
		p.Meta == nil
}

// Repo is the persistence surface the handlers run on. The production
// implementation is pgStore; tests substitute an in-memory fake so the
// full HTTP stack runs without Postgres.
//
// Every lesson method scopes by org, and by project too when project is
// non-empty, so a project-scoped key cannot see or touch rows outside
// its project.
type Repo interface {
	CreateLesson(ctx context.Context, orgID string, l *lore.Lesson) error
	GetLesson(ctx context.Context, orgID, project, id string) (*lore.Lesson, error)
	ListLessons(ctx context.Context, q listQuery) ([]*lore.Lesson, int, error)
	UpdateLesson(ctx context.Context, orgID, project, id string, p lessonPatch) (*lore.Lesson, error)
	DeleteLesson(ctx context.Context, orgID, project, id string) error
	SearchLessons(ctx context.Context, q searchQuery) ([]scoredRow, error)
	ExportLessons(ctx context.Context, orgID, project string) ([]*lore.Lesson, error)
	ImportLessons(ctx context.Context, orgID string, lessons []*lore.Lesson) (int, error)
	CountLessons(ctx context.Context) (int64, error)

	CreateOrg(ctx context.Context, org *lore.Org, rootKey *lore.APIKey) error
	CreateKey(ctx context.Context, k *lore.APIKey) error
	KeyByHash(ctx context.Context, hash string) (*lore.APIKey, error)
	ListKeys(ctx context.Context, orgID string) ([]*lore.APIKey, error)
	RevokeKey(ctx context.Context, orgID, id string) error
	TouchKey(ctx context.Context, id string, at time.Time) error

	Ping(ctx context.Context) error
}
