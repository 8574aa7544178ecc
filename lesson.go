package lore

import (
	"crypto/rand"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Lesson is one unit of cross-agent memory: a problem an agent hit,
// the resolution that worked, and the metadata used to rank it later.
type Lesson struct {
	ID         string         `json:"id"`
	Problem    string         `json:"problem"`
	Resolution string         `json:"resolution"`
	Context    string         `json:"context,omitempty"`
	Tags       []string       `json:"tags"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source,omitempty"`
	Project    string         `json:"project,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Upvotes    int            `json:"upvotes"`
	Downvotes  int            `json:"downvotes"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Expired reports whether the lesson's expiry, if any, is at or before now.
func (l *Lesson) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Clone returns a deep copy. Stores hand out clones so callers can
// mutate results without corrupting stored state.
func (l *Lesson) Clone() *Lesson {
	c := *l
	if l.Tags != nil {
		c.Tags = append([]string(nil), l.Tags...)
	}
	if l.Embedding != nil {
		c.Embedding = append([]float32(nil), l.Embedding...)
	}
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	if l.Meta != nil {
		c.Meta = maps.Clone(l.Meta)
	}
	return &c
}

// Validate checks the publishable invariants: non-empty problem and
// resolution, confidence within [0, 1].
func (l *Lesson) Validate() error {
	if strings.TrimSpace(l.Problem) == "" {
		return fmt.Errorf("lesson problem must not be empty")
	}
	if strings.TrimSpace(l.Resolution) == "" {
		return fmt.Errorf("lesson resolution must not be empty")
	}
	if l.Confidence < 0 || l.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range [0, 1]", l.Confidence)
	}
	return nil
}

// QueryResult pairs a lesson with its relevance score. Scores order
// results within one query and carry no absolute meaning.
type QueryResult struct {
	Lesson *Lesson `json:"lesson"`
	Score  float64 `json:"score"`
}

var idEntropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.Reader, 0),
}

// NewID returns a lexicographically sortable lesson id. IDs minted by
// one process sort in creation order even within a single millisecond.
func NewID() string {
	return ulid.MustNew(ulid.Now(), idEntropy).String()
}

// Org is a tenant on a Lore server. Single-tenant deployments hold
// exactly one.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a server credential. The secret is never stored; only its
// SHA-256 hash and a short display prefix survive creation.
type APIKey struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Project    string     `json:"project,omitempty"`
	Role       string     `json:"role"`
	IsRoot     bool       `json:"is_root"`
	UserID     string     `json:"user_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// User is an optional human identity behind one or more API keys.
type User struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ptr returns a pointer to v. Convenience for optional request fields.
func Ptr[T any](v T) *T { return &v }
