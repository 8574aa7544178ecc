package lore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultRemoteTimeout bounds each API call when no custom client is
// supplied.
const DefaultRemoteTimeout = 30 * time.Second

// RemoteStore delegates every operation to a Lore server: one HTTP call
// per operation, no retries. A mutating call that fails with a
// ConnectionError is indeterminate on the server side; callers decide
// whether to repeat it.
//
// Search runs on the server against the whole org corpus, so agents on
// different machines retrieve each other's lessons.
type RemoteStore struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

var (
	_ Store           = (*RemoteStore)(nil)
	_ VoteIncrementer = (*RemoteStore)(nil)
	_ BulkExporter    = (*RemoteStore)(nil)
	_ BulkImporter    = (*RemoteStore)(nil)
)

// RemoteOption configures a RemoteStore.
type RemoteOption func(*RemoteStore)

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(s *RemoteStore) { s.timeout = d }
}

// WithHTTPClient substitutes the HTTP client, e.g. for custom TLS or a
// shared transport. The client's own timeout then applies.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteStore) { s.client = c }
}

// NewRemoteStore returns a store backed by the Lore server at apiURL,
// authenticating every call with apiKey.
func NewRemoteStore(apiURL, apiKey string, opts ...RemoteOption) (*RemoteStore, error) {
	if apiURL == "" {
		return nil, errors.New("remote store: api url required")
	}
	if apiKey == "" {
		return nil, errors.New("remote store: api key required")
	}
	s := &RemoteStore{
		baseURL: strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		timeout: DefaultRemoteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: s.timeout}
	}
	return s, nil
}

// Close releases idle connections. Safe to call more than once.
func (s *RemoteStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Save creates the lesson on the server and adopts the id the server
// assigned, replacing any locally minted one.
func (s *RemoteStore) Save(ctx context.Context, lesson *Lesson) error {
	body := toLessonBody(lesson)
	body.ID = "" // the server mints ids on create
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.request(ctx, http.MethodPost, "/v1/lessons", nil, body, &resp); err != nil {
		return err
	}
	if resp.ID != "" {
		lesson.ID = resp.ID
	}
	return nil
}

// Get returns the lesson, or (nil, nil) when the server has no such id
// in the key's scope. Embeddings are not returned.
func (s *RemoteStore) Get(ctx context.Context, id string) (*Lesson, error) {
	var lesson Lesson
	err := s.request(ctx, http.MethodGet, "/v1/lessons/"+url.PathEscape(id), nil, nil, &lesson)
	if errors.Is(err, errRemoteNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lesson, nil
}

// List returns lessons newest first. The server caps page size, so a
// zero limit returns its default page, not the full corpus; use
// ExportLessons for everything.
func (s *RemoteStore) List(ctx context.Context, opts ListOptions) ([]*Lesson, error) {
	query := url.Values{}
	if opts.Project != "" {
		query.Set("project", opts.Project)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp struct {
		Lessons []*Lesson `json:"lessons"`
	}
	if err := s.request(ctx, http.MethodGet, "/v1/lessons", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lessons, nil
}

// updatePatch carries the mutable lesson fields with absolute values.
type updatePatch struct {
	Confidence float64        `json:"confidence"`
	Tags       []string       `json:"tags"`
	Upvotes    int            `json:"upvotes"`
	Downvotes  int            `json:"downvotes"`
	Meta       map[string]any `json:"meta"`
}

// Update patches the mutable fields, reporting false for an unknown id.
func (s *RemoteStore) Update(ctx context.Context, lesson *Lesson) (bool, error) {
	tags := lesson.Tags
	if tags == nil {
		tags = []string{}
	}
	meta := lesson.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	patch := updatePatch{
		Confidence: lesson.Confidence,
		Tags:       tags,
		Upvotes:    lesson.Upvotes,
		Downvotes:  lesson.Downvotes,
		Meta:       meta,
	}
	err := s.request(ctx, http.MethodPatch, "/v1/lessons/"+url.PathEscape(lesson.ID), nil, patch, nil)
	if errors.Is(err, errRemoteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a lesson, reporting false for an unknown id.
func (s *RemoteStore) Delete(ctx context.Context, id string) (bool, error) {
	err := s.request(ctx, http.MethodDelete, "/v1/lessons/"+url.PathEscape(id), nil, nil, nil)
	if errors.Is(err, errRemoteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// votePatch uses the server's "+1" sentinel so the increment happens in
// one UPDATE on the server.
type votePatch struct {
	Upvotes   string `json:"upvotes,omitempty"`
	Downvotes string `json:"downvotes,omitempty"`
}

// IncrementVote applies one vote atomically on the server.
func (s *RemoteStore) IncrementVote(ctx context.Context, id string, upvote bool) error {
	var patch votePatch
	if upvote {
		patch.Upvotes = "+1"
	} else {
		patch.Downvotes = "+1"
	}
	err := s.request(ctx, http.MethodPatch, "/v1/lessons/"+url.PathEscape(id), nil, patch, nil)
	if errors.Is(err, errRemoteNotFound) {
		return &NotFoundError{ID: id}
	}
	return err
}

type searchRequest struct {
	Embedding     []float32 `json:"embedding"`
	Limit         int       `json:"limit"`
	MinConfidence float64   `json:"min_confidence"`
	Tags          []string  `json:"tags,omitempty"`
	Project       string    `json:"project,omitempty"`
}

type scoredLesson struct {
	Lesson
	Score float64 `json:"score"`
}

// Search runs the query server-side. Decay is computed by the server;
// opts.HalfLifeDays has no effect here.
func (s *RemoteStore) Search(ctx context.Context, vec []float32, opts SearchOptions) ([]QueryResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	req := searchRequest{
		Embedding:     vec,
		Limit:         limit,
		MinConfidence: opts.MinConfidence,
		Tags:          opts.Tags,
		Project:       opts.Project,
	}
	var resp struct {
		Lessons []scoredLesson `json:"lessons"`
	}
	if err := s.request(ctx, http.MethodPost, "/v1/lessons/search", nil, req, &resp); err != nil {
		return nil, err
	}
	results := make([]QueryResult, 0, len(resp.Lessons))
	for i := range resp.Lessons {
		results = append(results, QueryResult{
			Lesson: &resp.Lessons[i].Lesson,
			Score:  resp.Lessons[i].Score,
		})
	}
	return results, nil
}

// ExportLessons pulls every lesson in the key's scope, embeddings
// included, in one call.
func (s *RemoteStore) ExportLessons(ctx context.Context) ([]*Lesson, error) {
	var resp struct {
		Lessons []*Lesson `json:"lessons"`
	}
	if err := s.request(ctx, http.MethodPost, "/v1/lessons/export", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lessons, nil
}

// ImportLessons upserts a batch keyed by lesson id, so re-importing the
// same file is idempotent. Returns the number of rows applied.
func (s *RemoteStore) ImportLessons(ctx context.Context, lessons []*Lesson) (int, error) {
	bodies := make([]lessonBody, len(lessons))
	for i, l := range lessons {
		bodies[i] = toLessonBody(l)
	}
	payload := struct {
		Lessons []lessonBody `json:"lessons"`
	}{bodies}
	var resp struct {
		Imported int `json:"imported"`
	}
	if err := s.request(ctx, http.MethodPost, "/v1/lessons/import", nil, payload, &resp); err != nil {
		return 0, err
	}
	return resp.Imported, nil
}

// OrgInitResult is the one-shot bootstrap response. APIKey is the raw
// root key and is never retrievable again.
type OrgInitResult struct {
	OrgID     string `json:"org_id"`
	APIKey    string `json:"api_key"`
	KeyPrefix string `json:"key_prefix"`
}

// InitOrg bootstraps a fresh server: creates the single org and mints
// its root key. Unauthenticated; the server accepts it only while no
// org exists and answers 409 afterwards.
func InitOrg(ctx context.Context, apiURL, name string) (*OrgInitResult, error) {
	if apiURL == "" {
		return nil, errors.New("org init: api url required")
	}
	s := &RemoteStore{
		baseURL: strings.TrimRight(apiURL, "/"),
		client:  &http.Client{Timeout: DefaultRemoteTimeout},
	}
	payload := struct {
		Name string `json:"name"`
	}{name}
	var out OrgInitResult
	if err := s.request(ctx, http.MethodPost, "/v1/org/init", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeyGrant is the one-time response to key creation. Key is the raw
// secret; only its hash survives on the server.
type KeyGrant struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Name    string `json:"name"`
	Project string `json:"project,omitempty"`
}

// CreateKey mints a new API key. Requires a root key.
func (s *RemoteStore) CreateKey(ctx context.Context, name, project string, isRoot bool) (*KeyGrant, error) {
	payload := struct {
		Name    string `json:"name"`
		Project string `json:"project,omitempty"`
		IsRoot  bool   `json:"is_root"`
	}{name, project, isRoot}
	var out KeyGrant
	if err := s.request(ctx, http.MethodPost, "/v1/keys", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeyInfo is key metadata as listed by the server. The secret itself is
// gone; only the display prefix remains.
type KeyInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Project    string     `json:"project,omitempty"`
	IsRoot     bool       `json:"is_root"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// ListKeys returns every key in the org, oldest first. Requires a root
// key.
func (s *RemoteStore) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	var resp struct {
		Keys []KeyInfo `json:"keys"`
	}
	if err := s.request(ctx, http.MethodGet, "/v1/keys", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// RevokeKey revokes a key by id. Requires a root key; the server
// refuses to revoke the last active root key.
func (s *RemoteStore) RevokeKey(ctx context.Context, keyID string) error {
	err := s.request(ctx, http.MethodDelete, "/v1/keys/"+url.PathEscape(keyID), nil, nil, nil)
	if errors.Is(err, errRemoteNotFound) {
		return fmt.Errorf("key not found: %s", keyID)
	}
	return err
}

// errRemoteNotFound marks a 404 so each operation can translate it into
// its own contract (nil lesson, false, or NotFoundError).
var errRemoteNotFound = errors.New("remote: resource not found")

// apiError is the server's error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// request performs one API call, mapping transport failures to
// ConnectionError, 401/403 to AuthError, 429 to RateLimitError, and 404
// to errRemoteNotFound. A 2xx JSON body is decoded into out when out is
// non-nil.
func (s *RemoteStore) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &ConnectionError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Message: readAPIMessage(resp.Body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfterHint(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return errRemoteNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: server returned %d: %s", op, resp.StatusCode, readAPIMessage(resp.Body))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// readAPIMessage extracts the message from an error envelope, falling
// back to the raw body.
func readAPIMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var e apiError
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}

func retryAfterHint(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// lessonBody is the wire form of a lesson in write requests. Vectors
// ride as JSON number arrays; the server assigns ids on create and
// honors them on import.
type lessonBody struct {
	ID         string         `json:"id,omitempty"`
	Problem    string         `json:"problem"`
	Resolution string         `json:"resolution"`
	Context    string         `json:"context,omitempty"`
	Tags       []string       `json:"tags"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source,omitempty"`
	Project    string         `json:"project,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Upvotes    int            `json:"upvotes"`
	Downvotes  int            `json:"downvotes"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func toLessonBody(l *Lesson) lessonBody {
	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	b := lessonBody{
		ID:         l.ID,
		Problem:    l.Problem,
		Resolution: l.Resolution,
		Context:    l.Context,
		Tags:       tags,
		Confidence: l.Confidence,
		Source:     l.Source,
		Project:    l.Project,
		Embedding:  l.Embedding,
		ExpiresAt:  l.ExpiresAt,
		Upvotes:    l.Upvotes,
		Downvotes:  l.Downvotes,
		Meta:       l.Meta,
	}
	if !l.CreatedAt.IsZero() {
		t := l.CreatedAt
		b.CreatedAt = &t
	}
	if !l.UpdatedAt.IsZero() {
		t := l.UpdatedAt
		b.UpdatedAt = &t
	}
	return b
}
