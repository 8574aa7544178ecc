package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/config"
)

// These tests drive the published client against the real handler
// stack, so a drift on either side of the wire contract fails here.

func startServer(t *testing.T, cfg config.ServerSettings) (*fakeRepo, *httptest.Server) {
	t.Helper()
	repo := newFakeRepo()
	srv := newServer(repo, cfg, zap.NewNop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return repo, ts
}

func initClient(t *testing.T, ts *httptest.Server) *lore.RemoteStore {
	t.Helper()
	res, err := lore.InitOrg(context.Background(), ts.URL, "acme")
	if err != nil {
		t.Fatalf("InitOrg: %v", err)
	}
	store, err := lore.NewRemoteStore(ts.URL, res.APIKey)
	if err != nil {
		t.Fatalf("NewRemoteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRemoteStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	_, ts := startServer(t, testSettings())
	store := initClient(t, ts)

	lesson := &lore.Lesson{
		ID:         lore.NewID(),
		Problem:    "goroutine leak in the watcher",
		Resolution: "close the events channel on shutdown",
		Tags:       []string{"concurrency"},
		Confidence: 0.8,
		Embedding:  vec(2),
	}
	localID := lesson.ID
	if err := store.Save(ctx, lesson); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if lesson.ID == localID || lesson.ID == "" {
		t.Fatalf("Save did not adopt a server id: %q", lesson.ID)
	}

	got, err := store.Get(ctx, lesson.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Problem != lesson.Problem || got.Confidence != 0.8 {
		t.Fatalf("Get = %+v", got)
	}
	if len(got.Embedding) != 0 {
		t.Fatal("Get returned the embedding")
	}

	if missing, err := store.Get(ctx, lore.NewID()); err != nil || missing != nil {
		t.Fatalf("Get(miss) = %v, %v; want nil, nil", missing, err)
	}

	second := &lore.Lesson{
		Problem:    "flaky integration test",
		Resolution: "pin the container image digest",
		Confidence: 0.6,
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save second: %v", err)
	}
	lessons, err := store.List(ctx, lore.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(lessons) != 2 || lessons[0].ID != second.ID {
		t.Fatalf("List = %d lessons, first %q; want newest first", len(lessons), lessons[0].ID)
	}

	// Update replaces the mutable fields wholesale.
	got.Confidence = 0.95
	got.Tags = []string{"concurrency", "reviewed"}
	ok, err := store.Update(ctx, got)
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	after, err := store.Get(ctx, got.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if after.Confidence != 0.95 || len(after.Tags) != 2 {
		t.Fatalf("update not applied: %+v", after)
	}

	phantom := &lore.Lesson{ID: lore.NewID(), Problem: "p", Resolution: "r"}
	if ok, err := store.Update(ctx, phantom); err != nil || ok {
		t.Fatalf("Update(miss) = %v, %v; want false, nil", ok, err)
	}

	// Votes increment server-side.
	if err := store.IncrementVote(ctx, lesson.ID, true); err != nil {
		t.Fatalf("IncrementVote up: %v", err)
	}
	if err := store.IncrementVote(ctx, lesson.ID, true); err != nil {
		t.Fatalf("IncrementVote up: %v", err)
	}
	if err := store.IncrementVote(ctx, lesson.ID, false); err != nil {
		t.Fatalf("IncrementVote down: %v", err)
	}
	voted, _ := store.Get(ctx, lesson.ID)
	if voted.Upvotes != 2 || voted.Downvotes != 1 {
		t.Fatalf("votes = %d/%d, want 2/1", voted.Upvotes, voted.Downvotes)
	}

	var nf *lore.NotFoundError
	if err := store.IncrementVote(ctx, lore.NewID(), true); !errors.As(err, &nf) {
		t.Fatalf("IncrementVote(miss) = %v, want NotFoundError", err)
	}

	// Search reaches the scored lessons; the second lesson has no
	// embedding and cannot match.
	results, err := store.Search(ctx, vec(2), lore.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Lesson.ID != lesson.ID {
		t.Fatalf("Search = %+v", results)
	}
	if results[0].Score <= 0 {
		t.Fatalf("score = %v, want positive", results[0].Score)
	}

	// Export carries embeddings; import restores a wiped lesson.
	exported, err := store.ExportLessons(ctx)
	if err != nil {
		t.Fatalf("ExportLessons: %v", err)
	}
	var withVec *lore.Lesson
	for _, l := range exported {
		if l.ID == lesson.ID {
			withVec = l
		}
	}
	if withVec == nil || len(withVec.Embedding) != lore.DefaultEmbeddingDim {
		t.Fatalf("export lost the embedding: %+v", withVec)
	}

	if ok, err := store.Delete(ctx, lesson.ID); err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if ok, err := store.Delete(ctx, lesson.ID); err != nil || ok {
		t.Fatalf("Delete(again) = %v, %v; want false, nil", ok, err)
	}

	imported, err := store.ImportLessons(ctx, []*lore.Lesson{withVec})
	if err != nil {
		t.Fatalf("ImportLessons: %v", err)
	}
	if imported != 1 {
		t.Fatalf("imported = %d, want 1", imported)
	}
	restored, err := store.Get(ctx, lesson.ID)
	if err != nil || restored == nil {
		t.Fatalf("Get after import = %v, %v", restored, err)
	}
	if restored.Upvotes != 2 {
		t.Fatalf("restored upvotes = %d, want 2", restored.Upvotes)
	}
}

func TestInitOrgIsOneShot(t *testing.T) {
	_, ts := startServer(t, testSettings())

	if _, err := lore.InitOrg(context.Background(), ts.URL, "first"); err != nil {
		t.Fatalf("InitOrg: %v", err)
	}
	_, err := lore.InitOrg(context.Background(), ts.URL, "second")
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("second InitOrg = %v, want a 409", err)
	}
}

func TestRemoteStoreKeyManagement(t *testing.T) {
	ctx := context.Background()
	_, ts := startServer(t, testSettings())
	root := initClient(t, ts)

	grant, err := root.CreateKey(ctx, "agent-7", "api", false)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if grant.Key == "" || grant.Project != "api" {
		t.Fatalf("grant = %+v", grant)
	}

	scoped, err := lore.NewRemoteStore(ts.URL, grant.Key)
	if err != nil {
		t.Fatalf("NewRemoteStore(scoped): %v", err)
	}
	defer scoped.Close()

	scopedLesson := &lore.Lesson{Problem: "p", Resolution: "r", Confidence: 0.5}
	if err := scoped.Save(ctx, scopedLesson); err != nil {
		t.Fatalf("scoped Save: %v", err)
	}
	got, err := root.Get(ctx, scopedLesson.ID)
	if err != nil || got == nil {
		t.Fatalf("Get scoped lesson = %v, %v", got, err)
	}
	if got.Project != "api" {
		t.Fatalf("project = %q, want the key's scope", got.Project)
	}

	// A non-root key cannot manage keys.
	if _, err := scoped.ListKeys(ctx); err == nil {
		t.Fatal("scoped ListKeys succeeded, want AuthError")
	}

	keys, err := root.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(keys))
	}

	if err := root.RevokeKey(ctx, grant.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	var authErr *lore.AuthError
	if _, err := scoped.List(ctx, lore.ListOptions{}); !errors.As(err, &authErr) {
		t.Fatalf("revoked key List = %v, want AuthError", err)
	}
	if authErr.StatusCode != 401 {
		t.Fatalf("AuthError status = %d, want 401", authErr.StatusCode)
	}

	keys, err = root.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys after revoke: %v", err)
	}
	for _, k := range keys {
		if k.ID == grant.ID && !k.Revoked {
			t.Fatal("revoked key not flagged in the listing")
		}
	}
}

func TestRemoteStoreRateLimited(t *testing.T) {
	ctx := context.Background()
	cfg := testSettings()
	cfg.RateLimit = 2
	_, ts := startServer(t, cfg)
	store := initClient(t, ts)

	var rl *lore.RateLimitError
	var hit bool
	for i := 0; i < 3; i++ {
		if _, err := store.List(ctx, lore.ListOptions{}); err != nil {
			if !errors.As(err, &rl) {
				t.Fatalf("List %d = %v, want RateLimitError", i, err)
			}
			hit = true
		}
	}
	if !hit {
		t.Fatal("rate limit never tripped")
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", rl.RetryAfter)
	}
}

func TestRemoteStoreConnectionError(t *testing.T) {
	_, ts := startServer(t, testSettings())
	store := initClient(t, ts)
	ts.Close()

	var ce *lore.ConnectionError
	if _, err := store.Get(context.Background(), lore.NewID()); !errors.As(err, &ce) {
		t.Fatalf("Get on closed server = %v, want ConnectionError", err)
	}
}
