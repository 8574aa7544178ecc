package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sgx-labs/lore"
)

// secretPrefix marks every API key secret. The stored prefix column is
// the first 12 characters of the secret, enough to recognize a key in
// a list without exposing it.
const secretPrefix = "lore_sk_"

const (
	keyCacheTTL   = time.Minute
	keyCacheCap   = 10_000
	touchInterval = time.Minute
)

// Roles order reader < writer < admin. A key's explicit role wins;
// root keys without one act as admin, everything else as writer.
const (
	roleReader = "reader"
	roleWriter = "writer"
	roleAdmin  = "admin"
)

var roleRank = map[string]int{roleReader: 1, roleWriter: 2, roleAdmin: 3}

func effectiveRole(k *lore.APIKey) string {
	if k.Role != "" {
		return k.Role
	}
	if k.IsRoot {
		return roleAdmin
	}
	return roleWriter
}

func roleAtLeast(k *lore.APIKey, min string) bool {
	return roleRank[effectiveRole(k)] >= roleRank[min]
}

// newKeySecret mints an API key secret plus the display prefix and hash
// the server stores. The secret is returned to the caller once and
// never persisted.
func newKeySecret() (secret, prefix, hash string, err error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	secret = secretPrefix + hex.EncodeToString(raw)
	return secret, secret[:12], hashSecret(secret), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key *lore.APIKey
	at  time.Time
}

// keyCache memoizes hash lookups so the hot path skips the database.
// Entries expire after keyCacheTTL; past keyCacheCap the stalest half
// is dropped.
type keyCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newKeyCache() *keyCache {
	return &keyCache{entries: make(map[string]cacheEntry)}
}

func (c *keyCache) get(hash string, now time.Time) (*lore.APIKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok || now.Sub(e.at) > keyCacheTTL {
		return nil, false
	}
	return e.key, true
}

func (c *keyCache) put(hash string, key *lore.APIKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= keyCacheCap {
		c.evictStalest()
	}
	c.entries[hash] = cacheEntry{key: key, at: now}
}

// evictStalest drops the oldest half of the cache. Called with c.mu
// held.
func (c *keyCache) evictStalest() {
	type aged struct {
		hash string
		at   time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for h, e := range c.entries {
		all = append(all, aged{h, e.at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)/2] {
		delete(c.entries, a.hash)
	}
}

// dropKeyID removes any entry for the given key id so a revoked secret
// stops working on this instance immediately instead of at TTL expiry.
func (c *keyCache) dropKeyID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, e := range c.entries {
		if e.key.ID == id {
			delete(c.entries, h)
		}
	}
}

// authenticator resolves bearer tokens to API keys.
type authenticator struct {
	repo  Repo
	cache *keyCache
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	touched map[string]time.Time
}

func newAuthenticator(repo Repo, log *zap.Logger) *authenticator {
	return &authenticator{
		repo:    repo,
		cache:   newKeyCache(),
		log:     log,
		now:     time.Now,
		touched: make(map[string]time.Time),
	}
}

// authenticate resolves the request's bearer token. Failures come back
// as *apiFault so the caller can write the right status and code.
func (a *authenticator) authenticate(ctx context.Context, r *http.Request) (*lore.APIKey, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, &apiFault{http.StatusUnauthorized, codeUnauthorized, "missing bearer token"}
	}
	if !strings.HasPrefix(token, secretPrefix) {
		return nil, &apiFault{http.StatusUnauthorized, codeUnauthorized, "invalid API key"}
	}
	hash := hashSecret(token)
	now := a.now()

	key, cached := a.cache.get(hash, now)
	if !cached {
		var err error
		key, err = a.repo.KeyByHash(ctx, hash)
		if errors.Is(err, errStoreNotFound) {
			return nil, &apiFault{http.StatusUnauthorized, codeUnauthorized, "invalid API key"}
		}
		if err != nil {
			return nil, err
		}
		if !hmac.Equal([]byte(key.KeyHash), []byte(hash)) {
			return nil, &apiFault{http.StatusUnauthorized, codeUnauthorized, "invalid API key"}
		}
		a.cache.put(hash, key, now)
	}
	if key.Revoked() {
		return nil, &apiFault{http.StatusUnauthorized, codeKeyRevoked, "API key has been revoked"}
	}
	if a.shouldTouch(key, now) {
		if err := a.repo.TouchKey(ctx, key.ID, now); err != nil {
			a.log.Warn("update key last_used_at",
				zap.String("key_id", key.ID), zap.Error(err))
		}
	}
	return key, nil
}

// shouldTouch debounces last_used_at writes to one per touchInterval
// per key, seeding from the stored timestamp the first time a key is
// seen after startup.
func (a *authenticator) shouldTouch(key *lore.APIKey, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.touched[key.ID]
	if !ok && key.LastUsedAt != nil {
		last, ok = *key.LastUsedAt, true
	}
	if ok && now.Sub(last) < touchInterval {
		a.touched[key.ID] = last
		return false
	}
	a.touched[key.ID] = now
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(h) <= len(scheme) || !strings.EqualFold(h[:len(scheme)], scheme) {
		return "", false
	}
	token := strings.TrimSpace(h[len(scheme):])
	return token, token != ""
}

// scopeProject resolves the project a request operates in. A
// project-scoped key is pinned to its project for both reads and
// writes; other keys use whatever the request asked for.
func scopeProject(key *lore.APIKey, requested string) string {
	if key.Project != "" {
		return key.Project
	}
	return requested
}
