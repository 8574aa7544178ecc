package lore

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoEmbedder is returned by Publish and Query when the façade was
// built without an embedding provider.
var ErrNoEmbedder = errors.New("no embedding provider configured")

// NotFoundError reports an operation against a lesson id that does not
// exist or is outside the caller's key scope.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("lesson not found: %s", e.ID)
}

// IsNotFound reports whether err is a lesson-not-found failure.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// AuthError reports that the server rejected the API key (401 or 403).
// Requests that fail this way are never retried.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
}

// RateLimitError reports a 429 from the server. RetryAfter is the
// server's hint; zero when the header was absent or unparseable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ConnectionError wraps a network-level failure from a remote operation.
// For mutating calls the outcome on the server is indeterminate.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
