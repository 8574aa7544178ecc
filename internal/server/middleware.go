package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sgx-labs/lore"
)

// maxBodyBytes caps request payloads at 1 MiB. Large enough for a
// thousand-lesson import, small enough that a hostile client cannot
// buffer the server into the ground.
const maxBodyBytes = 1 << 20

type ctxKey int

const (
	metaCtxKey ctxKey = iota
	apiKeyCtxKey
)

// requestMeta is mutable per-request state: the id assigned on the way
// in and the org resolved later by auth, both read by the access log on
// the way out.
type requestMeta struct {
	id    string
	orgID string
}

func metaFrom(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaCtxKey).(*requestMeta)
	return m
}

func keyFrom(ctx context.Context) *lore.APIKey {
	k, _ := ctx.Value(apiKeyCtxKey).(*lore.APIKey)
	return k
}

// statusWriter captures the response code for logs and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withRequestID propagates the caller's X-Request-Id or assigns one,
// echoing it on the response so client and server logs line up.
func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		meta := &requestMeta{id: rid}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), metaCtxKey, meta)))
	})
}

// withRecovery turns handler panics into 500s instead of dropped
// connections.
func (s *server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withAccessLog logs one line per request. Probe endpoints are skipped
// to keep the log readable.
func (s *server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Float64("latency_ms", float64(time.Since(start).Microseconds())/1000),
		}
		if meta := metaFrom(r.Context()); meta != nil {
			fields = append(fields, zap.String("request_id", meta.id))
			if meta.orgID != "" {
				fields = append(fields, zap.String("org_id", meta.orgID))
			}
		}
		s.log.Info("request", fields...)
	})
}

// withMetrics records the request counter and latency histogram,
// labelled by route pattern rather than raw path.
func (s *server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := routePattern(r.URL.Path)
		requestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		requestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// withBodyLimit rejects oversized payloads: by Content-Length when the
// client declares one, and by MaxBytesReader when it does not.
func (s *server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge,
				"request body exceeds 1 MiB")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies the sliding window before auth. The bearer
// token hash doubles as the bucket key so no database access is needed
// to throttle; tokenless requests bucket by client address.
func (s *server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		ok, retry := s.limiter.allow(rateKey(r), time.Now())
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, codeRateLimited,
				fmt.Sprintf("rate limit exceeded, retry in %ds", retry))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateKey(r *http.Request) string {
	if token, ok := bearerToken(r); ok {
		return hashSecret(token)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authed wraps a handler with authentication and a minimum role.
func (s *server) authed(minRole string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := s.auth.authenticate(r.Context(), r)
		if err != nil {
			if internal := writeFault(w, err); internal {
				s.log.Error("authenticate request", zap.Error(err))
			}
			return
		}
		if !roleAtLeast(key, minRole) {
			writeError(w, http.StatusForbidden, codeForbidden,
				fmt.Sprintf("requires %s access", minRole))
			return
		}
		if meta := metaFrom(r.Context()); meta != nil {
			meta.orgID = key.OrgID
		}
		h(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey, key)))
	}
}

// rootOnly gates key management: only root keys pass, whatever their
// role says.
func (s *server) rootOnly(h http.HandlerFunc) http.HandlerFunc {
	return s.authed(roleReader, func(w http.ResponseWriter, r *http.Request) {
		if key := keyFrom(r.Context()); key == nil || !key.IsRoot {
			writeError(w, http.StatusForbidden, codeForbidden, "root key required")
			return
		}
		h(w, r)
	})
}
