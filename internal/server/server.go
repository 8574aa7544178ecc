// Package server implements the Lore HTTP API: multi-tenant lesson
// storage on Postgres with pgvector, bearer-key auth, and an optional
// prompt-injection guard on the write path. The wire contract is the
// one the RemoteStore client in the root package speaks.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sgx-labs/lore/internal/config"
	"github.com/sgx-labs/lore/internal/guard"
)

// Serve runs the API server until SIGINT or SIGTERM. Configuration
// comes entirely from the environment; see config.ServerFromEnv.
func Serve(version string) error {
	cfg, err := config.ServerFromEnv()
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := Migrate(cfg.DatabaseURL); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	repo := newPGStore(pool)
	defer repo.Close()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	s := newServer(repo, cfg, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.ListenAndServe()
	}()
	log.Info("lore server listening",
		zap.String("addr", cfg.Addr()),
		zap.String("version", version),
		zap.Bool("guard", cfg.Guard),
		zap.Int("rate_limit", cfg.RateLimit))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildLogger(cfg config.ServerSettings) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LORE_LOG_LEVEL %q", cfg.LogLevel)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

type server struct {
	repo    Repo
	cfg     config.ServerSettings
	log     *zap.Logger
	auth    *authenticator
	limiter *rateLimiter

	// screen checks lesson text before it is stored. Nil when the
	// guard is disabled; reports the offending field name otherwise.
	screen func(ctx context.Context, problem, resolution, contextText string) string
}

func newServer(repo Repo, cfg config.ServerSettings, log *zap.Logger) *server {
	s := &server{
		repo:    repo,
		cfg:     cfg,
		log:     log,
		auth:    newAuthenticator(repo, log),
		limiter: newRateLimiter(cfg.RateLimit, time.Minute),
	}
	if cfg.Guard {
		s.screen = guard.ScreenLesson
	}
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /v1/org/init", s.handleOrgInit)

	mux.HandleFunc("POST /v1/lessons", s.authed(roleWriter, s.handleCreateLesson))
	mux.HandleFunc("GET /v1/lessons", s.authed(roleReader, s.handleListLessons))
	mux.HandleFunc("POST /v1/lessons/search", s.authed(roleReader, s.handleSearchLessons))
	mux.HandleFunc("POST /v1/lessons/export", s.authed(roleReader, s.handleExportLessons))
	mux.HandleFunc("POST /v1/lessons/import", s.authed(roleWriter, s.handleImportLessons))
	mux.HandleFunc("GET /v1/lessons/{id}", s.authed(roleReader, s.handleGetLesson))
	mux.HandleFunc("PATCH /v1/lessons/{id}", s.authed(roleWriter, s.handleUpdateLesson))
	mux.HandleFunc("DELETE /v1/lessons/{id}", s.authed(roleWriter, s.handleDeleteLesson))

	mux.HandleFunc("POST /v1/keys", s.rootOnly(s.handleCreateKey))
	mux.HandleFunc("GET /v1/keys", s.rootOnly(s.handleListKeys))
	mux.HandleFunc("DELETE /v1/keys/{id}", s.rootOnly(s.handleRevokeKey))

	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	h = s.withRateLimit(h)
	h = s.withBodyLimit(h)
	h = s.withMetrics(h)
	h = s.withAccessLog(h)
	h = s.withRecovery(h)
	h = s.withRequestID(h)
	return h
}

// handleHealth is liveness only; it answers even with the database
// down. Readiness is /readyz.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleMetrics refreshes the lesson gauge before serving the default
// registry so lore_lessons_total is current for every scrape.
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if n, err := s.repo.CountLessons(r.Context()); err == nil {
		lessonsTotal.Set(float64(n))
	}
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, codeNotFound, "no such endpoint")
}

// readJSON decodes the request body, translating the body-limit and
// syntax failure cases into their wire shapes.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, http.StatusBadRequest, codeMalformedJSON, "request body is not valid JSON")
		return false
	}
	return true
}

// readOptionalJSON is readJSON for endpoints where an empty body means
// an empty request.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, ok := readBody(w, r)
	if !ok {
		return false
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, http.StatusBadRequest, codeMalformedJSON, "request body is not valid JSON")
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge,
				"request body exceeds 1 MiB")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, codeBadRequest, "could not read request body")
		return nil, false
	}
	return raw, true
}
