package lore

import (
	"os"
	"path/filepath"

	"github.com/sgx-labs/lore/redact"
)

// DefaultDBPath returns ~/.lore/lore.db, where the embedded store lives
// when nothing else is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".lore", "lore.db")
	}
	return filepath.Join(home, ".lore", "lore.db")
}

// Option configures a Lore instance at construction.
type Option func(*settings)

type settings struct {
	project  string
	dbPath   string
	store    Store
	apiURL   string
	apiKey   string
	embedder Embedder
	redactOn bool
	patterns []redact.Pattern
	halfLife float64
}

// WithProject scopes publishes and queries to one project by default.
func WithProject(project string) Option {
	return func(s *settings) { s.project = project }
}

// WithDBPath places the embedded store at path instead of DefaultDBPath.
// Ignored when another backend is selected.
func WithDBPath(path string) Option {
	return func(s *settings) { s.dbPath = path }
}

// WithStore uses a caller-built store. Close passes through to it.
func WithStore(store Store) Option {
	return func(s *settings) { s.store = store }
}

// WithRemote targets a Lore server instead of a local database. Both
// the URL and the API key are required.
func WithRemote(apiURL, apiKey string) Option {
	return func(s *settings) {
		s.apiURL = apiURL
		s.apiKey = apiKey
	}
}

// WithEmbedder supplies the embedding provider. Without one, Publish
// and Query fail with ErrNoEmbedder.
func WithEmbedder(e Embedder) Option {
	return func(s *settings) { s.embedder = e }
}

// WithEmbedderFunc adapts a bare embedding function as the provider.
func WithEmbedderFunc(fn EmbedderFunc) Option {
	return func(s *settings) { s.embedder = fn }
}

// WithRedaction toggles the redaction pipeline. It defaults to on;
// disabling it stores lesson text verbatim.
func WithRedaction(enabled bool) Option {
	return func(s *settings) { s.redactOn = enabled }
}

// WithRedactPatterns appends custom rules after the built-in layers.
// They only apply while redaction is enabled.
func WithRedactPatterns(patterns ...redact.Pattern) Option {
	return func(s *settings) { s.patterns = append(s.patterns, patterns...) }
}

// WithHalfLife overrides the 30-day decay half-life used by local
// ranking. Remote search always uses the server's decay.
func WithHalfLife(days float64) Option {
	return func(s *settings) { s.halfLife = days }
}
