package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sgx-labs/lore"
)

func clearLoreEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LORE_CONFIG", "LORE_DB", "LORE_PROJECT", "LORE_API_URL", "LORE_API_KEY",
		"LORE_HALF_LIFE_DAYS", "LORE_INBOX", "LORE_EMBED_PROVIDER",
		"LORE_EMBED_MODEL", "LORE_EMBED_BASE_URL", "LORE_EMBED_API_KEY",
		"OPENAI_API_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Model != DefaultEmbeddingModel {
		t.Errorf("model = %q, want %q", cfg.Embedding.Model, DefaultEmbeddingModel)
	}
	if !cfg.Redact.Enabled {
		t.Error("redaction should default on")
	}
	if cfg.HalfLifeDays != lore.DefaultHalfLifeDays {
		t.Errorf("half life = %v, want %v", cfg.HalfLifeDays, lore.DefaultHalfLifeDays)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	clearLoreEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
db_path = "/tmp/custom.db"
project = "payments"
half_life_days = 14

[api]
url = "https://lore.example.com"
key = "lore_sk_file"

[embedding]
provider = "openai"
model = "text-embedding-3-small"

[redact]
enabled = false

[[redact.patterns]]
regex = 'ACCT-\d{8}'
label = "account_id"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.DBPath != "/tmp/custom.db" || cfg.Project != "payments" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.HalfLifeDays != 14 {
		t.Errorf("half life = %v, want 14", cfg.HalfLifeDays)
	}
	if cfg.API.URL != "https://lore.example.com" || cfg.API.Key != "lore_sk_file" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Redact.Enabled {
		t.Error("redact.enabled = true, file set it false")
	}
	if len(cfg.Redact.Patterns) != 1 || cfg.Redact.Patterns[0].Label != "account_id" {
		t.Errorf("patterns = %+v", cfg.Redact.Patterns)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearLoreEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("project = \"from-file\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LORE_PROJECT", "from-env")
	t.Setenv("LORE_API_KEY", "lore_sk_env")
	t.Setenv("LORE_HALF_LIFE_DAYS", "7.5")

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.Project != "from-env" {
		t.Errorf("project = %q, env should win", cfg.Project)
	}
	if cfg.API.Key != "lore_sk_env" {
		t.Errorf("api key = %q", cfg.API.Key)
	}
	if cfg.HalfLifeDays != 7.5 {
		t.Errorf("half life = %v, want 7.5", cfg.HalfLifeDays)
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	clearLoreEnv(t)
	t.Setenv("LORE_EMBED_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := LoadConfigFrom("")
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if cfg.Embedding.APIKey != "sk-fallback" {
		t.Errorf("api key = %q, want the OPENAI_API_KEY fallback", cfg.Embedding.APIKey)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearLoreEnv(t)
	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestEmbeddingDim(t *testing.T) {
	tests := []struct {
		name string
		ec   EmbeddingConfig
		want int
	}{
		{"explicit dims win", EmbeddingConfig{Model: "all-minilm", Dimensions: 512}, 512},
		{"stock model", EmbeddingConfig{}, 384},
		{"known ollama model", EmbeddingConfig{Model: "nomic-embed-text"}, 768},
		{"openai default model", EmbeddingConfig{Provider: "openai"}, 1536},
		{"openai large", EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-large"}, 3072},
		{"unknown model", EmbeddingConfig{Model: "mystery-embed"}, lore.DefaultEmbeddingDim},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EmbeddingDim(tt.ec); got != tt.want {
				t.Errorf("EmbeddingDim(%+v) = %d, want %d", tt.ec, got, tt.want)
			}
		})
	}
}

func TestServerFromEnv(t *testing.T) {
	for _, key := range []string{
		"LORE_DATABASE_URL", "LORE_HOST", "LORE_PORT", "LORE_RATE_LIMIT",
		"LORE_GUARD", "LORE_LOG_LEVEL", "LORE_LOG_FORMAT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if _, err := ServerFromEnv(); err == nil {
		t.Fatal("expected error without LORE_DATABASE_URL")
	}

	t.Setenv("LORE_DATABASE_URL", "postgres://localhost/lore")
	s, err := ServerFromEnv()
	if err != nil {
		t.Fatalf("ServerFromEnv: %v", err)
	}
	if s.Host != "0.0.0.0" || s.Port != 8765 || s.RateLimit != 100 || s.Guard {
		t.Errorf("defaults = %+v", s)
	}
	if s.Addr() != "0.0.0.0:8765" {
		t.Errorf("Addr = %q", s.Addr())
	}

	t.Setenv("LORE_PORT", "9000")
	t.Setenv("LORE_RATE_LIMIT", "5")
	t.Setenv("LORE_GUARD", "1")
	s, err = ServerFromEnv()
	if err != nil {
		t.Fatalf("ServerFromEnv with overrides: %v", err)
	}
	if s.Port != 9000 || s.RateLimit != 5 || !s.Guard {
		t.Errorf("overrides = %+v", s)
	}

	t.Setenv("LORE_PORT", "not-a-port")
	if _, err := ServerFromEnv(); err == nil {
		t.Error("expected error for invalid LORE_PORT")
	}
}

func TestGenerateConfigTemplateParses(t *testing.T) {
	content := generateTOMLContent()
	if !strings.Contains(content, "[embedding]") || !strings.Contains(content, "[redact]") {
		t.Fatalf("template missing sections:\n%s", content)
	}

	clearLoreEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if cfg.Embedding.Provider != "ollama" || !cfg.Redact.Enabled {
		t.Errorf("template defaults = %+v", cfg)
	}
}
