// Package config provides configuration for the lore binary.
// Client settings load from: CLI flags > env vars > ~/.lore/config.toml > built-in defaults.
// Server settings are environment-only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sgx-labs/lore"
)

// DefaultEmbeddingModel matches the server's 384-dimension vector schema.
const DefaultEmbeddingModel = "all-minilm"

// ModelInfo describes a known embedding model.
type ModelInfo struct {
	Name        string
	Dims        int
	Provider    string // "ollama", "openai"
	Description string
}

// KnownModels lists supported embedding models with metadata.
var KnownModels = []ModelInfo{
	{"all-minilm", 384, "ollama", "Default. Lightweight, matches the hosted server schema"},
	{"nomic-embed-text", 768, "ollama", "Higher quality, needs a 768-dim store"},
	{"mxbai-embed-large", 1024, "ollama", "Highest overall MTEB average"},
	{"snowflake-arctic-embed2", 768, "ollama", "Best retrieval in its size class"},
	{"bge-m3", 1024, "ollama", "Multilingual (BAAI)"},
	{"text-embedding-3-small", 1536, "openai", "OpenAI cloud API"},
	{"text-embedding-3-large", 3072, "openai", "OpenAI cloud API, large"},
}

// IsKnownModel returns true if the model name is in the known models list.
func IsKnownModel(name string) bool {
	for _, m := range KnownModels {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Config holds all client-side lore configuration, loaded from TOML + env.
type Config struct {
	DBPath       string          `toml:"db_path"`
	Project      string          `toml:"project"`
	HalfLifeDays float64         `toml:"half_life_days"`
	API          APIConfig       `toml:"api"`
	Embedding    EmbeddingConfig `toml:"embedding"`
	Redact       RedactConfig    `toml:"redact"`
	Watch        WatchConfig     `toml:"watch"`
}

// APIConfig holds remote server connection settings.
type APIConfig struct {
	URL string `toml:"url"`
	Key string `toml:"key"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `toml:"provider"`   // "ollama" (default), "openai", "openai-compatible"
	Model      string `toml:"model"`      // model name (provider-specific default if empty)
	APIKey     string `toml:"api_key"`    // API key (required for openai, optional for openai-compatible)
	BaseURL    string `toml:"base_url"`   // base URL for embedding API (provider-specific default if empty)
	Dimensions int    `toml:"dimensions"` // vector dimensions (0 = provider default)
}

// RedactConfig controls the redaction pipeline applied on publish.
type RedactConfig struct {
	Enabled  bool            `toml:"enabled"`
	Patterns []RedactPattern `toml:"patterns"`
}

// RedactPattern is a custom redaction rule added after the built-ins.
type RedactPattern struct {
	Regex string `toml:"regex"`
	Label string `toml:"label"`
}

// WatchConfig holds inbox watcher settings.
type WatchConfig struct {
	Dir string `toml:"dir"`
}

// DefaultConfig returns a Config with all built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		HalfLifeDays: lore.DefaultHalfLifeDays,
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    DefaultEmbeddingModel,
		},
		Redact: RedactConfig{
			Enabled: true,
		},
	}
}

// LoreDir returns the per-user lore directory, ~/.lore.
func LoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lore"
	}
	return filepath.Join(home, ".lore")
}

// ConfigFilePath returns the canonical config file location.
func ConfigFilePath() string {
	return filepath.Join(LoreDir(), "config.toml")
}

// DefaultWatchDir returns the inbox directory the watcher observes when
// no other directory is configured.
func DefaultWatchDir() string {
	return filepath.Join(LoreDir(), "inbox")
}

// LoadConfig merges all configuration sources: defaults < TOML file < env vars.
// CLI flags are applied by the command layer on top of the result.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(findConfigFile())
}

// LoadConfigFrom loads configuration from a specific file path, merging
// with defaults and env vars. An empty or missing path skips the file.
func LoadConfigFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			meta, err := toml.DecodeFile(configPath, cfg)
			if err != nil {
				return nil, fmt.Errorf("parse config %s: %w", configPath, err)
			}
			warnUnknownKeys(meta, configPath)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LORE_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LORE_PROJECT"); v != "" {
		cfg.Project = v
	}
	if v := os.Getenv("LORE_API_URL"); v != "" {
		cfg.API.URL = v
	}
	if v := os.Getenv("LORE_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("LORE_HALF_LIFE_DAYS"); v != "" {
		if days, err := strconv.ParseFloat(v, 64); err == nil && days > 0 {
			cfg.HalfLifeDays = days
		}
	}
	if v := os.Getenv("LORE_INBOX"); v != "" {
		cfg.Watch.Dir = v
	}

	// Embedding provider overrides
	if v := os.Getenv("LORE_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("LORE_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("LORE_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("LORE_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	// Also check OPENAI_API_KEY as a convenience fallback
	if cfg.Embedding.APIKey == "" && (cfg.Embedding.Provider == "openai" || cfg.Embedding.Provider == "openai-compatible") {
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.Embedding.APIKey = v
		}
	}
}

// findConfigFile checks LORE_CONFIG, then the canonical ~/.lore location.
func findConfigFile() string {
	if p := os.Getenv("LORE_CONFIG"); p != "" {
		return p
	}
	p := ConfigFilePath()
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// EmbeddingDim returns the vector dimensions the configured provider
// will produce: an explicit dimensions setting wins, then known model
// defaults, then the stock 384.
func EmbeddingDim(ec EmbeddingConfig) int {
	if ec.Dimensions > 0 {
		return ec.Dimensions
	}
	model := ec.Model
	if model == "" {
		switch ec.Provider {
		case "openai", "openai-compatible":
			model = "text-embedding-3-small"
		default:
			model = DefaultEmbeddingModel
		}
	}
	for _, m := range KnownModels {
		if m.Name == model {
			return m.Dims
		}
	}
	return lore.DefaultEmbeddingDim
}

// GenerateConfig writes a commented default config.toml under ~/.lore.
// Existing files are left alone.
func GenerateConfig() (string, error) {
	configPath := ConfigFilePath()
	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(generateTOMLContent()), 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return configPath, nil
}

func generateTOMLContent() string {
	var b strings.Builder
	b.WriteString("# Lore configuration\n")
	b.WriteString("#\n")
	b.WriteString("# Priority: CLI flags > environment variables > this file > built-in defaults\n")
	b.WriteString("# Environment variables: LORE_DB, LORE_PROJECT, LORE_API_URL, LORE_API_KEY,\n")
	b.WriteString("#   LORE_EMBED_PROVIDER, LORE_EMBED_MODEL, LORE_EMBED_BASE_URL,\n")
	b.WriteString("#   LORE_EMBED_API_KEY, LORE_HALF_LIFE_DAYS, LORE_INBOX\n\n")

	b.WriteString("# db_path = \"~/.lore/lore.db\"   # embedded store location\n")
	b.WriteString("# project = \"\"                  # default project scope for publish and query\n")
	b.WriteString(fmt.Sprintf("half_life_days = %.1f\n\n", lore.DefaultHalfLifeDays))

	b.WriteString("[api]\n")
	b.WriteString("# url = \"https://lore.example.com\"\n")
	b.WriteString("# key = \"lore_sk_...\"            # or set LORE_API_KEY\n\n")

	b.WriteString("[embedding]\n")
	b.WriteString("# Embedding provider: \"ollama\" (default), \"openai\", \"openai-compatible\"\n")
	b.WriteString("provider = \"ollama\"\n")
	b.WriteString(fmt.Sprintf("model = %q\n", DefaultEmbeddingModel))
	b.WriteString("# api_key = \"\"                  # required for cloud providers\n")
	b.WriteString("#                               # or set LORE_EMBED_API_KEY / OPENAI_API_KEY\n")
	b.WriteString("# dimensions = 0                # 0 = use provider default\n\n")

	b.WriteString("[redact]\n")
	b.WriteString("enabled = true\n")
	b.WriteString("# [[redact.patterns]]\n")
	b.WriteString("# regex = 'ACCT-\\d{8}'\n")
	b.WriteString("# label = \"account_id\"\n\n")

	b.WriteString("[watch]\n")
	b.WriteString("# dir = \"~/.lore/inbox\"\n")

	return b.String()
}

// configSuggestions maps common misspellings to the real key names.
var configSuggestions = map[string]string{
	"apikey":    "api_key",
	"api-key":   "api_key",
	"baseurl":   "base_url",
	"base-url":  "base_url",
	"db":        "db_path",
	"database":  "db_path",
	"path":      "db_path",
	"halflife":  "half_life_days",
	"half_life": "half_life_days",
	"inbox":     "dir",
	"pattern":   "patterns",
}

// warnUnknownKeys prints warnings for unrecognized config keys.
func warnUnknownKeys(meta toml.MetaData, configPath string) {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return
	}

	fname := filepath.Base(configPath)
	for _, key := range undecoded {
		keyStr := key.String()
		lastPart := key[len(key)-1]

		if suggestion, ok := configSuggestions[lastPart]; ok {
			fmt.Fprintf(os.Stderr, "lore: WARNING: unknown key %q in %s (did you mean %q?)\n",
				keyStr, fname, suggestion)
		} else {
			fmt.Fprintf(os.Stderr, "lore: WARNING: unknown key %q in %s (will be ignored)\n",
				keyStr, fname)
		}
	}
}

// ServerSettings holds the HTTP server configuration. The server reads
// only the environment so that container deployments need no files.
type ServerSettings struct {
	DatabaseURL string
	Host        string
	Port        int
	RateLimit   int // requests per key per minute
	Guard       bool
	LogLevel    string
	LogFormat   string // "json" or "console"
}

// Addr returns the listen address.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServerFromEnv loads server settings. LORE_DATABASE_URL is required;
// everything else has a default.
func ServerFromEnv() (ServerSettings, error) {
	s := ServerSettings{
		DatabaseURL: os.Getenv("LORE_DATABASE_URL"),
		Host:        "0.0.0.0",
		Port:        8765,
		RateLimit:   100,
		LogLevel:    "info",
		LogFormat:   "json",
	}
	if s.DatabaseURL == "" {
		return s, fmt.Errorf("LORE_DATABASE_URL is required")
	}
	if v := os.Getenv("LORE_HOST"); v != "" {
		s.Host = v
	}
	if v := os.Getenv("LORE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return s, fmt.Errorf("invalid LORE_PORT %q", v)
		}
		s.Port = port
	}
	if v := os.Getenv("LORE_RATE_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return s, fmt.Errorf("invalid LORE_RATE_LIMIT %q", v)
		}
		s.RateLimit = limit
	}
	if v := os.Getenv("LORE_GUARD"); v == "1" || strings.EqualFold(v, "true") {
		s.Guard = true
	}
	if v := os.Getenv("LORE_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("LORE_LOG_FORMAT"); v != "" {
		s.LogFormat = v
	}
	return s, nil
}
