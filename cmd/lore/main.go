// Package main is the entrypoint for the lore CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/config"
	"github.com/sgx-labs/lore/internal/embedding"
	"github.com/sgx-labs/lore/redact"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flag values, applied on top of the config file and env vars.
var (
	flagDB      string
	flagProject string
	flagAPIURL  string
	flagAPIKey  string
)

func main() {
	root := &cobra.Command{
		Use:   "lore",
		Short: "Shared memory for coding agents",
		Long:  "Lore — publish lessons once, recall them everywhere: semantic search weighted by confidence, freshness, and votes.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(publishCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(listCmd())
	root.AddCommand(getCmd())
	root.AddCommand(deleteCmd())
	root.AddCommand(voteCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(importCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(mcpCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(orgCmd())
	root.AddCommand(keysCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	root.PersistentFlags().StringVar(&flagDB, "db", "", "Embedded database path (overrides config)")
	root.PersistentFlags().StringVar(&flagProject, "project", "", "Project scope (overrides config)")
	root.PersistentFlags().StringVar(&flagAPIURL, "api-url", "", "Lore server URL (selects the remote backend)")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "API key for the remote backend")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lore version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("lore %s\n", Version)
			return nil
		},
	}
}

// clientConfig loads file + env configuration and applies the global
// flags on top, completing the precedence chain.
func clientConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagProject != "" {
		cfg.Project = flagProject
	}
	if flagAPIURL != "" {
		cfg.API.URL = flagAPIURL
	}
	if flagAPIKey != "" {
		cfg.API.Key = flagAPIKey
	}
	return cfg, nil
}

// newClient assembles the façade. Commands that embed text (publish,
// query, import, watch) pass needEmbedder; management commands skip the
// provider so a missing embedding key never blocks them.
func newClient(needEmbedder bool) (*lore.Lore, error) {
	cfg, err := clientConfig()
	if err != nil {
		return nil, err
	}
	return buildClient(cfg, needEmbedder)
}

func buildClient(cfg *config.Config, needEmbedder bool) (*lore.Lore, error) {
	opts := []lore.Option{
		lore.WithRedaction(cfg.Redact.Enabled),
	}

	if needEmbedder {
		provider, err := embedding.NewProvider(embedding.ProviderConfig{
			Provider:   cfg.Embedding.Provider,
			Model:      cfg.Embedding.Model,
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Dimensions: config.EmbeddingDim(cfg.Embedding),
		})
		if err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		opts = append(opts, lore.WithEmbedder(provider))
	}

	if cfg.Project != "" {
		opts = append(opts, lore.WithProject(cfg.Project))
	}
	if cfg.HalfLifeDays > 0 {
		opts = append(opts, lore.WithHalfLife(cfg.HalfLifeDays))
	}
	if len(cfg.Redact.Patterns) > 0 {
		patterns := make([]redact.Pattern, 0, len(cfg.Redact.Patterns))
		for _, p := range cfg.Redact.Patterns {
			patterns = append(patterns, redact.Pattern{Regex: p.Regex, Label: p.Label})
		}
		opts = append(opts, lore.WithRedactPatterns(patterns...))
	}

	// A configured server URL selects the remote backend; otherwise the
	// embedded database is used. A stray API key alone never flips the
	// backend.
	if cfg.API.URL != "" {
		if cfg.API.Key == "" {
			return nil, userError("A server URL is configured but no API key",
				"Pass --api-key, set LORE_API_KEY, or add api.key to "+config.ConfigFilePath())
		}
		opts = append(opts, lore.WithRemote(cfg.API.URL, cfg.API.Key))
	} else if cfg.DBPath != "" {
		opts = append(opts, lore.WithDBPath(cfg.DBPath))
	}

	return lore.New(opts...)
}

// newRemoteStore builds a direct server client for key management,
// which has no embedded equivalent.
func newRemoteStore() (*lore.RemoteStore, error) {
	cfg, err := clientConfig()
	if err != nil {
		return nil, err
	}
	if cfg.API.URL == "" || cfg.API.Key == "" {
		return nil, userError("Key management needs a lore server",
			"Pass --api-url and --api-key (a root key), or configure [api] in "+config.ConfigFilePath())
	}
	return lore.NewRemoteStore(cfg.API.URL, cfg.API.Key)
}

// ---------- error helpers ----------

type loreError struct {
	message string
	hint    string
}

func (e *loreError) Error() string {
	return fmt.Sprintf("%s\n  Hint: %s", e.message, e.hint)
}

func userError(message, hint string) error {
	return &loreError{message: message, hint: hint}
}
