package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/cli"
	"github.com/sgx-labs/lore/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or manage lore configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(config.ConfigFilePath())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List known embedding models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigModels()
		},
	})

	return cmd
}

func runConfigShow() error {
	cfg, err := clientConfig()
	if err != nil {
		return err
	}

	fmt.Println()
	if cfg.API.URL != "" {
		fmt.Printf("  %sBackend%s     remote\n", cli.Bold, cli.Reset)
		fmt.Printf("  %sServer%s      %s\n", cli.Bold, cli.Reset, cfg.API.URL)
		fmt.Printf("  %sAPI key%s     %s\n", cli.Bold, cli.Reset, maskKey(cfg.API.Key))
	} else {
		dbPath := cfg.DBPath
		if dbPath == "" {
			dbPath = lore.DefaultDBPath()
		}
		fmt.Printf("  %sBackend%s     embedded\n", cli.Bold, cli.Reset)
		fmt.Printf("  %sDatabase%s    %s\n", cli.Bold, cli.Reset, cli.ShortenHome(dbPath))
	}
	if cfg.Project != "" {
		fmt.Printf("  %sProject%s     %s\n", cli.Bold, cli.Reset, cfg.Project)
	}

	provider := cfg.Embedding.Provider
	if provider == "" {
		provider = "ollama"
	}
	model := cfg.Embedding.Model
	if model == "" {
		model = config.DefaultEmbeddingModel
	}
	fmt.Printf("  %sEmbedding%s   %s/%s (%d dims)\n", cli.Bold, cli.Reset,
		provider, model, config.EmbeddingDim(cfg.Embedding))

	redaction := "on"
	if !cfg.Redact.Enabled {
		redaction = "off"
	}
	fmt.Printf("  %sRedaction%s   %s\n", cli.Bold, cli.Reset, redaction)
	fmt.Printf("  %sHalf-life%s   %.1f days\n", cli.Bold, cli.Reset, cfg.HalfLifeDays)

	inbox := cfg.Watch.Dir
	if inbox == "" {
		inbox = config.DefaultWatchDir()
	}
	fmt.Printf("  %sInbox%s       %s\n", cli.Bold, cli.Reset, cli.ShortenHome(inbox))

	path := config.ConfigFilePath()
	note := ""
	if _, err := os.Stat(path); err != nil {
		note = cli.Dim + " (not written yet, run 'lore config init')" + cli.Reset
	}
	fmt.Printf("\n  Config file: %s%s\n\n", cli.ShortenHome(path), note)
	return nil
}

func runConfigInit() error {
	path := config.ConfigFilePath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", cli.ShortenHome(path))
		return nil
	}
	written, err := config.GenerateConfig()
	if err != nil {
		return err
	}
	fmt.Printf("%s✓%s Wrote %s\n", cli.Green, cli.Reset, cli.ShortenHome(written))
	return nil
}

func runConfigModels() error {
	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	current := cfg.Embedding.Model
	if current == "" {
		current = config.DefaultEmbeddingModel
	}

	fmt.Printf("\n  %-26s %5s  %-8s  %s\n", "MODEL", "DIMS", "VIA", "DESCRIPTION")
	for _, m := range config.KnownModels {
		marker := " "
		if m.Name == current {
			marker = cli.Cyan + "→" + cli.Reset
		}
		fmt.Printf("  %s %-24s %5d  %-8s  %s%s%s\n",
			marker, m.Name, m.Dims, m.Provider, cli.Dim, m.Description, cli.Reset)
	}
	fmt.Printf("\n  Switch via embedding.model in %s or LORE_EMBED_MODEL.\n\n",
		cli.ShortenHome(config.ConfigFilePath()))
	return nil
}

// maskKey keeps the identifying prefix and hides the rest.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "(set)"
	}
	return key[:12] + "…"
}
