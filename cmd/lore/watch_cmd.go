package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore/internal/config"
	"github.com/sgx-labs/lore/internal/watcher"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Short: "Watch an inbox directory and import lesson files",
		Long: `Monitor a directory for new .json and .md lesson files. Dropped files
are imported through redaction and embedding, then renamed to
<name>.imported. The default inbox is ~/.lore/inbox.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runWatch(dir)
		},
	}
}

func runWatch(dir string) error {
	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.Watch.Dir
	}
	if dir == "" {
		dir = config.DefaultWatchDir()
	}

	client, err := buildClient(cfg, true)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watcher.Watch(ctx, client, dir)
}
