package main

import (
	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lore HTTP server",
		Long: `Serve the multi-tenant lesson API over Postgres. Configuration is
environment-only: LORE_DATABASE_URL (required), LORE_HOST, LORE_PORT,
LORE_RATE_LIMIT, LORE_GUARD, LORE_LOG_LEVEL, LORE_LOG_FORMAT.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Serve(Version)
		},
	}
}
