package main

import (
	"github.com/spf13/cobra"

	mcpserver "github.com/sgx-labs/lore/internal/mcp"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP stdio server",
		Long: `Serve lore's tools (save_lesson, recall_lessons, upvote_lesson,
downvote_lesson) over MCP stdio. Set LORE_STORE=remote to back the
tools with a lore server instead of the embedded database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mcpserver.Version = Version
			return mcpserver.Serve()
		},
	}
}
