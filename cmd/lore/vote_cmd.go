package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore/internal/cli"
)

func voteCmd() *cobra.Command {
	var (
		up   bool
		down bool
	)
	cmd := &cobra.Command{
		Use:   "vote [id]",
		Short: "Vote on whether a lesson helped",
		Long: `Record that a lesson helped (--up) or was wrong, outdated, or
misleading (--down). Votes feed directly into search ranking.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVote(args[0], up, down)
		},
	}
	cmd.Flags().BoolVar(&up, "up", false, "The lesson helped")
	cmd.Flags().BoolVar(&down, "down", false, "The lesson was wrong or outdated")
	return cmd
}

func runVote(id string, up, down bool) error {
	if up == down {
		return userError("vote needs exactly one of --up or --down",
			"Example: lore vote "+id+" --up")
	}

	client, err := newClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	if up {
		if err := client.Upvote(ctx, id); err != nil {
			return err
		}
		fmt.Printf("%s✓%s Upvoted lesson %s\n", cli.Green, cli.Reset, id)
		return nil
	}
	if err := client.Downvote(ctx, id); err != nil {
		return err
	}
	fmt.Printf("%s✓%s Downvoted lesson %s\n", cli.Green, cli.Reset, id)
	return nil
}
