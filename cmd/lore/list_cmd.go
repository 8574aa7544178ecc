package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/cli"
)

func listCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lessons, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(limit, jsonOut)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum lessons to show (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func runList(limit int, jsonOut bool) error {
	client, err := newClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	// List is unscoped by default; --project narrows it explicitly.
	lessons, err := client.List(context.Background(), lore.ListOptions{
		Project: flagProject,
		Limit:   limit,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		data, _ := json.MarshalIndent(lessons, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(lessons) == 0 {
		fmt.Println("No lessons stored.")
		return nil
	}

	fmt.Printf("\n  %-26s  %-9s  %-5s  %-7s  %s\n", "ID", "AGE", "CONF", "VOTES", "PROBLEM")
	for _, l := range lessons {
		votes := "-"
		if l.Upvotes > 0 || l.Downvotes > 0 {
			votes = fmt.Sprintf("+%d/-%d", l.Upvotes, l.Downvotes)
		}
		fmt.Printf("  %-26s  %-9s  %.2f   %-7s  %s\n",
			l.ID, cli.Ago(l.CreatedAt), l.Confidence, votes, cli.Truncate(l.Problem, 60))
	}
	fmt.Printf("\n  %s lesson(s)\n\n", cli.FormatNumber(len(lessons)))
	return nil
}
