package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore/internal/cli"
	"github.com/sgx-labs/lore/internal/lessonfile"
)

func getCmd() *cobra.Command {
	var (
		jsonOut  bool
		markdown bool
	)
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show one lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(args[0], jsonOut, markdown)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&markdown, "md", false, "Output as a markdown lesson file")
	return cmd
}

func runGet(id string, jsonOut, markdown bool) error {
	client, err := newClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	lesson, err := client.Get(context.Background(), id)
	if err != nil {
		return err
	}
	if lesson == nil {
		return userError(fmt.Sprintf("No lesson with id %s", id),
			"Run 'lore list' to see stored lessons")
	}

	if markdown {
		_, err := os.Stdout.Write(lessonfile.Render(lesson))
		return err
	}
	if jsonOut {
		data, _ := json.MarshalIndent(lesson, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("\n%sProblem%s     %s\n", cli.Bold, cli.Reset, lesson.Problem)
	fmt.Printf("%sResolution%s  %s\n", cli.Bold, cli.Reset, lesson.Resolution)
	if lesson.Context != "" {
		fmt.Printf("%sContext%s     %s\n", cli.Bold, cli.Reset, lesson.Context)
	}
	fmt.Println()
	fmt.Printf("  %sid%s          %s\n", cli.Dim, cli.Reset, lesson.ID)
	if len(lesson.Tags) > 0 {
		fmt.Printf("  %stags%s        %s\n", cli.Dim, cli.Reset, strings.Join(lesson.Tags, ", "))
	}
	if lesson.Project != "" {
		fmt.Printf("  %sproject%s     %s\n", cli.Dim, cli.Reset, lesson.Project)
	}
	if lesson.Source != "" {
		fmt.Printf("  %ssource%s      %s\n", cli.Dim, cli.Reset, lesson.Source)
	}
	fmt.Printf("  %sconfidence%s  %.2f\n", cli.Dim, cli.Reset, lesson.Confidence)
	fmt.Printf("  %svotes%s       +%d/-%d\n", cli.Dim, cli.Reset, lesson.Upvotes, lesson.Downvotes)
	fmt.Printf("  %screated%s     %s (%s)\n", cli.Dim, cli.Reset,
		lesson.CreatedAt.Format(time.RFC3339), cli.Ago(lesson.CreatedAt))
	if !lesson.UpdatedAt.Equal(lesson.CreatedAt) {
		fmt.Printf("  %supdated%s     %s\n", cli.Dim, cli.Reset, lesson.UpdatedAt.Format(time.RFC3339))
	}
	if lesson.ExpiresAt != nil {
		fmt.Printf("  %sexpires%s     %s\n", cli.Dim, cli.Reset, lesson.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}
