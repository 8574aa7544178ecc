package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/cli"
)

func queryCmd() *cobra.Command {
	var (
		limit     int
		tags      []string
		minConf   float64
		jsonOut   bool
		prompt    bool
		maxTokens int
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Search lessons semantically",
		Long: `Rank stored lessons against a natural-language description of the
problem at hand. Be specific: "CORS errors with FastAPI" beats "error".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(strings.Join(args, " "), limit, tags, minConf, jsonOut, prompt, maxTokens)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", lore.DefaultQueryLimit, "Number of results")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Keep only lessons carrying every tag")
	cmd.Flags().Float64Var(&minConf, "min-confidence", 0, "Drop lessons below this confidence")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "Render results as a markdown prompt block")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", lore.DefaultPromptTokens, "Token budget for --prompt")
	return cmd
}

func runQuery(text string, limit int, tags []string, minConf float64, jsonOut, prompt bool, maxTokens int) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("query text is required")
	}

	client, err := newClient(true)
	if err != nil {
		return err
	}
	defer client.Close()

	results, err := client.Query(context.Background(), text, lore.QueryOptions{
		Tags:          tags,
		Limit:         limit,
		MinConfidence: minConf,
	})
	if err != nil {
		return err
	}

	if prompt {
		fmt.Print(lore.AsPrompt(results, maxTokens))
		return nil
	}
	if jsonOut {
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(results) == 0 {
		fmt.Println("No lessons found.")
		return nil
	}
	for i, r := range results {
		printRankedLesson(i+1, r.Lesson, r.Score)
	}
	fmt.Println()
	return nil
}

// printRankedLesson renders one search hit for terminal output.
func printRankedLesson(rank int, l *lore.Lesson, score float64) {
	fmt.Printf("\n%d. %s%s%s %s(score %.2f)%s\n",
		rank, cli.Bold, l.Problem, cli.Reset, cli.Dim, score, cli.Reset)
	fmt.Printf("   %s\n", l.Resolution)
	if l.Context != "" {
		fmt.Printf("   %s%s%s\n", cli.Dim, cli.Truncate(l.Context, 120), cli.Reset)
	}

	meta := []string{"id " + l.ID}
	if len(l.Tags) > 0 {
		meta = append(meta, strings.Join(l.Tags, ","))
	}
	if l.Project != "" {
		meta = append(meta, l.Project)
	}
	meta = append(meta, fmt.Sprintf("conf %.2f", l.Confidence))
	if l.Upvotes > 0 || l.Downvotes > 0 {
		meta = append(meta, fmt.Sprintf("+%d/-%d", l.Upvotes, l.Downvotes))
	}
	fmt.Printf("   %s%s%s\n", cli.DimCyan, strings.Join(meta, "  "), cli.Reset)
}
