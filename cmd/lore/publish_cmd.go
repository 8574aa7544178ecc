package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/cli"
	"github.com/sgx-labs/lore/internal/lessonfile"
)

func publishCmd() *cobra.Command {
	var (
		problem    string
		resolution string
		background string
		tags       []string
		confidence float64
		source     string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Publish a lesson",
		Long: `Publish a lesson inline or from a lesson file.

Inline:
  lore publish -p "pip install fails behind proxy" -r "set HTTPS_PROXY" --tags python

From a file (markdown with frontmatter, or JSON):
  lore publish lesson.md`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := ""
			if len(args) == 1 {
				file = args[0]
			}
			return runPublish(file, problem, resolution, background, tags, confidence, source, ttl)
		},
	}
	cmd.Flags().StringVarP(&problem, "problem", "p", "", "What went wrong")
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "What fixed it and why")
	cmd.Flags().StringVar(&background, "context", "", "Background: error text, environment, versions")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Labels for later filtering")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.5, "How sure you are, 0 to 1")
	cmd.Flags().StringVar(&source, "source", "", "Where the lesson came from, e.g. an agent name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expire the lesson after this duration, e.g. 720h")
	return cmd
}

func runPublish(file, problem, resolution, background string, tags []string, confidence float64, source string, ttl time.Duration) error {
	if file == "" && (strings.TrimSpace(problem) == "" || strings.TrimSpace(resolution) == "") {
		return userError("publish needs --problem and --resolution, or a lesson file",
			`Example: lore publish -p "what broke" -r "what fixed it"`)
	}

	client, err := newClient(true)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()

	if file != "" {
		lessons, err := lessonfile.ParseFile(file)
		if err != nil {
			return err
		}
		for _, l := range lessons {
			conf := l.Confidence
			id, err := client.Publish(ctx, lore.PublishRequest{
				Problem:    l.Problem,
				Resolution: l.Resolution,
				Context:    l.Context,
				Tags:       l.Tags,
				Confidence: &conf,
				Source:     l.Source,
				Project:    l.Project,
				ExpiresAt:  l.ExpiresAt,
				Meta:       l.Meta,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			fmt.Printf("%s✓%s Published lesson %s%s%s\n", cli.Green, cli.Reset, cli.Bold, id, cli.Reset)
		}
		return nil
	}

	req := lore.PublishRequest{
		Problem:    problem,
		Resolution: resolution,
		Context:    background,
		Tags:       tags,
		Confidence: &confidence,
		Source:     source,
	}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		req.ExpiresAt = &exp
	}

	id, err := client.Publish(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("%s✓%s Published lesson %s%s%s\n", cli.Green, cli.Reset, cli.Bold, id, cli.Reset)
	return nil
}
