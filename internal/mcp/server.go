// Package mcp implements the MCP server for lore.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sgx-labs/lore"
	"github.com/sgx-labs/lore/internal/config"
	"github.com/sgx-labs/lore/internal/embedding"
	"github.com/sgx-labs/lore/redact"
)

// client is the facade behind every tool handler. Serve wires it from
// config; tests swap it for one backed by an in-memory store.
var client *lore.Lore

// Version is set by the caller (main) before calling Serve.
var Version = "dev"

// Serve starts the MCP server on stdio. The backing store comes from
// LORE_STORE: "local" (default) uses the embedded database, "remote"
// talks to a lore server and needs LORE_API_URL and LORE_API_KEY.
func Serve() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	l, err := buildClient(cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	client = l

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "lore",
		Version: Version,
	}, nil)

	registerTools(server)

	return server.Run(context.Background(), &mcp.StdioTransport{})
}

// buildClient assembles the facade from config plus the LORE_STORE
// selector. Queries embed client-side for both backends, so the
// embedding provider is built unconditionally.
func buildClient(cfg *config.Config) (*lore.Lore, error) {
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

	opts := []lore.Option{
		lore.WithEmbedder(provider),
		lore.WithRedaction(cfg.Redact.Enabled),
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

	switch store := strings.ToLower(os.Getenv("LORE_STORE")); store {
	case "", "local":
		if cfg.DBPath != "" {
			opts = append(opts, lore.WithDBPath(cfg.DBPath))
		}
	case "remote":
		if cfg.API.URL == "" || cfg.API.Key == "" {
			return nil, errors.New("LORE_API_URL and LORE_API_KEY must be set when LORE_STORE=remote")
		}
		opts = append(opts, lore.WithRemote(cfg.API.URL, cfg.API.Key))
	default:
		return nil, fmt.Errorf("unknown LORE_STORE %q (use \"local\" or \"remote\")", store)
	}

	return lore.New(opts...)
}

func registerTools(server *mcp.Server) {
	// save_lesson
	mcp.AddTool(server, &mcp.Tool{
		Name:        "save_lesson",
		Description: "Save a lesson learned from solving a problem. Use this when you just solved a tricky bug, found a non-obvious fix, or discovered a workaround that future agents (or your future self) would benefit from knowing. Do not save trivial things: a lesson should save someone real time or prevent a real mistake.\n\nArgs:\n  problem: What went wrong or was confusing\n  resolution: What fixed it and why it works\n  context: Optional background (error text, environment, versions)\n  tags: Optional labels for later filtering, e.g. [\"docker\", \"ci\"]\n  project: Optional project scope (defaults to the configured project)\n\nReturns the new lesson's ID.",
	}, handleSaveLesson)

	// recall_lessons
	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall_lessons",
		Description: "Search past lessons before solving a problem. Use this when you are about to debug an error or make a design decision, especially if someone may have hit the same thing before. Be specific: 'CORS errors with FastAPI' and 'Docker build fails on M1' are good queries; 'help' and 'error' are not.\n\nArgs:\n  query: Natural language description of the problem\n  tags: Optional tag filter (only lessons carrying every tag)\n  limit: Number of lessons (default 5, max 20)\n\nReturns ranked lessons with IDs for voting.",
	}, handleRecallLessons)

	// upvote_lesson
	mcp.AddTool(server, &mcp.Tool{
		Name:        "upvote_lesson",
		Description: "Upvote a lesson that actually helped solve your problem. This boosts its ranking in future searches. Pass the lesson ID from recall_lessons output.\n\nArgs:\n  lesson_id: ID of the lesson that helped",
	}, handleUpvoteLesson)

	// downvote_lesson
	mcp.AddTool(server, &mcp.Tool{
		Name:        "downvote_lesson",
		Description: "Downvote a lesson that was outdated, incorrect, or misleading. This lowers its ranking so others do not waste time on bad advice. Pass the lesson ID from recall_lessons output.\n\nArgs:\n  lesson_id: ID of the lesson to demote",
	}, handleDownvoteLesson)
}

// Tool input types

type saveInput struct {
	Problem    string   `json:"problem" jsonschema:"What went wrong or was confusing"`
	Resolution string   `json:"resolution" jsonschema:"What fixed it and why it works"`
	Context    string   `json:"context,omitempty" jsonschema:"Background such as error text or environment"`
	Tags       []string `json:"tags,omitempty" jsonschema:"Labels for later filtering"`
	Project    string   `json:"project,omitempty" jsonschema:"Project scope override"`
}

type recallInput struct {
	Query string   `json:"query" jsonschema:"Natural language description of the problem"`
	Tags  []string `json:"tags,omitempty" jsonschema:"Keep only lessons carrying every listed tag"`
	Limit int      `json:"limit,omitempty" jsonschema:"Number of lessons (default 5, max 20)"`
}

type voteInput struct {
	LessonID string `json:"lesson_id" jsonschema:"Lesson ID from recall_lessons output"`
}

// Tool handlers. Failures come back as text so the agent sees what
// went wrong instead of a bare protocol error.

func handleSaveLesson(ctx context.Context, req *mcp.CallToolRequest, input saveInput) (*mcp.CallToolResult, any, error) {
	id, err := client.Publish(ctx, lore.PublishRequest{
		Problem:    input.Problem,
		Resolution: input.Resolution,
		Context:    input.Context,
		Tags:       input.Tags,
		Project:    input.Project,
	})
	if err != nil {
		return textResult(fmt.Sprintf("Failed to save lesson: %v", err)), nil, nil
	}
	return textResult(fmt.Sprintf("Lesson saved (ID: %s)", id)), nil, nil
}

func handleRecallLessons(ctx context.Context, req *mcp.CallToolRequest, input recallInput) (*mcp.CallToolResult, any, error) {
	results, err := client.Query(ctx, input.Query, lore.QueryOptions{
		Tags:  input.Tags,
		Limit: clampLimit(input.Limit),
	})
	if err != nil {
		return textResult(fmt.Sprintf("Failed to recall lessons: %v", err)), nil, nil
	}
	if len(results) == 0 {
		return textResult("No relevant lessons found. Try a different query or broader terms."), nil, nil
	}
	return textResult(formatResults(results)), nil, nil
}

func handleUpvoteLesson(ctx context.Context, req *mcp.CallToolRequest, input voteInput) (*mcp.CallToolResult, any, error) {
	if err := client.Upvote(ctx, input.LessonID); err != nil {
		return textResult(fmt.Sprintf("Failed to upvote: %v", err)), nil, nil
	}
	return textResult(fmt.Sprintf("Upvoted lesson %s", input.LessonID)), nil, nil
}

func handleDownvoteLesson(ctx context.Context, req *mcp.CallToolRequest, input voteInput) (*mcp.CallToolResult, any, error) {
	if err := client.Downvote(ctx, input.LessonID); err != nil {
		return textResult(fmt.Sprintf("Failed to downvote: %v", err)), nil, nil
	}
	return textResult(fmt.Sprintf("Downvoted lesson %s", input.LessonID)), nil, nil
}

// Helpers

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// clampLimit keeps recall sizes within 1..20. Agents omit the field or
// ask for hundreds; neither should fall through to the store.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 5
	}
	if limit > 20 {
		return 20
	}
	return limit
}

// formatResults renders ranked lessons as a text block. IDs are shown
// so the agent can vote on what it used.
func formatResults(results []lore.QueryResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant lesson(s):\n\n", len(results))
	for i, r := range results {
		lesson := r.Lesson
		b.WriteString(strings.Repeat("-", 60) + "\n")
		fmt.Fprintf(&b, "Lesson %d  (score: %.2f, id: %s)\n", i+1, r.Score, lesson.ID)
		fmt.Fprintf(&b, "Problem:    %s\n", lesson.Problem)
		fmt.Fprintf(&b, "Resolution: %s\n", lesson.Resolution)
		if lesson.Context != "" {
			fmt.Fprintf(&b, "Context:    %s\n", lesson.Context)
		}
		if len(lesson.Tags) > 0 {
			fmt.Fprintf(&b, "Tags:       %s\n", strings.Join(lesson.Tags, ", "))
		}
		if lesson.Project != "" {
			fmt.Fprintf(&b, "Project:    %s\n", lesson.Project)
		}
		b.WriteString("\n")
	}
	return b.String()
}
