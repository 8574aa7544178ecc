package lessonfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sgx-labs/lore"
)

const sampleMarkdown = `---
id: 01J8ZX2M9Q0000000000000000
tags: [stripe, webhooks]
confidence: 0.8
source: agent:claude
project: payments
created_at: 2026-01-02T03:04:05Z
expires_at: 2027-01-02T03:04:05Z
---

## Problem

Stripe webhook fails signature verification.

## Resolution

Verify against the raw request body.

## Context

Happens behind body-rewriting proxies.
`

func TestParseMarkdown(t *testing.T) {
	lesson, err := Parse([]byte(sampleMarkdown))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if lesson.ID != "01J8ZX2M9Q0000000000000000" {
		t.Errorf("ID = %q", lesson.ID)
	}
	if len(lesson.Tags) != 2 || lesson.Tags[0] != "stripe" {
		t.Errorf("Tags = %v", lesson.Tags)
	}
	if lesson.Confidence != 0.8 {
		t.Errorf("Confidence = %v", lesson.Confidence)
	}
	if lesson.Source != "agent:claude" || lesson.Project != "payments" {
		t.Errorf("source/project = %q/%q", lesson.Source, lesson.Project)
	}
	if lesson.Problem != "Stripe webhook fails signature verification." {
		t.Errorf("Problem = %q", lesson.Problem)
	}
	if lesson.Resolution != "Verify against the raw request body." {
		t.Errorf("Resolution = %q", lesson.Resolution)
	}
	if lesson.Context != "Happens behind body-rewriting proxies." {
		t.Errorf("Context = %q", lesson.Context)
	}
	wantCreated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !lesson.CreatedAt.Equal(wantCreated) {
		t.Errorf("CreatedAt = %v", lesson.CreatedAt)
	}
	if lesson.ExpiresAt == nil || !lesson.ExpiresAt.Equal(wantCreated.AddDate(1, 0, 0)) {
		t.Errorf("ExpiresAt = %v", lesson.ExpiresAt)
	}
}

func TestParseMarkdownDefaults(t *testing.T) {
	content := "## Problem\n\np\n\n## Resolution\n\nr\n"
	lesson, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse without frontmatter: %v", err)
	}
	if lesson.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want default 0.5", lesson.Confidence)
	}
	if lesson.Tags == nil {
		t.Error("Tags = nil, want empty slice")
	}
	if lesson.ID != "" || !lesson.CreatedAt.IsZero() {
		t.Errorf("unexpected id/timestamps: %q %v", lesson.ID, lesson.CreatedAt)
	}
}

func TestParseMarkdownMissingSections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no problem", "## Resolution\n\nr\n"},
		{"no resolution", "## Problem\n\np\n"},
		{"empty file", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseMarkdownBadTimestamp(t *testing.T) {
	content := "---\ncreated_at: yesterday\n---\n\n## Problem\n\np\n\n## Resolution\n\nr\n"
	if _, err := Parse([]byte(content)); err == nil {
		t.Error("expected error for unparseable created_at")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	expires := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	original := &lore.Lesson{
		ID:         "01J8ZX2M9Q0000000000000001",
		Problem:    "Connection pool exhausted under load.",
		Resolution: "Raise the ceiling and add a checkout timeout.",
		Context:    "Only under synthetic benchmarks.",
		Tags:       []string{"db", "pool"},
		Confidence: 0.7,
		Source:     "agent:ci",
		Project:    "infra",
		CreatedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:  &expires,
	}

	rendered := Render(original)
	parsed, err := Parse(rendered)
	if err != nil {
		t.Fatalf("Parse(Render(l)): %v\n%s", err, rendered)
	}
	if parsed.ID != original.ID || parsed.Problem != original.Problem ||
		parsed.Resolution != original.Resolution || parsed.Context != original.Context {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
	if parsed.Confidence != 0.7 || parsed.Project != "infra" || parsed.Source != "agent:ci" {
		t.Errorf("round trip metadata mismatch: %+v", parsed)
	}
	if len(parsed.Tags) != 2 || parsed.Tags[1] != "pool" {
		t.Errorf("Tags = %v", parsed.Tags)
	}
	if !parsed.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("CreatedAt = %v", parsed.CreatedAt)
	}
	if parsed.ExpiresAt == nil || !parsed.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v", parsed.ExpiresAt)
	}
}

func TestParseFileJSON(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"single object", `{"problem":"p","resolution":"r"}`, 1},
		{"bare array", `[{"problem":"p","resolution":"r"},{"problem":"p2","resolution":"r2"}]`, 2},
		{"export envelope", `{"version":1,"lessons":[{"problem":"p","resolution":"r"}]}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "-")+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			lessons, err := ParseFile(path)
			if err != nil {
				t.Fatalf("ParseFile: %v", err)
			}
			if len(lessons) != tt.want {
				t.Errorf("parsed %d lessons, want %d", len(lessons), tt.want)
			}
		})
	}
}

func TestParseFileUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lesson.txt")
	if err := os.WriteFile(path, []byte("not a lesson"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ParseFile(path); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
