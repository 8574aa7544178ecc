package lore

import (
	"strings"
	"testing"
	"time"
)

func TestAsPromptFormatting(t *testing.T) {
	now := time.Now().UTC()
	results := []QueryResult{
		{
			Lesson: &Lesson{
				ID: "b", Problem: "second best", Resolution: "r2",
				Confidence: 0.5, CreatedAt: now, UpdatedAt: now,
			},
			Score: 0.4,
		},
		{
			Lesson: &Lesson{
				ID: "a", Problem: "top match", Resolution: "r1", Context: "seen in CI",
				Confidence: 0.85, CreatedAt: now, UpdatedAt: now,
			},
			Score: 0.9,
		},
	}

	out := AsPrompt(results, 0)
	if !strings.HasPrefix(out, "## Relevant Lessons\n\n") {
		t.Errorf("missing header:\n%s", out)
	}
	first := strings.Index(out, "top match")
	second := strings.Index(out, "second best")
	if first == -1 || second == -1 || first > second {
		t.Errorf("results not ordered best first:\n%s", out)
	}
	for _, want := range []string{
		"**Problem:** top match",
		"**Resolution:** r1",
		"**Context:** seen in CI",
		"**Confidence:** 0.85",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "**Context:** \n") {
		t.Error("empty context should be omitted, not rendered blank")
	}
}

func TestAsPromptBudget(t *testing.T) {
	now := time.Now().UTC()
	long := strings.Repeat("x", 200)
	results := []QueryResult{
		{Lesson: &Lesson{ID: "a", Problem: long, Resolution: long, Confidence: 0.5, CreatedAt: now}, Score: 0.9},
		{Lesson: &Lesson{ID: "b", Problem: long, Resolution: long, Confidence: 0.5, CreatedAt: now}, Score: 0.8},
	}

	// One entry is ~440 chars. 150 tokens buys 600, enough for the
	// first lesson whole but not both.
	out := AsPrompt(results, 150)
	if !strings.Contains(out, "## Relevant Lessons") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if n := strings.Count(out, "**Problem:**"); n != 1 {
		t.Errorf("entries included = %d, want exactly 1", n)
	}

	// A budget too small for any whole entry yields nothing at all.
	if out := AsPrompt(results, 10); out != "" {
		t.Errorf("tiny budget output = %q, want empty", out)
	}
}

func TestAsPromptEmpty(t *testing.T) {
	if out := AsPrompt(nil, 100); out != "" {
		t.Errorf("AsPrompt(nil) = %q, want empty", out)
	}
}
