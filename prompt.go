package lore

import (
	"strconv"
	"strings"
)

// DefaultPromptTokens is the budget AsPrompt assumes when the caller
// passes zero.
const DefaultPromptTokens = 1000

// AsPrompt renders query results as a markdown block ready for system
// prompt injection. Results are ordered best first. maxTokens bounds
// the output using the rough 4-chars-per-token estimate; lessons are
// included whole or not at all, and when nothing fits the result is
// the empty string.
func AsPrompt(results []QueryResult, maxTokens int) string {
	if len(results) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = DefaultPromptTokens
	}
	budget := maxTokens * 4

	ordered := make([]QueryResult, len(results))
	copy(ordered, results)
	sortResults(ordered)

	var entries []string
	used := 0
	for _, r := range ordered {
		entry := formatPromptEntry(r.Lesson)
		if used+len(entry) > budget {
			break
		}
		entries = append(entries, entry)
		used += len(entry)
	}
	if len(entries) == 0 {
		return ""
	}
	return "## Relevant Lessons\n\n" + strings.Join(entries, "\n") + "\n"
}

func formatPromptEntry(l *Lesson) string {
	var b strings.Builder
	b.WriteString("**Problem:** ")
	b.WriteString(l.Problem)
	b.WriteString("\n**Resolution:** ")
	b.WriteString(l.Resolution)
	if l.Context != "" {
		b.WriteString("\n**Context:** ")
		b.WriteString(l.Context)
	}
	b.WriteString("\n**Confidence:** ")
	b.WriteString(strconv.FormatFloat(l.Confidence, 'g', -1, 64))
	b.WriteString("\n")
	return b.String()
}
