// Package lessonfile reads and writes lesson files: markdown with YAML
// frontmatter and H2 body sections, or JSON in the export schema.
package lessonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/frontmatter"

	"github.com/sgx-labs/lore"
)

// fileMeta holds the parsed frontmatter fields of a markdown lesson.
// Timestamps are RFC3339 strings so that hand-written files stay easy.
type fileMeta struct {
	ID         string   `yaml:"id"`
	Tags       []string `yaml:"tags"`
	Confidence *float64 `yaml:"confidence"`
	Source     string   `yaml:"source"`
	Project    string   `yaml:"project"`
	CreatedAt  string   `yaml:"created_at"`
	ExpiresAt  string   `yaml:"expires_at"`
}

// Parse reads a markdown lesson: YAML frontmatter plus "## Problem" and
// "## Resolution" sections (optional "## Context"). Files without
// frontmatter are accepted; the body sections alone carry the lesson.
func Parse(content []byte) (*lore.Lesson, error) {
	var meta fileMeta
	body, err := frontmatter.Parse(strings.NewReader(string(content)), &meta)
	if err != nil {
		// Malformed frontmatter: treat the whole file as body.
		body = content
		meta = fileMeta{}
	}

	sections := splitSections(string(body))

	lesson := &lore.Lesson{
		ID:         meta.ID,
		Problem:    sections["problem"],
		Resolution: sections["resolution"],
		Context:    sections["context"],
		Tags:       meta.Tags,
		Confidence: 0.5,
		Source:     meta.Source,
		Project:    meta.Project,
	}
	if meta.Confidence != nil {
		lesson.Confidence = *meta.Confidence
	}
	if lesson.Tags == nil {
		lesson.Tags = []string{}
	}

	if meta.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339, meta.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", meta.CreatedAt, err)
		}
		lesson.CreatedAt = ts.UTC()
		lesson.UpdatedAt = lesson.CreatedAt
	}
	if meta.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, meta.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at %q: %w", meta.ExpiresAt, err)
		}
		utc := ts.UTC()
		lesson.ExpiresAt = &utc
	}

	if strings.TrimSpace(lesson.Problem) == "" {
		return nil, fmt.Errorf("lesson file has no \"## Problem\" section")
	}
	if strings.TrimSpace(lesson.Resolution) == "" {
		return nil, fmt.Errorf("lesson file has no \"## Resolution\" section")
	}
	return lesson, nil
}

// ParseFile reads and parses a lesson file by extension: .md as markdown,
// .json as a single lesson object or export envelope.
func ParseFile(path string) ([]*lore.Lesson, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch {
	case strings.HasSuffix(path, ".md"):
		lesson, err := Parse(content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []*lore.Lesson{lesson}, nil
	case strings.HasSuffix(path, ".json"):
		return parseJSON(content, path)
	default:
		return nil, fmt.Errorf("%s: unsupported lesson file type", path)
	}
}

// parseJSON accepts a single lesson object, a bare array, or the export
// envelope {"version":1,"lessons":[...]}.
func parseJSON(content []byte, path string) ([]*lore.Lesson, error) {
	trimmed := strings.TrimSpace(string(content))
	if strings.HasPrefix(trimmed, "[") {
		var lessons []*lore.Lesson
		if err := json.Unmarshal(content, &lessons); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return lessons, nil
	}

	var envelope struct {
		Lessons []*lore.Lesson `json:"lessons"`
	}
	if err := json.Unmarshal(content, &envelope); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if envelope.Lessons != nil {
		return envelope.Lessons, nil
	}

	var single lore.Lesson
	if err := json.Unmarshal(content, &single); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []*lore.Lesson{&single}, nil
}

// splitSections cuts a markdown body into its H2 sections, keyed by the
// lowercased heading text. Content before the first heading is dropped.
func splitSections(body string) map[string]string {
	sections := map[string]string{}
	var current string
	var buf strings.Builder

	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}

	for _, line := range strings.Split(body, "\n") {
		if heading, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			current = strings.ToLower(strings.TrimSpace(heading))
			continue
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return sections
}

// Render writes a lesson back out as markdown with frontmatter, the
// inverse of Parse. Embeddings and votes stay out of the portable form.
func Render(l *lore.Lesson) []byte {
	var b strings.Builder
	b.WriteString("---\n")
	if l.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", l.ID)
	}
	if len(l.Tags) > 0 {
		b.WriteString("tags: [")
		for i, tag := range l.Tags {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(tag)
		}
		b.WriteString("]\n")
	}
	fmt.Fprintf(&b, "confidence: %s\n", strconv.FormatFloat(l.Confidence, 'g', -1, 64))
	if l.Source != "" {
		fmt.Fprintf(&b, "source: %s\n", l.Source)
	}
	if l.Project != "" {
		fmt.Fprintf(&b, "project: %s\n", l.Project)
	}
	if !l.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "created_at: %s\n", l.CreatedAt.UTC().Format(time.RFC3339))
	}
	if l.ExpiresAt != nil {
		fmt.Fprintf(&b, "expires_at: %s\n", l.ExpiresAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("---\n\n")

	b.WriteString("## Problem\n\n")
	b.WriteString(strings.TrimSpace(l.Problem))
	b.WriteString("\n\n## Resolution\n\n")
	b.WriteString(strings.TrimSpace(l.Resolution))
	b.WriteString("\n")
	if l.Context != "" {
		b.WriteString("\n## Context\n\n")
		b.WriteString(strings.TrimSpace(l.Context))
		b.WriteString("\n")
	}
	return []byte(b.String())
}
