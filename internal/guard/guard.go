// Package guard screens lesson text for prompt injection. Stored
// lessons get replayed into other agents' prompts, so an injected
// instruction would reach every future reader of the memory.
package guard

import (
	"context"

	"github.com/mdombrov-33/go-promptguard/detector"
)

// maxScanLength bounds what the detector analyzes per field. Lesson
// fields run a few paragraphs in practice.
const maxScanLength = 10000

// promptGuard is the package-level detector instance. Initialized once
// with every pattern-matching and statistical detector enabled and no
// LLM judge, which keeps screening sub-millisecond on the write path.
var promptGuard = detector.New(
	detector.WithThreshold(0.6),
	detector.WithAllDetectors(),
	detector.WithMaxInputLength(maxScanLength),
)

// Screen reports whether text looks like a prompt-injection attempt.
func Screen(ctx context.Context, text string) bool {
	if len(text) == 0 {
		return false
	}
	result := promptGuard.Detect(ctx, text)
	return !result.Safe
}

// ScreenLesson checks each text field of an incoming lesson and
// returns the name of the first field that trips the detector, or ""
// when all fields look safe. Field names match the wire schema so
// rejection messages point at the offending input.
func ScreenLesson(ctx context.Context, problem, resolution, contextText string) string {
	if Screen(ctx, problem) {
		return "problem"
	}
	if Screen(ctx, resolution) {
		return "resolution"
	}
	if Screen(ctx, contextText) {
		return "context"
	}
	return ""
}
