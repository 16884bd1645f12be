// Package validate rejects proposed fixes that are obviously broken before
// they reach version control.
package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Reason is a structured validation verdict.
type Reason string

const (
	ReasonValid         Reason = "valid"
	ReasonNoChange      Reason = "no_change"
	ReasonEmptyFix      Reason = "empty_fix"
	ReasonSyntaxError   Reason = "syntax_error"
	ReasonMergeConflict Reason = "merge_conflict"
)

var conflictMarkers = []string{"<<<<<<<", "=======", ">>>>>>>"}

const (
	// Originals above this size must not collapse below minShrunkLen.
	largeOriginalLen = 100
	minShrunkLen     = 50
)

// Input describes one proposed file rewrite.
type Input struct {
	Path           string
	PriorSnippet   string
	NewContent     string
	CurrentContent string
}

// Result is the verdict for one file.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail"`
}

func reject(reason Reason, format string, args ...any) Result {
	return Result{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// File applies the per-file rules in order and returns the first rejection.
func File(in Input) Result {
	trimmed := strings.TrimSpace(in.NewContent)
	if trimmed == "" {
		return reject(ReasonEmptyFix, "%s: new content is empty", in.Path)
	}

	if in.PriorSnippet != "" && trimmed == strings.TrimSpace(in.PriorSnippet) {
		return reject(ReasonNoChange, "%s: new content is identical to the broken snippet", in.Path)
	}
	if in.CurrentContent != "" && trimmed == strings.TrimSpace(in.CurrentContent) {
		return reject(ReasonNoChange, "%s: new content is identical to the current file", in.Path)
	}

	for _, m := range conflictMarkers {
		if strings.Contains(in.NewContent, m) {
			return reject(ReasonMergeConflict, "%s: contains unresolved conflict marker %q", in.Path, m)
		}
	}

	orig := utf8.RuneCountInString(in.CurrentContent)
	next := utf8.RuneCountInString(in.NewContent)
	if orig > 0 && (next*2 < orig || (orig > largeOriginalLen && next < minShrunkLen)) {
		return reject(ReasonEmptyFix, "%s: suspicious shrinkage from %d to %d characters, likely truncated output", in.Path, orig, next)
	}

	return Result{Valid: true, Reason: ReasonValid}
}
