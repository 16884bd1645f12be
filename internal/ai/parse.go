package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/autoheal/internal/failure"
)

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// Response is the JSON object the analyze prompt asks for.
type Response struct {
	RootCause     string               `json:"root_cause"`
	Explanation   string               `json:"explanation"`
	FilesToChange []failure.FileChange `json:"files_to_change"`
}

// ErrNoJSON is returned when a reply has no JSON object in it.
var ErrNoJSON = errors.New("no JSON object in model reply")

// ParseResponse extracts the analysis object from a model reply. Models wrap
// JSON in code fences or prose often enough that a direct parse is only the
// first strategy. Cleanup is limited to trailing commas: file contents are
// source code, and rewriting comments or keys inside them would corrupt it.
func ParseResponse(text string) (*Response, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrNoJSON
	}

	var firstErr error
	for _, candidate := range []string{trimmed, stripFence(trimmed), outerObject(trimmed)} {
		if candidate == "" {
			continue
		}
		r, err := decode(candidate)
		if err == nil {
			return r, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if cleaned := trailingCommaRe.ReplaceAllString(candidate, "$1"); cleaned != candidate {
			if r, err := decode(cleaned); err == nil {
				return r, nil
			}
		}
	}
	if outerObject(trimmed) == "" {
		return nil, ErrNoJSON
	}
	return nil, fmt.Errorf("parse model reply: %w", firstErr)
}

func decode(s string) (*Response, error) {
	var r Response
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// stripFence removes an outer ``` or ```json fence. The closing fence is the
// last one in the text, since file contents may hold fences of their own.
func stripFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	end := strings.LastIndex(body, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(body[:end])
}

func outerObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
