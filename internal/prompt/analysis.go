package prompt

import (
	"fmt"
	"strconv"
	"strings"
)

// ContextFile is a source file shown to the model.
type ContextFile struct {
	Path    string
	Content string
}

// PriorAttempt summarises an earlier fix in the same chain.
type PriorAttempt struct {
	Number    int
	RootCause string
	Files     []string
	Outcome   string
}

// AnalysisInput carries everything the analyze template can reference.
type AnalysisInput struct {
	ProjectName    string
	Repo           string
	BaseBranch     string
	Attempt        int
	MaxRetries     int
	ErrorSignature string
	Logs           string
	ContextFiles   []ContextFile
	PriorAttempts  []PriorAttempt
	Instructions   string
}

// maxLogBytes bounds the log excerpt; the tail of a build log is where the
// error usually is.
const maxLogBytes = 24000

// Vars flattens the input into template variables.
func (in AnalysisInput) Vars() Vars {
	return Vars{
		"project_name":    in.ProjectName,
		"repo":            in.Repo,
		"base_branch":     in.BaseBranch,
		"attempt":         strconv.Itoa(in.Attempt),
		"max_retries":     strconv.Itoa(in.MaxRetries),
		"error_signature": in.ErrorSignature,
		"logs":            tail(in.Logs, maxLogBytes),
		"context_files":   formatContextFiles(in.ContextFiles),
		"prior_attempts":  formatPriorAttempts(in.PriorAttempts),
		"instructions":    strings.TrimSpace(in.Instructions),
	}
}

// BuildAnalysis renders tmpl with the input.
func BuildAnalysis(tmpl string, in AnalysisInput) (string, error) {
	return Render(tmpl, in.Vars())
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return "... (truncated)\n" + cut
}

func formatContextFiles(files []ContextFile) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "\n### %s\n```\n%s\n```\n", f.Path, strings.TrimRight(f.Content, "\n"))
	}
	return strings.TrimSpace(b.String())
}

func formatPriorAttempts(attempts []PriorAttempt) string {
	var lines []string
	for _, a := range attempts {
		line := fmt.Sprintf("- Attempt %d: %s", a.Number, a.RootCause)
		if len(a.Files) > 0 {
			line += " (changed " + strings.Join(a.Files, ", ") + ")"
		}
		if a.Outcome != "" {
			line += " -> " + a.Outcome
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
