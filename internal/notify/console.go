package notify

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/lucasnoah/autoheal/internal/failure"
)

// Console prints notifications to a terminal.
type Console struct {
	w io.Writer
}

// NewConsole creates a Console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) NotifySuccess(_ context.Context, n Success) error {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Fprintf(c.w, "%s %s healed after %d attempt(s)\n", green("✓"), projectLabel(n.Project), n.Attempt.AttemptNumber)
	fmt.Fprintf(c.w, "  root cause: %s\n", n.Attempt.RootCause)
	if len(n.Attempt.Files) > 0 {
		fmt.Fprintf(c.w, "  files:      %s\n", strings.Join(n.Attempt.Filenames(), ", "))
	}
	if n.DeploymentURL != "" {
		fmt.Fprintf(c.w, "  deployment: %s\n", n.DeploymentURL)
	}
	return nil
}

func (c *Console) NotifyFailure(_ context.Context, n Failure) error {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Fprintf(c.w, "%s %s could not be healed (%s)\n", red("✗"), projectLabel(n.Project), n.Reason)
	for _, a := range n.Attempts {
		outcome := a.Outcome
		if outcome == "" {
			outcome = "not deployed"
		}
		fmt.Fprintf(c.w, "  attempt %d: %s %s\n", a.AttemptNumber, a.RootCause, gray("["+outcome+"]"))
		if len(a.Files) > 0 {
			fmt.Fprintf(c.w, "    files: %s\n", strings.Join(a.Filenames(), ", "))
		}
	}
	if len(n.Reasons) > 0 {
		fmt.Fprintln(c.w, "  decision trail:")
		for _, r := range n.Reasons {
			fmt.Fprintf(c.w, "    #%d %s %s\n", r.Attempt, r.Reason, gray(r.Detail))
		}
	}
	return nil
}

func (c *Console) NotifyUnfixable(_ context.Context, n Unfixable) error {
	yellow := color.New(color.FgYellow, color.Bold).SprintFunc()
	fmt.Fprintf(c.w, "%s %s needs attention: %s\n", yellow("!"), projectLabel(n.Project), n.Reason)
	if n.Action != "" {
		fmt.Fprintf(c.w, "  action: %s\n", n.Action)
	}
	return nil
}

func projectLabel(p failure.Project) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
