// Package poller watches a triggered deployment until the platform reports
// a terminal state or the attempt budget runs out.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lucasnoah/autoheal/internal/platform"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultMaxAttempts = 120
)

// Outcome is the result of watching one deployment.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Phase is the classification of a single reported state.
type Phase int

const (
	PhaseBuilding Phase = iota
	PhaseSuccess
	PhaseFailure
)

var successStates = map[string]bool{
	"READY": true, "SUCCESS": true, "SUCCEEDED": true, "SUCCESSFUL": true,
	"DEPLOYED": true, "COMPLETE": true, "COMPLETED": true, "LIVE": true, "HEALTHY": true,
}

var failureStates = map[string]bool{
	"ERROR": true, "ERRORED": true, "FAILED": true, "FAILURE": true,
	"CANCELED": true, "CANCELLED": true, "CRASHED": true, "BUILD_ERROR": true,
	"DEPLOY_FAILED": true, "TIMED_OUT": true, "REJECTED": true,
}

// Classify maps a platform state onto a phase, ignoring case. Anything not
// recognised as terminal is still building.
func Classify(state string) Phase {
	s := strings.ToUpper(strings.TrimSpace(state))
	switch {
	case successStates[s]:
		return PhaseSuccess
	case failureStates[s]:
		return PhaseFailure
	}
	return PhaseBuilding
}

// Clock abstracts waiting so tests can run without real delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Platform is the part of the deployment platform the poller reads.
type Platform interface {
	GetStatus(ctx context.Context, credential, deploymentID string) (*platform.Status, error)
	GetLogs(ctx context.Context, credential, deploymentID string) (string, error)
}

// Result is what Poll observed.
type Result struct {
	Outcome  Outcome `json:"outcome"`
	State    string  `json:"state"`
	Logs     string  `json:"logs,omitempty"`
	URL      string  `json:"url,omitempty"`
	Attempts int     `json:"attempts"`
}

// Poller polls a deployment on a fixed interval with a bounded number of attempts.
type Poller struct {
	platform    Platform
	clock       Clock
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
	progress    io.Writer
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(p *Poller) { p.clock = c } }

// WithInterval sets the delay before each poll.
func WithInterval(d time.Duration) Option { return func(p *Poller) { p.interval = d } }

// WithMaxAttempts bounds the number of polls.
func WithMaxAttempts(n int) Option { return func(p *Poller) { p.maxAttempts = n } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

// WithProgress sets a writer for live progress output.
func WithProgress(w io.Writer) Option { return func(p *Poller) { p.progress = w } }

// New creates a Poller with the default 15s interval and 120 attempts.
func New(pl Platform, opts ...Option) *Poller {
	p := &Poller{
		platform:    pl,
		clock:       realClock{},
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	return p
}

func (p *Poller) logf(format string, args ...interface{}) {
	if p.progress != nil {
		fmt.Fprintf(p.progress, "  → "+format+"\n", args...)
	}
}

// Poll waits one interval before each status request and returns as soon
// as a terminal state is seen. Errors from the platform are transient and
// only cost the attempt they happened on. The only error returned is the
// context's, when the caller gives up first.
func (p *Poller) Poll(ctx context.Context, deploymentID, credential string) (*Result, error) {
	last := ""
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(p.interval):
		}

		st, err := p.platform.GetStatus(ctx, credential, deploymentID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("poll deployment status", "deployment", deploymentID, "attempt", attempt, "error", err)
			continue
		}
		last = st.State

		switch Classify(st.State) {
		case PhaseSuccess:
			p.logf("deployment %s is %s after %d polls", deploymentID, st.State, attempt)
			return &Result{Outcome: OutcomeSuccess, State: st.State, URL: st.URL, Attempts: attempt}, nil
		case PhaseFailure:
			p.logf("deployment %s is %s after %d polls", deploymentID, st.State, attempt)
			return &Result{
				Outcome:  OutcomeFailed,
				State:    st.State,
				URL:      st.URL,
				Logs:     p.failureLogs(ctx, deploymentID, credential, st),
				Attempts: attempt,
			}, nil
		}
	}

	p.logf("deployment %s still %q after %d polls, giving up", deploymentID, last, p.maxAttempts)
	return &Result{Outcome: OutcomeTimeout, State: last, Attempts: p.maxAttempts}, nil
}

// failureLogs prefers the build log and falls back to the platform's error message.
func (p *Poller) failureLogs(ctx context.Context, deploymentID, credential string, st *platform.Status) string {
	logs, err := p.platform.GetLogs(ctx, credential, deploymentID)
	if err != nil {
		p.logger.Warn("fetch deployment logs", "deployment", deploymentID, "error", err)
	}
	logs = strings.TrimSpace(logs)
	switch {
	case logs == "":
		return st.ErrorMessage
	case st.ErrorMessage != "" && !strings.Contains(logs, st.ErrorMessage):
		return logs + "\n" + st.ErrorMessage
	}
	return logs
}
