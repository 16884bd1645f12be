// Package monitor watches the latest deployment of every configured project
// and starts a fix loop when one fails.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/orchestrator"
	"github.com/lucasnoah/autoheal/internal/platform"
	"github.com/lucasnoah/autoheal/internal/poller"
)

// Actions reported per project by Scan.
const (
	ActionNoDeployments = "no_deployments"
	ActionHealthy       = "healthy"
	ActionBuilding      = "building"
	ActionOwnFix        = "own_fix"
	ActionLocked        = "locked"
	ActionKnown         = "known_failure"
	ActionStarted       = "started"
	ActionResumed       = "resumed"
	ActionError         = "error"
)

// Store is the persistence the monitor needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*failure.Project, error)
	GetFailure(ctx context.Context, id string) (*failure.Record, error)
	FindFailureByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.Record, error)
	FindFixAttemptByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.FixAttempt, error)
	CreateFailure(ctx context.Context, r *failure.Record) error
}

// Platform lists and reads deployments.
type Platform interface {
	Latest(ctx context.Context, credential, project string) (*platform.Deployment, error)
	GetLogs(ctx context.Context, credential, deploymentID string) (string, error)
}

// Starter runs a fix loop for a failure record.
type Starter interface {
	StartFixLoop(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.RunResult, error)
}

// Target is a project to watch and the credential to watch it with.
type Target struct {
	ProjectID  string
	Credential string
}

// Options configures a Monitor.
type Options struct {
	Interval     time.Duration
	Concurrency  int
	BranchPrefix string
	Logger       *slog.Logger
	Progress     io.Writer
}

// Action is what a scan did for one project.
type Action struct {
	ProjectID    string                  `json:"project_id"`
	Action       string                  `json:"action"`
	DeploymentID string                  `json:"deployment_id,omitempty"`
	State        string                  `json:"state,omitempty"`
	FailureID    string                  `json:"failure_id,omitempty"`
	Run          *orchestrator.RunResult `json:"run,omitempty"`
	Message      string                  `json:"message,omitempty"`
}

// ScanResult collects the actions of one scan, sorted by project.
type ScanResult struct {
	Actions []Action `json:"actions"`
}

// Monitor scans projects for failed deployments.
type Monitor struct {
	store    Store
	platform Platform
	starter  Starter
	targets  []Target
	opts     Options
	logger   *slog.Logger
}

// New creates a Monitor.
func New(store Store, pl Platform, starter Starter, targets []Target, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{store: store, platform: pl, starter: starter, targets: targets, opts: opts, logger: opts.Logger}
}

func (m *Monitor) logf(format string, args ...interface{}) {
	if m.opts.Progress != nil {
		fmt.Fprintf(m.opts.Progress, "  → "+format+"\n", args...)
	}
}

// Scan checks every target once. Per-project problems are reported as
// ActionError and never stop the other projects; the only error returned
// is the context's.
func (m *Monitor) Scan(ctx context.Context) (*ScanResult, error) {
	var (
		mu  sync.Mutex
		res ScanResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, t := range m.targets {
		g.Go(func() error {
			a := m.check(gctx, t)
			mu.Lock()
			res.Actions = append(res.Actions, a)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return &res, err
	}
	sort.Slice(res.Actions, func(i, j int) bool { return res.Actions[i].ProjectID < res.Actions[j].ProjectID })
	return &res, nil
}

func (m *Monitor) check(ctx context.Context, t Target) Action {
	a := Action{ProjectID: t.ProjectID}
	fail := func(format string, args ...any) Action {
		a.Action = ActionError
		a.Message = fmt.Sprintf(format, args...)
		m.logger.Warn("monitor check failed", "project", t.ProjectID, "error", a.Message)
		return a
	}

	project, err := m.store.GetProject(ctx, t.ProjectID)
	if err != nil {
		return fail("load project: %v", err)
	}
	dep, err := m.platform.Latest(ctx, t.Credential, project.PlatformProject)
	if err != nil {
		return fail("%v", err)
	}
	if dep == nil {
		a.Action = ActionNoDeployments
		return a
	}
	a.DeploymentID, a.State = dep.ID, dep.State

	// A deployment we triggered whose run stopped before recording the
	// outcome. Resuming polls it, whatever state it is in now.
	att, err := m.store.FindFixAttemptByDeployment(ctx, project.ID, dep.ID)
	if err != nil {
		return fail("%v", err)
	}
	if att != nil {
		owner, err := m.store.GetFailure(ctx, att.FailureID)
		if err != nil {
			return fail("load failure: %v", err)
		}
		if !owner.Status.Terminal() {
			a.Action, a.FailureID = ActionResumed, owner.ID
			return m.run(ctx, t, project, owner, a, fail)
		}
	}

	switch poller.Classify(dep.State) {
	case poller.PhaseSuccess:
		a.Action = ActionHealthy
		return a
	case poller.PhaseBuilding:
		a.Action = ActionBuilding
		return a
	}

	existing, err := m.store.FindFailureByDeployment(ctx, project.ID, dep.ID)
	if err != nil {
		return fail("%v", err)
	}
	switch {
	case existing != nil && existing.Status.Terminal():
		a.Action, a.FailureID = ActionKnown, existing.ID
		return a
	case existing == nil && m.opts.BranchPrefix != "" && strings.HasPrefix(dep.Branch, m.opts.BranchPrefix):
		// A fix deployment that the running loop has not chained yet.
		a.Action = ActionOwnFix
		return a
	case project.FixInProgress:
		a.Action = ActionLocked
		if existing != nil {
			a.FailureID = existing.ID
		}
		return a
	}

	rec := existing
	a.Action = ActionResumed
	if rec == nil {
		logs, err := m.platform.GetLogs(ctx, t.Credential, dep.ID)
		if err != nil {
			m.logger.Warn("fetch failed deployment logs", "project", project.ID, "deployment", dep.ID, "error", err)
		}
		rec = &failure.Record{
			ProjectID:    project.ID,
			DeploymentID: dep.ID,
			Source:       failure.SourceMonitorDetected,
			Logs:         logs,
		}
		err = m.store.CreateFailure(ctx, rec)
		if errors.Is(err, db.ErrDuplicate) {
			// Another trigger recorded it between our lookup and insert.
			a.Action = ActionKnown
			if dup, _ := m.store.FindFailureByDeployment(ctx, project.ID, dep.ID); dup != nil {
				a.FailureID = dup.ID
			}
			return a
		}
		if err != nil {
			return fail("create failure record: %v", err)
		}
		a.Action = ActionStarted
		m.logf("%s: deployment %s is %s, created %s", project.ID, dep.ID, dep.State, rec.ID)
	}
	a.FailureID = rec.ID
	return m.run(ctx, t, project, rec, a, fail)
}

func (m *Monitor) run(ctx context.Context, t Target, project *failure.Project, rec *failure.Record, a Action, fail func(string, ...any) Action) Action {
	run, err := m.starter.StartFixLoop(ctx, orchestrator.StartRequest{
		FailureID:          rec.ID,
		ProjectID:          project.ID,
		PlatformCredential: t.Credential,
	})
	if err != nil {
		return fail("start fix loop: %v", err)
	}
	a.Run = run
	if run.Action == orchestrator.ActionLocked {
		a.Action = ActionLocked
		return a
	}
	m.logger.Info("fix loop finished", "project", project.ID, "failure", rec.ID, "action", run.Action, "status", run.Status)
	return a
}

// Run scans immediately and then on every interval until ctx is done.
// Each scan result is passed to report when it is non-nil.
func (m *Monitor) Run(ctx context.Context, report func(*ScanResult)) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		res, err := m.Scan(ctx)
		if err != nil {
			return err
		}
		if report != nil {
			report(res)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
