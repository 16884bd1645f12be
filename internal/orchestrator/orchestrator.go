// Package orchestrator drives a failure record through analyze, fix,
// deploy and verify until the deployment is healthy or the chain gives up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lucasnoah/autoheal/internal/ai"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
	"github.com/lucasnoah/autoheal/internal/lock"
	"github.com/lucasnoah/autoheal/internal/notify"
	"github.com/lucasnoah/autoheal/internal/platform"
	"github.com/lucasnoah/autoheal/internal/poller"
)

// Lifecycle events written to the audit trail next to the reason codes.
const (
	EventAttemptStarted = "attempt_started"
	EventDeployed       = "deployed"
	EventChained        = "chained"
	EventFixed          = "fixed"
	EventUnfixable      = "unfixable"
	EventRunIncomplete  = "run_incomplete"
	EventManualRetry    = "manual_retry"
)

// Actions reported in RunResult.
const (
	ActionDisabled        = "disabled"
	ActionLocked          = "locked"
	ActionAlreadyTerminal = "already_terminal"
	ActionFixed           = "fixed"
	ActionFailed          = "failed"
	ActionUnfixable       = "unfixable"
	ActionIncomplete      = "incomplete"
)

// ErrNotRetryable is returned by PrepareRetry for a record that did not
// end in failure.
var ErrNotRetryable = errors.New("failure record is not retryable")

// Store is the persistence the orchestrator reads and writes.
type Store interface {
	GetProject(ctx context.Context, id string) (*failure.Project, error)
	CreateFailure(ctx context.Context, r *failure.Record) error
	GetFailure(ctx context.Context, id string) (*failure.Record, error)
	UpdateFailure(ctx context.Context, id string, fn func(*failure.Record)) (*failure.Record, error)
	CreateFixAttempt(ctx context.Context, a *failure.FixAttempt) error
	UpdateFixAttempt(ctx context.Context, id string, fn func(*failure.FixAttempt)) (*failure.FixAttempt, error)
	ListChainAttempts(ctx context.Context, rootID string) ([]failure.FixAttempt, error)
	LatestFixAttempt(ctx context.Context, failureID string) (*failure.FixAttempt, error)
	LogEvent(ctx context.Context, failureID, event string, attempt int, detail string) error
}

// Locker serialises runs per project.
type Locker interface {
	Acquire(ctx context.Context, projectID string) (*lock.Lease, bool, error)
}

// Analyzer asks the model for a fix.
type Analyzer interface {
	Analyze(ctx context.Context, failureID string) (*ai.Analysis, error)
}

// Applier validates and commits a fix.
type Applier interface {
	Apply(ctx context.Context, vcs fixer.VCS, req fixer.Request) (*fixer.Result, error)
}

// Deployer starts a deployment of a branch.
type Deployer interface {
	Trigger(ctx context.Context, credential string, req platform.TriggerRequest) (string, error)
}

// Poller watches a deployment to a terminal outcome.
type Poller interface {
	Poll(ctx context.Context, deploymentID, credential string) (*poller.Result, error)
}

// AccessChecker verifies a collaborator is usable before a run starts.
type AccessChecker interface {
	CheckAccess(ctx context.Context) error
}

// PreflightCheck names an access check and the action a human must take
// when it fails.
type PreflightCheck struct {
	Name    string
	Action  string
	Checker AccessChecker
}

// Deps are the collaborators of a run.
type Deps struct {
	Store     Store
	Locks     Locker
	Analyzer  Analyzer
	VCS       fixer.Resolver
	Applier   Applier
	Deployer  Deployer
	Poller    Poller
	Notifier  notify.Sink
	Preflight []PreflightCheck
	Logger    *slog.Logger
	Progress  io.Writer
}

// Options bound a run.
type Options struct {
	Enabled                 bool
	MaxRetries              int
	PollInterval            time.Duration
	PollMaxAttempts         int
	ConsecutiveFailureLimit int
	RunTimeout              time.Duration
	BranchPrefix            string
}

// DefaultOptions returns the standard limits.
func DefaultOptions() Options {
	return Options{
		Enabled:                 true,
		MaxRetries:              5,
		PollInterval:            poller.DefaultInterval,
		PollMaxAttempts:         poller.DefaultMaxAttempts,
		ConsecutiveFailureLimit: 3,
		RunTimeout:              5 * time.Minute,
		BranchPrefix:            "autoheal/",
	}
}

// StartRequest starts or resumes the loop for a failure record.
type StartRequest struct {
	FailureID          string
	ProjectID          string
	PlatformCredential string
	InitialLogs        string
}

// RunResult describes what a run did.
type RunResult struct {
	FailureID     string         `json:"failure_id"`
	FinalID       string         `json:"final_id"`
	Action        string         `json:"action"`
	Status        failure.Status `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Attempts      int            `json:"attempts"`
	DeploymentURL string         `json:"deployment_url,omitempty"`
}

// Orchestrator runs fix loops.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New creates an Orchestrator. Zero option values take the defaults, except
// RunTimeout where a negative value disables the budget. When no Poller is
// given and the Deployer can also read deployments, a poller is built from
// the poll options.
func New(deps Deps, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.PollMaxAttempts <= 0 {
		opts.PollMaxAttempts = def.PollMaxAttempts
	}
	if opts.ConsecutiveFailureLimit <= 0 {
		opts.ConsecutiveFailureLimit = def.ConsecutiveFailureLimit
	}
	if opts.RunTimeout == 0 {
		opts.RunTimeout = def.RunTimeout
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = def.BranchPrefix
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewMulti(deps.Logger)
	}
	if deps.Poller == nil {
		if pl, ok := deps.Deployer.(poller.Platform); ok {
			deps.Poller = poller.New(pl,
				poller.WithInterval(opts.PollInterval),
				poller.WithMaxAttempts(opts.PollMaxAttempts),
				poller.WithLogger(deps.Logger),
				poller.WithProgress(deps.Progress),
			)
		}
	}
	return &Orchestrator{deps: deps, opts: opts, logger: deps.Logger}
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options { return o.opts }

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.deps.Progress != nil {
		fmt.Fprintf(o.deps.Progress, "  → "+format+"\n", args...)
	}
}

func (o *Orchestrator) event(ctx context.Context, failureID, event string, attempt int, detail string) {
	if err := o.deps.Store.LogEvent(ctx, failureID, event, attempt, detail); err != nil {
		o.logger.Warn("log event", "failure", failureID, "event", event, "error", err)
	}
}

// StartFixLoop runs the loop for a failure record until it reaches a
// terminal status, the run budget expires, or the context is cancelled.
// It returns immediately when the project is already locked by another run
// or the record is already terminal. A non-terminal record resumes from
// its next attempt.
func (o *Orchestrator) StartFixLoop(ctx context.Context, req StartRequest) (*RunResult, error) {
	if !o.opts.Enabled {
		return &RunResult{FailureID: req.FailureID, FinalID: req.FailureID, Action: ActionDisabled}, nil
	}

	rec, err := o.deps.Store.GetFailure(ctx, req.FailureID)
	if err != nil {
		return nil, fmt.Errorf("load failure: %w", err)
	}
	if req.ProjectID != "" && req.ProjectID != rec.ProjectID {
		return nil, fmt.Errorf("failure %s belongs to project %s, not %s", rec.ID, rec.ProjectID, req.ProjectID)
	}
	if rec.Status.Terminal() {
		return resultFor(req.FailureID, rec, ActionAlreadyTerminal, ""), nil
	}
	project, err := o.deps.Store.GetProject(ctx, rec.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	lease, ok, err := o.deps.Locks.Acquire(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.logger.Info("project locked by another run", "project", project.ID, "failure", rec.ID)
		return resultFor(req.FailureID, rec, ActionLocked, ""), nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Error("release project lock", "project", project.ID, "error", err)
		}
	}()

	runCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	if req.InitialLogs != "" && rec.AttemptCount == 0 && req.InitialLogs != rec.Logs {
		rec, err = o.deps.Store.UpdateFailure(runCtx, rec.ID, func(r *failure.Record) { r.Logs = req.InitialLogs })
		if err != nil {
			return nil, fmt.Errorf("store initial logs: %w", err)
		}
	}

	r := &run{o: o, project: project, cur: rec, cred: req.PlatformCredential}
	return r.execute(runCtx, req.FailureID), nil
}

// PrepareRetry creates a manual_retry record for a chain that ended in
// failure. The new record starts its own chain with a fresh attempt budget
// but carries the attempted fix hashes and the reason history.
func (o *Orchestrator) PrepareRetry(ctx context.Context, failureID string) (*failure.Record, error) {
	prev, err := o.deps.Store.GetFailure(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("load failure: %w", err)
	}
	switch prev.Status {
	case failure.StatusFailedAfterMaxRetries, failure.StatusFailedUnfixable:
	default:
		return nil, fmt.Errorf("%s is %s: %w", prev.ID, prev.Status, ErrNotRetryable)
	}

	next := &failure.Record{
		ProjectID:    prev.ProjectID,
		DeploymentID: prev.DeploymentID,
		Source:       failure.SourceManualRetry,
		Logs:         prev.Logs,
		Status:       failure.StatusPendingAnalysis,
		Metadata:     prev.Metadata.Clone(),
		ParentID:     prev.ID,
	}
	if err := o.deps.Store.CreateFailure(ctx, next); err != nil {
		return nil, fmt.Errorf("create retry record: %w", err)
	}
	o.event(ctx, prev.ID, EventManualRetry, prev.AttemptCount, next.ID)
	o.logger.Info("manual retry prepared", "failure", prev.ID, "retry", next.ID)
	return next, nil
}

// ManualRetry prepares a retry record and runs the loop on it.
func (o *Orchestrator) ManualRetry(ctx context.Context, failureID, credential string) (string, *RunResult, error) {
	next, err := o.PrepareRetry(ctx, failureID)
	if err != nil {
		return "", nil, err
	}
	res, err := o.StartFixLoop(ctx, StartRequest{FailureID: next.ID, ProjectID: next.ProjectID, PlatformCredential: credential})
	return next.ID, res, err
}

func resultFor(startID string, rec *failure.Record, action, reason string) *RunResult {
	return &RunResult{
		FailureID: startID,
		FinalID:   rec.ID,
		Action:    action,
		Status:    rec.Status,
		Reason:    reason,
		Attempts:  rec.AttemptCount,
	}
}

// run is the state of one StartFixLoop invocation. cur is the record the
// next attempt works on; it moves forward as deployments fail and records
// are chained.
type run struct {
	o       *Orchestrator
	project *failure.Project
	cur     *failure.Record
	cred    string

	lastReason string
	streak     int
}

func (r *run) execute(ctx context.Context, startID string) *RunResult {
	o := r.o

	if check, ok := r.preflight(ctx); !ok {
		return r.unfixable(ctx, startID, check.Name, check.Action)
	}

	latest, err := o.deps.Store.LatestFixAttempt(ctx, r.cur.ID)
	if err != nil {
		o.logger.Warn("load latest attempt", "failure", r.cur.ID, "error", err)
	}
	if latest != nil && latest.Pending() {
		o.logf("resuming deployment %s of attempt %d", latest.DeploymentID, latest.AttemptNumber)
		out := r.verify(ctx, latest)
		if res := r.decide(ctx, startID, latest.AttemptNumber, out); res != nil {
			return res
		}
	}

	for i := r.cur.AttemptCount + 1; i <= o.opts.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return r.incomplete(ctx, startID, err.Error())
		}
		out := r.attempt(ctx, i)
		if res := r.decide(ctx, startID, i, out); res != nil {
			return res
		}
	}
	return r.abort(ctx, startID, Abort(failure.ReasonMaxRetriesExhausted, fmt.Sprintf("%d attempts used", o.opts.MaxRetries)))
}

// decide applies an attempt's outcome to the record. It returns a result
// when the run is over and nil when the loop should continue.
func (r *run) decide(ctx context.Context, startID string, i int, out Outcome) *RunResult {
	o := r.o
	if out.Kind == KindRetry && ctx.Err() != nil && out.Reason != failure.ReasonDeploymentFailed {
		out = Incomplete(ctx.Err().Error())
	}
	// From here the outcome is settled and is recorded even if the run's
	// budget ran out while it was being produced.
	ctx = context.WithoutCancel(ctx)

	switch out.Kind {
	case KindSuccess:
		return r.success(ctx, startID, out)
	case KindAbort:
		return r.abort(ctx, startID, out)
	case KindIncomplete:
		return r.incomplete(ctx, startID, out.Detail)
	}

	if out.Reason == failure.ReasonDeploymentFailed {
		r.lastReason, r.streak = "", 0
		if i >= o.opts.MaxRetries {
			r.recordReason(ctx, i, out.Reason, out.Detail, failure.StatusFixing)
			return r.abort(ctx, startID, Abort(failure.ReasonMaxRetriesExhausted, fmt.Sprintf("attempt %d deployment failed", i)))
		}
		if err := r.chain(ctx, i, out); err != nil {
			o.logger.Error("chain follow-up record", "failure", r.cur.ID, "error", err)
			return r.incomplete(ctx, startID, err.Error())
		}
		return nil
	}

	if out.Reason == r.lastReason {
		r.streak++
	} else {
		r.lastReason, r.streak = out.Reason, 1
	}
	r.recordReason(ctx, i, out.Reason, out.Detail, failure.StatusPendingAnalysis)
	o.logf("attempt %d: %s %s", i, out.Reason, out.Detail)
	if r.streak >= o.opts.ConsecutiveFailureLimit {
		return r.abort(ctx, startID, Abort(failure.ReasonConsecutiveFailures,
			fmt.Sprintf("%s %d times in a row", out.Reason, r.streak)))
	}
	return nil
}

// attempt runs one analyze/fix/deploy/verify cycle. A panic anywhere in it
// is recorded as a crashed attempt.
func (r *run) attempt(ctx context.Context, i int) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.o.logger.Error("attempt panicked", "failure", r.cur.ID, "attempt", i, "panic", p)
			out = Retry(failure.ReasonAttemptCrashed, fmt.Sprint(p))
		}
	}()
	return r.step(ctx, i)
}

func (r *run) step(ctx context.Context, i int) Outcome {
	o := r.o
	store := o.deps.Store

	sig := signatureOf(r.cur.Logs)
	if i > 1 && r.cur.Source == failure.SourceRetryAfterFix && r.cur.ParentID != "" {
		parent, err := store.GetFailure(ctx, r.cur.ParentID)
		if err != nil {
			return Retry(failure.ReasonAttemptCrashed, "load parent record: "+err.Error())
		}
		if parent.ErrorSignature != "" && parent.ErrorSignature == sig {
			return Abort(failure.ReasonRepeatedErrorSignature, sig)
		}
	}

	rec, err := store.UpdateFailure(ctx, r.cur.ID, func(rec *failure.Record) {
		rec.ErrorSignature = sig
		rec.Status = failure.StatusAnalyzing
		if i > rec.AttemptCount {
			rec.AttemptCount = i
		}
	})
	if err != nil {
		return Retry(failure.ReasonAttemptCrashed, "persist attempt start: "+err.Error())
	}
	r.cur = rec
	o.event(ctx, rec.ID, EventAttemptStarted, i, sig)
	o.logf("attempt %d/%d for %s: %s", i, o.opts.MaxRetries, r.project.ID, sig)

	analysis, err := o.deps.Analyzer.Analyze(ctx, rec.ID)
	if err != nil {
		return Retry(failure.ReasonAIAnalysisFailed, err.Error())
	}
	if analysis == nil || len(analysis.FilesToChange) == 0 {
		return Retry(failure.ReasonAIAnalysisFailed, "no file changes proposed")
	}
	changes := nonEmpty(analysis.FilesToChange)
	if len(changes) == 0 {
		return Retry(failure.ReasonEmptyFixesFiltered, fmt.Sprintf("%d proposal(s) were blank", len(analysis.FilesToChange)))
	}

	hash := fixHashOf(changes)
	if rec.Metadata.HasHash(hash) {
		return Abort(failure.ReasonFlipFlopDetected, hash)
	}
	rec, err = store.UpdateFailure(ctx, rec.ID, func(rec *failure.Record) {
		if !rec.Metadata.HasHash(hash) {
			rec.Metadata.AttemptedFixHashes = append(rec.Metadata.AttemptedFixHashes, hash)
		}
		rec.Status = failure.StatusFixing
	})
	if err != nil {
		return Retry(failure.ReasonAttemptCrashed, "persist fix hash: "+err.Error())
	}
	r.cur = rec

	vcs, err := o.deps.VCS.ForProject(*r.project)
	if err != nil {
		return Retry(failure.ReasonFixApplyFailed, err.Error())
	}
	branch := o.branchName(rec, i)
	applied, err := o.deps.Applier.Apply(ctx, vcs, fixer.Request{
		Base:    r.project.BaseBranch,
		Branch:  branch,
		Message: commitMessage(analysis.RootCause, rec, i),
		Changes: changes,
	})
	if err != nil {
		return Retry(failure.ReasonFixApplyFailed, err.Error())
	}

	att := &failure.FixAttempt{
		FailureID:     rec.ID,
		RootID:        rec.RootID,
		AttemptNumber: i,
		PromptRef:     analysis.PromptRef,
		RootCause:     analysis.RootCause,
		Explanation:   analysis.Explanation,
		Files:         changes,
		FixHash:       hash,
		Branch:        applied.Branch,
		CommitRef:     applied.CommitRef,
	}
	if err := store.CreateFixAttempt(ctx, att); err != nil {
		return Retry(failure.ReasonAttemptCrashed, "record fix attempt: "+err.Error())
	}

	depID, err := o.deps.Deployer.Trigger(ctx, r.cred, platform.TriggerRequest{
		Project: r.project.PlatformProject,
		Repo:    r.project.Repo,
		Branch:  applied.Branch,
	})
	if err != nil {
		return Retry(failure.ReasonDeploymentTriggerFailed, err.Error())
	}
	updated, err := store.UpdateFixAttempt(ctx, att.ID, func(a *failure.FixAttempt) { a.DeploymentID = depID })
	if err != nil {
		return Retry(failure.ReasonAttemptCrashed, "record deployment: "+err.Error())
	}
	o.event(ctx, rec.ID, EventDeployed, i, depID)
	o.logf("deployment %s triggered from %s", depID, applied.Branch)

	return r.verify(ctx, updated)
}

// verify polls an attempt's deployment and stores the outcome.
func (r *run) verify(ctx context.Context, att *failure.FixAttempt) Outcome {
	o := r.o
	if o.deps.Poller == nil {
		return Retry(failure.ReasonAttemptCrashed, "no deployment poller configured")
	}
	res, err := o.deps.Poller.Poll(ctx, att.DeploymentID, r.cred)
	if err != nil {
		return Incomplete("polling " + att.DeploymentID + ": " + err.Error())
	}

	// The deployment's outcome is known; keep it even if the run's budget
	// expired during the last poll.
	updated, err := o.deps.Store.UpdateFixAttempt(context.WithoutCancel(ctx), att.ID, func(a *failure.FixAttempt) {
		a.Outcome = string(res.Outcome)
		a.DeploymentURL = res.URL
	})
	if err != nil {
		return Retry(failure.ReasonAttemptCrashed, "record deployment outcome: "+err.Error())
	}

	switch res.Outcome {
	case poller.OutcomeSuccess:
		return Success(updated, res.URL)
	case poller.OutcomeFailed:
		return deployFailed(updated, res.State, res.Logs, res.URL)
	}
	return Abort(failure.ReasonDeploymentTimeout, fmt.Sprintf("%s still %q after %d polls", att.DeploymentID, res.State, res.Attempts))
}

// chain supersedes the current record with a retry_after_fix record that
// carries the failed deployment's logs.
func (r *run) chain(ctx context.Context, i int, out Outcome) error {
	o := r.o
	store := o.deps.Store

	cur, err := store.UpdateFailure(ctx, r.cur.ID, func(rec *failure.Record) {
		rec.Metadata.FailureReasons = append(rec.Metadata.FailureReasons, failure.ReasonEntry{
			Attempt: i, Reason: out.Reason, Detail: out.Detail, At: time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	o.event(ctx, cur.ID, out.Reason, i, out.Detail)

	next := &failure.Record{
		ProjectID:    cur.ProjectID,
		Source:       failure.SourceRetryAfterFix,
		Logs:         out.Logs,
		Status:       failure.StatusPendingAnalysis,
		AttemptCount: i,
		Metadata:     cur.Metadata.Clone(),
		ParentID:     cur.ID,
		RootID:       cur.RootID,
	}
	if out.Attempt != nil {
		next.DeploymentID = out.Attempt.DeploymentID
	}
	if err := store.CreateFailure(ctx, next); err != nil {
		return fmt.Errorf("create follow-up record: %w", err)
	}
	if _, err := store.UpdateFailure(ctx, cur.ID, func(rec *failure.Record) { rec.Status = failure.StatusSuperseded }); err != nil {
		return fmt.Errorf("supersede %s: %w", cur.ID, err)
	}
	o.event(ctx, cur.ID, EventChained, i, next.ID)
	o.logf("attempt %d deployment failed, continuing on %s", i, next.ID)
	r.cur = next
	return nil
}

func (r *run) recordReason(ctx context.Context, i int, reason, detail string, status failure.Status) {
	o := r.o
	rec, err := o.deps.Store.UpdateFailure(ctx, r.cur.ID, func(rec *failure.Record) {
		rec.Metadata.FailureReasons = append(rec.Metadata.FailureReasons, failure.ReasonEntry{
			Attempt: i, Reason: reason, Detail: truncate(detail, 500), At: time.Now().UTC(),
		})
		rec.Status = status
	})
	if err != nil {
		o.logger.Error("record failure reason", "failure", r.cur.ID, "reason", reason, "error", err)
		return
	}
	r.cur = rec
	o.event(ctx, rec.ID, reason, i, truncate(detail, 500))
}

func (r *run) success(ctx context.Context, startID string, out Outcome) *RunResult {
	o := r.o
	rec, err := o.deps.Store.UpdateFailure(ctx, r.cur.ID, func(rec *failure.Record) { rec.Status = failure.StatusFixedSuccessfully })
	if err != nil {
		o.logger.Error("mark fixed", "failure", r.cur.ID, "error", err)
	} else {
		r.cur = rec
	}
	o.event(ctx, r.cur.ID, EventFixed, r.cur.AttemptCount, out.URL)
	o.logf("%s healed on attempt %d", r.project.ID, r.cur.AttemptCount)

	n := notify.Success{Project: *r.project, Record: *r.cur, DeploymentURL: out.URL}
	if out.Attempt != nil {
		n.Attempt = *out.Attempt
	}
	if err := o.deps.Notifier.NotifySuccess(ctx, n); err != nil {
		o.logger.Warn("success notification", "failure", r.cur.ID, "error", err)
	}

	res := resultFor(startID, r.cur, ActionFixed, "")
	res.DeploymentURL = out.URL
	return res
}

func (r *run) abort(ctx context.Context, startID string, out Outcome) *RunResult {
	o := r.o
	r.recordReason(ctx, r.cur.AttemptCount, out.Reason, out.Detail, failure.StatusFailedAfterMaxRetries)
	o.logf("giving up on %s: %s", r.project.ID, out.Reason)

	attempts, err := o.deps.Store.ListChainAttempts(ctx, r.cur.RootID)
	if err != nil {
		o.logger.Warn("list chain attempts", "root", r.cur.RootID, "error", err)
	}
	if err := o.deps.Notifier.NotifyFailure(ctx, notify.Failure{
		Project:  *r.project,
		Record:   *r.cur,
		Reason:   out.Reason,
		Attempts: attempts,
		Reasons:  r.cur.Metadata.FailureReasons,
	}); err != nil {
		o.logger.Warn("failure notification", "failure", r.cur.ID, "error", err)
	}
	return resultFor(startID, r.cur, ActionFailed, out.Reason)
}

func (r *run) unfixable(ctx context.Context, startID, check, action string) *RunResult {
	o := r.o
	reason := failure.ReasonMissingCredentials
	detail := check + ": " + action
	rec, err := o.deps.Store.UpdateFailure(ctx, r.cur.ID, func(rec *failure.Record) {
		rec.Metadata.FailureReasons = append(rec.Metadata.FailureReasons, failure.ReasonEntry{
			Attempt: rec.AttemptCount, Reason: reason, Detail: detail, At: time.Now().UTC(),
		})
		rec.Status = failure.StatusFailedUnfixable
	})
	if err != nil {
		o.logger.Error("mark unfixable", "failure", r.cur.ID, "error", err)
	} else {
		r.cur = rec
	}
	o.event(ctx, r.cur.ID, EventUnfixable, r.cur.AttemptCount, detail)
	o.logf("%s cannot be fixed in code: %s", r.project.ID, detail)

	if err := o.deps.Notifier.NotifyUnfixable(ctx, notify.Unfixable{
		Project: *r.project, Record: *r.cur, Reason: reason, Action: action,
	}); err != nil {
		o.logger.Warn("unfixable notification", "failure", r.cur.ID, "error", err)
	}
	return resultFor(startID, r.cur, ActionUnfixable, reason)
}

// incomplete leaves the current record resumable. It runs on a detached
// context because the run's own context is usually what expired.
func (r *run) incomplete(ctx context.Context, startID, detail string) *RunResult {
	o := r.o
	ctx = context.WithoutCancel(ctx)
	rec, err := o.deps.Store.UpdateFailure(ctx, r.cur.ID, func(rec *failure.Record) {
		if !rec.Status.Terminal() {
			rec.Status = failure.StatusPendingAnalysis
		}
	})
	if err != nil {
		o.logger.Error("reset incomplete run", "failure", r.cur.ID, "error", err)
	} else {
		r.cur = rec
	}
	o.event(ctx, r.cur.ID, EventRunIncomplete, r.cur.AttemptCount, detail)
	o.logger.Warn("run incomplete", "failure", r.cur.ID, "attempt", r.cur.AttemptCount, "detail", detail)
	return resultFor(startID, r.cur, ActionIncomplete, detail)
}

// preflight returns the first failing check.
func (r *run) preflight(ctx context.Context) (PreflightCheck, bool) {
	if strings.TrimSpace(r.cred) == "" {
		return PreflightCheck{
			Name:   "platform_credential",
			Action: "configure a deployment platform token for project " + r.project.ID,
		}, false
	}
	for _, c := range r.o.deps.Preflight {
		if c.Checker == nil {
			continue
		}
		if err := c.Checker.CheckAccess(ctx); err != nil {
			check := c
			if check.Action == "" {
				check.Action = err.Error()
			} else {
				check.Action += " (" + err.Error() + ")"
			}
			return check, false
		}
	}
	return PreflightCheck{}, true
}

func (o *Orchestrator) branchName(rec *failure.Record, i int) string {
	return fmt.Sprintf("%sfix-%s-%d", o.opts.BranchPrefix, shortID(rec.RootID), i)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func commitMessage(rootCause string, rec *failure.Record, i int) string {
	subject := strings.TrimSpace(strings.SplitN(rootCause, "\n", 2)[0])
	if subject == "" {
		subject = "repair failed deployment"
	}
	return fmt.Sprintf("fix: %s\n\nautoheal attempt %d for failure %s", truncate(subject, 72), i, rec.ID)
}

// nonEmpty drops proposals without a filename or content.
func nonEmpty(changes []failure.FileChange) []failure.FileChange {
	out := make([]failure.FileChange, 0, len(changes))
	for _, c := range changes {
		if strings.TrimSpace(c.Filename) == "" || strings.TrimSpace(c.NewContent) == "" {
			continue
		}
		c.Filename = strings.TrimSpace(c.Filename)
		out = append(out, c)
	}
	return out
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
