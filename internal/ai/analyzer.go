// Package ai asks a language model why a deployment failed and which files
// to rewrite. Every call is captured as artifacts so a human can see
// exactly what the model was shown and what it said.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lucasnoah/autoheal/internal/artifact"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
	"github.com/lucasnoah/autoheal/internal/prompt"
)

const systemPrompt = "You are a senior engineer fixing a broken production build. " +
	"You answer with a single JSON object and never include prose outside it."

// Store is the part of the persistent store the analyzer reads.
type Store interface {
	GetFailure(ctx context.Context, id string) (*failure.Record, error)
	GetProject(ctx context.Context, id string) (*failure.Project, error)
	ListChainAttempts(ctx context.Context, rootID string) ([]failure.FixAttempt, error)
}

// Analysis is the model's diagnosis of one failure record.
type Analysis struct {
	RootCause     string               `json:"root_cause"`
	Explanation   string               `json:"explanation"`
	FilesToChange []failure.FileChange `json:"files_to_change"`
	PromptRef     string               `json:"prompt_ref,omitempty"`
}

// Options configures an Analyzer.
type Options struct {
	MaxRetries int
	// Templates holds per-project prompt overrides keyed by project id.
	Templates map[string]string
	// Instructions holds per-project notes appended to the prompt.
	Instructions map[string]string
	Logger       *slog.Logger
}

// Analyzer builds a prompt for a failure record, calls the model and parses
// the reply.
type Analyzer struct {
	store     Store
	client    *Client
	vcs       fixer.Resolver
	artifacts *artifact.Store
	opts      Options
	logger    *slog.Logger
	fallback  string
}

// NewAnalyzer creates an Analyzer. vcs and artifacts may be nil.
func NewAnalyzer(store Store, client *Client, vcs fixer.Resolver, artifacts *artifact.Store, opts Options) (*Analyzer, error) {
	tmpl, err := prompt.LoadTemplate(prompt.AnalyzeTemplate, "")
	if err != nil {
		return nil, fmt.Errorf("load analyze template: %w", err)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		store:     store,
		client:    client,
		vcs:       vcs,
		artifacts: artifacts,
		opts:      opts,
		logger:    logger,
		fallback:  tmpl,
	}, nil
}

// CheckAccess fails when no model backend is configured.
func (a *Analyzer) CheckAccess(_ context.Context) error {
	if a.client == nil || a.client.completer == nil {
		return ErrNoAPIKey
	}
	return nil
}

// Analyze diagnoses the failure record. The record's attempt count names
// the attempt the artifacts are filed under.
func (a *Analyzer) Analyze(ctx context.Context, failureID string) (*Analysis, error) {
	rec, err := a.store.GetFailure(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("load failure %s: %w", failureID, err)
	}
	project, err := a.store.GetProject(ctx, rec.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", rec.ProjectID, err)
	}

	in := prompt.AnalysisInput{
		ProjectName:    project.Name,
		Repo:           project.Repo,
		BaseBranch:     project.BaseBranch,
		Attempt:        rec.AttemptCount,
		MaxRetries:     a.opts.MaxRetries,
		ErrorSignature: rec.ErrorSignature,
		Logs:           rec.Logs,
		ContextFiles:   a.contextFiles(ctx, project, rec.Logs),
		PriorAttempts:  a.priorAttempts(ctx, rec),
		Instructions:   a.opts.Instructions[project.ID],
	}
	if in.ProjectName == "" {
		in.ProjectName = project.ID
	}

	tmpl := a.fallback
	if override, ok := a.opts.Templates[project.ID]; ok && strings.TrimSpace(override) != "" {
		tmpl = override
	}
	text, err := prompt.BuildAnalysis(tmpl, in)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	promptRef := a.save(rec.ID, rec.AttemptCount, artifact.Prompt, []byte(text))
	a.save(rec.ID, rec.AttemptCount, artifact.Logs, []byte(rec.Logs))

	if err := a.CheckAccess(ctx); err != nil {
		return nil, err
	}
	reply, err := a.client.Complete(ctx, "analyze", systemPrompt, text)
	if err != nil {
		return nil, err
	}
	a.save(rec.ID, rec.AttemptCount, artifact.Response, []byte(reply))

	resp, err := ParseResponse(reply)
	if err != nil {
		return nil, err
	}
	analysis := &Analysis{
		RootCause:     strings.TrimSpace(resp.RootCause),
		Explanation:   strings.TrimSpace(resp.Explanation),
		FilesToChange: resp.FilesToChange,
		PromptRef:     promptRef,
	}
	if a.artifacts != nil {
		if _, err := a.artifacts.SaveJSON(rec.ID, rec.AttemptCount, artifact.Analysis, analysis); err != nil {
			a.logger.Warn("save analysis artifact", "failure", rec.ID, "error", err)
		}
	}
	a.logger.Info("analysis complete", "failure", rec.ID, "attempt", rec.AttemptCount, "files", len(analysis.FilesToChange))
	return analysis, nil
}

func (a *Analyzer) save(failureID string, attempt int, name string, data []byte) string {
	if a.artifacts == nil {
		return ""
	}
	ref, err := a.artifacts.Save(failureID, attempt, name, data)
	if err != nil {
		a.logger.Warn("save artifact", "failure", failureID, "name", name, "error", err)
		return ""
	}
	return ref
}

// contextFiles reads the source files the logs point at from the base
// branch. Missing files are skipped.
func (a *Analyzer) contextFiles(ctx context.Context, project *failure.Project, logs string) []prompt.ContextFile {
	if a.vcs == nil {
		return nil
	}
	paths := ReferencedFiles(logs, MaxContextFiles)
	if len(paths) == 0 {
		return nil
	}
	vcs, err := a.vcs.ForProject(*project)
	if err != nil {
		a.logger.Warn("resolve vcs for context", "project", project.ID, "error", err)
		return nil
	}
	var files []prompt.ContextFile
	for _, p := range paths {
		fc, err := vcs.GetFileContent(ctx, p, project.BaseBranch)
		if err != nil {
			if !errors.Is(err, fixer.ErrFileNotFound) {
				a.logger.Warn("read context file", "path", p, "error", err)
			}
			continue
		}
		if len(fc.Content) > maxContextFileBytes {
			continue
		}
		files = append(files, prompt.ContextFile{Path: p, Content: fc.Content})
	}
	return files
}

// priorAttempts lists fixes already tried for this chain and, for a manual
// retry, for the chain it was retried from.
func (a *Analyzer) priorAttempts(ctx context.Context, rec *failure.Record) []prompt.PriorAttempt {
	roots := []string{rec.RootID}
	if rec.ParentID != "" {
		if parent, err := a.store.GetFailure(ctx, rec.ParentID); err == nil && parent.RootID != rec.RootID {
			roots = append([]string{parent.RootID}, roots...)
		}
	}
	var out []prompt.PriorAttempt
	for _, root := range roots {
		attempts, err := a.store.ListChainAttempts(ctx, root)
		if err != nil {
			a.logger.Warn("list chain attempts", "root", root, "error", err)
			continue
		}
		for _, at := range attempts {
			out = append(out, prompt.PriorAttempt{
				Number:    len(out) + 1,
				RootCause: at.RootCause,
				Files:     at.Filenames(),
				Outcome:   at.Outcome,
			})
		}
	}
	return out
}
