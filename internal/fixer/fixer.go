// Package fixer turns a validated AI proposal into commits on a fresh branch.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/validate"
)

var (
	// ErrFileNotFound is returned by GetFileContent for a path that does not exist at ref.
	ErrFileNotFound = errors.New("file not found")
	// ErrConflict is returned by CommitFile when the file changed since it was read.
	ErrConflict = errors.New("file changed since read")
)

// ReasonNoChanges is the aggregate verdict when no file would change.
const ReasonNoChanges = "no_changes"

// ReasonConflict is used when the branch moved under a commit.
const ReasonConflict = "conflict"

// FileContent is a file read from version control.
type FileContent struct {
	Content string
	SHA     string
}

// CommitRequest writes one file to a branch. PriorSHA, when set, makes the
// commit fail with ErrConflict if the file no longer has that version.
type CommitRequest struct {
	Path     string
	Branch   string
	Content  string
	PriorSHA string
	Message  string
}

// VCS is the version-control service a fix is applied through.
type VCS interface {
	CreateBranch(ctx context.Context, base, name string) (string, error)
	GetFileContent(ctx context.Context, path, ref string) (*FileContent, error)
	CommitFile(ctx context.Context, req CommitRequest) (string, error)
}

// Resolver returns the VCS for a project's repository.
type Resolver interface {
	ForProject(p failure.Project) (VCS, error)
}

// SyntaxChecker parses content without touching the working tree.
type SyntaxChecker interface {
	Check(ctx context.Context, path, content string) error
}

// ApplyError is a rejection of the proposal. Nothing has been committed
// when it is returned from the validation or syntax phases.
type ApplyError struct {
	Reason string
	Path   string
	Detail string
}

func (e *ApplyError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s (%s): %s", e.Reason, e.Path, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Request describes one fix to apply.
type Request struct {
	Base    string
	Branch  string
	Message string
	Changes []failure.FileChange
}

// Result describes the commits that were made.
type Result struct {
	Branch    string   `json:"branch"`
	CommitRef string   `json:"commit_ref"`
	Commits   []string `json:"commits"`
	Files     []string `json:"files"`
}

// Applier validates and commits fixes.
type Applier struct {
	syntax   SyntaxChecker
	progress io.Writer
}

// NewApplier creates an Applier. A nil checker skips syntax checks.
func NewApplier(syntax SyntaxChecker) *Applier {
	return &Applier{syntax: syntax}
}

// SetProgress sets a writer for live progress output.
func (a *Applier) SetProgress(w io.Writer) {
	a.progress = w
}

func (a *Applier) logf(format string, args ...interface{}) {
	if a.progress != nil {
		fmt.Fprintf(a.progress, "  → "+format+"\n", args...)
	}
}

type plannedFile struct {
	path     string
	content  string
	original string
	sha      string
}

// Apply reads every target file from the base branch, validates each
// proposal, syntax-checks the results and only then creates the branch and
// commits. A later proposal for the same path replaces an earlier one.
func (a *Applier) Apply(ctx context.Context, vcs VCS, req Request) (*Result, error) {
	changes := dedupe(req.Changes)
	if len(changes) == 0 {
		return nil, &ApplyError{Reason: ReasonNoChanges, Detail: "no file changes proposed"}
	}

	plan := make([]plannedFile, 0, len(changes))
	for _, c := range changes {
		pf := plannedFile{path: c.Filename, content: c.NewContent}
		fc, err := vcs.GetFileContent(ctx, c.Filename, req.Base)
		switch {
		case errors.Is(err, ErrFileNotFound):
		case err != nil:
			return nil, fmt.Errorf("read %s at %s: %w", c.Filename, req.Base, err)
		default:
			pf.original, pf.sha = fc.Content, fc.SHA
		}

		v := validate.File(validate.Input{
			Path:           c.Filename,
			PriorSnippet:   c.PriorSnippet,
			NewContent:     c.NewContent,
			CurrentContent: pf.original,
		})
		if !v.Valid {
			return nil, &ApplyError{Reason: string(v.Reason), Path: c.Filename, Detail: v.Detail}
		}
		plan = append(plan, pf)
	}
	a.logf("%d file(s) passed validation", len(plan))

	if a.syntax != nil {
		for _, pf := range plan {
			if err := a.syntax.Check(ctx, pf.path, pf.content); err != nil {
				return nil, &ApplyError{Reason: string(validate.ReasonSyntaxError), Path: pf.path, Detail: err.Error()}
			}
		}
		a.logf("syntax check passed")
	}

	changed := plan[:0:0]
	for _, pf := range plan {
		if pf.content != pf.original {
			changed = append(changed, pf)
		}
	}
	if len(changed) == 0 {
		return nil, &ApplyError{Reason: ReasonNoChanges, Detail: "no file content differs from the base branch"}
	}

	branch, err := vcs.CreateBranch(ctx, req.Base, req.Branch)
	if err != nil {
		return nil, fmt.Errorf("create branch %s: %w", req.Branch, err)
	}
	a.logf("created branch %s from %s", branch, req.Base)

	res := &Result{Branch: branch}
	for _, pf := range changed {
		ref, err := vcs.CommitFile(ctx, CommitRequest{
			Path:     pf.path,
			Branch:   branch,
			Content:  pf.content,
			PriorSHA: pf.sha,
			Message:  req.Message,
		})
		if errors.Is(err, ErrConflict) {
			return nil, &ApplyError{Reason: ReasonConflict, Path: pf.path, Detail: err.Error()}
		}
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", pf.path, err)
		}
		res.Commits = append(res.Commits, ref)
		res.Files = append(res.Files, pf.path)
		res.CommitRef = ref
	}
	a.logf("committed %d file(s), head %s", len(res.Files), shortRef(res.CommitRef))
	return res, nil
}

func dedupe(changes []failure.FileChange) []failure.FileChange {
	index := make(map[string]int, len(changes))
	var out []failure.FileChange
	for _, c := range changes {
		if i, ok := index[c.Filename]; ok {
			out[i] = c
			continue
		}
		index[c.Filename] = len(out)
		out = append(out, c)
	}
	return out
}

func shortRef(ref string) string {
	if len(ref) > 7 {
		return ref[:7]
	}
	return ref
}
