// Package worktree implements the version-control service against a local
// clone with go-git. The clone should be dedicated to the healer: commits
// check out the fix branch with force.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
)

// Options configures commits and remote sync.
type Options struct {
	AuthorName  string
	AuthorEmail string
	// Push fetches the base branch from origin before branching and pushes
	// every commit back.
	Push  bool
	Token string
}

func (o Options) withDefaults() Options {
	if o.AuthorName == "" {
		o.AuthorName = "autoheal"
	}
	if o.AuthorEmail == "" {
		o.AuthorEmail = "autoheal@localhost"
	}
	return o
}

// Resolver maps project ids to local clone paths.
type Resolver struct {
	paths map[string]string
	opts  Options

	mu    sync.Mutex
	repos map[string]*Repo
}

// NewResolver creates a Resolver.
func NewResolver(paths map[string]string, opts Options) *Resolver {
	return &Resolver{paths: paths, opts: opts.withDefaults(), repos: make(map[string]*Repo)}
}

// ForProject opens (once) the clone configured for a project.
func (r *Resolver) ForProject(p failure.Project) (fixer.VCS, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[p.ID]; ok {
		return repo, nil
	}
	path, ok := r.paths[p.ID]
	if !ok || path == "" {
		return nil, fmt.Errorf("project %s has no local_path configured", p.ID)
	}
	repo, err := Open(path, r.opts)
	if err != nil {
		return nil, err
	}
	r.repos[p.ID] = repo
	return repo, nil
}

// CheckAccess verifies every configured path is a usable repository.
func (r *Resolver) CheckAccess(_ context.Context) error {
	for id, path := range r.paths {
		if _, err := git.PlainOpen(path); err != nil {
			return fmt.Errorf("project %s: %s is not a git repository: %w", id, path, err)
		}
	}
	return nil
}

// Repo is one local clone.
type Repo struct {
	mu   sync.Mutex
	path string
	repo *git.Repository
	opts Options
}

// Open opens the repository at path.
func Open(path string, opts Options) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Repo{path: path, repo: repo, opts: opts.withDefaults()}, nil
}

func (r *Repo) auth() *githttp.BasicAuth {
	if r.opts.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: r.opts.Token}
}

func (r *Repo) resolve(ref string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	return commit, nil
}

// CreateBranch points name at base's head, replacing any existing branch
// of that name.
func (r *Repo) CreateBranch(ctx context.Context, base, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rev := base
	if r.opts.Push {
		spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", base, base))
		err := r.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{spec}, Auth: r.auth()})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("fetch %s: %w", base, err)
		}
		rev = "refs/remotes/origin/" + base
	}
	commit, err := r.resolve(rev)
	if err != nil {
		return "", err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), commit.Hash)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return "", fmt.Errorf("create branch %s: %w", name, err)
	}
	return name, nil
}

// GetFileContent reads a file at ref. The SHA is the blob hash.
func (r *Repo) GetFileContent(_ context.Context, path, ref string) (*fixer.FileContent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.Push {
		if _, err := r.repo.Reference(plumbing.NewRemoteReferenceName("origin", ref), true); err == nil {
			ref = "refs/remotes/origin/" + ref
		}
	}
	commit, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := commit.File(filepath.ToSlash(path))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%s at %s: %w", path, ref, fixer.ErrFileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &fixer.FileContent{Content: content, SHA: f.Hash.String()}, nil
}

// CommitFile checks out the branch, writes the file and commits it. When
// PriorSHA is set the file must still have that blob hash on the branch;
// when it is empty the file must not exist yet.
func (r *Repo) CommitFile(ctx context.Context, req fixer.CommitRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.resolve("refs/heads/" + req.Branch)
	if err != nil {
		return "", err
	}
	current := ""
	if f, err := head.File(filepath.ToSlash(req.Path)); err == nil {
		current = f.Hash.String()
	}
	if current != req.PriorSHA {
		return "", fmt.Errorf("%s on %s is at %q, expected %q: %w", req.Path, req.Branch, current, req.PriorSHA, fixer.ErrConflict)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(req.Branch), Force: true}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", req.Branch, err)
	}

	full := filepath.Join(r.path, filepath.FromSlash(req.Path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", req.Path, err)
	}
	if err := os.WriteFile(full, []byte(req.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", req.Path, err)
	}
	if _, err := wt.Add(filepath.ToSlash(req.Path)); err != nil {
		return "", fmt.Errorf("stage %s: %w", req.Path, err)
	}
	hash, err := wt.Commit(req.Message, &git.CommitOptions{
		Author: &object.Signature{Name: r.opts.AuthorName, Email: r.opts.AuthorEmail, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", req.Path, err)
	}

	if r.opts.Push {
		spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", req.Branch, req.Branch))
		err := r.repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{spec}, Auth: r.auth()})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("push %s: %w", req.Branch, err)
		}
	}
	return hash.String(), nil
}
