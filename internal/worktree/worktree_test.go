package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
)

// initRepo creates a repository with one commit on main containing files.
func initRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	// Normalise the default branch name regardless of git config.
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)))
	require.NoError(t, repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))))
	return dir
}

func TestRepoRoundTrip(t *testing.T) {
	dir := initRepo(t, map[string]string{"src/index.js": "require('lodahs');\n"})
	r, err := Open(dir, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	fc, err := r.GetFileContent(ctx, "src/index.js", "main")
	require.NoError(t, err)
	assert.Equal(t, "require('lodahs');\n", fc.Content)
	assert.NotEmpty(t, fc.SHA)

	_, err = r.GetFileContent(ctx, "missing.js", "main")
	assert.True(t, errors.Is(err, fixer.ErrFileNotFound))

	branch, err := r.CreateBranch(ctx, "main", "autoheal/fix-1")
	require.NoError(t, err)
	assert.Equal(t, "autoheal/fix-1", branch)

	ref, err := r.CommitFile(ctx, fixer.CommitRequest{
		Path: "src/index.js", Branch: branch, Content: "require('lodash');\n", PriorSHA: fc.SHA, Message: "fix typo",
	})
	require.NoError(t, err)
	assert.Len(t, ref, 40)

	updated, err := r.GetFileContent(ctx, "src/index.js", branch)
	require.NoError(t, err)
	assert.Equal(t, "require('lodash');\n", updated.Content)

	// main is untouched.
	orig, err := r.GetFileContent(ctx, "src/index.js", "main")
	require.NoError(t, err)
	assert.Equal(t, fc.SHA, orig.SHA)

	_, err = r.CommitFile(ctx, fixer.CommitRequest{Path: "src/new.js", Branch: branch, Content: "x\n", Message: "add"})
	require.NoError(t, err)
}

func TestCommitFileConflict(t *testing.T) {
	dir := initRepo(t, map[string]string{"a.js": "one\n"})
	r, err := Open(dir, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.CreateBranch(ctx, "main", "fix")
	require.NoError(t, err)

	_, err = r.CommitFile(ctx, fixer.CommitRequest{Path: "a.js", Branch: "fix", Content: "two\n", PriorSHA: "deadbeef", Message: "m"})
	assert.True(t, errors.Is(err, fixer.ErrConflict), "stale sha must conflict: %v", err)

	_, err = r.CommitFile(ctx, fixer.CommitRequest{Path: "a.js", Branch: "fix", Content: "two\n", Message: "m"})
	assert.True(t, errors.Is(err, fixer.ErrConflict), "missing sha on existing file must conflict: %v", err)
}

func TestResolver(t *testing.T) {
	dir := initRepo(t, map[string]string{"a.js": "one\n"})
	res := NewResolver(map[string]string{"web": dir}, Options{})

	vcs, err := res.ForProject(failure.Project{ID: "web"})
	require.NoError(t, err)
	again, err := res.ForProject(failure.Project{ID: "web"})
	require.NoError(t, err)
	assert.Same(t, vcs, again)

	_, err = res.ForProject(failure.Project{ID: "api"})
	assert.Error(t, err)

	assert.NoError(t, res.CheckAccess(context.Background()))
	bad := NewResolver(map[string]string{"web": t.TempDir()}, Options{})
	assert.Error(t, bad.CheckAccess(context.Background()))
}
