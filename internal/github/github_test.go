package github

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
)

type mockCmd struct {
	calls   [][]string
	results []mockResult
	idx     int
}

type mockResult struct {
	output string
	err    error
}

func (m *mockCmd) Run(_ context.Context, args ...string) (string, error) {
	m.calls = append(m.calls, args)
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.output, r.err
}

func testRepo(t *testing.T, mock *mockCmd) fixer.VCS {
	t.Helper()
	vcs, err := NewClient(mock).ForProject(failure.Project{ID: "web", Repo: "acme/web"})
	if err != nil {
		t.Fatalf("ForProject: %v", err)
	}
	return vcs
}

func TestForProject_InvalidRepo(t *testing.T) {
	_, err := NewClient(&mockCmd{}).ForProject(failure.Project{ID: "web", Repo: "web"})
	if err == nil {
		t.Fatal("expected error for repo without owner")
	}
}

func TestCheckAccess(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: errors.New("not logged in")}}}
	if err := NewClient(mock).CheckAccess(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := strings.Join(mock.calls[0], " "); got != "auth status" {
		t.Errorf("args = %q, want %q", got, "auth status")
	}
}

func TestCreateBranch(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{output: `{"ref":"refs/heads/main","object":{"sha":"abc123"}}`},
		{output: `{"ref":"refs/heads/autoheal/fix-1"}`},
	}}
	branch, err := testRepo(t, mock).CreateBranch(context.Background(), "main", "autoheal/fix-1")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if branch != "autoheal/fix-1" {
		t.Errorf("branch = %q, want %q", branch, "autoheal/fix-1")
	}
	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(mock.calls))
	}
	if got := mock.calls[0][1]; got != "repos/acme/web/git/ref/heads/main" {
		t.Errorf("resolve endpoint = %q", got)
	}
	create := strings.Join(mock.calls[1], " ")
	if !strings.Contains(create, "ref=refs/heads/autoheal/fix-1") || !strings.Contains(create, "sha=abc123") {
		t.Errorf("create args = %q", create)
	}
}

func TestCreateBranch_ExistingIsMoved(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{output: `{"object":{"sha":"abc123"}}`},
		{err: errors.New("gh: Reference already exists (HTTP 422)")},
		{output: `{}`},
	}}
	if _, err := testRepo(t, mock).CreateBranch(context.Background(), "main", "autoheal/fix-1"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	patch := strings.Join(mock.calls[2], " ")
	if !strings.Contains(patch, "PATCH") || !strings.Contains(patch, "git/refs/heads/autoheal/fix-1") {
		t.Errorf("patch args = %q", patch)
	}
}

func TestGetFileContent(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("console.log('hi');\n"))
	// GitHub wraps base64 content at 60 characters.
	wrapped := encoded[:10] + `\n` + encoded[10:]
	mock := &mockCmd{results: []mockResult{{output: `{"type":"file","sha":"f00d","content":"` + wrapped + `"}`}}}

	fc, err := testRepo(t, mock).GetFileContent(context.Background(), "src/index.js", "main")
	if err != nil {
		t.Fatalf("GetFileContent: %v", err)
	}
	if fc.Content != "console.log('hi');\n" {
		t.Errorf("Content = %q", fc.Content)
	}
	if fc.SHA != "f00d" {
		t.Errorf("SHA = %q, want %q", fc.SHA, "f00d")
	}
	if got := mock.calls[0][1]; got != "repos/acme/web/contents/src/index.js?ref=main" {
		t.Errorf("endpoint = %q", got)
	}
}

func TestGetFileContent_NotFound(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: errors.New("gh: Not Found (HTTP 404)")}}}
	_, err := testRepo(t, mock).GetFileContent(context.Background(), "missing.js", "main")
	if !errors.Is(err, fixer.ErrFileNotFound) {
		t.Errorf("err = %v, want ErrFileNotFound", err)
	}
}

func TestCommitFile(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `{"content":{},"commit":{"sha":"c0ffee"}}`}}}
	sha, err := testRepo(t, mock).CommitFile(context.Background(), fixer.CommitRequest{
		Path: "src/a.js", Branch: "autoheal/fix-1", Content: "x", PriorSHA: "f00d", Message: "fix build",
	})
	if err != nil {
		t.Fatalf("CommitFile: %v", err)
	}
	if sha != "c0ffee" {
		t.Errorf("sha = %q, want %q", sha, "c0ffee")
	}
	args := strings.Join(mock.calls[0], " ")
	for _, want := range []string{"-X PUT", "repos/acme/web/contents/src/a.js", "branch=autoheal/fix-1", "sha=f00d", "content=eA=="} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}

func TestCommitFile_NewFileOmitsSHA(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{output: `{"commit":{"sha":"c0ffee"}}`}}}
	_, err := testRepo(t, mock).CommitFile(context.Background(), fixer.CommitRequest{Path: "new.js", Branch: "b", Content: "x"})
	if err != nil {
		t.Fatalf("CommitFile: %v", err)
	}
	for _, a := range mock.calls[0] {
		if strings.HasPrefix(a, "sha=") {
			t.Errorf("unexpected sha arg for new file: %q", a)
		}
	}
}

func TestCommitFile_Conflict(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{err: errors.New("gh: src/a.js does not match f00d (HTTP 409)")}}}
	_, err := testRepo(t, mock).CommitFile(context.Background(), fixer.CommitRequest{Path: "src/a.js", Branch: "b", Content: "x", PriorSHA: "f00d"})
	if !errors.Is(err, fixer.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestRedact(t *testing.T) {
	got := redact([]string{"api", "content=c2VjcmV0", "branch=b"})
	if got != "api content=<redacted> branch=b" {
		t.Errorf("redact = %q", got)
	}
}
