// Package github implements the version-control service on top of the
// GitHub REST API, driven through the gh CLI so authentication is whatever
// gh is already logged in with.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", redact(args), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// redact keeps base64 file bodies out of error messages.
func redact(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "content=") {
			a = "content=<redacted>"
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

// Client provides GitHub operations.
type Client struct {
	cmd CmdRunner
}

// NewClient creates a GitHub client.
func NewClient(cmd CmdRunner) *Client {
	return &Client{cmd: cmd}
}

// CheckAccess verifies gh is authenticated.
func (c *Client) CheckAccess(ctx context.Context) error {
	if _, err := c.cmd.Run(ctx, "auth", "status"); err != nil {
		return fmt.Errorf("gh is not authenticated, run `gh auth login`: %w", err)
	}
	return nil
}

// ForProject returns a VCS bound to the project's repository.
func (c *Client) ForProject(p failure.Project) (fixer.VCS, error) {
	if !strings.Contains(p.Repo, "/") {
		return nil, fmt.Errorf("project %s: repo %q is not owner/name", p.ID, p.Repo)
	}
	return &Repo{client: c, name: p.Repo}, nil
}

// Repo is one GitHub repository.
type Repo struct {
	client *Client
	name   string
}

func (r *Repo) api(ctx context.Context, args ...string) (string, error) {
	return r.client.cmd.Run(ctx, append([]string{"api"}, args...)...)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// CreateBranch points a new branch at base's head. An existing branch of
// the same name is moved, so a resumed attempt can reuse its name.
func (r *Repo) CreateBranch(ctx context.Context, base, name string) (string, error) {
	out, err := r.api(ctx, fmt.Sprintf("repos/%s/git/ref/heads/%s", r.name, escapePath(base)))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", base, err)
	}
	sha := gjson.Get(out, "object.sha").String()
	if sha == "" {
		return "", fmt.Errorf("resolve %s: no object sha in response", base)
	}

	_, err = r.api(ctx, "-X", "POST", fmt.Sprintf("repos/%s/git/refs", r.name),
		"-f", "ref=refs/heads/"+name, "-f", "sha="+sha)
	if err != nil && strings.Contains(err.Error(), "Reference already exists") {
		_, err = r.api(ctx, "-X", "PATCH", fmt.Sprintf("repos/%s/git/refs/heads/%s", r.name, escapePath(name)),
			"-f", "sha="+sha, "-F", "force=true")
	}
	if err != nil {
		return "", fmt.Errorf("create branch %s: %w", name, err)
	}
	return name, nil
}

// GetFileContent reads a file at ref.
func (r *Repo) GetFileContent(ctx context.Context, path, ref string) (*fixer.FileContent, error) {
	endpoint := fmt.Sprintf("repos/%s/contents/%s?ref=%s", r.name, escapePath(path), url.QueryEscape(ref))
	out, err := r.api(ctx, endpoint)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s at %s: %w", path, ref, fixer.ErrFileNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	res := gjson.Parse(out)
	if res.IsArray() {
		return nil, fmt.Errorf("get %s: path is a directory", path)
	}
	raw := strings.ReplaceAll(res.Get("content").String(), "\n", "")
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &fixer.FileContent{Content: string(data), SHA: res.Get("sha").String()}, nil
}

// CommitFile writes a file to a branch with the contents API. GitHub
// rejects the write when PriorSHA no longer matches, which surfaces as
// fixer.ErrConflict.
func (r *Repo) CommitFile(ctx context.Context, req fixer.CommitRequest) (string, error) {
	args := []string{"-X", "PUT", fmt.Sprintf("repos/%s/contents/%s", r.name, escapePath(req.Path)),
		"-f", "message=" + req.Message,
		"-f", "content=" + base64.StdEncoding.EncodeToString([]byte(req.Content)),
		"-f", "branch=" + req.Branch,
	}
	if req.PriorSHA != "" {
		args = append(args, "-f", "sha="+req.PriorSHA)
	}
	out, err := r.api(ctx, args...)
	if err != nil {
		if isConflict(err) {
			return "", fmt.Errorf("commit %s: %w", req.Path, fixer.ErrConflict)
		}
		return "", fmt.Errorf("commit %s: %w", req.Path, err)
	}
	sha := gjson.Get(out, "commit.sha").String()
	if sha == "" {
		return "", fmt.Errorf("commit %s: no commit sha in response", req.Path)
	}
	return sha, nil
}

func isNotFound(err error) bool {
	s := err.Error()
	return strings.Contains(s, "HTTP 404") || strings.Contains(s, "Not Found")
}

func isConflict(err error) bool {
	s := err.Error()
	return strings.Contains(s, "HTTP 409") || strings.Contains(s, "does not match") ||
		strings.Contains(s, "\"sha\" wasn't supplied")
}
