// Package platform talks to the deployment platform's REST API. The wire
// format follows Vercel's deployments API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.vercel.com"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// Status is a deployment's reported state.
type Status struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Deployment summarises a deployment returned by a listing.
type Deployment struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	URL       string    `json:"url,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TriggerRequest describes a deployment to start from a git branch.
type TriggerRequest struct {
	Project string
	Repo    string // owner/name
	Branch  string
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API status %d: %s", e.Status, e.Body)
}

// Client is a rate-limited platform API client. Credentials are passed per
// call because each project may use its own token.
type Client struct {
	baseURL string
	teamID  string
	http    *http.Client
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTeam scopes every request to a team.
func WithTeam(teamID string) Option {
	return func(c *Client) { c.teamID = teamID }
}

// WithRateLimit caps requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// NewClient creates a Client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Trigger starts a deployment of a branch and returns its id.
func (c *Client) Trigger(ctx context.Context, credential string, req TriggerRequest) (string, error) {
	org, repo, _ := strings.Cut(req.Repo, "/")
	body := map[string]any{
		"name":    req.Project,
		"project": req.Project,
		"target":  "preview",
		"gitSource": map[string]string{
			"type": "github",
			"org":  org,
			"repo": repo,
			"ref":  req.Branch,
		},
	}
	data, err := c.do(ctx, credential, http.MethodPost, "/v13/deployments", nil, body)
	if err != nil {
		return "", fmt.Errorf("trigger deployment: %w", err)
	}
	id := gjson.GetBytes(data, "id").String()
	if id == "" {
		return "", fmt.Errorf("trigger deployment: response has no id")
	}
	return id, nil
}

// GetStatus returns a deployment's current state.
func (c *Client) GetStatus(ctx context.Context, credential, deploymentID string) (*Status, error) {
	data, err := c.do(ctx, credential, http.MethodGet, "/v13/deployments/"+url.PathEscape(deploymentID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get deployment status: %w", err)
	}
	res := gjson.ParseBytes(data)
	st := &Status{ErrorMessage: res.Get("errorMessage").String()}
	for _, key := range []string{"readyState", "state", "status"} {
		if v := res.Get(key).String(); v != "" {
			st.State = v
			break
		}
	}
	if u := res.Get("url").String(); u != "" {
		st.URL = withScheme(u)
	}
	return st, nil
}

// GetLogs returns a deployment's build output as plain text.
func (c *Client) GetLogs(ctx context.Context, credential, deploymentID string) (string, error) {
	q := url.Values{"builds": {"1"}, "limit": {"-1"}}
	data, err := c.do(ctx, credential, http.MethodGet, "/v3/deployments/"+url.PathEscape(deploymentID)+"/events", q, nil)
	if err != nil {
		return "", fmt.Errorf("get deployment logs: %w", err)
	}
	var lines []string
	gjson.ParseBytes(data).ForEach(func(_, ev gjson.Result) bool {
		text := ev.Get("text")
		if !text.Exists() {
			text = ev.Get("payload.text")
		}
		if s := text.String(); s != "" {
			lines = append(lines, s)
		}
		return true
	})
	return strings.Join(lines, "\n"), nil
}

// Latest returns the most recent deployment for a project, or nil if the
// project has never deployed.
func (c *Client) Latest(ctx context.Context, credential, project string) (*Deployment, error) {
	q := url.Values{"projectId": {project}, "limit": {"1"}}
	data, err := c.do(ctx, credential, http.MethodGet, "/v6/deployments", q, nil)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	first := gjson.GetBytes(data, "deployments.0")
	if !first.Exists() {
		return nil, nil
	}
	d := &Deployment{
		ID:        first.Get("uid").String(),
		State:     first.Get("state").String(),
		Branch:    first.Get("meta.githubCommitRef").String(),
		CreatedAt: time.UnixMilli(first.Get("created").Int()).UTC(),
	}
	if d.State == "" {
		d.State = first.Get("readyState").String()
	}
	if u := first.Get("url").String(); u != "" {
		d.URL = withScheme(u)
	}
	return d, nil
}

func (c *Client) do(ctx context.Context, credential, method, path string, query url.Values, body any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.teamID != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("teamId", c.teamID)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return io.ReadAll(res.Body)
}

func withScheme(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://" + u
}
