package config

import "time"

// Config is the top-level configuration parsed from autoheal YAML.
type Config struct {
	Healer   Healer            `yaml:"healer"`
	Projects []Project         `yaml:"projects"`
	AI       AI                `yaml:"ai"`
	VCS      VCS               `yaml:"vcs"`
	Platform Platform          `yaml:"platform"`
	Notify   Notify            `yaml:"notify"`
	Database Database          `yaml:"database"`
	Monitor  Monitor           `yaml:"monitor"`
	Server   Server            `yaml:"server"`
	Syntax   map[string]string `yaml:"syntax"`
}

// Healer bounds the fix loop.
type Healer struct {
	Enabled                 *bool         `yaml:"enabled"`
	MaxRetries              int           `yaml:"max_retries"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	PollMaxAttempts         int           `yaml:"poll_max_attempts"`
	ConsecutiveFailureLimit int           `yaml:"consecutive_failure_limit"`
	RunTimeout              time.Duration `yaml:"run_timeout"`
	LockStaleAfter          time.Duration `yaml:"lock_stale_after"`
	BranchPrefix            string        `yaml:"branch_prefix"`
}

// IsEnabled reports whether fix loops may run. Unset means enabled.
func (h Healer) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Project is one watched repository and its deployment target.
type Project struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	Repo             string `yaml:"repo"`
	BaseBranch       string `yaml:"base_branch"`
	PlatformProject  string `yaml:"platform_project"`
	LocalPath        string `yaml:"local_path"`
	PlatformTokenKey string `yaml:"platform_token_key"`
	PromptFile       string `yaml:"prompt_file"`
	Instructions     string `yaml:"instructions"`
}

// AI selects and tunes the model backend.
type AI struct {
	Provider         string        `yaml:"provider"`
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	APIKeyKey        string        `yaml:"api_key_key"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// VCS selects where fixes are committed.
type VCS struct {
	Kind        string `yaml:"kind"`
	Push        bool   `yaml:"push"`
	TokenKey    string `yaml:"token_key"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Platform configures the deployment platform API.
type Platform struct {
	BaseURL           string  `yaml:"base_url"`
	TeamID            string  `yaml:"team_id"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Notify configures the terminal notification sinks.
type Notify struct {
	Console        *bool         `yaml:"console"`
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// ConsoleEnabled reports whether console notifications are on. Unset means on.
func (n Notify) ConsoleEnabled() bool {
	return n.Console == nil || *n.Console
}

// Database selects the store backend.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Monitor configures the periodic deployment scan.
type Monitor struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// Server configures the HTTP trigger surface.
type Server struct {
	Addr          string `yaml:"addr"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Project returns the project with the given id.
func (c *Config) Project(id string) (Project, bool) {
	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return Project{}, false
}
