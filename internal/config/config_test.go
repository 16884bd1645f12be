package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
healer:
  max_retries: 4
  poll_interval: 10s
  run_timeout: 3m
projects:
  - id: web
    name: Storefront
    repo: acme/storefront
    base_branch: production
    platform_project: prj_storefront
    platform_token_key: STOREFRONT_VERCEL_TOKEN
    prompt_file: prompts/web.md
  - id: docs
    repo: acme/docs
ai:
  provider: openai
  model: gpt-4o-mini
  max_concurrent: 2
  initial_backoff: 500ms
vcs:
  kind: github
platform:
  team_id: team_acme
  requests_per_second: 5
notify:
  console: false
  webhook_url: https://hooks.example.com/autoheal
database:
  driver: sqlite
  dsn: /tmp/autoheal.db
monitor:
  interval: 2m
server:
  addr: 127.0.0.1:9000
  webhook_secret: s3cret
syntax:
  .ts: "npx tsc --noEmit {file}"
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "autoheal.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Healer.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d, want 4", cfg.Healer.MaxRetries)
	}
	if cfg.Healer.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %s, want 10s", cfg.Healer.PollInterval)
	}
	if cfg.Healer.RunTimeout != 3*time.Minute {
		t.Errorf("RunTimeout = %s, want 3m", cfg.Healer.RunTimeout)
	}
	if len(cfg.Projects) != 2 {
		t.Fatalf("len(Projects) = %d, want 2", len(cfg.Projects))
	}
	web := cfg.Projects[0]
	if web.Name != "Storefront" || web.BaseBranch != "production" || web.PlatformTokenKey != "STOREFRONT_VERCEL_TOKEN" {
		t.Errorf("web project = %+v", web)
	}
	if cfg.AI.Provider != "openai" || cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("AI = %+v", cfg.AI)
	}
	if cfg.AI.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %s, want 500ms", cfg.AI.InitialBackoff)
	}
	if cfg.Platform.TeamID != "team_acme" || cfg.Platform.RequestsPerSecond != 5 {
		t.Errorf("Platform = %+v", cfg.Platform)
	}
	if cfg.Notify.ConsoleEnabled() {
		t.Error("ConsoleEnabled() = true, want false")
	}
	if cfg.Monitor.Interval != 2*time.Minute {
		t.Errorf("Monitor.Interval = %s, want 2m", cfg.Monitor.Interval)
	}
	if cfg.Server.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q", cfg.Server.WebhookSecret)
	}
	if cfg.Syntax[".ts"] != "npx tsc --noEmit {file}" {
		t.Errorf("Syntax[.ts] = %q", cfg.Syntax[".ts"])
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte("projects:\n  - id: web\n    repo: acme/web\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	h := cfg.Healer
	if !h.IsEnabled() {
		t.Error("IsEnabled() = false, want true when unset")
	}
	if h.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", h.MaxRetries, DefaultMaxRetries)
	}
	if h.PollInterval != DefaultPollInterval || h.PollMaxAttempts != DefaultPollMaxAttempts {
		t.Errorf("poll = %s x %d", h.PollInterval, h.PollMaxAttempts)
	}
	if h.ConsecutiveFailureLimit != 3 {
		t.Errorf("ConsecutiveFailureLimit = %d, want 3", h.ConsecutiveFailureLimit)
	}
	if h.RunTimeout != 5*time.Minute || h.LockStaleAfter != 45*time.Minute {
		t.Errorf("RunTimeout/LockStaleAfter = %s/%s", h.RunTimeout, h.LockStaleAfter)
	}
	if h.BranchPrefix != "autoheal/" {
		t.Errorf("BranchPrefix = %q", h.BranchPrefix)
	}

	p := cfg.Projects[0]
	if p.Name != "web" || p.BaseBranch != "main" || p.PlatformProject != "web" || p.PlatformTokenKey != "VERCEL_TOKEN" {
		t.Errorf("project defaults = %+v", p)
	}
	if cfg.AI.Provider != "anthropic" || cfg.AI.APIKeyKey != "ANTHROPIC_API_KEY" {
		t.Errorf("AI defaults = %+v", cfg.AI)
	}
	if cfg.Platform.BaseURL != DefaultPlatformURL {
		t.Errorf("Platform.BaseURL = %q", cfg.Platform.BaseURL)
	}
	if cfg.Database.Driver != "sqlite" || cfg.VCS.Kind != "github" {
		t.Errorf("driver/vcs = %q/%q", cfg.Database.Driver, cfg.VCS.Kind)
	}
	if !cfg.Notify.ConsoleEnabled() {
		t.Error("ConsoleEnabled() = false, want true when unset")
	}
}

func TestOpenAIKeyDefault(t *testing.T) {
	cfg, err := Parse([]byte("ai:\n  provider: openai\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AI.APIKeyKey != "OPENAI_API_KEY" {
		t.Errorf("APIKeyKey = %q, want OPENAI_API_KEY", cfg.AI.APIKeyKey)
	}
}

func TestHealerDisabled(t *testing.T) {
	cfg, err := Parse([]byte("healer:\n  enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Healer.IsEnabled() {
		t.Error("IsEnabled() = true, want false")
	}
}

func TestProjectLookup(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := cfg.Project("docs"); !ok || p.Repo != "acme/docs" {
		t.Errorf("Project(docs) = %+v, %v", p, ok)
	}
	if _, ok := cfg.Project("missing"); ok {
		t.Error("Project(missing) found")
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatal(err)
	}
	errs := Validate(cfg)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %d:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"no projects", "ai:\n  provider: anthropic\n", "projects"},
		{"missing id", "projects:\n  - repo: a/b\n", "projects[0].id"},
		{"duplicate id", "projects:\n  - {id: a, repo: a/b}\n  - {id: a, repo: a/c}\n", "projects[1].id"},
		{"missing repo", "projects:\n  - id: a\n", "projects[0].repo"},
		{"bad repo", "projects:\n  - {id: a, repo: github.com/a/b}\n", "projects[0].repo"},
		{"git needs path", "vcs:\n  kind: git\nprojects:\n  - {id: a, repo: a/b}\n", "projects[0].local_path"},
		{"provider", "ai:\n  provider: gemini\nprojects:\n  - {id: a, repo: a/b}\n", "ai.provider"},
		{"vcs kind", "vcs:\n  kind: svn\nprojects:\n  - {id: a, repo: a/b}\n", "vcs.kind"},
		{"driver", "database:\n  driver: mysql\nprojects:\n  - {id: a, repo: a/b}\n", "database.driver"},
		{"postgres dsn", "database:\n  driver: postgres\nprojects:\n  - {id: a, repo: a/b}\n", "database.dsn"},
		{"webhook url", "notify:\n  webhook_url: ftp://x\nprojects:\n  - {id: a, repo: a/b}\n", "notify.webhook_url"},
		{"max retries", "healer:\n  max_retries: -1\nprojects:\n  - {id: a, repo: a/b}\n", "healer.max_retries"},
		{"stale lock", "healer:\n  run_timeout: 1h\n  lock_stale_after: 30m\nprojects:\n  - {id: a, repo: a/b}\n", "healer.lock_stale_after"},
		{"syntax placeholder", "syntax:\n  .ts: tsc\nprojects:\n  - {id: a, repo: a/b}\n", "syntax..ts"},
		{"syntax key", "syntax:\n  ts: 'tsc {file}'\nprojects:\n  - {id: a, repo: a/b}\n", "syntax.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			errs := Validate(cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "projects[0].id", Message: "is required"}
	if got := e.Error(); got != "projects[0].id: is required" {
		t.Errorf("Error() = %q", got)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTestConfig(t, "not: [valid: yaml: !!!")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeTestConfig(t, "healer:\n  poll_interval: soon\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadDefaultNotFound(t *testing.T) {
	// Change to temp dir so no autoheal.yaml is found
	orig, _ := os.Getwd()
	dir := t.TempDir()
	os.Chdir(dir)
	defer os.Chdir(orig)
	t.Setenv("HOME", dir)

	_, err := LoadDefault()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadDefault() error = %v, want ErrNotFound", err)
	}
}

func TestLoadDefaultFromCurrentDir(t *testing.T) {
	orig, _ := os.Getwd()
	dir := t.TempDir()
	os.Chdir(dir)
	defer os.Chdir(orig)

	content := "projects:\n  - id: local\n    repo: acme/local\n"
	os.WriteFile(filepath.Join(dir, "autoheal.yaml"), []byte(content), 0644)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].ID != "local" {
		t.Errorf("Projects = %+v", cfg.Projects)
	}
}

func TestLoadDefaultFromHome(t *testing.T) {
	orig, _ := os.Getwd()
	dir := t.TempDir()
	os.Chdir(dir)
	defer os.Chdir(orig)

	home := t.TempDir()
	t.Setenv("HOME", home)
	os.MkdirAll(filepath.Join(home, ".autoheal"), 0755)
	os.WriteFile(filepath.Join(home, ".autoheal", "config.yaml"), []byte("projects:\n  - id: homed\n    repo: acme/homed\n"), 0644)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Projects[0].ID != "homed" {
		t.Errorf("ID = %q, want homed", cfg.Projects[0].ID)
	}
}
