package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	recognizedProviders = map[string]bool{"anthropic": true, "openai": true}
	recognizedVCS       = map[string]bool{"github": true, "git": true}
	recognizedDrivers   = map[string]bool{"sqlite": true, "postgres": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	h := cfg.Healer
	if h.MaxRetries < 1 {
		add("healer.max_retries", "must be at least 1")
	}
	if h.PollInterval < 0 {
		add("healer.poll_interval", "must not be negative")
	}
	if h.PollMaxAttempts < 1 {
		add("healer.poll_max_attempts", "must be at least 1")
	}
	if h.ConsecutiveFailureLimit < 1 {
		add("healer.consecutive_failure_limit", "must be at least 1")
	}
	if h.RunTimeout < 0 {
		add("healer.run_timeout", "must not be negative")
	}
	// A lock must outlive the longest run, or a second runner steals it.
	if h.RunTimeout > 0 && h.LockStaleAfter > 0 && h.LockStaleAfter <= h.RunTimeout {
		add("healer.lock_stale_after", "must exceed run_timeout (%s)", h.RunTimeout)
	}

	if len(cfg.Projects) == 0 {
		add("projects", "at least one project is required")
	}
	ids := make(map[string]bool)
	for i, p := range cfg.Projects {
		prefix := fmt.Sprintf("projects[%d]", i)
		if p.ID == "" {
			add(prefix+".id", "is required")
		} else if ids[p.ID] {
			add(prefix+".id", "duplicate project ID %q", p.ID)
		}
		ids[p.ID] = true

		if p.Repo == "" {
			add(prefix+".repo", "is required")
		} else if parts := strings.Split(p.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			add(prefix+".repo", "must be owner/name, got %q", p.Repo)
		}
		if cfg.VCS.Kind == "git" && p.LocalPath == "" {
			add(prefix+".local_path", "is required when vcs.kind is git")
		}
	}

	if !recognizedProviders[cfg.AI.Provider] {
		add("ai.provider", "unrecognized provider %q", cfg.AI.Provider)
	}
	if cfg.AI.MaxConcurrent < 0 {
		add("ai.max_concurrent", "must not be negative")
	}
	if !recognizedVCS[cfg.VCS.Kind] {
		add("vcs.kind", "unrecognized kind %q", cfg.VCS.Kind)
	}
	if !recognizedDrivers[cfg.Database.Driver] {
		add("database.driver", "unrecognized driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		add("database.dsn", "is required for postgres")
	}
	if cfg.Notify.WebhookURL != "" {
		if u, err := url.Parse(cfg.Notify.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("notify.webhook_url", "must be an http(s) URL")
		}
	}
	if cfg.Monitor.Concurrency < 0 {
		add("monitor.concurrency", "must not be negative")
	}

	for ext, cmd := range cfg.Syntax {
		if !strings.HasPrefix(ext, ".") {
			add("syntax."+ext, "key must be a file extension starting with '.'")
		}
		if !strings.Contains(cmd, "{file}") {
			add("syntax."+ext, "command must contain the {file} placeholder")
		}
	}

	return errs
}
