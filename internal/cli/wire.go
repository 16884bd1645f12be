package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lucasnoah/autoheal/internal/ai"
	"github.com/lucasnoah/autoheal/internal/artifact"
	"github.com/lucasnoah/autoheal/internal/config"
	"github.com/lucasnoah/autoheal/internal/credentials"
	"github.com/lucasnoah/autoheal/internal/db"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
	"github.com/lucasnoah/autoheal/internal/github"
	"github.com/lucasnoah/autoheal/internal/lock"
	"github.com/lucasnoah/autoheal/internal/notify"
	"github.com/lucasnoah/autoheal/internal/orchestrator"
	"github.com/lucasnoah/autoheal/internal/platform"
	"github.com/lucasnoah/autoheal/internal/prompt"
	"github.com/lucasnoah/autoheal/internal/validate"
	"github.com/lucasnoah/autoheal/internal/worktree"
	"github.com/spf13/viper"
)

// store is everything the commands need from either database backend.
type store interface {
	orchestrator.Store
	lock.Store
	Ping(ctx context.Context) error
	UpsertProject(ctx context.Context, p failure.Project) error
	ListProjects(ctx context.Context) ([]failure.Project, error)
	ListFailures(ctx context.Context, f db.FailureFilter) ([]failure.Record, error)
	ListChain(ctx context.Context, rootID string) ([]failure.Record, error)
	FindFailureByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.Record, error)
	FindFixAttemptByDeployment(ctx context.Context, projectID, deploymentID string) (*failure.FixAttempt, error)
	ListFixAttempts(ctx context.Context, failureID string) ([]failure.FixAttempt, error)
	ListEvents(ctx context.Context, failureID string) ([]db.Event, error)
	Close() error
}

var (
	_ store = (*db.DB)(nil)
	_ store = (*db.PG)(nil)
)

// loadConfig loads the file named by --config, or the default locations.
// When allowMissing is set and no file exists, defaults are returned.
func loadConfig(allowMissing bool) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.Load(path)
	}
	cfg, err := config.LoadDefault()
	if errors.Is(err, config.ErrNotFound) && allowMissing {
		return config.Parse(nil)
	}
	return cfg, err
}

// loadValidConfig loads the config and refuses to continue on validation errors.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w (run `autoheal config validate`)", errs[0])
	}
	return cfg, nil
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStore opens and migrates the configured database. --db overrides the
// sqlite path.
func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pg, err := db.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	default:
		path := viper.GetString("db")
		if path == "" {
			path = cfg.Database.DSN
		}
		if path == "" {
			var err error
			if path, err = db.DefaultDBPath(); err != nil {
				return nil, fmt.Errorf("db path: %w", err)
			}
		}
		d, err := db.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := d.Migrate(); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return d, nil
	}
}

// syncProjects mirrors configured projects into the store, preserving
// lock state.
func syncProjects(ctx context.Context, st store, cfg *config.Config) error {
	for _, p := range cfg.Projects {
		if err := st.UpsertProject(ctx, failure.Project{
			ID:              p.ID,
			Name:            p.Name,
			Repo:            p.Repo,
			BaseBranch:      p.BaseBranch,
			PlatformProject: p.PlatformProject,
		}); err != nil {
			return fmt.Errorf("sync project %s: %w", p.ID, err)
		}
	}
	return nil
}

// newCredentials builds the resolver. The keyring is optional: headless
// hosts without one fall back to env and .env files.
func newCredentials() (*credentials.Resolver, error) {
	files := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".autoheal", ".env"))
	}
	opts := []credentials.Option{credentials.WithEnvFiles(files...)}
	if kr, err := credentials.OpenKeyring(); err == nil {
		opts = append(opts, credentials.WithKeyring(kr))
	}
	return credentials.New(opts...)
}

// credentialFunc returns a project's platform credential or "" when none
// is configured anywhere.
func credentialFunc(cfg *config.Config, creds *credentials.Resolver) func(string) string {
	return func(projectID string) string {
		p, ok := cfg.Project(projectID)
		if !ok {
			return ""
		}
		v, err := creds.Get(p.PlatformTokenKey)
		if err != nil {
			return ""
		}
		return v
	}
}

// app holds the wired collaborators of a command invocation.
type app struct {
	cfg      *config.Config
	store    store
	creds    *credentials.Resolver
	platform *platform.Client
	orch     *orchestrator.Orchestrator
	checks   []orchestrator.PreflightCheck
	logger   *slog.Logger
}

func (a *app) Close() error { return a.store.Close() }

func (a *app) credential(projectID string) string {
	return credentialFunc(a.cfg, a.creds)(projectID)
}

// newApp loads config, opens the store and wires an orchestrator.
func newApp(ctx context.Context, progress io.Writer) (*app, error) {
	cfg, err := loadValidConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(os.Stderr)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := syncProjects(ctx, st, cfg); err != nil {
		st.Close()
		return nil, err
	}
	creds, err := newCredentials()
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: st, creds: creds, logger: logger}
	if err := a.wire(ctx, progress); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, progress io.Writer) error {
	cfg := a.cfg

	var plOpts []platform.Option
	if cfg.Platform.TeamID != "" {
		plOpts = append(plOpts, platform.WithTeam(cfg.Platform.TeamID))
	}
	if cfg.Platform.RequestsPerSecond > 0 {
		plOpts = append(plOpts, platform.WithRateLimit(cfg.Platform.RequestsPerSecond))
	}
	a.platform = platform.NewClient(cfg.Platform.BaseURL, plOpts...)

	var (
		vcs      fixer.Resolver
		vcsCheck orchestrator.AccessChecker
		vcsName  string
		vcsFix   string
	)
	switch cfg.VCS.Kind {
	case "git":
		paths := make(map[string]string, len(cfg.Projects))
		for _, p := range cfg.Projects {
			paths[p.ID] = p.LocalPath
		}
		token, _ := a.creds.Get(cfg.VCS.TokenKey)
		r := worktree.NewResolver(paths, worktree.Options{
			AuthorName:  cfg.VCS.AuthorName,
			AuthorEmail: cfg.VCS.AuthorEmail,
			Push:        cfg.VCS.Push,
			Token:       token,
		})
		vcs, vcsCheck = r, r
		vcsName = "git_checkout"
		vcsFix = "set local_path for every project to an existing git checkout"
	default:
		c := github.NewClient(&github.ExecRunner{})
		vcs, vcsCheck = c, c
		vcsName = "github_access"
		vcsFix = "install the gh CLI and run `gh auth login`"
	}

	syntax := validate.NewSyntaxChecker(cfg.Syntax, &validate.ExecRunner{})
	applier := fixer.NewApplier(syntax)
	if progress != nil {
		applier.SetProgress(progress)
	}

	apiKey, _ := a.creds.Get(cfg.AI.APIKeyKey)
	completer, err := ai.NewCompleter(ctx, ai.ProviderConfig{
		Provider:  cfg.AI.Provider,
		Model:     cfg.AI.Model,
		BaseURL:   cfg.AI.BaseURL,
		APIKey:    apiKey,
		MaxTokens: cfg.AI.MaxTokens,
		Timeout:   cfg.AI.Timeout,
	})
	if err != nil && !errors.Is(err, ai.ErrNoAPIKey) {
		return fmt.Errorf("ai provider: %w", err)
	}
	var client *ai.Client
	if completer != nil {
		client = ai.NewClient(completer, retryConfig(cfg.AI), a.logger)
	}

	templates := map[string]string{}
	instructions := map[string]string{}
	for _, p := range cfg.Projects {
		if p.PromptFile != "" {
			tmpl, err := prompt.LoadFile(p.PromptFile)
			if err != nil {
				return fmt.Errorf("project %s: %w", p.ID, err)
			}
			templates[p.ID] = tmpl
		}
		if p.Instructions != "" {
			instructions[p.ID] = p.Instructions
		}
	}
	artifacts, err := artifact.DefaultStore()
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	analyzer, err := ai.NewAnalyzer(a.store, client, vcs, artifacts, ai.Options{
		MaxRetries:   cfg.Healer.MaxRetries,
		Templates:    templates,
		Instructions: instructions,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}

	sinks := []notify.Sink{notify.NewEventLog(a.store)}
	if cfg.Notify.ConsoleEnabled() {
		sinks = append(sinks, notify.NewConsole(os.Stderr))
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, cfg.Notify.WebhookTimeout))
	}

	a.checks = []orchestrator.PreflightCheck{
		{Name: vcsName, Action: vcsFix, Checker: vcsCheck},
		{Name: "ai_provider", Action: fmt.Sprintf("set %s in the environment, a .env file or `autoheal auth set`", cfg.AI.APIKeyKey), Checker: analyzer},
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		Store:     a.store,
		Locks:     lock.NewManager(a.store, lock.DefaultOwner(), cfg.Healer.LockStaleAfter),
		Analyzer:  analyzer,
		VCS:       vcs,
		Applier:   applier,
		Deployer:  a.platform,
		Notifier:  notify.NewMulti(a.logger, sinks...),
		Preflight: a.checks,
		Logger:    a.logger,
		Progress:  progress,
	}, healerOptions(cfg.Healer))
	return nil
}

func healerOptions(h config.Healer) orchestrator.Options {
	return orchestrator.Options{
		Enabled:                 h.IsEnabled(),
		MaxRetries:              h.MaxRetries,
		PollInterval:            h.PollInterval,
		PollMaxAttempts:         h.PollMaxAttempts,
		ConsecutiveFailureLimit: h.ConsecutiveFailureLimit,
		RunTimeout:              h.RunTimeout,
		BranchPrefix:            h.BranchPrefix,
	}
}

func retryConfig(c config.AI) ai.RetryConfig {
	rc := ai.DefaultRetryConfig()
	if c.MaxRetries > 0 {
		rc.MaxRetries = c.MaxRetries
	}
	if c.InitialBackoff > 0 {
		rc.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		rc.MaxBackoff = c.MaxBackoff
	}
	if c.Timeout > 0 {
		rc.Timeout = c.Timeout
	}
	if c.FailureThreshold > 0 {
		rc.FailureThreshold = c.FailureThreshold
	}
	if c.OpenTimeout > 0 {
		rc.OpenTimeout = c.OpenTimeout
	}
	if c.MaxConcurrent > 0 {
		rc.MaxConcurrentCalls = c.MaxConcurrent
	}
	return rc
}
