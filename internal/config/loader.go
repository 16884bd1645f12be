package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to unset fields.
const (
	DefaultMaxRetries              = 5
	DefaultPollInterval            = 15 * time.Second
	DefaultPollMaxAttempts         = 120
	DefaultConsecutiveFailureLimit = 3
	DefaultRunTimeout              = 5 * time.Minute
	DefaultLockStaleAfter          = 45 * time.Minute
	DefaultBranchPrefix            = "autoheal/"
	DefaultBaseBranch              = "main"
	DefaultPlatformTokenKey        = "VERCEL_TOKEN"
	DefaultPlatformURL             = "https://api.vercel.com"
	DefaultProvider                = "anthropic"
	DefaultVCSKind                 = "github"
	DefaultDriver                  = "sqlite"
	DefaultMonitorInterval         = time.Minute
	DefaultMonitorConcurrency      = 4
	DefaultServerAddr              = ":8787"
	DefaultWebhookTimeout          = 10 * time.Second
)

// ErrNotFound is returned by LoadDefault when no config file exists.
var ErrNotFound = errors.New("no autoheal config found")

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies defaults to fields that don't specify their own values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./autoheal.yaml, ~/.autoheal/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"autoheal.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".autoheal", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

func applyDefaults(cfg *Config) {
	h := &cfg.Healer
	if h.MaxRetries == 0 {
		h.MaxRetries = DefaultMaxRetries
	}
	if h.PollInterval == 0 {
		h.PollInterval = DefaultPollInterval
	}
	if h.PollMaxAttempts == 0 {
		h.PollMaxAttempts = DefaultPollMaxAttempts
	}
	if h.ConsecutiveFailureLimit == 0 {
		h.ConsecutiveFailureLimit = DefaultConsecutiveFailureLimit
	}
	if h.RunTimeout == 0 {
		h.RunTimeout = DefaultRunTimeout
	}
	if h.LockStaleAfter == 0 {
		h.LockStaleAfter = DefaultLockStaleAfter
	}
	if h.BranchPrefix == "" {
		h.BranchPrefix = DefaultBranchPrefix
	}

	for i := range cfg.Projects {
		p := &cfg.Projects[i]
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.BaseBranch == "" {
			p.BaseBranch = DefaultBaseBranch
		}
		if p.PlatformTokenKey == "" {
			p.PlatformTokenKey = DefaultPlatformTokenKey
		}
		if p.PlatformProject == "" {
			p.PlatformProject = p.ID
		}
	}

	if cfg.AI.Provider == "" {
		cfg.AI.Provider = DefaultProvider
	}
	if cfg.AI.APIKeyKey == "" {
		switch cfg.AI.Provider {
		case "openai":
			cfg.AI.APIKeyKey = "OPENAI_API_KEY"
		default:
			cfg.AI.APIKeyKey = "ANTHROPIC_API_KEY"
		}
	}

	if cfg.VCS.Kind == "" {
		cfg.VCS.Kind = DefaultVCSKind
	}
	if cfg.VCS.TokenKey == "" {
		cfg.VCS.TokenKey = "GITHUB_TOKEN"
	}
	if cfg.VCS.AuthorName == "" {
		cfg.VCS.AuthorName = "autoheal"
	}
	if cfg.VCS.AuthorEmail == "" {
		cfg.VCS.AuthorEmail = "autoheal@localhost"
	}

	if cfg.Platform.BaseURL == "" {
		cfg.Platform.BaseURL = DefaultPlatformURL
	}
	if cfg.Notify.WebhookTimeout == 0 {
		cfg.Notify.WebhookTimeout = DefaultWebhookTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DefaultDriver
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = DefaultMonitorInterval
	}
	if cfg.Monitor.Concurrency == 0 {
		cfg.Monitor.Concurrency = DefaultMonitorConcurrency
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}
