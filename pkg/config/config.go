// Package config provides configuration loading and validation for prloop.
//
// A single global Config instance is loaded once at startup and guarded by a
// mutex. GetConfig returns the config BY VALUE so callers cannot mutate the
// shared instance. State (iteration records, history) never lives here; it
// belongs to the store.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"prloop/pkg/logx"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// CI failure policy values. "review" feeds a failing build into the
// evaluator as feedback; "fail" terminates the lineage immediately.
const (
	CIFailurePolicyReview = "review"
	CIFailurePolicyFail   = "fail"
)

// DefaultMaxIterations is the iteration ceiling applied when the config file
// does not set one.
const DefaultMaxIterations = 5

// ModelConfig selects the model used by one capability (generator or
// reviewer).
type ModelConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// ProviderLimit bounds outbound traffic toward one provider. All workers
// share these budgets through the limiter.
type ProviderLimit struct {
	Name               string  `yaml:"name"`
	MaxTokensPerMinute int     `yaml:"max_tokens_per_minute"`
	MaxConcurrent      int     `yaml:"max_concurrent"`
	DailyBudgetUSD     float64 `yaml:"daily_budget_usd"`
	CostPerMTokensUSD  float64 `yaml:"cost_per_mtokens_usd"`
}

// CIConfig controls check-status polling.
type CIConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollMaxInterval time.Duration `yaml:"poll_max_interval"`
	MaxWait         time.Duration `yaml:"max_wait"`
	FailurePolicy   string        `yaml:"failure_policy"`
}

// GitConfig controls branch and PR targeting on the code host.
type GitConfig struct {
	BranchPrefix string `yaml:"branch_prefix"`
	TargetBranch string `yaml:"target_branch"`
}

// Config is the root configuration document (prloop.yaml).
type Config struct {
	MaxIterations int             `yaml:"max_iterations"`
	DatabasePath  string          `yaml:"database_path"`
	AdminAddr     string          `yaml:"admin_addr"`
	PrometheusURL string          `yaml:"prometheus_url"`
	CI            CIConfig        `yaml:"ci"`
	Git           GitConfig       `yaml:"git"`
	Generator     ModelConfig     `yaml:"generator"`
	Reviewer      ModelConfig     `yaml:"reviewer"`
	Providers     []ProviderLimit `yaml:"providers"`
}

//nolint:gochecknoglobals // Intentional singleton for config management
var (
	config *Config
	mu     sync.RWMutex
	logger = logx.NewLogger("config")
)

// DefaultConfig returns a config with workable defaults for every field the
// file may omit.
func DefaultConfig() Config {
	return Config{
		MaxIterations: DefaultMaxIterations,
		DatabasePath:  "prloop.db",
		AdminAddr:     ":8080",
		CI: CIConfig{
			PollInterval:    5 * time.Second,
			PollMaxInterval: time.Minute,
			MaxWait:         30 * time.Minute,
			FailurePolicy:   CIFailurePolicyReview,
		},
		Git: GitConfig{
			BranchPrefix: "prloop/issue-",
			TargetBranch: "main",
		},
		Generator: ModelConfig{
			Provider:  ProviderAnthropic,
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Reviewer: ModelConfig{
			Provider:  ProviderOpenAI,
			Model:     "o3-mini",
			MaxTokens: 4096,
		},
		Providers: []ProviderLimit{
			{Name: ProviderAnthropic, MaxTokensPerMinute: 80000, MaxConcurrent: 4, DailyBudgetUSD: 200, CostPerMTokensUSD: 6.0},
			{Name: ProviderOpenAI, MaxTokensPerMinute: 60000, MaxConcurrent: 4, DailyBudgetUSD: 100, CostPerMTokensUSD: 2.0},
		},
	}
}

// LoadConfig reads and validates the YAML config file, then installs it as
// the global instance. A missing file installs the defaults.
func LoadConfig(path string) error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Info("No config file at %s, using defaults", path)
	case err != nil:
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	config = &cfg

	logger.Info("Config loaded: max_iterations=%d, ci_failure_policy=%s", cfg.MaxIterations, cfg.CI.FailurePolicy)
	return nil
}

// applyDefaults fills zero-valued fields after unmarshal so partial config
// files stay usable.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = def.AdminAddr
	}
	if cfg.CI.PollInterval == 0 {
		cfg.CI.PollInterval = def.CI.PollInterval
	}
	if cfg.CI.PollMaxInterval == 0 {
		cfg.CI.PollMaxInterval = def.CI.PollMaxInterval
	}
	if cfg.CI.MaxWait == 0 {
		cfg.CI.MaxWait = def.CI.MaxWait
	}
	if cfg.CI.FailurePolicy == "" {
		cfg.CI.FailurePolicy = def.CI.FailurePolicy
	}
	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = def.Git.BranchPrefix
	}
	if cfg.Git.TargetBranch == "" {
		cfg.Git.TargetBranch = def.Git.TargetBranch
	}
	if cfg.Generator.Provider == "" {
		cfg.Generator = def.Generator
	}
	if cfg.Reviewer.Provider == "" {
		cfg.Reviewer = def.Reviewer
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = def.Providers
	}
}

// Validate rejects configs that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.CI.FailurePolicy != CIFailurePolicyReview && c.CI.FailurePolicy != CIFailurePolicyFail {
		return fmt.Errorf("ci.failure_policy must be %q or %q, got %q", CIFailurePolicyReview, CIFailurePolicyFail, c.CI.FailurePolicy)
	}
	if c.CI.PollInterval <= 0 || c.CI.MaxWait <= 0 {
		return fmt.Errorf("ci.poll_interval and ci.max_wait must be positive")
	}
	if c.CI.PollMaxInterval < c.CI.PollInterval {
		return fmt.Errorf("ci.poll_max_interval (%s) must be >= ci.poll_interval (%s)", c.CI.PollMaxInterval, c.CI.PollInterval)
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.MaxTokensPerMinute <= 0 {
			return fmt.Errorf("provider %s: max_tokens_per_minute must be positive", p.Name)
		}
		if p.MaxConcurrent <= 0 {
			return fmt.Errorf("provider %s: max_concurrent must be positive", p.Name)
		}
		if p.DailyBudgetUSD > 0 && p.CostPerMTokensUSD <= 0 {
			return fmt.Errorf("provider %s: cost_per_mtokens_usd must be positive when daily_budget_usd is set", p.Name)
		}
	}
	return nil
}

// GetConfig returns a copy of the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()

	if config == nil {
		return Config{}, fmt.Errorf("config not loaded, call LoadConfig first")
	}
	return *config, nil
}

// SetConfigForTest installs a config directly. Tests only.
func SetConfigForTest(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	config = &cfg
}
