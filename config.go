package extraction

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config carries the tunables of the engine. Zero values are never used
// directly; start from DefaultConfig and override.
type Config struct {
	// PerItemBudget is the amortized time budget granted per batch item.
	PerItemBudget time.Duration `koanf:"per_item_budget_s"`
	// Accept is the minimum confidence score for a parsed record to be
	// returned without touching the provider.
	Accept float64 `koanf:"accept"`
	// HeuristicFailure is the null-fraction at or above which a cold item
	// escalates to the provider synchronously.
	HeuristicFailure float64 `koanf:"heuristic_failure"`
	// Slack lets a single slow item consume time saved by fast ones.
	Slack float64 `koanf:"slack"`
	// RepositoryRoot is the directory holding per-label knowledge entries.
	RepositoryRoot string `koanf:"repository_root"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PerItemBudget:    10 * time.Second,
		Accept:           0.80,
		HeuristicFailure: 0.50,
		Slack:            1.5,
		RepositoryRoot:   "knowledge_repository",
	}
}

// LoadConfig applies environment overrides on top of the defaults.
// Variables use the flat upper-snake names of the tunables:
//
//	PER_ITEM_BUDGET_S=10  ACCEPT=0.8  HEURISTIC_FAILURE=0.5  SLACK=1.5
//	REPOSITORY_ROOT=/var/lib/extraction
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}

	if k.Exists("per_item_budget_s") {
		cfg.PerItemBudget = time.Duration(k.Float64("per_item_budget_s") * float64(time.Second))
	}
	if k.Exists("accept") {
		cfg.Accept = k.Float64("accept")
	}
	if k.Exists("heuristic_failure") {
		cfg.HeuristicFailure = k.Float64("heuristic_failure")
	}
	if k.Exists("slack") {
		cfg.Slack = k.Float64("slack")
	}
	if v := k.String("repository_root"); v != "" {
		cfg.RepositoryRoot = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.PerItemBudget <= 0 {
		return fmt.Errorf("config: per-item budget must be positive, got %s", c.PerItemBudget)
	}
	if c.Accept < 0 || c.Accept > 1 {
		return fmt.Errorf("config: accept threshold must be in [0,1], got %v", c.Accept)
	}
	if c.HeuristicFailure < 0 || c.HeuristicFailure > 1 {
		return fmt.Errorf("config: heuristic failure threshold must be in [0,1], got %v", c.HeuristicFailure)
	}
	if c.Slack < 1 {
		return fmt.Errorf("config: slack must be >= 1, got %v", c.Slack)
	}
	if c.RepositoryRoot == "" {
		return fmt.Errorf("config: repository root is required")
	}
	return nil
}
