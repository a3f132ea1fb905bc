package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10*time.Second, cfg.PerItemBudget)
	assert.Equal(t, 0.80, cfg.Accept)
	assert.Equal(t, 0.50, cfg.HeuristicFailure)
	assert.Equal(t, 1.5, cfg.Slack)
	assert.NotEmpty(t, cfg.RepositoryRoot)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PER_ITEM_BUDGET_S", "20")
	t.Setenv("ACCEPT", "0.9")
	t.Setenv("HEURISTIC_FAILURE", "0.25")
	t.Setenv("SLACK", "2")
	t.Setenv("REPOSITORY_ROOT", "/tmp/knowledge")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.PerItemBudget)
	assert.Equal(t, 0.9, cfg.Accept)
	assert.Equal(t, 0.25, cfg.HeuristicFailure)
	assert.Equal(t, 2.0, cfg.Slack)
	assert.Equal(t, "/tmp/knowledge", cfg.RepositoryRoot)
}

func TestConfigValidate(t *testing.T) {
	bad := DefaultConfig()
	bad.Accept = 1.5
	assert.Error(t, bad.validate())

	bad = DefaultConfig()
	bad.Slack = 0.5
	assert.Error(t, bad.validate())

	bad = DefaultConfig()
	bad.PerItemBudget = 0
	assert.Error(t, bad.validate())

	bad = DefaultConfig()
	bad.RepositoryRoot = ""
	assert.Error(t, bad.validate())
}
