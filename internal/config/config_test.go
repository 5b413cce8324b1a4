package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "phase1", cfg.Engine.Phase)
	assert.Equal(t, 600, cfg.Engine.ExecutionTimeoutSecs)
	assert.Equal(t, 30, cfg.Engine.MaxRunAgeMins)
	assert.InDelta(t, 5.0, cfg.Pricing.CostAI, 0.001)
	assert.InDelta(t, 25.0, cfg.Pricing.CostHuman, 0.001)
	assert.InDelta(t, 30.0, cfg.Pricing.CostHybrid, 0.001)
	assert.InDelta(t, 0.6, cfg.Pricing.PhaseDiscounts["phase2"], 0.001)
	assert.InDelta(t, 15.0, cfg.Payout.BaseFeeHuman, 0.001)
	assert.InDelta(t, 10.0, cfg.Payout.BaseFeeHybrid, 0.001)
	assert.InDelta(t, 10.0, cfg.Dispute.CreditMultiplier, 0.001)
	assert.InDelta(t, 5.0, cfg.Dispute.PenaltyFee, 0.001)
	assert.InDelta(t, 1.5, cfg.Dispute.CreditRate, 0.001)
	assert.Equal(t, 10, cfg.RateLimit.Operations["start_execution"].MaxRequests)
	assert.Equal(t, 60, cfg.RateLimit.Operations["start_execution"].WindowMinutes)
	assert.Equal(t, 5, cfg.RateLimit.Operations["generate_image"].MaxRequests)
	assert.Equal(t, 100, cfg.RateLimit.Default.MaxRequests)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.Model)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: file:engine.db
log:
  level: debug
  format: console
server:
  port: 9090
engine:
  phase: phase3
  max_run_age_mins: 45
dispute:
  penalty_fee: 7.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:engine.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "phase3", cfg.Engine.Phase)
	assert.Equal(t, 45, cfg.Engine.MaxRunAgeMins)
	assert.InDelta(t, 7.5, cfg.Dispute.PenaltyFee, 0.001)
	// untouched defaults survive partial config
	assert.InDelta(t, 1.5, cfg.Dispute.CreditRate, 0.001)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "shouty", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
