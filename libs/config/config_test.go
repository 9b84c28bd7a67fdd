package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30, cfg.PollingIntervalS)
	assert.Equal(t, 300, cfg.SyncIntervalS)
	assert.Equal(t, 10, cfg.LMax)
	assert.Equal(t, 30, cfg.UThreshold)
	assert.InDelta(t, 0.10, cfg.EpsilonInit, 1e-9)
	assert.InDelta(t, 0.01, cfg.EpsilonFloor, 1e-9)
	assert.InDelta(t, 0.99, cfg.EpsilonDecay, 1e-9)
	assert.InDelta(t, 0.05, cfg.Eta, 1e-9)
	assert.Equal(t, 70, cfg.Mu)
	assert.InDelta(t, 0.6, cfg.Alpha, 1e-9)
	assert.InDelta(t, 0.4, cfg.Delta, 1e-9)
	assert.InDelta(t, 0.8, cfg.Beta, 1e-9)
	assert.Equal(t, 20, cfg.RingBufferSize)
	assert.Equal(t, 2, cfg.AutoEvalHorizonDays)
	assert.False(t, cfg.BurnRemainder)
	assert.Equal(t, 5, cfg.MaxRounds)
	assert.Equal(t, 4, cfg.MaxTeamSize)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"polling_interval_s: 5\nburn_remainder: true\nmax_team_size: 2\n",
	), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PollingIntervalS)
	assert.True(t, cfg.BurnRemainder)
	assert.Equal(t, 2, cfg.MaxTeamSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, 300, cfg.SyncIntervalS)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/agentmesh.yaml")
	assert.Error(t, err)
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()

	params := cfg.ChainParams()
	assert.Equal(t, 70, params.Mu)
	assert.Equal(t, 300*time.Second, params.BiddingWindow)

	workerCfg := cfg.WorkerConfig()
	assert.Equal(t, 30*time.Second, workerCfg.PollingInterval)
	assert.Equal(t, 10, workerCfg.MaxWorkload)

	incentiveCfg := cfg.IncentiveConfig()
	assert.Equal(t, 48*time.Hour, incentiveCfg.AutoEvalHorizon)

	collabCfg := cfg.CollabConfig()
	assert.Equal(t, 5, collabCfg.MaxRounds)
	assert.Equal(t, 4, collabCfg.MaxTeamSize)
}
