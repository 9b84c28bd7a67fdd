// Package config loads the marketplace configuration from defaults, an
// optional YAML file and AGENTMESH_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentmesh/agentmesh/libs/chain"
	"github.com/agentmesh/agentmesh/libs/collab"
	"github.com/agentmesh/agentmesh/libs/incentive"
	"github.com/agentmesh/agentmesh/libs/worker"
)

// Config is the full runtime configuration.
type Config struct {
	// Worker loop.
	PollingIntervalS int `mapstructure:"polling_interval_s"`
	SyncIntervalS    int `mapstructure:"sync_interval_s"`

	// Market limits.
	BiddingWindowS int `mapstructure:"bidding_window_s"`
	LMax           int `mapstructure:"l_max"`
	UThreshold     int `mapstructure:"u_threshold"`
	MaxEmptyRounds int `mapstructure:"max_empty_rounds"`

	// Exploration.
	EpsilonInit  float64 `mapstructure:"epsilon_init"`
	EpsilonFloor float64 `mapstructure:"epsilon_floor"`
	EpsilonDecay float64 `mapstructure:"epsilon_decay"`

	// Update-law constants.
	Eta            float64 `mapstructure:"eta"`
	Mu             int     `mapstructure:"mu"`
	Alpha          float64 `mapstructure:"alpha"`
	Delta          float64 `mapstructure:"delta"`
	Beta           float64 `mapstructure:"beta"`
	RingBufferSize int     `mapstructure:"ring_buffer_size"`

	// Evaluation.
	AutoEvalHorizonDays int  `mapstructure:"auto_eval_horizon_days"`
	BurnRemainder       bool `mapstructure:"burn_remainder"`

	// Collaboration.
	MaxRounds   int `mapstructure:"max_rounds"`
	MaxTeamSize int `mapstructure:"max_team_size"`

	// API server.
	APIHost     string `mapstructure:"api_host"`
	APIPort     int    `mapstructure:"api_port"`
	CacheTTLMs  int    `mapstructure:"cache_ttl_ms"`
	RateLimit   int    `mapstructure:"rate_limit"`
	MetricsPath string `mapstructure:"metrics_path"`

	// External services.
	LLMBaseURL   string `mapstructure:"llm_base_url"`
	LLMModel     string `mapstructure:"llm_model"`
	LLMMock      bool   `mapstructure:"llm_mock"`
	IPFSAPIURL   string `mapstructure:"ipfs_api_url"`
	IPFSGateway  string `mapstructure:"ipfs_gateway_url"`
	StorageDir   string `mapstructure:"storage_dir"`
	ArchivePath  string `mapstructure:"archive_path"`
	StorageLocal bool   `mapstructure:"storage_local"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("polling_interval_s", 30)
	v.SetDefault("sync_interval_s", 300)
	v.SetDefault("bidding_window_s", 300)
	v.SetDefault("l_max", 10)
	v.SetDefault("u_threshold", 30)
	v.SetDefault("max_empty_rounds", 3)
	v.SetDefault("epsilon_init", 0.10)
	v.SetDefault("epsilon_floor", 0.01)
	v.SetDefault("epsilon_decay", 0.99)
	v.SetDefault("eta", 0.05)
	v.SetDefault("mu", 70)
	v.SetDefault("alpha", 0.6)
	v.SetDefault("delta", 0.4)
	v.SetDefault("beta", 0.8)
	v.SetDefault("ring_buffer_size", 20)
	v.SetDefault("auto_eval_horizon_days", 2)
	v.SetDefault("burn_remainder", false)
	v.SetDefault("max_rounds", 5)
	v.SetDefault("max_team_size", 4)
	v.SetDefault("api_host", "0.0.0.0")
	v.SetDefault("api_port", 8080)
	v.SetDefault("cache_ttl_ms", 5000)
	v.SetDefault("rate_limit", 300)
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("llm_base_url", "")
	v.SetDefault("llm_model", "")
	v.SetDefault("llm_mock", true)
	v.SetDefault("ipfs_api_url", "")
	v.SetDefault("ipfs_gateway_url", "")
	v.SetDefault("storage_dir", "./data/artifacts")
	v.SetDefault("archive_path", "./data/learning.db")
	v.SetDefault("storage_local", true)
}

// Load reads the configuration. path may be empty (defaults + env only).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("agentmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

// ChainParams maps the update-law constants onto the chain.
func (c *Config) ChainParams() *chain.Params {
	return &chain.Params{
		Mu:             c.Mu,
		Alpha:          c.Alpha,
		Delta:          c.Delta,
		Beta:           c.Beta,
		Eta:            c.Eta,
		RingBufferSize: c.RingBufferSize,
		MaxEmptyRounds: c.MaxEmptyRounds,
		BiddingWindow:  time.Duration(c.BiddingWindowS) * time.Second,
	}
}

// WorkerConfig maps the worker-loop settings.
func (c *Config) WorkerConfig() *worker.Config {
	return &worker.Config{
		PollingInterval:  time.Duration(c.PollingIntervalS) * time.Second,
		SyncInterval:     time.Duration(c.SyncIntervalS) * time.Second,
		MaxWorkload:      c.LMax,
		UtilityThreshold: c.UThreshold,
		ExplorationInit:  c.EpsilonInit,
		ExplorationFloor: c.EpsilonFloor,
		ExplorationDecay: c.EpsilonDecay,
		LearningRate:     c.Eta,
		RingBufferSize:   c.RingBufferSize,
		CallTimeout:      60 * time.Second,
	}
}

// IncentiveConfig maps the evaluation-engine settings.
func (c *Config) IncentiveConfig() *incentive.Config {
	return &incentive.Config{
		BurnRemainder:   c.BurnRemainder,
		AutoEvalHorizon: time.Duration(c.AutoEvalHorizonDays) * 24 * time.Hour,
		AutoEvalQuality: 60,
		SweepInterval:   time.Minute,
	}
}

// CollabConfig maps the orchestrator settings.
func (c *Config) CollabConfig() *collab.Config {
	return &collab.Config{
		MaxRounds:      c.MaxRounds,
		MaxTeamSize:    c.MaxTeamSize,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		CallTimeout:    60 * time.Second,
	}
}
