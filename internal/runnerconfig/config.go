// Package runnerconfig loads Machina's runner configuration from a YAML
// file. Grounded on the teacher's internal/session/spawner.go
// loadSpecialistConfig (os.ReadFile + yaml.Unmarshal, IsNotExist falls back
// to defaults rather than erroring), generalized from one agent's config to
// the whole runner's step budgets, selector mode, journal/WAL paths and
// rotation thresholds, session pool sizing, and lease TTLs. Breaker
// thresholds are not part of this config.
package runnerconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/machina/machina/internal/executor"
	"github.com/machina/machina/internal/selector"
	"github.com/machina/machina/internal/steploop"
)

// RunnerConfig is the on-disk shape of a runner's YAML config file.
type RunnerConfig struct {
	ProfileID   string `yaml:"profile_id"`
	SpecVersion string `yaml:"spec_version"`

	StepLoop struct {
		MaxSteps          int      `yaml:"max_steps"`
		MaxInvalidPicks   int      `yaml:"max_invalid_picks"`
		GenesisRetryCap   int      `yaml:"genesis_retry_cap"`
		ControlMode       string   `yaml:"control_mode"`
		BaseTags          []string `yaml:"base_tags"`
		AutoGenesisRepair bool     `yaml:"auto_genesis_repair"`
		AskSupAID         string   `yaml:"ask_sup_aid"`
	} `yaml:"step_loop"`

	Journal struct {
		Path               string `yaml:"path"`
		RotateAfterBytes   int64  `yaml:"rotate_after_bytes"`
	} `yaml:"journal"`

	Queue struct {
		RootDir       string        `yaml:"root_dir"`
		WALMaxBytes   int64         `yaml:"wal_max_bytes"`
		RecoveryDelay time.Duration `yaml:"recovery_delay"`
	} `yaml:"queue"`

	SessionPool struct {
		PoolSize    int           `yaml:"pool_size"`
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"session_pool"`

	Lease struct {
		DefaultTTL time.Duration `yaml:"default_ttl"`
		MinTTL     time.Duration `yaml:"min_ttl"`
		MaxTTL     time.Duration `yaml:"max_ttl"`
	} `yaml:"lease"`

	Genesis struct {
		PluginDir  string `yaml:"plugin_dir"`
		DevMode    bool   `yaml:"dev_mode"`
	} `yaml:"genesis"`
}

// Default returns the runner's built-in defaults, matching the package
// constants scattered across steploop, executor, and queue.
func Default() RunnerConfig {
	var c RunnerConfig
	c.ProfileID = "default"
	c.SpecVersion = "v1"
	c.StepLoop.MaxSteps = steploop.DefaultMaxSteps
	c.StepLoop.MaxInvalidPicks = steploop.DefaultMaxInvalidPicks
	c.StepLoop.GenesisRetryCap = steploop.DefaultGenesisRetryCap
	c.StepLoop.ControlMode = string(selector.FallbackOnly)
	c.Journal.Path = ".machina/journal.jsonl"
	c.Queue.RootDir = ".machina/queue"
	c.SessionPool.PoolSize = executor.DefaultSessionPoolSize
	c.SessionPool.CallTimeout = 10 * time.Second
	c.Lease.DefaultTTL = executor.DefaultLeaseTTL
	c.Lease.MinTTL = executor.MinLeaseTTL
	c.Lease.MaxTTL = executor.MaxLeaseTTL
	c.Genesis.PluginDir = ".machina/runtime_plugins"
	return c
}

// Load reads path and unmarshals it over the built-in defaults. A missing
// file is not an error: it returns Default() unchanged, matching the
// teacher's "fall back to generation" behavior for a missing specialist
// config.
func Load(path string) (RunnerConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("runnerconfig: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("runnerconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// StepLoopConfig builds a steploop.Config from the loaded values.
func (c RunnerConfig) StepLoopConfig(goalID string) steploop.Config {
	return steploop.Config{
		GoalID:            goalID,
		BaseTags:          c.StepLoop.BaseTags,
		ControlMode:       selector.ControlMode(c.StepLoop.ControlMode),
		MaxSteps:          c.StepLoop.MaxSteps,
		MaxInvalidPicks:   c.StepLoop.MaxInvalidPicks,
		GenesisRetryCap:   c.StepLoop.GenesisRetryCap,
		AutoGenesisRepair: c.StepLoop.AutoGenesisRepair,
		AskSupAID:         c.StepLoop.AskSupAID,
	}
}
