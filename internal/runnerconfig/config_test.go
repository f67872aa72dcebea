package runnerconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.yaml")
	yamlBody := `
profile_id: acceptance
spec_version: v2
step_loop:
  max_steps: 25
  control_mode: POLICY_ONLY
  base_tags: [tag.fs, tag.net]
session_pool:
  pool_size: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "acceptance", cfg.ProfileID)
	require.Equal(t, "v2", cfg.SpecVersion)
	require.Equal(t, 25, cfg.StepLoop.MaxSteps)
	require.Equal(t, "POLICY_ONLY", cfg.StepLoop.ControlMode)
	require.Equal(t, []string{"tag.fs", "tag.net"}, cfg.StepLoop.BaseTags)
	require.Equal(t, 4, cfg.SessionPool.PoolSize)

	// Unset fields keep their defaults.
	require.Equal(t, Default().Lease.DefaultTTL, cfg.Lease.DefaultTTL)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestStepLoopConfigCarriesGoalID(t *testing.T) {
	cfg := Default()
	cfg.StepLoop.BaseTags = []string{"tag.meta"}
	slc := cfg.StepLoopConfig("goal.ERROR_SCAN.v1")
	require.Equal(t, "goal.ERROR_SCAN.v1", slc.GoalID)
	require.Equal(t, []string{"tag.meta"}, slc.BaseTags)
	require.Equal(t, cfg.StepLoop.MaxSteps, slc.MaxSteps)
}
