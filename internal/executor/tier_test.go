package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTierGenesisIsDangerous(t *testing.T) {
	require.Equal(t, TierDangerous, ClassifyTier("GENESIS.COMPILE_SHARED", []string{"none"}))
}

func TestClassifyTierShellAndNetHTTPAreSystem(t *testing.T) {
	require.Equal(t, TierSystem, ClassifyTier("TOOL.SHELL.RUN.v1", []string{"none"}))
	require.Equal(t, TierSystem, ClassifyTier("TOOL.NET.HTTP.GET.v1", []string{"none"}))
}

func TestClassifyTierSideEffectExecIsSystem(t *testing.T) {
	require.Equal(t, TierSystem, ClassifyTier("TOOL.CUSTOM.v1", []string{"spawns a subprocess (exec)"}))
}

func TestClassifyTierSideEffectWriteIsWrite(t *testing.T) {
	require.Equal(t, TierWrite, ClassifyTier("TOOL.CUSTOM.v1", []string{"may delete prior entries"}))
}

func TestClassifyTierKnownWriteAIDsWithoutSideEffectHint(t *testing.T) {
	require.Equal(t, TierWrite, ClassifyTier("FILE.WRITE.v1", []string{"none"}))
	require.Equal(t, TierWrite, ClassifyTier("MEMORY.APPEND.v1", []string{"none"}))
	require.Equal(t, TierWrite, ClassifyTier("VECDB.UPSERT.v1", []string{"none"}))
}

func TestClassifyTierDefaultsToSafe(t *testing.T) {
	require.Equal(t, TierSafe, ClassifyTier("FILE.READ.v1", []string{"none"}))
}

func TestClassifyTierPrecedenceGenesisBeatsWriteSideEffect(t *testing.T) {
	require.Equal(t, TierDangerous, ClassifyTier("GENESIS.WRITE_FILE", []string{"writes a file"}))
}

func TestTierStringNames(t *testing.T) {
	require.Equal(t, "SAFE", TierSafe.String())
	require.Equal(t, "WRITE", TierWrite.String())
	require.Equal(t, "SYSTEM", TierSystem.String())
	require.Equal(t, "DANGEROUS", TierDangerous.String())
	require.Equal(t, "UNKNOWN", Tier(99).String())
}
