package procsandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnCapturesOutput(t *testing.T) {
	res, err := Spawn(context.Background(), []string{"echo", "hello"}, nil, DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, string(res.Stdout), "hello")
	require.False(t, res.Killed)
}

func TestSpawnTimeoutKills(t *testing.T) {
	limits := Limits{Timeout: 50 * time.Millisecond}
	res, err := Spawn(context.Background(), []string{"sleep", "5"}, nil, limits)
	require.NoError(t, err)
	require.True(t, res.Killed)
}

func TestSpawnNonZeroExit(t *testing.T) {
	res, err := Spawn(context.Background(), []string{"false"}, nil, DefaultLimits())
	require.NoError(t, err)
	require.NotEqual(t, 0, res.ExitCode)
}

func TestSpawnTruncatesOutput(t *testing.T) {
	limits := Limits{Timeout: 5 * time.Second, MaxOutputBytes: 4}
	res, err := Spawn(context.Background(), []string{"echo", "hello world"}, nil, limits)
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.LessOrEqual(t, len(res.Stdout), 4)
}
