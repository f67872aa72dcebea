package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanReplayEventsFindsBothRequiredEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	lines := `{"event":"menu_built","step":1}
{"event":"selector_chosen","step":1}
{"event":"tool_ok","step":1}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))

	hasMenu, hasPick, err := scanReplayEvents(path)
	require.NoError(t, err)
	require.True(t, hasMenu)
	require.True(t, hasPick)
}

func TestScanReplayEventsMissingSelectorChosen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"event":"menu_built","step":1}`+"\n"), 0o644))

	hasMenu, hasPick, err := scanReplayEvents(path)
	require.NoError(t, err)
	require.True(t, hasMenu)
	require.False(t, hasPick)
}

func TestScanReplayEventsMissingFile(t *testing.T) {
	_, _, err := scanReplayEvents(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
}
