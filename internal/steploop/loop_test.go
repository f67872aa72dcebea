package steploop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/machina/machina/internal/executor"
	"github.com/machina/machina/internal/journal"
	"github.com/machina/machina/internal/registry"
	"github.com/machina/machina/internal/selector"
	"github.com/machina/machina/internal/workspace"
	"github.com/stretchr/testify/require"
)

// alwaysInvalidSelector is a fake policy selector that always returns
// INVALID, used to drive the invalid-pick breaker.
type alwaysInvalidSelector struct{}

func (alwaysInvalidSelector) Select(ctx context.Context, menu *registry.Menu, goalContext, stateDigest string, mode selector.ControlMode, inputsJSON string) (selector.Selection, error) {
	return selector.Selection{Kind: selector.KindInvalid, InvalidReason: "garbage"}, nil
}

func openTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "run.jsonl"), "run-1", "profile-1", "v1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestLoopHappyRunReachesGoalDone(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterToolDesc(&registry.ToolDesc{
		AID: "TOOL.SCAN.v1", Name: "scan", Tags: []string{"tag.fs"}, SideEffects: []string{"none"},
	}, false))

	runner := executor.NewRunner(reg)
	runner.Register("TOOL.SCAN.v1", func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
		return `{}`, ws.Set(0, &workspace.Artifact{Type: "summary", ContentJSON: `{"errors":3}`})
	})

	goals := NewGoalRegistry()
	goals.Register(GoalDescriptor{GoalID: "goal.ERROR_SCAN.v1", RequiredSlots: []int{0}})

	j := openTestJournal(t)
	pipeline := selector.NewPipeline(selector.NewHeuristic(), nil, selector.NoopRawLogger)

	loop := &Loop{
		Registry: reg,
		Runner:   runner,
		Selector: pipeline,
		Journal:  j,
		Goals:    goals,
		Cfg: Config{
			GoalID:      "goal.ERROR_SCAN.v1",
			ControlMode: selector.FallbackOnly,
		},
	}

	ws := workspace.New()
	result, err := loop.Run(context.Background(), ws, "req-1", `{"input_path":"samples/log.csv"}`)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, "goal_done", result.ExitReason)
	require.Equal(t, 1, result.Steps)
}

func TestLoopBreaksAfterMaxInvalidPicks(t *testing.T) {
	// No tools and no NOOP registered, so the heuristic fallback itself
	// returns INVALID every step; PolicyOnly falls back to it whenever
	// the policy lane is also INVALID, keeping both lanes invalid in a
	// stable loop that exercises the MaxInvalidPicks breaker.
	reg := registry.New()
	runner := executor.NewRunner(reg)

	j := openTestJournal(t)
	pipeline := selector.NewPipeline(selector.NewHeuristic(), alwaysInvalidSelector{}, selector.NoopRawLogger)

	loop := &Loop{
		Registry: reg,
		Runner:   runner,
		Selector: pipeline,
		Journal:  j,
		Goals:    NewGoalRegistry(),
		Cfg: Config{
			GoalID:          "goal.NEVER.v1",
			ControlMode:     selector.PolicyOnly,
			MaxInvalidPicks: 3,
		},
	}

	ws := workspace.New()
	result, err := loop.Run(context.Background(), ws, "req-2", "")
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, "max_invalid_picks", result.ExitReason)
}

func TestLoopNoopWhenNothingMatches(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterToolDesc(&registry.ToolDesc{
		AID: registry.AIDNoop, Name: "noop", Tags: nil, SideEffects: []string{"none"},
	}, false))
	runner := executor.NewRunner(reg)

	j := openTestJournal(t)
	pipeline := selector.NewPipeline(selector.NewHeuristic(), nil, selector.NoopRawLogger)

	loop := &Loop{
		Registry: reg,
		Runner:   runner,
		Selector: pipeline,
		Journal:  j,
		Goals:    NewGoalRegistry(),
		Cfg:      Config{GoalID: "goal.NONE.v1", ControlMode: selector.FallbackOnly},
	}

	ws := workspace.New()
	result, err := loop.Run(context.Background(), ws, "req-3", "")
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, "noop", result.ExitReason)
}

func TestLoopMaxStepsBudget(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterToolDesc(&registry.ToolDesc{
		AID: "TOOL.LOOP.v1", Name: "loop", Tags: []string{"tag.fs"}, SideEffects: []string{"none"},
	}, false))
	runner := executor.NewRunner(reg)
	call := 0
	runner.Register("TOOL.LOOP.v1", func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
		call++
		// never populates DS0/DS1, so the goal never completes and the menu
		// never changes shape in a way that trips the loop guard differently
		return `{}`, nil
	})

	j := openTestJournal(t)
	pipeline := selector.NewPipeline(selector.NewHeuristic(), nil, selector.NoopRawLogger)

	loop := &Loop{
		Registry: reg,
		Runner:   runner,
		Selector: pipeline,
		Journal:  j,
		Goals:    NewGoalRegistry(),
		Cfg: Config{
			GoalID:      "goal.NEVER_DONE.v1",
			ControlMode: selector.FallbackOnly,
			MaxSteps:    2,
		},
	}

	ws := workspace.New()
	result, err := loop.Run(context.Background(), ws, "req-4", "")
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Contains(t, []string{"max_steps", "loop_guard_triggered"}, result.ExitReason)
	_ = os.Getenv // keep os imported for future log-path assertions without churn
}

// findJournalPayload scans path for the first record matching event and
// decodes its payload into out.
func findJournalPayload(t *testing.T, path, event string, out any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var rec struct {
			Event   string `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		if rec.Event != event {
			continue
		}
		require.NoError(t, json.Unmarshal(rec.Payload, out))
		return
	}
	t.Fatalf("no %q event found in journal %s", event, path)
}

func TestLoopToolOkJournalsReplayFingerprints(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterToolDesc(&registry.ToolDesc{
		AID:           "TOOL.FETCH.v1",
		Name:          "fetch",
		Deterministic: true,
		Tags:          []string{"tag.fs"},
		SideEffects:   []string{"write"},
		ReplayInputs:  []string{"input_path_fingerprint"},
	}, false))

	runner := executor.NewRunner(reg)
	runner.Register("TOOL.FETCH.v1", func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
		return `{}`, ws.Set(0, &workspace.Artifact{Type: "summary", ContentJSON: `{"errors":0}`})
	})

	goals := NewGoalRegistry()
	goals.Register(GoalDescriptor{GoalID: "goal.FETCH.v1", RequiredSlots: []int{0}})

	dir := t.TempDir()
	journalPath := filepath.Join(dir, "run.jsonl")
	j, err := journal.Open(journalPath, "run-5", "profile-1", "v1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	pipeline := selector.NewPipeline(selector.NewHeuristic(), nil, selector.NoopRawLogger)

	loop := &Loop{
		Registry: reg,
		Runner:   runner,
		Selector: pipeline,
		Journal:  j,
		Goals:    goals,
		Cfg: Config{
			GoalID:      "goal.FETCH.v1",
			ControlMode: selector.FallbackOnly,
		},
	}

	ws := workspace.New()
	result, err := loop.Run(context.Background(), ws, "req-5", `{"input_path_fingerprint":"abc","other":1}`)
	require.NoError(t, err)
	require.True(t, result.OK)

	var payload struct {
		AID                string            `json:"aid"`
		Deterministic      bool              `json:"deterministic"`
		ReplayFingerprints map[string]string `json:"replay_fingerprints"`
	}
	findJournalPayload(t, journalPath, "tool_ok", &payload)

	require.Equal(t, "TOOL.FETCH.v1", payload.AID)
	require.True(t, payload.Deterministic)
	require.Len(t, payload.ReplayFingerprints, 1)
	require.NotEmpty(t, payload.ReplayFingerprints["input_path_fingerprint"])

	expected := replayFingerprints(`{"input_path_fingerprint":"abc","other":1}`, &registry.ToolDesc{ReplayInputs: []string{"input_path_fingerprint"}})
	require.Equal(t, expected["input_path_fingerprint"], payload.ReplayFingerprints["input_path_fingerprint"])
}
