// Package steploop drives one run to completion: compute state flags,
// build the menu, run the selector pipeline, act on the selection, and
// journal every event along the way. Grounded on the teacher's
// internal/autopoiesis/ouroboros.go OuroborosLoop: a stage-accumulating
// result struct, a config struct with sane defaults, and a single
// top-level Execute-style method driving the whole cycle.
package steploop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/machina/machina/internal/canonjson"
	"github.com/machina/machina/internal/executor"
	"github.com/machina/machina/internal/genesis"
	"github.com/machina/machina/internal/journal"
	"github.com/machina/machina/internal/logging"
	"github.com/machina/machina/internal/registry"
	"github.com/machina/machina/internal/selector"
	"github.com/machina/machina/internal/workspace"
)

// Default budgets, per spec.
const (
	DefaultMaxSteps        = 100
	DefaultMaxInvalidPicks = 3
	DefaultGenesisRetryCap = 3
	loopGuardThreshold     = 3
)

const genesisCompileAID = "GENESIS.COMPILE_SHARED"

// Config configures one run of the step loop.
type Config struct {
	GoalID            string
	BaseTags          []string
	CapabilityFilter  registry.CapabilityFilter
	ControlMode       selector.ControlMode
	MaxSteps          int
	MaxInvalidPicks   int
	GenesisRetryCap   int
	AutoGenesisRepair bool
	AskSupAID         string // AID of the help-ask tool, if any
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxInvalidPicks <= 0 {
		c.MaxInvalidPicks = DefaultMaxInvalidPicks
	}
	if c.GenesisRetryCap <= 0 {
		c.GenesisRetryCap = DefaultGenesisRetryCap
	}
}

// Result is the outcome of one full run.
type Result struct {
	OK         bool
	ExitReason string
	Steps      int
}

// Loop wires together everything one run needs: the tool registry, the
// in/out-of-proc runner, the selector pipeline, the journal, the goal
// registry, and (optionally) the Genesis pipeline for auto-repair.
type Loop struct {
	Registry  *registry.Registry
	Runner    *executor.Runner
	Selector  *selector.Pipeline
	Journal   *journal.Journal
	Goals     *GoalRegistry
	Genesis   *genesis.Pipeline // nil disables auto-Genesis-repair
	RawLogger *JournalRawLogger // must back Selector's RawLogger, if set
	Cfg       Config
}

// mergeInputs builds the effective input_json for one tool call: it
// starts from persistent (accumulated from prior external patches),
// applies patchRaw (an external PICK patch, stripped of any "_system_"
// key — the block-list is asymmetric, only the loop itself may set those),
// merges persistent's surviving fields back in, then overlays overrides
// (always allowed, loop-owned, one-shot).
func mergeInputs(persistent map[string]any, patchRaw string, overrides map[string]any) (string, map[string]any, error) {
	merged := make(map[string]any, len(persistent))
	for k, v := range persistent {
		merged[k] = v
	}
	if strings.TrimSpace(patchRaw) != "" {
		var patch map[string]any
		if err := json.Unmarshal([]byte(patchRaw), &patch); err != nil {
			return "", persistent, fmt.Errorf("steploop: input patch is not a JSON object: %w", err)
		}
		for k, v := range patch {
			if strings.HasPrefix(k, "_system_") {
				continue
			}
			merged[k] = v
		}
	}
	newPersistent := make(map[string]any, len(merged))
	for k, v := range merged {
		newPersistent[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", persistent, err
	}
	return string(b), newPersistent, nil
}

// replayFingerprints computes, for each of desc's declared replay_inputs
// fence keys present in inputJSON, a sha256 over that key's value's
// canonical JSON encoding. This is what a strict replayer compares against
// on re-execution to confirm a deterministic, side-effecting tool actually
// received the same external inputs.
func replayFingerprints(inputJSON string, desc *registry.ToolDesc) map[string]string {
	if desc == nil || len(desc.ReplayInputs) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &fields); err != nil {
		return nil
	}
	out := make(map[string]string, len(desc.ReplayInputs))
	for _, key := range desc.ReplayInputs {
		v, present := fields[key]
		if !present {
			continue
		}
		canon, err := canonjson.Marshal(v)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(canon)
		out[key] = hex.EncodeToString(sum[:])
	}
	return out
}

// readCompileError extracts the compile error recorded by
// GENESIS.COMPILE_SHARED in DS7 before the failed transaction is rolled
// back.
func readCompileError(tmp *workspace.Workspace) string {
	a, err := tmp.Get(7)
	if err != nil || a == nil {
		return "compile failed (no DS7 detail)"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(a.ContentJSON), &payload); err != nil || payload.Error == "" {
		return a.ContentJSON
	}
	return payload.Error
}

// Run drives the step loop to completion against ws, starting from
// initialInputsJSON (a JSON object, or "" for no initial inputs).
func (l *Loop) Run(ctx context.Context, ws *workspace.Workspace, requestID, initialInputsJSON string) (*Result, error) {
	l.Cfg.applyDefaults()
	log := logging.Get(logging.CategoryStepLoop)

	persistent := map[string]any{}
	if strings.TrimSpace(initialInputsJSON) != "" {
		if err := json.Unmarshal([]byte(initialInputsJSON), &persistent); err != nil {
			return nil, fmt.Errorf("steploop: initial inputs must be a JSON object: %w", err)
		}
	}
	var pendingOverrides map[string]any

	if l.RawLogger != nil {
		l.RawLogger.RequestID = requestID
	}

	invalidCount := 0
	genesisRetries := 0
	loopGuardCounts := make(map[string]int)

	for step := 1; ; step++ {
		if step > l.Cfg.MaxSteps {
			l.journal("breaker", step, requestID, map[string]any{"reason": "max_steps"})
			return &Result{OK: false, ExitReason: "max_steps", Steps: step - 1}, nil
		}

		st := computeState(ws)
		tags := effectiveTags(l.Cfg.BaseTags, l.Cfg.GoalID, st)
		menu := l.Registry.BuildMenu(tags, l.Cfg.CapabilityFilter)
		l.journal("menu_built", step, requestID, map[string]any{
			"digest":      menu.Digest,
			"item_count":  len(menu.Items),
			"ds0_present": st.DS0Present,
			"ds2_present": st.DS2Present,
			"ds6_present": st.DS6Present,
			"ds7_present": st.DS7Present,
			"stage":       st.Stage,
		})

		gc := goalContext(st)
		stateDigest := ws.Digest()
		stateDigestFast := ws.DigestFast()

		guardKey := menu.Digest + "|" + stateDigestFast
		loopGuardCounts[guardKey]++
		if loopGuardCounts[guardKey] > loopGuardThreshold {
			l.journal("loop_guard_triggered", step, requestID, map[string]any{"menu_digest": menu.Digest, "state_digest_fast": stateDigestFast})
			return &Result{OK: false, ExitReason: "loop_guard_triggered", Steps: step}, nil
		}

		inputsForSelector, _, err := mergeInputs(persistent, "", pendingOverrides)
		if err != nil {
			return nil, err
		}

		if l.RawLogger != nil {
			l.RawLogger.SetStep(step)
		}
		sel, err := l.Selector.Select(ctx, menu, gc, stateDigest, l.Cfg.ControlMode, inputsForSelector)
		if err != nil {
			return nil, fmt.Errorf("steploop: selector pipeline: %w", err)
		}
		l.journal("selector_chosen", step, requestID, map[string]any{"kind": sel.Kind, "sid": sel.SID})

		// Repeats the loop-guard check made before selection; that earlier
		// check has already returned for any count above the threshold.
		if sel.Kind != selector.KindInvalid && loopGuardCounts[guardKey] > loopGuardThreshold {
			l.journal("loop_guard_triggered", step, requestID, map[string]any{"menu_digest": menu.Digest, "state_digest_fast": stateDigestFast})
			return &Result{OK: false, ExitReason: "loop_guard_triggered", Steps: step}, nil
		}

		switch sel.Kind {
		case selector.KindPick:
			pos := menu.PositionOf(sel.SID)
			if pos < 0 {
				invalidCount++
				log.Warnw("selection referenced unknown sid after pipeline validation", "sid", sel.SID)
				if invalidCount > l.Cfg.MaxInvalidPicks {
					l.journal("breaker", step, requestID, map[string]any{"reason": "max_invalid_picks"})
					return &Result{OK: false, ExitReason: "max_invalid_picks", Steps: step}, nil
				}
				continue
			}
			item := menu.Items[pos]

			inputJSON, nextPersistent, err := mergeInputs(persistent, sel.InputPatchRaw, pendingOverrides)
			if err != nil {
				invalidCount++
				l.journal("invalid_pick", step, requestID, map[string]any{"reason": err.Error()})
				if invalidCount > l.Cfg.MaxInvalidPicks {
					l.journal("breaker", step, requestID, map[string]any{"reason": "max_invalid_picks"})
					return &Result{OK: false, ExitReason: "max_invalid_picks", Steps: step}, nil
				}
				continue
			}
			pendingOverrides = nil

			tx := workspace.NewTx(ws)
			result := l.Runner.Run(ctx, item.AID, inputJSON, tx.Tmp())

			if result.Status == executor.StatusOK {
				persistent = nextPersistent
				patch, _ := tx.Commit(ws)
				desc, _ := l.Registry.Get(item.AID)
				deterministic := desc != nil && desc.Deterministic
				l.journal("tool_ok", step, requestID, map[string]any{
					"aid":                 item.AID,
					"patch":               patch,
					"deterministic":       deterministic,
					"replay_fingerprints": replayFingerprints(inputJSON, desc),
				})

				if l.Goals.IsSatisfied(l.Cfg.GoalID, ws) {
					l.journal("goal_done", step, requestID, map[string]any{"goal_id": l.Cfg.GoalID})
					return &Result{OK: true, ExitReason: "goal_done", Steps: step}, nil
				}
				continue
			}

			tx.Rollback()

			if item.AID == genesisCompileAID && genesisRetries < l.Cfg.GenesisRetryCap {
				genesisRetries++
				compileErr := readCompileError(tx.Tmp())
				pendingOverrides = map[string]any{"_system_compile_error": compileErr}
				l.journal("genesis_compile_retry", step, requestID, map[string]any{"attempt": genesisRetries, "error": compileErr})
				continue
			}

			if missingAID, ok := executor.MissingToolAID(result.Error); ok && l.Cfg.AutoGenesisRepair && l.Genesis != nil {
				l.journal("tool_error", step, requestID, map[string]any{"aid": item.AID, "error": result.Error})
				if err := l.repairMissingTool(ctx, missingAID); err != nil {
					log.Warnw("genesis auto-repair failed", "aid", missingAID, "error", err)
					return &Result{OK: false, ExitReason: "tool_error", Steps: step}, nil
				}
				continue
			}

			l.journal("tool_error", step, requestID, map[string]any{"aid": item.AID, "error": result.Error})
			return &Result{OK: false, ExitReason: "tool_error", Steps: step}, nil

		case selector.KindAskSup:
			if l.Cfg.AskSupAID == "" {
				l.journal("ask_sup", step, requestID, map[string]any{"skipped": true})
				return &Result{OK: true, ExitReason: "ask_sup", Steps: step}, nil
			}
			tx := workspace.NewTx(ws)
			inputJSON, nextPersistent, err := mergeInputs(persistent, "", pendingOverrides)
			if err != nil {
				return nil, err
			}
			result := l.Runner.Run(ctx, l.Cfg.AskSupAID, inputJSON, tx.Tmp())
			if result.Status == executor.StatusOK {
				persistent = nextPersistent
				_, _ = tx.Commit(ws)
			} else {
				tx.Rollback()
			}
			l.journal("ask_sup", step, requestID, map[string]any{"status": result.Status})
			return &Result{OK: true, ExitReason: "ask_sup", Steps: step}, nil

		case selector.KindNoop:
			l.journal("noop", step, requestID, nil)
			return &Result{OK: true, ExitReason: "noop", Steps: step}, nil

		case selector.KindInvalid:
			invalidCount++
			l.journal("invalid_pick", step, requestID, map[string]any{"reason": sel.InvalidReason})
			if invalidCount > l.Cfg.MaxInvalidPicks {
				l.journal("breaker", step, requestID, map[string]any{"reason": "max_invalid_picks"})
				return &Result{OK: false, ExitReason: "max_invalid_picks", Steps: step}, nil
			}
			continue
		}
	}
}

// repairMissingTool synthesizes a trivial pass-through stub for aid and
// runs it through the write -> compile -> load Genesis stages, so the run
// can retry with the tool now registered. outputName doubles as the
// registered aid (CompileShared bakes it into the plugin's init call).
func (l *Loop) repairMissingTool(ctx context.Context, aid string) error {
	const entrySymbol = "RunTool"
	source := genesisStubSource(aid)
	relPath := strings.ToLower(strings.ReplaceAll(aid, ".", "_")) + ".go"

	if _, err := l.Genesis.WriteFile(relPath, source); err != nil {
		return fmt.Errorf("steploop: genesis write stub: %w", err)
	}
	compiled, err := l.Genesis.CompileShared(ctx, source, aid, entrySymbol, 0)
	if err != nil {
		return fmt.Errorf("steploop: genesis compile stub: %w", err)
	}
	_, err = genesis.LoadPlugin(compiled.OutputPath, compiled.SHA256, ^uint32(0), func(loadedAID string, fn func(string) (string, error)) error {
		desc := &registry.ToolDesc{AID: loadedAID, Name: loadedAID, Tags: []string{"tag.genesis-repaired"}, SideEffects: []string{"none"}}
		if err := l.Registry.RegisterToolDesc(desc, true); err != nil {
			return err
		}
		l.Runner.Register(loadedAID, func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
			return fn(inputJSON)
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("steploop: genesis load stub: %w", err)
	}
	return nil
}

// genesisStubSource generates a trivial pass-through tool body for aid,
// used only as an auto-repair placeholder when a menu references a tool
// with no registered implementation.
func genesisStubSource(aid string) string {
	return fmt.Sprintf(`
func RunTool(inputJSON string) (string, error) {
	return inputJSON, nil
}
// stub for %s
`, aid)
}

func (l *Loop) journal(event string, step int, requestID string, payload any) {
	if l.Journal == nil {
		return
	}
	if _, err := l.Journal.Append(event, step, requestID, payload); err != nil {
		logging.Get(logging.CategoryStepLoop).Errorw("journal append failed", "event", event, "error", err)
	}
}
