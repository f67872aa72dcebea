package genesis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/machina/machina/internal/workspace"
)

// The step loop (not Pipeline's methods themselves, per their doc comments)
// owns emitting DS6 stage markers and DS7 result artifacts. These three
// functions are that glue: each has executor.ToolFunc's exact signature
// (func(ctx, inputJSON, ws) (string, error)) structurally, without this
// package importing executor, and each is grounded on the matching Pipeline
// method plus the DS6/DS7 bullet spec.md gives for its AID.

// writeFileInput is GENESIS.WRITE_FILE's input_json shape.
type writeFileInput struct {
	RelPath string `json:"rel_path"`
	Content string `json:"content"`
}

// ds6Stage is the JSON shape written into DS6 by every Genesis tool.
type ds6Stage struct {
	Stage  string `json:"stage"`
	SHA256 string `json:"sha256,omitempty"`
}

// ds7Error is the JSON shape written into DS7 on Genesis tool failure, read
// back by the step loop's compile-retry path before the transaction rolls
// back.
type ds7Error struct {
	Error string `json:"error"`
}

func setSlot(ws *workspace.Workspace, idx int, slotType, provenance string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("genesis: marshal slot %d: %w", idx, err)
	}
	return ws.Set(idx, &workspace.Artifact{
		Type:        slotType,
		Provenance:  provenance,
		ContentJSON: string(b),
		SizeBytes:   len(b),
	})
}

// WriteFileTool wraps Pipeline.WriteFile: on success it writes DS6's WROTE
// stage marker and the WriteResult into DS7.
func WriteFileTool(p *Pipeline) func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
	return func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
		var in writeFileInput
		if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
			return "", fmt.Errorf("genesis: GENESIS.WRITE_FILE: bad input: %w", err)
		}

		result, err := p.WriteFile(in.RelPath, in.Content)
		if err != nil {
			return "", err
		}

		if err := setSlot(ws, 6, "genesis_stage", "GENESIS.WRITE_FILE", ds6Stage{Stage: "WROTE", SHA256: result.SHA256}); err != nil {
			return "", err
		}
		if err := setSlot(ws, 7, "genesis_write_result", "GENESIS.WRITE_FILE", result); err != nil {
			return "", err
		}

		out, err := json.Marshal(result)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// compileSharedInput is GENESIS.COMPILE_SHARED's input_json shape. Source
// and OutputName are usually threaded forward from the WRITE_FILE step's
// persisted inputs rather than re-specified; _system_compile_error (if
// present, injected by the step loop's retry path) is ignored here — it
// exists for the picking policy to read, not for this tool.
type compileSharedInput struct {
	Source       string `json:"source"`
	OutputName   string `json:"output_name"`
	EntrySymbol  string `json:"entry_symbol"`
	Capabilities uint32 `json:"capabilities"`
}

// CompileSharedTool wraps Pipeline.CompileShared: on success it writes
// DS6's COMPILED stage marker (with the shared object's hash) and the
// CompileResult into DS7. On failure it writes the error into DS7 first,
// so the step loop's compile-retry path can read it back out of the
// pre-rollback transaction workspace before undoing this step.
func CompileSharedTool(p *Pipeline) func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
	return func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
		var in compileSharedInput
		if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
			return "", fmt.Errorf("genesis: GENESIS.COMPILE_SHARED: bad input: %w", err)
		}

		result, err := p.CompileShared(ctx, in.Source, in.OutputName, in.EntrySymbol, in.Capabilities)
		if err != nil {
			_ = setSlot(ws, 7, "genesis_compile_error", "GENESIS.COMPILE_SHARED", ds7Error{Error: err.Error()})
			return "", err
		}

		if err := setSlot(ws, 6, "genesis_stage", "GENESIS.COMPILE_SHARED", ds6Stage{Stage: "COMPILED", SHA256: result.SHA256}); err != nil {
			return "", err
		}
		if err := setSlot(ws, 7, "genesis_compile_result", "GENESIS.COMPILE_SHARED", result); err != nil {
			return "", err
		}

		out, err := json.Marshal(result)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// loadPluginInput is GENESIS.LOAD_PLUGIN's input_json shape. ExpectedSHA256
// is normally the hash recorded by the COMPILED stage marker in DS6, not
// re-supplied by the caller, but is accepted here too so a request can load
// a plugin built outside this run.
type loadPluginInput struct {
	Path                string `json:"path"`
	ExpectedSHA256      string `json:"expected_sha256"`
	AllowedCapabilities uint32 `json:"allowed_capabilities"`
}

// LoadPluginTool wraps the package-level LoadPlugin: on success it writes
// DS6's LOADED stage marker and the LoadResult into DS7. registrar is
// supplied by the step loop, typically backed by internal/registry.
func LoadPluginTool(registrar Registrar) func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
	return func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
		var in loadPluginInput
		if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
			return "", fmt.Errorf("genesis: GENESIS.LOAD_PLUGIN: bad input: %w", err)
		}

		result, err := LoadPlugin(in.Path, in.ExpectedSHA256, in.AllowedCapabilities, registrar)
		if err != nil {
			return "", err
		}

		if err := setSlot(ws, 6, "genesis_stage", "GENESIS.LOAD_PLUGIN", ds6Stage{Stage: "LOADED"}); err != nil {
			return "", err
		}
		if err := setSlot(ws, 7, "genesis_load_result", "GENESIS.LOAD_PLUGIN", result); err != nil {
			return "", err
		}

		out, err := json.Marshal(result)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}
