package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/machina/machina/internal/executor"
	"github.com/machina/machina/internal/genesis"
	"github.com/machina/machina/internal/journal"
	"github.com/machina/machina/internal/registry"
	"github.com/machina/machina/internal/runnerconfig"
	"github.com/machina/machina/internal/selector"
	"github.com/machina/machina/internal/steploop"
	"github.com/machina/machina/internal/workspace"
)

var configPath string
var goalPackPath string

var runCmd = &cobra.Command{
	Use:   "run <request.json>",
	Short: "Drive a request through the step loop to completion",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequest,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "runner config YAML path (defaults baked in if omitted)")
	runCmd.Flags().StringVar(&goalPackPath, "goal-pack", "", "goal-pack manifest JSON path; registers additional goals alongside the request's own goal descriptor")
}

func runRequest(cmd *cobra.Command, args []string) error {
	req, err := loadRequest(args[0])
	if err != nil {
		return err
	}

	cfg, err := runnerconfig.Load(configPath)
	if err != nil {
		return err
	}

	journalPath := filepath.Join(workspaceRoot, cfg.Journal.Path)
	j, err := journal.Open(journalPath, req.RunID, cfg.ProfileID, cfg.SpecVersion)
	if err != nil {
		return fmt.Errorf("machina: open journal: %w", err)
	}
	defer j.Close()

	reg := registry.New()
	runner := executor.NewRunner(reg)
	genesisCfg := genesis.DefaultConfig(workspaceRoot)
	if cfg.Genesis.PluginDir != "" {
		genesisCfg.PluginDir = filepath.Join(workspaceRoot, cfg.Genesis.PluginDir)
	}
	genesisCfg.DevMode = cfg.Genesis.DevMode
	genesisPipeline := genesis.New(genesisCfg)
	registerGenesisTools(reg, runner, genesisPipeline)

	goals := steploop.NewGoalRegistry()
	goals.Register(req.goalDescriptor())
	if goalPackPath != "" {
		if err := goals.LoadManifest(goalPackPath); err != nil {
			return fmt.Errorf("machina: load goal pack: %w", err)
		}
	}

	rawLogger := &steploop.JournalRawLogger{J: j}
	pipeline := selector.NewPipeline(selector.NewHeuristic(), nil, rawLogger)

	loopCfg := cfg.StepLoopConfig(req.GoalID)
	if len(req.BaseTags) > 0 {
		loopCfg.BaseTags = req.BaseTags
	}
	if req.ControlMode != "" {
		loopCfg.ControlMode = selector.ControlMode(req.ControlMode)
	}
	loopCfg.AutoGenesisRepair = true

	loop := &steploop.Loop{
		Registry:  reg,
		Runner:    runner,
		Selector:  pipeline,
		Journal:   j,
		Goals:     goals,
		Genesis:   genesisPipeline,
		RawLogger: rawLogger,
		Cfg:       loopCfg,
	}

	ws := workspace.New()
	result, err := loop.Run(context.Background(), ws, req.RequestID, string(req.Inputs))
	if err != nil {
		return fmt.Errorf("machina: run: %w", err)
	}

	fmt.Printf("run_id=%s request_id=%s ok=%v exit_reason=%s steps=%d\n\n", req.RunID, req.RequestID, result.OK, result.ExitReason, result.Steps)
	if data, readErr := os.ReadFile(journalPath); readErr == nil {
		os.Stdout.Write(data)
	}
	if !result.OK {
		return fmt.Errorf("machina: run did not reach goal_done (exit_reason=%s)", result.ExitReason)
	}
	return nil
}

// registerGenesisTools wires the three GENESIS.* AIDs into both reg (so
// ClassifyTier and menu assembly see them) and runner (so the loop can
// dispatch them). AID.NOOP.v1 is registered too, so BuildMenu's fallback
// Get(AIDNoop) always finds one to append.
func registerGenesisTools(reg *registry.Registry, runner *executor.Runner, p *genesis.Pipeline) {
	must := func(err error) {
		if err != nil {
			panic(fmt.Sprintf("machina: register builtin tool: %v", err))
		}
	}

	must(reg.RegisterToolDesc(&registry.ToolDesc{
		AID:         "GENESIS.WRITE_FILE",
		Name:        "GENESIS.WRITE_FILE",
		Tags:        []string{"tag.genesis"},
		SideEffects: []string{"write"},
	}, true))
	runner.Register("GENESIS.WRITE_FILE", genesis.WriteFileTool(p))

	must(reg.RegisterToolDesc(&registry.ToolDesc{
		AID:         "GENESIS.COMPILE_SHARED",
		Name:        "GENESIS.COMPILE_SHARED",
		Tags:        []string{"tag.genesis"},
		SideEffects: []string{"exec"},
	}, true))
	runner.Register("GENESIS.COMPILE_SHARED", genesis.CompileSharedTool(p))

	must(reg.RegisterToolDesc(&registry.ToolDesc{
		AID:         "GENESIS.LOAD_PLUGIN",
		Name:        "GENESIS.LOAD_PLUGIN",
		Tags:        []string{"tag.genesis"},
		SideEffects: []string{"create"},
	}, true))
	registrar := func(aid string, fn func(string) (string, error)) error {
		desc := &registry.ToolDesc{AID: aid, Name: aid, Tags: []string{"tag.genesis-hosted"}, SideEffects: []string{"none"}}
		if err := reg.RegisterToolDesc(desc, true); err != nil {
			return err
		}
		runner.Register(aid, func(_ context.Context, inputJSON string, _ *workspace.Workspace) (string, error) {
			return fn(inputJSON)
		})
		return nil
	}
	runner.Register("GENESIS.LOAD_PLUGIN", genesis.LoadPluginTool(registrar))

	must(reg.RegisterToolDesc(&registry.ToolDesc{
		AID:         registry.AIDNoop,
		Name:        registry.AIDNoop,
		Tags:        []string{"tag.noop"},
		SideEffects: []string{"none"},
	}, true))
	runner.Register(registry.AIDNoop, func(_ context.Context, _ string, _ *workspace.Workspace) (string, error) {
		return "{}", nil
	})
}
