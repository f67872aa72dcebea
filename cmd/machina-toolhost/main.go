// Command machina-toolhost is the out-of-proc plugin host: one persistent
// child process per Genesis-loaded plugin, speaking the NDJSON protocol
// defined in internal/toolhost over stdin/stdout. The executor's
// SessionPool spawns and leases instances of this binary; it is never run
// interactively. Single-purpose binary, so flag parsing follows the
// teacher's cmd/query-kb idiom (plain os.Args/flag) rather than cobra,
// which cmd/machina reserves for its multi-subcommand surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/machina/machina/internal/executor"
	"github.com/machina/machina/internal/genesis"
	"github.com/machina/machina/internal/logging"
	"github.com/machina/machina/internal/registry"
	"github.com/machina/machina/internal/toolhost"
	"github.com/machina/machina/internal/workspace"
)

func main() {
	pluginPath := flag.String("plugin", "", "path to the compiled plugin .so to host")
	pluginSHA256 := flag.String("plugin-sha256", "", "expected sha256 of the plugin, per the DS6 COMPILED marker")
	allowedCaps := flag.Uint("allowed-capabilities", 0xFFFFFFFF, "capability bitmask the plugin's declared capabilities must be a subset of")
	idempotencyTTL := flag.Duration("idempotency-ttl", executor.DefaultIdempotencyTTL, "idempotency cache entry lifetime")
	leaseEnforcement := flag.Bool("lease-enforcement", true, "require a valid lease token for tier>0 tool calls")
	flag.Parse()

	log := logging.Get(logging.CategoryExecutor)

	reg := registry.New()
	runner := executor.NewRunner(reg)

	if *pluginPath != "" {
		if err := loadHostedPlugin(reg, runner, *pluginPath, *pluginSHA256, uint32(*allowedCaps)); err != nil {
			fmt.Fprintf(os.Stderr, "machina-toolhost: load plugin: %v\n", err)
			os.Exit(1)
		}
	}

	h := &host{
		reg:        reg,
		runner:     runner,
		ws:         workspace.New(),
		leases:     executor.NewLeaseManager(),
		idempotent: executor.NewIdempotencyCache(*idempotencyTTL),
		enforce:    *leaseEnforcement,
	}

	if err := h.serve(os.Stdin, os.Stdout); err != nil && err != io.EOF {
		log.Errorw("toolhost serve loop exited", "error", err)
		os.Exit(1)
	}
}

// loadHostedPlugin loads path via genesis.LoadPlugin and registers the
// resulting tool under both the registry (a descriptor, so ClassifyTier and
// menu assembly upstream see it) and the runner (the dispatchable function).
// The plugin's own fn signature (func(string) (string, error), per the
// Registrar contract in internal/genesis) never touches the workspace
// directly — it is wrapped into executor.ToolFunc by ignoring ws, the same
// shape internal/steploop's auto-repair stub path uses.
func loadHostedPlugin(reg *registry.Registry, runner *executor.Runner, path, expectedSHA256 string, allowedCaps uint32) error {
	var registeredAID string
	registrar := func(aid string, fn func(string) (string, error)) error {
		registeredAID = aid
		desc := &registry.ToolDesc{
			AID:         aid,
			Name:        aid,
			Tags:        []string{"tag.genesis-hosted"},
			SideEffects: []string{"unknown"},
		}
		if err := reg.RegisterToolDesc(desc, true); err != nil {
			return err
		}
		runner.Register(aid, func(_ context.Context, inputJSON string, _ *workspace.Workspace) (string, error) {
			return fn(inputJSON)
		})
		return nil
	}
	_, err := genesis.LoadPlugin(path, expectedSHA256, allowedCaps, registrar)
	if err != nil {
		return err
	}
	if registeredAID == "" {
		return fmt.Errorf("machina-toolhost: plugin at %s registered no tool", path)
	}
	return nil
}

// host serves one client connection (one stdin/stdout pair) for the
// lifetime of the process. ws mirrors the client session's base_workspace:
// each request's ds_state delta is applied onto it before dispatch, and the
// response's ds_state is the delta between ws before and after the call.
type host struct {
	reg        *registry.Registry
	runner     *executor.Runner
	ws         *workspace.Workspace
	leases     *executor.LeaseManager
	idempotent *executor.IdempotencyCache
	enforce    bool
}

func (h *host) serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for scanner.Scan() {
		resp := h.handleLine(scanner.Bytes())
		line, err := toolhost.EncodeLine(resp)
		if err != nil {
			return fmt.Errorf("machina-toolhost: encode response: %w", err)
		}
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("machina-toolhost: write response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("machina-toolhost: flush response: %w", err)
		}
	}
	return scanner.Err()
}
