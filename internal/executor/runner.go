// Package executor implements tool invocation: the in-proc runner, the
// out-of-proc session pool talking the toolhost NDJSON protocol, the
// permission-lease system, and the idempotency cache. Grounded on the
// teacher's internal/tools.Registry dispatch pattern and
// internal/core/spawn_queue.go's worker-pool/backpressure shape for the
// session pool.
package executor

import (
	"context"
	"sync"

	"github.com/machina/machina/internal/registry"
	"github.com/machina/machina/internal/workspace"
)

// MissingToolPrefix marks a TOOL_ERROR caused by an unregistered aid, so
// the step loop's auto-Genesis-repair path can recognize it.
const MissingToolPrefix = "MISSING_TOOL: "

// Status mirrors the toolhost wire status values for in-proc results.
type Status string

const (
	StatusOK        Status = "OK"
	StatusToolError Status = "TOOL_ERROR"
)

// ToolResult is the outcome of one in-proc invocation.
type ToolResult struct {
	Status     Status
	OutputJSON string
	Error      string
}

// ToolFunc is the signature every in-proc tool implementation has. It
// mutates ws directly (the caller is expected to pass a Tx's Tmp()).
type ToolFunc func(ctx context.Context, inputJSON string, ws *workspace.Workspace) (outputJSON string, err error)

// Runner dispatches in-proc tool calls by aid.
type Runner struct {
	reg *registry.Registry

	mu    sync.RWMutex
	funcs map[string]ToolFunc
}

// NewRunner returns a Runner backed by reg for existence checks.
func NewRunner(reg *registry.Registry) *Runner {
	return &Runner{reg: reg, funcs: make(map[string]ToolFunc)}
}

// Register binds aid to fn for in-proc dispatch. The aid must already be
// registered in the Runner's registry; Register does not add descriptors.
func (r *Runner) Register(aid string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[aid] = fn
}

// Unregister removes aid's in-proc binding, e.g. after a Genesis plugin's
// host process is torn down.
func (r *Runner) Unregister(aid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, aid)
}

// Run looks up aid's registered function and invokes it directly. An
// unregistered aid returns TOOL_ERROR with the MissingToolPrefix, which
// enables the step loop's Genesis auto-stub path.
func (r *Runner) Run(ctx context.Context, aid, inputJSON string, ws *workspace.Workspace) ToolResult {
	r.mu.RLock()
	fn, ok := r.funcs[aid]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Status: StatusToolError, Error: MissingToolPrefix + aid}
	}

	out, err := fn(ctx, inputJSON, ws)
	if err != nil {
		return ToolResult{Status: StatusToolError, Error: err.Error()}
	}
	return ToolResult{Status: StatusOK, OutputJSON: out}
}

// Has reports whether aid has both a descriptor and an in-proc binding.
func (r *Runner) Has(aid string) bool {
	r.mu.RLock()
	_, bound := r.funcs[aid]
	r.mu.RUnlock()
	return bound && r.reg.Has(aid)
}

// missingToolAID extracts the aid from a MissingToolPrefix error message,
// or returns "", false if the message doesn't carry that shape.
func missingToolAID(errMsg string) (string, bool) {
	if len(errMsg) <= len(MissingToolPrefix) || errMsg[:len(MissingToolPrefix)] != MissingToolPrefix {
		return "", false
	}
	return errMsg[len(MissingToolPrefix):], true
}

// MissingToolAID is the exported form of missingToolAID, for the step
// loop's Genesis auto-repair trigger.
func MissingToolAID(errMsg string) (string, bool) {
	return missingToolAID(errMsg)
}
