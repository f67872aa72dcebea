package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/machina/machina/internal/executor"
	"github.com/machina/machina/internal/toolhost"
)

// handleLine decodes one NDJSON request line and dispatches it. A decode
// failure is reported as a TOOL_ERROR response rather than killing the
// session, so one malformed line doesn't take down the whole pool slot.
func (h *host) handleLine(line []byte) toolhost.Response {
	var req toolhost.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return toolhost.Response{OK: false, Status: toolhost.StatusToolError, Error: "bad request: " + err.Error()}
	}
	return h.handleRequest(req)
}

func (h *host) handleRequest(req toolhost.Request) toolhost.Response {
	switch req.AID {
	case toolhost.AIDLeaseIssue:
		return h.handleLeaseIssue(req)
	case toolhost.AIDLeaseGC:
		return h.handleLeaseGC()
	case toolhost.AIDLeaseStats:
		return h.handleLeaseStats()
	default:
		return h.handleToolCall(req)
	}
}

func (h *host) handleLeaseIssue(req toolhost.Request) toolhost.Response {
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	lease, err := h.leases.Issue(req.ToolAID, executor.Tier(req.Tier), ttl, "toolhost")
	if err != nil {
		return toolhost.Response{OK: false, Status: toolhost.StatusToolError, Error: err.Error()}
	}
	return toolhost.Response{OK: true, Status: toolhost.StatusOK, TokenID: lease.TokenID, ToolAID: lease.ToolAID, Tier: int(lease.Tier)}
}

func (h *host) handleLeaseGC() toolhost.Response {
	removed := h.leases.GC()
	out, _ := json.Marshal(map[string]int{"removed": removed})
	return toolhost.Response{OK: true, Status: toolhost.StatusOK, OutputJSON: string(out)}
}

// handleLeaseStats reports the active lease count and the lifetime
// issued/consumed/rejected lease counters.
func (h *host) handleLeaseStats() toolhost.Response {
	out, _ := json.Marshal(map[string]int64{
		"active":   int64(h.leases.ActiveCount()),
		"issued":   h.leases.TotalIssued(),
		"consumed": h.leases.TotalConsumed(),
		"rejected": h.leases.TotalRejected(),
	})
	return toolhost.Response{OK: true, Status: toolhost.StatusOK, OutputJSON: string(out)}
}

// handleToolCall applies the request's ds_state delta onto h.ws, enforces
// the lease requirement for tier>0 tools, serves an idempotency hit
// verbatim when one applies, runs the tool against a clone of h.ws (so a
// TOOL_ERROR leaves h.ws byte-identical to its pre-call state, mirroring
// the step loop's Tx-rollback invariant), and reports the delta between
// h.ws's before and after snapshots.
func (h *host) handleToolCall(req toolhost.Request) toolhost.Response {
	if err := toolhost.Apply(h.ws, req.DSState); err != nil {
		return toolhost.Response{OK: false, Status: toolhost.StatusToolError, Error: "apply ds_state: " + err.Error()}
	}

	if h.enforce {
		desc, _ := h.reg.Get(req.AID)
		var sideEffects []string
		if desc != nil {
			sideEffects = desc.SideEffects
		}
		if executor.ClassifyTier(req.AID, sideEffects) > executor.TierSafe {
			if err := h.leases.Verify(req.LeaseToken, req.AID); err != nil {
				return toolhost.Response{OK: false, Status: toolhost.StatusToolError, Error: "lease: " + err.Error(), DSState: toolhost.Diff(h.ws, h.ws)}
			}
		}
	}

	before := h.ws.Clone()

	runFn := func() (executor.CachedResponse, error) {
		tmp := before.Clone()
		result := h.runner.Run(context.Background(), req.AID, req.InputJSON, tmp)
		if result.Status == executor.StatusOK {
			h.ws = tmp
		}
		return executor.CachedResponse{Status: string(result.Status), OutputJSON: result.OutputJSON, Error: result.Error}, nil
	}

	cached, idempotentHit := lookupOrRun(h.idempotent, req.IdempotencyKey, runFn)

	if req.LeaseToken != "" && cached.Status == string(executor.StatusOK) {
		_ = h.leases.Consume(req.LeaseToken)
	}

	delta := toolhost.Diff(before, h.ws)
	return toolhost.Response{
		OK:            cached.Status == string(executor.StatusOK),
		Status:        toolhost.Status(cached.Status),
		OutputJSON:    cached.OutputJSON,
		Error:         cached.Error,
		DSState:       delta,
		IdempotentHit: idempotentHit,
	}
}

// lookupOrRun replays a cached response verbatim on a hit (with an empty
// workspace delta implied by the caller not having mutated h.ws), or runs
// fn and stores its result under key, coalescing concurrent duplicate
// requests for the same key through the cache's singleflight group.
func lookupOrRun(cache *executor.IdempotencyCache, key string, fn func() (executor.CachedResponse, error)) (executor.CachedResponse, bool) {
	if key == "" {
		resp, _ := fn()
		return resp, false
	}
	if hit, ok := cache.Lookup(key); ok {
		return *hit, true
	}
	resp, _ := cache.Coalesce(key, fn)
	return resp, false
}
