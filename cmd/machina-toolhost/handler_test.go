package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/machina/machina/internal/executor"
	"github.com/machina/machina/internal/registry"
	"github.com/machina/machina/internal/toolhost"
	"github.com/machina/machina/internal/workspace"
)

func newTestHost(t *testing.T) *host {
	t.Helper()
	reg := registry.New()
	runner := executor.NewRunner(reg)

	require.NoError(t, reg.RegisterToolDesc(&registry.ToolDesc{
		AID:         "TEST.ECHO",
		Name:        "TEST.ECHO",
		Tags:        []string{"tag.test"},
		SideEffects: []string{"none"},
	}, false))
	runner.Register("TEST.ECHO", func(_ context.Context, inputJSON string, ws *workspace.Workspace) (string, error) {
		if err := ws.Set(0, &workspace.Artifact{Type: "echo", Provenance: "TEST.ECHO", ContentJSON: inputJSON, SizeBytes: len(inputJSON)}); err != nil {
			return "", err
		}
		return inputJSON, nil
	})

	require.NoError(t, reg.RegisterToolDesc(&registry.ToolDesc{
		AID:         "TEST.DANGEROUS",
		Name:        "TEST.DANGEROUS",
		Tags:        []string{"tag.test"},
		SideEffects: []string{"exec"},
	}, false))
	runner.Register("TEST.DANGEROUS", func(_ context.Context, inputJSON string, _ *workspace.Workspace) (string, error) {
		return inputJSON, nil
	})

	return &host{
		reg:        reg,
		runner:     runner,
		ws:         workspace.New(),
		leases:     executor.NewLeaseManager(),
		idempotent: executor.NewIdempotencyCache(executor.DefaultIdempotencyTTL),
		enforce:    true,
	}
}

func TestHandleToolCallAppliesDeltaAndReturnsIt(t *testing.T) {
	h := newTestHost(t)

	resp := h.handleRequest(toolhost.Request{AID: "TEST.ECHO", InputJSON: `{"x":1}`})
	require.True(t, resp.OK)
	require.Equal(t, toolhost.StatusOK, resp.Status)
	require.NotNil(t, resp.DSState)
	require.True(t, resp.DSState.Delta)
	require.Contains(t, resp.DSState.Slots, "0")
}

func TestHandleToolCallSafeToolSkipsLeaseEnforcement(t *testing.T) {
	h := newTestHost(t)

	resp := h.handleRequest(toolhost.Request{AID: "TEST.ECHO", InputJSON: "{}"})
	require.True(t, resp.OK)
}

func TestHandleToolCallDangerousToolRejectsMissingLease(t *testing.T) {
	h := newTestHost(t)

	resp := h.handleRequest(toolhost.Request{AID: "TEST.DANGEROUS", InputJSON: "{}"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "lease")
}

func TestHandleToolCallDangerousToolSucceedsWithValidLease(t *testing.T) {
	h := newTestHost(t)

	issue := h.handleRequest(toolhost.Request{AID: toolhost.AIDLeaseIssue, ToolAID: "TEST.DANGEROUS", Tier: int(executor.TierSystem), TTLMs: 60000})
	require.True(t, issue.OK)
	require.NotEmpty(t, issue.TokenID)

	resp := h.handleRequest(toolhost.Request{AID: "TEST.DANGEROUS", InputJSON: "{}", LeaseToken: issue.TokenID})
	require.True(t, resp.OK)

	// the token is single-use: a second call with the same token must fail.
	resp2 := h.handleRequest(toolhost.Request{AID: "TEST.DANGEROUS", InputJSON: "{}", LeaseToken: issue.TokenID})
	require.False(t, resp2.OK)
}

func TestHandleToolCallIdempotentHitReplaysWithEmptyDelta(t *testing.T) {
	h := newTestHost(t)

	first := h.handleRequest(toolhost.Request{AID: "TEST.ECHO", InputJSON: `{"n":1}`, IdempotencyKey: "k1"})
	require.True(t, first.OK)
	require.False(t, first.IdempotentHit)

	second := h.handleRequest(toolhost.Request{AID: "TEST.ECHO", InputJSON: `{"n":1}`, IdempotencyKey: "k1"})
	require.True(t, second.OK)
	require.True(t, second.IdempotentHit)
	require.Empty(t, second.DSState.Slots)
	require.Empty(t, second.DSState.RemovedSlots)
}

func TestHandleLeaseGCReportsRemovedCount(t *testing.T) {
	h := newTestHost(t)
	resp := h.handleRequest(toolhost.Request{AID: toolhost.AIDLeaseGC})
	require.True(t, resp.OK)
	var payload struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.OutputJSON), &payload))
}

func TestServeRoundTripsNDJSONLines(t *testing.T) {
	h := newTestHost(t)

	var in bytes.Buffer
	reqLine, err := toolhost.EncodeLine(toolhost.Request{AID: "TEST.ECHO", InputJSON: `{"a":1}`})
	require.NoError(t, err)
	in.Write(reqLine)

	var out bytes.Buffer
	require.NoError(t, h.serve(&in, &out))

	scanner := bufio.NewScanner(&out)
	require.True(t, scanner.Scan())
	var resp toolhost.Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.True(t, resp.OK)
}
