package selector

import (
	"context"
	"testing"
	"time"

	"github.com/machina/machina/internal/registry"
	"github.com/stretchr/testify/require"
)

func buildTestMenu(t *testing.T) *registry.Menu {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterToolDesc(&registry.ToolDesc{
		AID: "TOOL.FS.READ.v1", Name: "read", Tags: []string{"tag.fs"}, SideEffects: []string{"none"},
	}, false))
	return reg.BuildMenu(nil, registry.CapabilityFilter{})
}

func TestParseSelectorOutputForms(t *testing.T) {
	sel, err := ParseSelectorOutput("<PICK><SID0001><END>")
	require.NoError(t, err)
	require.Equal(t, KindPick, sel.Kind)
	require.EqualValues(t, 1, sel.SID)

	sel, err = ParseSelectorOutput(`<PICK><SID0002><INP>{"a":1}</INP><END>`)
	require.NoError(t, err)
	require.Equal(t, KindPick, sel.Kind)
	require.JSONEq(t, `{"a":1}`, sel.InputPatchRaw)

	sel, err = ParseSelectorOutput("<ASK_SUP><END>")
	require.NoError(t, err)
	require.Equal(t, KindAskSup, sel.Kind)

	sel, err = ParseSelectorOutput("<NOOP><END>")
	require.NoError(t, err)
	require.Equal(t, KindNoop, sel.Kind)

	sel, err = ParseSelectorOutput("garbage")
	require.NoError(t, err)
	require.Equal(t, KindInvalid, sel.Kind)
}

func TestParseSelectorOutputRejectsNonObjectPatch(t *testing.T) {
	sel, err := ParseSelectorOutput(`<PICK><SID0001><INP>[1,2]</INP><END>`)
	require.NoError(t, err)
	require.Equal(t, KindInvalid, sel.Kind)
}

func TestExternalPolicyFallbackOnlyBypassesSubprocess(t *testing.T) {
	menu := buildTestMenu(t)
	fallback := NewHeuristic()
	ext := NewExternalPolicy(fallback, ExternalPolicyConfig{
		Command: []string{"/bin/does-not-exist"},
	})
	sel, err := ext.Select(context.Background(), menu, "", "state", FallbackOnly, "{}")
	require.NoError(t, err)
	require.Equal(t, KindPick, sel.Kind)
	require.EqualValues(t, 1, sel.SID)
}

func TestExternalPolicyDisallowedArgv0FaultsAndTripsBreaker(t *testing.T) {
	menu := buildTestMenu(t)
	fallback := NewHeuristic()
	ext := NewExternalPolicy(fallback, ExternalPolicyConfig{
		Command:         []string{"/bin/not-allowed"},
		AllowedArgv0:    []string{"/bin/actually-allowed"},
		BreakerN:        2,
		BreakerCooldown: time.Hour,
	})
	for i := 0; i < 2; i++ {
		sel, err := ext.Select(context.Background(), menu, "", "state", Blended, "{}")
		require.NoError(t, err)
		require.Equal(t, KindInvalid, sel.Kind)
	}
	require.True(t, ext.breaker.open(time.Now()))

	// Breaker open: should delegate to fallback instead of faulting again.
	sel, err := ext.Select(context.Background(), menu, "", "state", Blended, "{}")
	require.NoError(t, err)
	require.Equal(t, KindPick, sel.Kind)
	require.EqualValues(t, 1, sel.SID)
}

func TestFormatSelectorOutputRoundTrip(t *testing.T) {
	sel := Selection{Kind: KindPick, SID: 7, InputPatchRaw: `{"x":1}`}
	out := FormatSelectorOutput(sel)
	parsed, err := ParseSelectorOutput(out)
	require.NoError(t, err)
	require.Equal(t, sel.Kind, parsed.Kind)
	require.Equal(t, sel.SID, parsed.SID)
	require.JSONEq(t, sel.InputPatchRaw, parsed.InputPatchRaw)
}
