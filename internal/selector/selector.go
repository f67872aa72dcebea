// Package selector implements the three selector implementations (heuristic,
// centroid, external-policy), mode-dependent blending, and the circuit
// breaker guarding the external policy subprocess. New code in the
// teacher's general idiom (small struct, sync.Mutex-guarded counters,
// sentinel-error-free state machine) since no teacher file implements a
// selector chain; see internal/embedding (centroid) and internal/procsandbox
// (external-policy subprocess) for the pieces that ARE grounded.
package selector

import (
	"context"

	"github.com/machina/machina/internal/registry"
)

// Kind tags a Selection's variant.
type Kind string

const (
	KindPick    Kind = "PICK"
	KindAskSup  Kind = "ASK_SUP"
	KindNoop    Kind = "NOOP"
	KindInvalid Kind = "INVALID"
)

// Selection is the tagged variant returned by every selector.
type Selection struct {
	Kind          Kind
	SID           uint16
	InputPatchRaw string // raw JSON object text, if any
	InvalidReason string
}

// ControlMode is the selector blending policy.
type ControlMode string

const (
	FallbackOnly  ControlMode = "FALLBACK_ONLY"
	ShadowPolicy  ControlMode = "SHADOW_POLICY"
	Blended       ControlMode = "BLENDED"
	PolicyOnly    ControlMode = "POLICY_ONLY"
)

// Selector is the common interface for heuristic, centroid, and
// external-policy selectors.
type Selector interface {
	Select(ctx context.Context, menu *registry.Menu, goalContext, stateDigest string, mode ControlMode, inputsJSON string) (Selection, error)
}
