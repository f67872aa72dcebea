package selector

import (
	"context"
	"fmt"

	"github.com/machina/machina/internal/registry"
)

// RawLogger receives the fallback and policy raw selections before the
// pipeline combines them, so the step loop can journal both independently
// of which one the mode ultimately picks. Kept as a narrow interface
// (rather than a concrete *journal.Journal) so callers can wire any
// journaling sink, including a no-op for tests.
type RawLogger interface {
	LogFallbackRaw(sel Selection)
	LogPolicyRaw(sel Selection)
}

type noopRawLogger struct{}

func (noopRawLogger) LogFallbackRaw(Selection) {}
func (noopRawLogger) LogPolicyRaw(Selection)   {}

// NoopRawLogger is a RawLogger that discards everything, for tests and for
// FALLBACK_ONLY callers that don't care about the policy lane.
var NoopRawLogger RawLogger = noopRawLogger{}

// Pipeline combines a fallback selector (heuristic, always available) and
// a policy selector (centroid or external-policy) according to
// ControlMode. New code: spec.md §4.3 describes the four modes directly;
// no single teacher file implements this exact shape, but the
// journal-both-then-combine structure follows the teacher's audit-first
// pattern in internal/logging/audit.go (log the event, then act on it).
type Pipeline struct {
	fallback Selector
	policy   Selector
	logger   RawLogger
}

// NewPipeline builds a mode-dispatching selector. policy may be nil, in
// which case any non-FALLBACK_ONLY mode degrades to the fallback.
func NewPipeline(fallback, policy Selector, logger RawLogger) *Pipeline {
	if logger == nil {
		logger = NoopRawLogger
	}
	return &Pipeline{fallback: fallback, policy: policy, logger: logger}
}

// Select runs the configured mode. The fallback's raw output is journaled
// in every mode; outside FALLBACK_ONLY, the policy's raw output is also
// journaled separately when a policy is set and returns without error.
// Both are journaled before the mode's combined result is returned.
func (p *Pipeline) Select(ctx context.Context, menu *registry.Menu, goalContext, stateDigest string, mode ControlMode, inputsJSON string) (Selection, error) {
	switch mode {
	case FallbackOnly:
		sel, err := p.fallback.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
		if err != nil {
			return Selection{}, err
		}
		p.logger.LogFallbackRaw(sel)
		return sel, nil

	case ShadowPolicy:
		fallbackSel, err := p.fallback.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
		if err != nil {
			return Selection{}, err
		}
		p.logger.LogFallbackRaw(fallbackSel)
		if p.policy != nil {
			policySel, perr := p.policy.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
			if perr == nil {
				p.logger.LogPolicyRaw(policySel)
			}
		}
		// SHADOW_POLICY always acts on the fallback; the policy output is
		// observed only.
		return fallbackSel, nil

	case PolicyOnly:
		fallbackSel, err := p.fallback.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
		if err != nil {
			return Selection{}, err
		}
		p.logger.LogFallbackRaw(fallbackSel)
		if p.policy == nil {
			return fallbackSel, nil
		}
		policySel, perr := p.policy.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
		if perr != nil {
			return Selection{}, perr
		}
		p.logger.LogPolicyRaw(policySel)
		if policySel.Kind == KindInvalid {
			return fallbackSel, nil
		}
		return policySel, nil

	case Blended:
		fallbackSel, err := p.fallback.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
		if err != nil {
			return Selection{}, err
		}
		p.logger.LogFallbackRaw(fallbackSel)
		if p.policy == nil {
			return fallbackSel, nil
		}
		policySel, perr := p.policy.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
		if perr != nil {
			return fallbackSel, nil
		}
		p.logger.LogPolicyRaw(policySel)
		// BLENDED: policy wins only when it offers a concrete, menu-valid
		// PICK; ASK_SUP/NOOP/INVALID from the policy lane defer to the
		// deterministic fallback.
		if policySel.Kind == KindPick {
			return policySel, nil
		}
		return fallbackSel, nil

	default:
		return Selection{}, fmt.Errorf("selector: unknown control mode %q", mode)
	}
}
