package selector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/machina/machina/internal/logging"
	"github.com/machina/machina/internal/procsandbox"
	"github.com/machina/machina/internal/registry"
)

// breakerState tracks consecutive faults for the circuit breaker guarding
// the external policy subprocess. New code: no teacher file implements a
// circuit breaker, but the shape (small struct, mutex, atomic-style
// counters) follows the teacher's pervasive pattern in
// internal/autopoiesis (OuroborosStats) and internal/core (SpawnQueue
// metrics).
type breakerState struct {
	mu                sync.Mutex
	consecutiveFaults int
	threshold         int
	cooldown          time.Duration
	openUntil         time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breakerState {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerState{threshold: threshold, cooldown: cooldown}
}

// open reports whether the breaker is currently tripped.
func (b *breakerState) open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Before(b.openUntil)
}

func (b *breakerState) recordFault(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFaults++
	if b.consecutiveFaults >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
	}
}

func (b *breakerState) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFaults = 0
	b.openUntil = time.Time{}
}

// ExternalPolicyConfig configures the subprocess spawned for each
// decision.
type ExternalPolicyConfig struct {
	AllowedArgv0 []string // allow-listed executables for argv[0]
	AllowedRoots []string // allow-listed roots a script-path argument must reside under
	Command      []string // full argv; Command[0] checked against AllowedArgv0
	Limits       procsandbox.Limits
	BreakerN     int
	BreakerCooldown time.Duration
}

// ExternalPolicySelector wraps another selector as fallback. In
// FALLBACK_ONLY mode it delegates straight through; otherwise it spawns a
// sandboxed child per decision via internal/procsandbox.
type ExternalPolicySelector struct {
	fallback Selector
	cfg      ExternalPolicyConfig
	breaker  *breakerState
}

// NewExternalPolicy wraps fallback with the external policy subprocess.
func NewExternalPolicy(fallback Selector, cfg ExternalPolicyConfig) *ExternalPolicySelector {
	return &ExternalPolicySelector{
		fallback: fallback,
		cfg:      cfg,
		breaker:  newBreaker(cfg.BreakerN, cfg.BreakerCooldown),
	}
}

func (s *ExternalPolicySelector) argv0Allowed() bool {
	if len(s.cfg.Command) == 0 {
		return false
	}
	bin := s.cfg.Command[0]
	for _, allowed := range s.cfg.AllowedArgv0 {
		if bin == allowed {
			return true
		}
	}
	return false
}

func (s *ExternalPolicySelector) scriptPathAllowed() bool {
	if len(s.cfg.Command) < 2 {
		return true
	}
	scriptArg := s.cfg.Command[1]
	if len(s.cfg.AllowedRoots) == 0 {
		return true
	}
	abs, err := filepath.Abs(scriptArg)
	if err != nil {
		return false
	}
	for _, root := range s.cfg.AllowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if strings.HasPrefix(abs, rootAbs) {
			return true
		}
	}
	return false
}

type policyPayload struct {
	GoalDigest  string          `json:"goal_digest"`
	StateDigest string          `json:"state_digest"`
	ControlMode string          `json:"control_mode"`
	Inputs      json.RawMessage `json:"inputs"`
	Menu        []registry.MenuItem `json:"menu"`
}

// Select cross-checks the returned SID against the current menu. Any
// failure mode counts as one policy fault against the circuit breaker.
func (s *ExternalPolicySelector) Select(ctx context.Context, menu *registry.Menu, goalContext, stateDigest string, mode ControlMode, inputsJSON string) (Selection, error) {
	if mode == FallbackOnly {
		return s.fallback.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
	}

	now := time.Now()
	if s.breaker.open(now) {
		sel, err := s.fallback.Select(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
		return sel, err
	}

	sel, fault := s.invokePolicy(ctx, menu, goalContext, stateDigest, mode, inputsJSON)
	if fault {
		s.breaker.recordFault(now)
		logging.Get(logging.CategorySelector).Warnw("external policy fault", "consecutive", true)
		return Selection{Kind: KindInvalid, InvalidReason: "policy fault"}, nil
	}
	s.breaker.recordSuccess()
	return sel, nil
}

func (s *ExternalPolicySelector) invokePolicy(ctx context.Context, menu *registry.Menu, goalContext, stateDigest string, mode ControlMode, inputsJSON string) (Selection, bool) {
	if !s.argv0Allowed() || !s.scriptPathAllowed() {
		return Selection{}, true
	}

	payload := policyPayload{
		GoalDigest:  goalContext,
		StateDigest: stateDigest,
		ControlMode: string(mode),
		Inputs:      json.RawMessage(inputsJSON),
		Menu:        menu.Items,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Selection{}, true
	}

	res, err := procsandbox.Spawn(ctx, s.cfg.Command, payloadBytes, s.cfg.Limits)
	if err != nil || res.Killed || res.ExitCode != 0 || len(res.Stdout) == 0 {
		return Selection{}, true
	}

	sel, err := ParseSelectorOutput(string(res.Stdout))
	if err != nil {
		return Selection{}, true
	}
	if sel.Kind == KindPick {
		if menu.PositionOf(sel.SID) < 0 {
			return Selection{}, true
		}
	}
	return sel, false
}

// Selector output parsing, per spec.md §6.

var (
	reSimplePick = regexp.MustCompile(`^<PICK><SID(\d{4})><END>$`)
	reInpPick    = regexp.MustCompile(`^<PICK><SID(\d{4})><INP>(.*)</INP><END>$`)
	reInp64Pick  = regexp.MustCompile(`^<PICK><SID(\d{4})><INP64>(.*)</INP64><END>$`)
)

// ParseSelectorOutput parses the strict selector output format. Any shape
// not matching one of the five forms is INVALID. The JSON inside
// INP/INP64 must parse as an object.
func ParseSelectorOutput(raw string) (Selection, error) {
	raw = strings.TrimSpace(raw)

	if raw == "<ASK_SUP><END>" {
		return Selection{Kind: KindAskSup}, nil
	}
	if raw == "<NOOP><END>" {
		return Selection{Kind: KindNoop}, nil
	}

	if m := reSimplePick.FindStringSubmatch(raw); m != nil {
		sid, err := strconv.Atoi(m[1])
		if err != nil {
			return Selection{Kind: KindInvalid, InvalidReason: "bad sid"}, nil
		}
		return Selection{Kind: KindPick, SID: uint16(sid)}, nil
	}

	if m := reInpPick.FindStringSubmatch(raw); m != nil {
		sid, err := strconv.Atoi(m[1])
		if err != nil {
			return Selection{Kind: KindInvalid, InvalidReason: "bad sid"}, nil
		}
		if !isJSONObject(m[2]) {
			return Selection{Kind: KindInvalid, InvalidReason: "patch not a json object"}, nil
		}
		return Selection{Kind: KindPick, SID: uint16(sid), InputPatchRaw: m[2]}, nil
	}

	if m := reInp64Pick.FindStringSubmatch(raw); m != nil {
		sid, err := strconv.Atoi(m[1])
		if err != nil {
			return Selection{Kind: KindInvalid, InvalidReason: "bad sid"}, nil
		}
		decoded, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil || !isJSONObject(string(decoded)) {
			return Selection{Kind: KindInvalid, InvalidReason: "bad base64 patch"}, nil
		}
		return Selection{Kind: KindPick, SID: uint16(sid), InputPatchRaw: string(decoded)}, nil
	}

	return Selection{Kind: KindInvalid, InvalidReason: fmt.Sprintf("unparseable selector output: %q", raw)}, nil
}

func isJSONObject(s string) bool {
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// FormatSelectorOutput is the inverse of ParseSelectorOutput, used by the
// round-trip test and by any in-process selector that wants to emit the
// same wire format a subprocess would.
func FormatSelectorOutput(sel Selection) string {
	switch sel.Kind {
	case KindAskSup:
		return "<ASK_SUP><END>"
	case KindNoop:
		return "<NOOP><END>"
	case KindPick:
		if sel.InputPatchRaw == "" {
			return fmt.Sprintf("<PICK><SID%04d><END>", sel.SID)
		}
		return fmt.Sprintf("<PICK><SID%04d><INP>%s</INP><END>", sel.SID, sel.InputPatchRaw)
	default:
		return "<NOOP><END>"
	}
}
