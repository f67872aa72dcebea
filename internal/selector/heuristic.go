package selector

import (
	"context"
	"strings"

	"github.com/machina/machina/internal/registry"
)

// HeuristicSelector is the deterministic tier-0 selector: it matches a
// fixed precedence of "hint tags" derived from state flags embedded in
// goal_context.
type HeuristicSelector struct{}

// NewHeuristic returns a new heuristic selector.
func NewHeuristic() *HeuristicSelector {
	return &HeuristicSelector{}
}

// stateFlags are the state-derived hints the step loop embeds into
// goal_context as a pipe-delimited token list, e.g.
// "stage=WRITE|ds0=1|ds2=0".
type stateFlags struct {
	genesisStage string // "", "WRITE", "COMPILE", "LOAD", "RUNTIME_TOOL"
	ds0Present   bool
	ds2Present   bool
}

func parseStateFlags(goalContext string) stateFlags {
	var f stateFlags
	for _, tok := range strings.Split(goalContext, "|") {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "stage":
			f.genesisStage = kv[1]
		case "ds0":
			f.ds0Present = kv[1] == "1"
		case "ds2":
			f.ds2Present = kv[1] == "1"
		}
	}
	return f
}

// pickFirstByTag returns the lowest-SID menu item carrying tag, skipping
// the NOOP tool.
func pickFirstByTag(menu *registry.Menu, tag string) (uint16, bool) {
	var best uint16
	found := false
	for _, item := range menu.Items {
		if item.AID == registry.AIDNoop {
			continue
		}
		for _, t := range item.Tags {
			if t == tag {
				if !found || item.SID < best {
					best = item.SID
					found = true
				}
				break
			}
		}
	}
	return best, found
}

func pickFirstByPrefix(menu *registry.Menu, prefix string) (uint16, bool) {
	var best uint16
	found := false
	for _, item := range menu.Items {
		if item.AID == registry.AIDNoop {
			continue
		}
		if strings.HasPrefix(item.AID, prefix) {
			if !found || item.SID < best {
				best = item.SID
				found = true
			}
		}
	}
	return best, found
}

// Select implements the fixed precedence: Genesis stages (WRITE → COMPILE
// → LOAD → runtime tool → NOOP), then DS0-present/DS2-absent ⇒ tag.report,
// then in order {tag.error, tag.gpu, tag.fs, tag.shell, tag.net, tag.meta};
// fallback NOOP.
func (s *HeuristicSelector) Select(ctx context.Context, menu *registry.Menu, goalContext, stateDigest string, mode ControlMode, inputsJSON string) (Selection, error) {
	flags := parseStateFlags(goalContext)

	switch flags.genesisStage {
	case "WRITE":
		if sid, ok := pickFirstByPrefix(menu, "GENESIS.WRITE_FILE"); ok {
			return Selection{Kind: KindPick, SID: sid}, nil
		}
	case "COMPILE":
		if sid, ok := pickFirstByPrefix(menu, "GENESIS.COMPILE_SHARED"); ok {
			return Selection{Kind: KindPick, SID: sid}, nil
		}
	case "LOAD":
		if sid, ok := pickFirstByPrefix(menu, "GENESIS.LOAD_PLUGIN"); ok {
			return Selection{Kind: KindPick, SID: sid}, nil
		}
	case "RUNTIME_TOOL":
		for _, item := range menu.Items {
			if item.AID == registry.AIDNoop {
				continue
			}
			if !strings.HasPrefix(item.AID, "GENESIS.") {
				return Selection{Kind: KindPick, SID: item.SID}, nil
			}
		}
	}

	if flags.ds0Present && !flags.ds2Present {
		if sid, ok := pickFirstByTag(menu, "tag.report"); ok {
			return Selection{Kind: KindPick, SID: sid}, nil
		}
	}

	for _, tag := range []string{"tag.error", "tag.gpu", "tag.fs", "tag.shell", "tag.net", "tag.meta"} {
		if sid, ok := pickFirstByTag(menu, tag); ok {
			return Selection{Kind: KindPick, SID: sid}, nil
		}
	}

	if noop := menu.ItemByAID(registry.AIDNoop); noop != nil {
		return Selection{Kind: KindNoop}, nil
	}
	return Selection{Kind: KindInvalid, InvalidReason: "no heuristic match and no NOOP registered"}, nil
}
