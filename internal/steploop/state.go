package steploop

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/machina/machina/internal/workspace"
)

// slotStage is the shape of DS6's content_json when it carries a Genesis
// stage marker: {"stage": "WROTE"|"COMPILED"|"LOADED", ...}.
type slotStage struct {
	Stage string `json:"stage"`
}

// nextGenesisStage translates the completed-stage marker left in DS6 into
// the next action the heuristic selector's fixed Genesis precedence
// (WRITE -> COMPILE -> LOAD -> RUNTIME_TOOL) should take: absent DS6 means
// nothing has been written yet, so the next action is WRITE.
func nextGenesisStage(ds6Present bool, rawStage string) string {
	if !ds6Present {
		return "WRITE"
	}
	switch rawStage {
	case "WROTE":
		return "COMPILE"
	case "COMPILED":
		return "LOAD"
	case "LOADED":
		return "RUNTIME_TOOL"
	default:
		return ""
	}
}

// State is one step's computed state flags: which of DS0/2/6/7 are
// present, DS6's raw stage field if DS6 is present and parses as a stage
// marker, and Stage, the next Genesis action that flag implies.
type State struct {
	DS0Present bool
	DS2Present bool
	DS6Present bool
	DS7Present bool
	RawStage   string
	Stage      string
}

// computeState inspects ws's slots 0, 2, 6, 7 per spec §4.5.
func computeState(ws *workspace.Workspace) State {
	var st State
	if a, _ := ws.Get(0); a != nil {
		st.DS0Present = true
	}
	if a, _ := ws.Get(2); a != nil {
		st.DS2Present = true
	}
	if a, _ := ws.Get(6); a != nil {
		st.DS6Present = true
		var s slotStage
		if err := json.Unmarshal([]byte(a.ContentJSON), &s); err == nil {
			st.RawStage = s.Stage
		}
	}
	if a, _ := ws.Get(7); a != nil {
		st.DS7Present = true
	}
	st.Stage = nextGenesisStage(st.DS6Present, st.RawStage)
	return st
}

// goalContext renders State as the pipe-delimited token string the
// heuristic selector parses: "stage=WRITE|ds0=1|ds2=0".
func goalContext(st State) string {
	ds0, ds2 := "0", "0"
	if st.DS0Present {
		ds0 = "1"
	}
	if st.DS2Present {
		ds2 = "1"
	}
	tokens := []string{fmt.Sprintf("ds0=%s", ds0), fmt.Sprintf("ds2=%s", ds2)}
	if st.Stage != "" {
		tokens = append([]string{fmt.Sprintf("stage=%s", st.Stage)}, tokens...)
	}
	return strings.Join(tokens, "|")
}

// effectiveTags unions baseTags with the Genesis-marker tag (when goalID
// targets a Genesis goal) and tag.report (when DS0 is present and DS2 is
// not), deduplicated and sorted for menu-digest determinism.
func effectiveTags(baseTags []string, goalID string, st State) []string {
	set := make(map[string]struct{}, len(baseTags)+2)
	for _, t := range baseTags {
		set[t] = struct{}{}
	}
	if strings.HasPrefix(goalID, "goal.GENESIS") {
		set["tag.genesis"] = struct{}{}
	}
	if st.DS0Present && !st.DS2Present {
		set["tag.report"] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
