package steploop

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/machina/machina/internal/workspace"
)

// GoalDescriptor names the slots a goal needs populated to be considered
// done. RequiredSlots is ANDed unless AnySlotSufficient, in which case any
// one present slot satisfies it. CandidateTags and RequiredTools describe
// which tools a goal expects to see offered on the menu; they are carried
// through from a loaded goal-pack manifest for callers that want to
// cross-check tag coverage, but IsSatisfied itself only consults
// RequiredSlots.
type GoalDescriptor struct {
	GoalID            string
	CandidateTags     []string
	RequiredTools     []string
	RequiredSlots     []int
	AnySlotSufficient bool
}

// goalManifest is the on-disk shape of a goal-pack manifest file: a single
// "goals" array of goal descriptor objects.
type goalManifest struct {
	Goals []goalManifestEntry `json:"goals"`
}

type goalManifestEntry struct {
	GoalID            string   `json:"goal_id"`
	CandidateTags     []string `json:"candidate_tags"`
	RequiredTools     []string `json:"required_tools"`
	CompletionSlots   []int    `json:"completion_slots"`
	AnySlotSufficient bool     `json:"any_slot_sufficient"`
}

// GoalRegistry resolves a goal_id to its descriptor, matching exactly first
// and falling back to the longest registered prefix.
type GoalRegistry struct {
	mu    sync.RWMutex
	goals map[string]GoalDescriptor
}

// NewGoalRegistry returns an empty goal registry.
func NewGoalRegistry() *GoalRegistry {
	return &GoalRegistry{goals: make(map[string]GoalDescriptor)}
}

// Register adds or replaces a goal descriptor.
func (g *GoalRegistry) Register(d GoalDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.goals[d.GoalID] = d
}

// LoadManifest reads a goal-pack manifest JSON file (a top-level "goals"
// array) and registers every entry with a non-empty goal_id, skipping
// entries with no id the way an entry with an unresolvable slot number
// (outside 0-7) is silently dropped for that slot rather than failing the
// whole load.
func (g *GoalRegistry) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("steploop: read goal manifest %s: %w", path, err)
	}
	var manifest goalManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("steploop: parse goal manifest %s: %w", path, err)
	}

	for _, entry := range manifest.Goals {
		if entry.GoalID == "" {
			continue
		}
		var slots []int
		for _, v := range entry.CompletionSlots {
			if v >= 0 && v <= 7 {
				slots = append(slots, v)
			}
		}
		g.Register(GoalDescriptor{
			GoalID:            entry.GoalID,
			CandidateTags:     entry.CandidateTags,
			RequiredTools:     entry.RequiredTools,
			RequiredSlots:     slots,
			AnySlotSufficient: entry.AnySlotSufficient,
		})
	}
	return nil
}

// AllGoalIDs returns every registered goal_id, in no particular order.
func (g *GoalRegistry) AllGoalIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.goals))
	for id := range g.goals {
		ids = append(ids, id)
	}
	return ids
}

// Resolve returns the descriptor for goalID: an exact match if present,
// else the descriptor registered under the longest prefix of goalID, else
// false.
func (g *GoalRegistry) Resolve(goalID string) (GoalDescriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if d, ok := g.goals[goalID]; ok {
		return d, true
	}

	var best GoalDescriptor
	bestLen := -1
	for id, d := range g.goals {
		if strings.HasPrefix(goalID, id) && len(id) > bestLen {
			best = d
			bestLen = len(id)
		}
	}
	if bestLen < 0 {
		return GoalDescriptor{}, false
	}
	return best, true
}

// IsSatisfied resolves goalID and checks slot presence in ws. An
// unresolvable goal_id is never satisfied.
func (g *GoalRegistry) IsSatisfied(goalID string, ws *workspace.Workspace) bool {
	d, ok := g.Resolve(goalID)
	if !ok || len(d.RequiredSlots) == 0 {
		return false
	}
	present := 0
	for _, idx := range d.RequiredSlots {
		a, err := ws.Get(idx)
		if err == nil && a != nil {
			present++
		}
	}
	if d.AnySlotSufficient {
		return present > 0
	}
	return present == len(d.RequiredSlots)
}
