// Package registry holds tool descriptors and assembles menus for the
// step loop's selector pipeline. Generalized from the teacher's
// internal/tools.Registry (same sync.RWMutex-guarded map, same
// sentinel-error shape, same sorted-query determinism) with the teacher's
// category-based lookup replaced by tag-union queries and its priority
// float replaced by a deterministic SID/menu-digest scheme.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/machina/machina/internal/logging"
)

// AIDNoop is the special no-op tool always appended last to a built menu,
// if registered.
const AIDNoop = "AID.NOOP.v1"

var (
	// ErrToolAlreadyRegistered is returned by RegisterToolDesc when aid
	// exists and allowOverride is false.
	ErrToolAlreadyRegistered = errors.New("registry: tool already registered")
	// ErrToolNotFound is returned when an aid has no registered descriptor.
	ErrToolNotFound = errors.New("registry: tool not found")
)

// ToolDesc describes one registered tool.
type ToolDesc struct {
	AID          string   `json:"aid"`
	Name         string   `json:"name"`
	Deterministic bool    `json:"deterministic"`
	Tags         []string `json:"tags"`
	SideEffects  []string `json:"side_effects"`
	ReplayInputs []string `json:"replay_inputs"`
}

// Validate enforces the spec's tool-descriptor invariants: side_effects
// must be non-empty, and a deterministic tool with non-"none" side effects
// must declare at least one replay-input fence key.
func (d *ToolDesc) Validate() error {
	if d.AID == "" {
		return errors.New("registry: tool descriptor missing aid")
	}
	if len(d.SideEffects) == 0 {
		return errors.New("registry: tool descriptor must declare side_effects")
	}
	if d.Deterministic && !hasOnlyNone(d.SideEffects) && len(d.ReplayInputs) == 0 {
		return fmt.Errorf("registry: deterministic tool %s with side effects must declare replay_inputs", d.AID)
	}
	return nil
}

func hasOnlyNone(effects []string) bool {
	return len(effects) == 1 && effects[0] == "none"
}

// Registry is a map from aid to ToolDesc. It holds no execute functions;
// in-proc handlers are registered on executor.Runner.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]*ToolDesc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{descs: make(map[string]*ToolDesc)}
}

// RegisterToolDesc adds desc to the registry. Rejects duplicates unless
// allowOverride is set.
func (r *Registry) RegisterToolDesc(desc *ToolDesc, allowOverride bool) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descs[desc.AID]; exists && !allowOverride {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, desc.AID)
	}

	r.descs[desc.AID] = desc
	logging.Get(logging.CategoryRegistry).Debugw("registered tool", "aid", desc.AID, "tags", desc.Tags)
	return nil
}

// Get returns the descriptor for aid, or ErrToolNotFound.
func (r *Registry) Get(aid string) (*ToolDesc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[aid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, aid)
	}
	return d, nil
}

// Has reports whether aid is registered.
func (r *Registry) Has(aid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descs[aid]
	return ok
}

// QueryByTags returns the set of tools whose tag list intersects tags
// (UNION semantics — any match qualifies). An empty tag list returns all
// tools. Results are sorted by aid for determinism.
func (r *Registry) QueryByTags(tags []string) []*ToolDesc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}

	var out []*ToolDesc
	for _, d := range r.descs {
		if len(want) == 0 {
			out = append(out, d)
			continue
		}
		for _, t := range d.Tags {
			if _, ok := want[t]; ok {
				out = append(out, d)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AID < out[j].AID })
	return out
}

// All returns every registered descriptor, sorted by aid.
func (r *Registry) All() []*ToolDesc {
	return r.QueryByTags(nil)
}

// MenuItem is one entry in an assembled menu.
type MenuItem struct {
	SID  uint16   `json:"sid"`
	AID  string   `json:"aid"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Menu is an ordered sequence of MenuItem plus its two digests and an
// sid->position index.
type Menu struct {
	Items     []MenuItem
	DigestRaw string
	Digest    string
	indexBySID map[uint16]int
}

// PositionOf returns the index into Items for the given SID, or -1.
func (m *Menu) PositionOf(sid uint16) int {
	if p, ok := m.indexBySID[sid]; ok {
		return p
	}
	return -1
}

// ItemByAID returns the menu item for aid, or nil.
func (m *Menu) ItemByAID(aid string) *MenuItem {
	for i := range m.Items {
		if m.Items[i].AID == aid {
			return &m.Items[i]
		}
	}
	return nil
}

// CapabilityFilter restricts a menu by per-request allow/block lists. Each
// entry is either an exact AID or a "PREFIX*" glob. A blocked match always
// excludes; a non-empty allow list restricts to matches.
type CapabilityFilter struct {
	Allow []string
	Block []string
}

func matches(patterns []string, aid string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(aid, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == aid {
			return true
		}
	}
	return false
}

// Apply filters descs in place, returning the surviving subset in order.
func (f CapabilityFilter) Apply(descs []*ToolDesc) []*ToolDesc {
	out := make([]*ToolDesc, 0, len(descs))
	for _, d := range descs {
		if matches(f.Block, d.AID) {
			continue
		}
		if len(f.Allow) > 0 && !matches(f.Allow, d.AID) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// BuildMenu produces a Menu from tags: query the registry, apply the
// capability filter, assign SIDs 1..N in sorted order, then append
// AID.NOOP.v1 (if registered) with the next SID.
func (r *Registry) BuildMenu(tags []string, filter CapabilityFilter) *Menu {
	descs := r.QueryByTags(tags)
	descs = filter.Apply(descs)

	items := make([]MenuItem, 0, len(descs)+1)
	var sid uint16 = 1
	var noop *ToolDesc
	for _, d := range descs {
		if d.AID == AIDNoop {
			noop = d
			continue
		}
		items = append(items, MenuItem{SID: sid, AID: d.AID, Name: d.Name, Tags: append([]string(nil), d.Tags...)})
		sid++
	}
	if noop == nil {
		if d, err := r.Get(AIDNoop); err == nil {
			noop = d
		}
	}
	if noop != nil {
		items = append(items, MenuItem{SID: sid, AID: noop.AID, Name: noop.Name, Tags: append([]string(nil), noop.Tags...)})
	}

	return buildMenuFromItems(items)
}

func buildMenuFromItems(items []MenuItem) *Menu {
	var raw strings.Builder
	index := make(map[uint16]int, len(items))
	for i, it := range items {
		if i > 0 {
			raw.WriteByte('|')
		}
		sorted := append([]string(nil), it.Tags...)
		sort.Strings(sorted)
		fmt.Fprintf(&raw, "SID%04d=%s:%s", it.SID, it.AID, strings.Join(sorted, ","))
		index[it.SID] = i
	}
	digestRaw := raw.String()
	sum := sha256.Sum256([]byte(digestRaw))
	return &Menu{
		Items:      items,
		DigestRaw:  digestRaw,
		Digest:     hex.EncodeToString(sum[:]),
		indexBySID: index,
	}
}
