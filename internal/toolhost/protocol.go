// Package toolhost defines the NDJSON wire protocol (spec §6) shared
// between the executor's out-of-proc session pool (client) and
// cmd/machina-toolhost (server): one persistent child process per plugin,
// one request line in, one response line out.
package toolhost

import (
	"encoding/json"
	"strconv"

	"github.com/machina/machina/internal/workspace"
)

// DeltaState is the ds_state envelope: either a delta against the
// session's base_workspace (added/replaced slots plus removed indices) or
// a full workspace snapshot (same Slots shape, covering every present
// index) when Delta is false.
type DeltaState struct {
	Delta        bool                           `json:"delta"`
	Slots        map[string]*workspace.Artifact `json:"slots,omitempty"`
	RemovedSlots []int                          `json:"removed_slots,omitempty"`
}

// Snapshot builds a full (non-delta) DeltaState covering every present
// slot in w.
func Snapshot(w *workspace.Workspace) *DeltaState {
	slots := make(map[string]*workspace.Artifact)
	for i := 0; i < workspace.NumSlots; i++ {
		a, _ := w.Get(i)
		if a != nil {
			slots[itoa(i)] = a
		}
	}
	return &DeltaState{Delta: false, Slots: slots}
}

// Diff builds a delta DeltaState: slots present in next but differing
// from (or absent in) base, plus indices removed from base.
func Diff(base, next *workspace.Workspace) *DeltaState {
	slots := make(map[string]*workspace.Artifact)
	var removed []int
	for i := 0; i < workspace.NumSlots; i++ {
		b, _ := base.Get(i)
		n, _ := next.Get(i)
		switch {
		case n == nil && b != nil:
			removed = append(removed, i)
		case n != nil && (b == nil || *b != *n):
			slots[itoa(i)] = n
		}
	}
	return &DeltaState{Delta: true, Slots: slots, RemovedSlots: removed}
}

// Apply applies d onto w in place: a full state first clears every slot,
// a delta only touches the slots and removed indices it names.
func Apply(w *workspace.Workspace, d *DeltaState) error {
	if d == nil {
		return nil
	}
	if !d.Delta {
		for i := 0; i < workspace.NumSlots; i++ {
			if err := w.Set(i, nil); err != nil {
				return err
			}
		}
	}
	for key, a := range d.Slots {
		idx, err := atoi(key)
		if err != nil {
			return err
		}
		if err := w.Set(idx, a); err != nil {
			return err
		}
	}
	for _, idx := range d.RemovedSlots {
		if err := w.Set(idx, nil); err != nil {
			return err
		}
	}
	return nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func atoi(s string) (int, error) {
	return strconv.Atoi(s)
}

// Request is one NDJSON request line.
type Request struct {
	AID            string          `json:"aid"`
	InputJSON      string          `json:"input_json,omitempty"`
	DSState        *DeltaState     `json:"ds_state,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	LeaseToken     string          `json:"_lease_token,omitempty"`
	ToolAID        string          `json:"tool_aid,omitempty"` // for _lease.issue
	Tier           int             `json:"tier,omitempty"`     // for _lease.issue
	TTLMs          int64           `json:"ttl_ms,omitempty"`    // for _lease.issue
}

// Status is the normal-call response status.
type Status string

const (
	StatusOK          Status = "OK"
	StatusInvalidPick Status = "INVALID_PICK"
	StatusToolError   Status = "TOOL_ERROR"
	StatusBreakerTrip Status = "BREAKER_TRIP"
)

// Response is one NDJSON response line. Shape varies by request kind;
// unused fields are omitted.
type Response struct {
	OK             bool        `json:"ok"`
	Status         Status      `json:"status,omitempty"`
	OutputJSON     string      `json:"output_json,omitempty"`
	Error          string      `json:"error,omitempty"`
	DSState        *DeltaState `json:"ds_state,omitempty"`
	IdempotentHit  bool        `json:"idempotent_hit,omitempty"`
	TokenID        string      `json:"token_id,omitempty"`
	ToolAID        string      `json:"tool_aid,omitempty"`
	Tier           int         `json:"tier,omitempty"`
}

// EncodeLine marshals v and appends a trailing newline, the NDJSON framing
// used on both stdin and stdout.
func EncodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

const (
	AIDLeaseIssue = "_lease.issue"
	AIDLeaseGC    = "_lease.gc"
	AIDLeaseStats = "_lease.stats"
)
