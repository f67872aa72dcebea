package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/machina/machina/internal/steploop"
)

// requestDoc is the on-disk shape of a run request: a goal id, the initial
// tag set and inputs, the control mode, and the goal's completion
// descriptor. RequestID and RunID are generated via uuid when omitted, per
// the "the step loop reads a request (goal id, initial tags, inputs,
// control mode)" line this binary exists to exercise.
type requestDoc struct {
	RequestID string `json:"request_id"`
	RunID     string `json:"run_id"`

	GoalID      string          `json:"goal_id"`
	BaseTags    []string        `json:"base_tags"`
	ControlMode string          `json:"control_mode"`
	Inputs      json.RawMessage `json:"inputs"`

	RequiredSlots     []int `json:"required_slots"`
	AnySlotSufficient bool  `json:"any_slot_sufficient"`
}

// loadRequest reads and validates a request document from path.
func loadRequest(path string) (requestDoc, error) {
	var req requestDoc

	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("machina: read request %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("machina: parse request %s: %w", path, err)
	}
	if req.GoalID == "" {
		return req, fmt.Errorf("machina: request %s missing goal_id", path)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	return req, nil
}

// goalDescriptor renders the request's completion condition as a
// steploop.GoalDescriptor.
func (r requestDoc) goalDescriptor() steploop.GoalDescriptor {
	return steploop.GoalDescriptor{
		GoalID:            r.GoalID,
		RequiredSlots:     r.RequiredSlots,
		AnySlotSufficient: r.AnySlotSufficient,
	}
}
