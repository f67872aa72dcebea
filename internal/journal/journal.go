// Package journal implements the tamper-evident hash-chained JSONL event
// log. Grounded on the teacher's internal/logging/audit.go AuditLogger.Log
// (one append-only file, one mutex, JSON-marshal-and-append, category/
// session/request correlation fields); the hash chain and canonical
// serialization are new, since the audit logger does not need tamper
// evidence.
package journal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crypto/sha256"

	"github.com/machina/machina/internal/canonjson"
	"github.com/machina/machina/internal/logging"
)

// GenesisHash is the 64-zero-hex chain_prev of the first record.
var GenesisHash = strings.Repeat("0", 64)

// Record is one journal event line.
type Record struct {
	ChainPrev   string `json:"chain_prev"`
	ChainHash   string `json:"chain_hash"`
	Event       string `json:"event"`
	Payload     any    `json:"payload"`
	RunID       string `json:"run_id"`
	RequestID   string `json:"request_id,omitempty"`
	ProfileID   string `json:"profile_id"`
	SpecVersion string `json:"spec_version"`
	Step        int    `json:"step"`
	TS          string `json:"ts"`
}

// Journal is an append-only hash-chained JSONL event log.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	chainPrev string
	runID     string
	profileID string
	specVer   string
}

// Open opens (creating if needed) the journal file at path for appending,
// seeding chainPrev from the last record already on disk if any, or the
// genesis hash for an empty/new file.
func Open(path, runID, profileID, specVersion string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	prev, err := lastChainHash(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Journal{
		file:      f,
		chainPrev: prev,
		runID:     runID,
		profileID: profileID,
		specVer:   specVersion,
	}, nil
}

func lastChainHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return GenesisHash, nil
		}
		return "", fmt.Errorf("journal: read existing: %w", err)
	}
	lines := splitNonEmptyLines(data)
	if len(lines) == 0 {
		return GenesisHash, nil
	}
	var rec Record
	if err := json.Unmarshal(lines[len(lines)-1], &rec); err != nil {
		return "", fmt.Errorf("journal: parse last record: %w", err)
	}
	return rec.ChainHash, nil
}

func splitNonEmptyLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

// Append writes one record for event with the given payload and step,
// computing chain_hash over chain_prev + canonical(record minus chain
// fields). Returns the written record.
func (j *Journal) Append(event string, step int, requestID string, payload any) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Record{
		ChainPrev:   j.chainPrev,
		Event:       event,
		Payload:     payload,
		RunID:       j.runID,
		RequestID:   requestID,
		ProfileID:   j.profileID,
		SpecVersion: j.specVer,
		Step:        step,
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}

	sansChain := map[string]any{
		"event":        rec.Event,
		"payload":      rec.Payload,
		"run_id":       rec.RunID,
		"profile_id":   rec.ProfileID,
		"spec_version": rec.SpecVersion,
		"step":         rec.Step,
		"ts":           rec.TS,
	}
	if rec.RequestID != "" {
		sansChain["request_id"] = rec.RequestID
	}

	canon, err := canonjson.Marshal(sansChain)
	if err != nil {
		return nil, fmt.Errorf("journal: canonicalize: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(rec.ChainPrev))
	h.Write(canon)
	rec.ChainHash = hex.EncodeToString(h.Sum(nil))

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		logging.Get(logging.CategoryJournal).Errorw("append failed", "event", event, "error", err)
		return nil, fmt.Errorf("journal: write: %w", err)
	}

	j.chainPrev = rec.ChainHash
	return &rec, nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// VerifyFile recomputes the hash chain for every record in path and
// reports the 1-indexed line number of the first mismatch, or 0 if the
// whole chain is valid.
func VerifyFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("journal: read: %w", err)
	}
	lines := splitNonEmptyLines(data)
	prev := GenesisHash
	for i, line := range lines {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return i + 1, fmt.Errorf("journal: parse record %d: %w", i+1, err)
		}
		if rec.ChainPrev != prev {
			return i + 1, nil
		}
		sansChain := map[string]any{
			"event":        rec.Event,
			"payload":      rec.Payload,
			"run_id":       rec.RunID,
			"profile_id":   rec.ProfileID,
			"spec_version": rec.SpecVersion,
			"step":         rec.Step,
			"ts":           rec.TS,
		}
		if rec.RequestID != "" {
			sansChain["request_id"] = rec.RequestID
		}
		canon, err := canonjson.Marshal(sansChain)
		if err != nil {
			return i + 1, err
		}
		h := sha256.New()
		h.Write([]byte(rec.ChainPrev))
		h.Write(canon)
		want := hex.EncodeToString(h.Sum(nil))
		if want != rec.ChainHash {
			return i + 1, nil
		}
		prev = rec.ChainHash
	}
	return 0, nil
}
