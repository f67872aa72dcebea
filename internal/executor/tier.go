package executor

import "strings"

// Tier is a tool's permission classification.
type Tier int

const (
	TierSafe Tier = 0
	TierWrite Tier = 1
	TierSystem Tier = 2
	TierDangerous Tier = 3
)

func (t Tier) String() string {
	switch t {
	case TierSafe:
		return "SAFE"
	case TierWrite:
		return "WRITE"
	case TierSystem:
		return "SYSTEM"
	case TierDangerous:
		return "DANGEROUS"
	default:
		return "UNKNOWN"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ClassifyTier applies the fixed precedence over aid and side_effects:
// GENESIS substring in aid -> DANGEROUS; SHELL/NET.HTTP substring -> SYSTEM;
// any side effect containing exec|network|process -> SYSTEM; any
// containing write|append|delete|create -> WRITE; then
// FILE.WRITE/MEMORY.APPEND/VECDB.UPSERT aid -> WRITE; else SAFE.
func ClassifyTier(aid string, sideEffects []string) Tier {
	if strings.Contains(aid, "GENESIS") {
		return TierDangerous
	}
	if containsAny(aid, "SHELL", "NET.HTTP") {
		return TierSystem
	}
	for _, e := range sideEffects {
		if containsAny(e, "exec", "network", "process") {
			return TierSystem
		}
	}
	for _, e := range sideEffects {
		if containsAny(e, "write", "append", "delete", "create") {
			return TierWrite
		}
	}
	if containsAny(aid, "FILE.WRITE", "MEMORY.APPEND", "VECDB.UPSERT") {
		return TierWrite
	}
	return TierSafe
}
