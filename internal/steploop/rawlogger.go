package steploop

import (
	"sync"

	"github.com/machina/machina/internal/journal"
	"github.com/machina/machina/internal/selector"
)

// JournalRawLogger adapts selector.RawLogger onto the journal: it records
// selector_fallback_raw and selector_policy_raw events, per spec.md §4.3's
// "journal both raw outputs before combining." Scoped to a single run —
// SetStep must be called before each Select so the recorded step number
// matches the step loop's own counter, which the RawLogger interface has
// no way to receive directly.
type JournalRawLogger struct {
	J         *journal.Journal
	RequestID string

	mu   sync.Mutex
	step int
}

// SetStep records the step number to attach to the next raw-selection log.
func (l *JournalRawLogger) SetStep(step int) {
	l.mu.Lock()
	l.step = step
	l.mu.Unlock()
}

func (l *JournalRawLogger) currentStep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.step
}

// LogFallbackRaw implements selector.RawLogger.
func (l *JournalRawLogger) LogFallbackRaw(sel selector.Selection) {
	l.log("selector_fallback_raw", sel)
}

// LogPolicyRaw implements selector.RawLogger.
func (l *JournalRawLogger) LogPolicyRaw(sel selector.Selection) {
	l.log("selector_policy_raw", sel)
}

func (l *JournalRawLogger) log(event string, sel selector.Selection) {
	if l.J == nil {
		return
	}
	_, _ = l.J.Append(event, l.currentStep(), l.RequestID, map[string]any{
		"kind":           sel.Kind,
		"sid":            sel.SID,
		"invalid_reason": sel.InvalidReason,
	})
}
