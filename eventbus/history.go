package eventbus

import (
	"time"

	"github.com/GoCodeAlone/servicecore"
)

// Filter selects events from the history. Zero fields match everything.
type Filter struct {
	Type   string
	Source string
	Since  time.Time
	Limit  int
}

func (f Filter) matches(e servicecore.Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}

func (b *Bus) record(event servicecore.Event) {
	if b.historySize == 0 {
		return
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	if len(b.history) >= b.historySize {
		// Drop the oldest entries and reuse the backing array.
		n := copy(b.history, b.history[len(b.history)-b.historySize+1:])
		b.history = b.history[:n]
	}
	b.history = append(b.history, event)
}

// History returns matching events, oldest first. With a Limit only the most
// recent matches are returned.
func (b *Bus) History(filter Filter) []servicecore.Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	var out []servicecore.Event
	for _, e := range b.history {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// ClearHistory drops all recorded events.
func (b *Bus) ClearHistory() {
	b.historyMu.Lock()
	b.history = nil
	b.historyMu.Unlock()
}
