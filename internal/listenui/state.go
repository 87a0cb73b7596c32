// Package listenui tracks and renders inbound events for the listen command.
package listenui

import (
	"sync"
	"time"
	"unicode/utf8"

	"rbridge/cli/internal/bridge/model"
)

// Entry is one rendered line of the recent-events list.
type Entry struct {
	At      time.Time
	Type    string
	ID      string
	Source  string
	Local   bool
	Summary string
}

// Tally tracks event counts per type and the most recent events. It is fed
// from the listener goroutine and read by the renderer.
type Tally struct {
	// Counts maps event types to the number of events received
	Counts map[string]int
	// Order preserves the sequence in which event types were first seen
	Order []string
	// Recent holds the newest events, oldest first
	Recent []Entry
	// Local counts events that were dispatched locally in degraded mode
	Local int
	// State is the last connection state reported
	State model.ConnectionState

	keep int
	mu   sync.Mutex
}

// NewTally creates a tally that keeps the last keep events.
func NewTally(keep int) *Tally {
	if keep <= 0 {
		keep = 10
	}
	return &Tally{Counts: make(map[string]int), keep: keep}
}

// Expect pre-registers event types so they show with a zero count.
func (t *Tally) Expect(types ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, typ := range types {
		if _, ok := t.Counts[typ]; !ok {
			t.Counts[typ] = 0
			t.Order = append(t.Order, typ)
		}
	}
}

// Record adds ev to the tally.
func (t *Tally) Record(ev model.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.Counts[ev.Type]; !ok {
		t.Order = append(t.Order, ev.Type)
	}
	t.Counts[ev.Type]++
	local := ev.Metadata[model.MetadataOrigin] == model.OriginLocal
	if local {
		t.Local++
	}

	t.Recent = append(t.Recent, Entry{
		At:      ev.Timestamp,
		Type:    ev.Type,
		ID:      ev.ID,
		Source:  ev.Source,
		Local:   local,
		Summary: truncate(ev.Payload.String(), 60),
	})
	if over := len(t.Recent) - t.keep; over > 0 {
		t.Recent = append([]Entry(nil), t.Recent[over:]...)
	}
}

// SetState records the connection state shown in the header.
func (t *Tally) SetState(s model.ConnectionState) {
	t.mu.Lock()
	t.State = s
	t.mu.Unlock()
}

// Total returns the number of events recorded.
func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.Counts {
		n += c
	}
	return n
}

// Snapshot is a consistent copy of the tally for rendering.
type Snapshot struct {
	Counts map[string]int
	Order  []string
	Recent []Entry
	Local  int
	State  model.ConnectionState
}

// Snapshot copies the current tally.
func (t *Tally) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[string]int, len(t.Counts))
	for k, v := range t.Counts {
		counts[k] = v
	}
	return Snapshot{
		Counts: counts,
		Order:  append([]string(nil), t.Order...),
		Recent: append([]Entry(nil), t.Recent...),
		Local:  t.Local,
		State:  t.State,
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
