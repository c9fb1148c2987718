package backend

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoadStatusEntry is one progress message recorded while a backend loads.
type LoadStatusEntry struct {
	Message string
	Time    time.Time
	// TrackerIndex is the entry's position in the current load cycle, starting
	// at 0. Consumers poll with Since(lastIndex+1).
	TrackerIndex int
}

// LoadStatus is the append-only progress log of a backend's (re)initialization.
// Once cleared, appends are dropped until the next Reopen.
type LoadStatus struct {
	mu      sync.Mutex
	entries []LoadStatusEntry
	open    bool
	log     zerolog.Logger
	now     func() time.Time
}

// NewLoadStatus returns an open, empty log mirroring every append to log.
func NewLoadStatus(log zerolog.Logger) *LoadStatus {
	return &LoadStatus{entries: []LoadStatusEntry{}, open: true, log: log, now: time.Now}
}

// Add appends message. The debug log always receives the message, even when the
// in-memory log has been cleared.
func (l *LoadStatus) Add(message string) {
	l.log.Debug().Str("load_status", message).Msg("backend load status")
	loadStatusMessagesTotal.Inc()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return
	}
	l.entries = append(l.entries, LoadStatusEntry{Message: message, Time: l.now(), TrackerIndex: len(l.entries)})
}

// Addf is Add with fmt formatting.
func (l *LoadStatus) Addf(format string, args ...any) { l.Add(fmt.Sprintf(format, args...)) }

// Since returns a copy of the entries with TrackerIndex >= index.
func (l *LoadStatus) Since(index int) []LoadStatusEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 {
		index = 0
	}
	if index >= len(l.entries) {
		return nil
	}
	out := make([]LoadStatusEntry, len(l.entries)-index)
	copy(out, l.entries[index:])
	return out
}

// Entries returns a copy of every retained entry.
func (l *LoadStatus) Entries() []LoadStatusEntry { return l.Since(0) }

// Len reports the number of retained entries.
func (l *LoadStatus) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops the retained entries and ignores further appends.
func (l *LoadStatus) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.open = false
	l.mu.Unlock()
}

// Reopen starts a fresh load cycle.
func (l *LoadStatus) Reopen() {
	l.mu.Lock()
	l.entries = []LoadStatusEntry{}
	l.open = true
	l.mu.Unlock()
}

// Cleared reports whether appends are currently dropped.
func (l *LoadStatus) Cleared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.open
}
