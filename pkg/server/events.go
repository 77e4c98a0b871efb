package server

import (
	"fmt"
	"sync"
	"time"
)

// EventLog keeps a bounded ring of recent server events for display layers.
// Entries are preformatted, timestamped lines; oldest entries fall off.
type EventLog struct {
	mu      sync.Mutex
	max     int
	entries []string
}

// NewEventLog creates an event log keeping at most max entries.
func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = 20
	}
	return &EventLog{max: max}
}

// Addf appends a formatted event.
func (l *EventLog) Addf(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, line)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Entries returns a copy of the current entries, oldest first.
func (l *EventLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}
