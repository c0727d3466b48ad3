package alert

import "sync"

// MaxLogEntries caps the alert log.
const MaxLogEntries = 10

// Log is a bounded, most-recent-first alert history. It keeps only the
// newest entries regardless of kind or sensor; repeated breaches push older
// distinct alerts out.
type Log struct {
	mu      sync.RWMutex
	entries []Alert
	max     int
}

// NewLog creates a log capped at MaxLogEntries.
func NewLog() *Log {
	return &Log{max: MaxLogEntries}
}

// Prepend puts a batch in front of the log and truncates, as one step.
// The batch is expected newest-first already.
func (l *Log) Prepend(batch []Alert) {
	if len(batch) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]Alert, 0, len(batch)+len(l.entries))
	next = append(next, batch...)
	next = append(next, l.entries...)
	if len(next) > l.max {
		next = next[:l.max]
	}
	l.entries = next
}

// Snapshot returns a copy of the log, most recent first.
func (l *Log) Snapshot() []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Alert, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
