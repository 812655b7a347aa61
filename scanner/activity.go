package scanner

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sigscan/sigscan/core"
)

// DefaultActivityCapacity bounds the in-memory activity log
const DefaultActivityCapacity = 500

// ActivityLog is the bounded, append-only operator log. When full, the
// oldest entries rotate out.
type ActivityLog struct {
	mu      sync.Mutex
	entries []core.ActivityEntry
	cap     int
	now     func() time.Time
}

// NewActivityLog creates a log bounded to capacity entries; zero or
// negative capacity falls back to the default
func NewActivityLog(capacity int) *ActivityLog {
	if capacity <= 0 {
		capacity = DefaultActivityCapacity
	}
	return &ActivityLog{cap: capacity, now: time.Now}
}

// Record appends one entry, rotating the oldest out when the log is full
func (l *ActivityLog) Record(level core.ActivityLevel, message string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, core.ActivityEntry{
		Timestamp: l.now(),
		Level:     level,
		Message:   message,
		Data:      data,
	})
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

// Entries returns a snapshot of the log, oldest first
func (l *ActivityLog) Entries() []core.ActivityEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.ActivityEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the current number of entries
func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Export writes the log as JSON lines, oldest first
func (l *ActivityLog) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, e := range l.Entries() {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
