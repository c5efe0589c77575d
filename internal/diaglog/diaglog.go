// Package diaglog keeps a bounded, timestamped event buffer that users can
// export verbatim when reporting provisioning or delivery trouble.
package diaglog

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

const defaultCapacity = 500

type entry struct {
	at     time.Time
	event  string
	detail string
}

// Log is an append-only ring of diagnostic entries. Oldest entries are
// dropped once the capacity is reached so long background sessions cannot
// grow memory without bound. All methods are safe for concurrent use and
// never block on anything beyond the internal mutex.
type Log struct {
	mu       sync.Mutex
	entries  []entry
	capacity int
	now      func() time.Time
}

// New returns a log holding at most capacity entries. Non-positive values
// fall back to the default.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{
		entries:  make([]entry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetNowFunc overrides the time source.
func (l *Log) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

// Record appends one timestamped entry. The detail may be empty.
func (l *Log) Record(event, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry{at: l.now(), event: event, detail: detail})
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

// Len reports the number of buffered entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Export renders every buffered entry in insertion order followed by static
// environment info. The format is for humans only; nothing parses it.
func (l *Log) Export() string {
	l.mu.Lock()
	entries := make([]entry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	var b strings.Builder
	for _, e := range entries {
		b.WriteString("[")
		b.WriteString(e.at.Format("15:04:05.000"))
		b.WriteString("] ")
		b.WriteString(e.event)
		if e.detail != "" {
			b.WriteString(": ")
			b.WriteString(e.detail)
		}
		b.WriteString("\n")
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	b.WriteString("\n--- environment ---\n")
	fmt.Fprintf(&b, "os: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "runtime: %s\n", runtime.Version())
	fmt.Fprintf(&b, "host: %s\n", hostname)

	return b.String()
}
