// Package feedback delivers user-visible notifications for refused
// keypad operations. On Linux desktops it raises notifications over
// D-Bus; everywhere else it is a no-op. Notifications are off by
// default and rate-limited so a held-down rejected key cannot flood
// the desktop.
package feedback

import (
	"sync"
	"time"

	"keypad/internal/journal"
)

// Notifier delivers feedback for refused operations. Implementations
// must tolerate being called from the daemon's edit path and never
// block it.
type Notifier interface {
	// EditRejected reports that op on the named session was refused.
	EditRejected(session, op string)

	// Close releases any transport the notifier holds.
	Close() error
}

// Noop is a Notifier that discards everything.
type Noop struct{}

func (Noop) EditRejected(session, op string) {}
func (Noop) Close() error                    { return nil }

// gate enforces a minimum interval between notifications.
type gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func newGate(interval time.Duration) *gate {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &gate{interval: interval, now: time.Now}
}

// allow reports whether a notification may be sent now, and if so
// consumes the slot.
func (g *gate) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.last.IsZero() && now.Sub(g.last) < g.interval {
		return false
	}
	g.last = now
	return true
}

// message renders the notification summary and body for a refusal.
func message(session, op string) (summary, body string) {
	switch op {
	case journal.OpAppend:
		summary = "Digit rejected"
		body = "The entry limit for " + session + " refused the digit."
	case journal.OpDelete:
		summary = "Delete rejected"
		body = "The entry limit for " + session + " refused the delete."
	case journal.OpCommit:
		summary = "Commit refused"
		body = "The entry in " + session + " cannot be committed yet."
	default:
		summary = "Input rejected"
		body = "An operation on " + session + " was refused."
	}
	return summary, body
}
