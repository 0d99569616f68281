package session

import (
	"strings"
	"sync"
	"time"

	"keypad/pkg/entry"
	"keypad/pkg/policy"
)

// Definition declares a named session as it appears in daemon
// configuration. Open instantiates sessions from definitions.
type Definition struct {
	// Name identifies the session to clients.
	Name string

	// Policy is the edit-policy registry name, empty for no gate.
	Policy string

	// Secret marks PIN-style sessions: text is masked in logs, events
	// and the journal, and commits verify against the PIN verifier.
	Secret bool

	// Initial is the starting display text, empty for "0".
	Initial string

	// ExactLen requires exactly this many digits at commit when > 0.
	ExactLen int

	// MinLen requires at least this many digits at commit when > 0.
	MinLen int

	// MinValue requires at least this numeric value at commit when > 0.
	MinValue uint64
}

// commitCheck builds the commit-time check chain the definition implies,
// nil when the definition declares none.
func (d Definition) commitCheck() policy.CommitCheck {
	var checks []policy.CommitCheck
	if d.ExactLen > 0 {
		checks = append(checks, policy.ExactLen(d.ExactLen))
	}
	if d.MinLen > 0 {
		checks = append(checks, policy.MinLen(d.MinLen))
	}
	if d.MinValue > 0 {
		checks = append(checks, policy.MinValue(d.MinValue))
	}
	if len(checks) == 0 {
		return nil
	}
	return policy.AllChecks(checks...)
}

// session is one open entry session. Its mutex serializes edits so
// concurrent clients interleave whole operations, never partial ones.
type session struct {
	mu         sync.Mutex
	name       string
	control    *entry.Control
	policyName string
	check      policy.CommitCheck
	secret     bool
	createdAt  time.Time

	presses  uint64
	deletes  uint64
	rejected uint64
	commits  uint64

	lastPress time.Time
}

// displayText returns the session text as clients may see it: secret
// sessions expose one mask glyph per digit, never the digits.
func (s *session) displayText() string {
	text := s.control.Text()
	if s.secret {
		return strings.Repeat("*", len(text))
	}
	return text
}

// Summary is the client-visible state of an open session.
type Summary struct {
	Name      string    `json:"name"`
	Policy    string    `json:"policy,omitempty"`
	Secret    bool      `json:"secret,omitempty"`
	Text      string    `json:"text"`
	Digits    int       `json:"digits"`
	CreatedAt time.Time `json:"created_at"`
	Presses   uint64    `json:"presses"`
	Deletes   uint64    `json:"deletes"`
	Rejected  uint64    `json:"rejected"`
	Commits   uint64    `json:"commits"`
}

// summary snapshots the session. Caller holds the session lock.
func (s *session) summary() Summary {
	return Summary{
		Name:      s.name,
		Policy:    s.policyName,
		Secret:    s.secret,
		Text:      s.displayText(),
		Digits:    s.control.Len(),
		CreatedAt: s.createdAt,
		Presses:   s.presses,
		Deletes:   s.deletes,
		Rejected:  s.rejected,
		Commits:   s.commits,
	}
}

// EventKind classifies session events delivered to subscribers.
type EventKind string

const (
	// EventApplied is an edit that replaced the display text.
	EventApplied EventKind = "edit-applied"
	// EventRejected is an edit or commit the gate refused.
	EventRejected EventKind = "edit-rejected"
	// EventCommitted is a successful commit.
	EventCommitted EventKind = "committed"
	// EventReset is a programmatic reset.
	EventReset EventKind = "reset"
)

// Event describes one session state change. Text is masked for secret
// sessions before the event leaves the manager.
type Event struct {
	Kind    EventKind `json:"kind"`
	Session string    `json:"session"`
	Op      string    `json:"op,omitempty"`
	Text    string    `json:"text"`
	Digits  int       `json:"digits"`
	Time    time.Time `json:"time"`
}

// EditResult is the outcome of a press or delete delivered to a session.
type EditResult struct {
	// Applied reports whether the edit replaced the display text.
	Applied bool `json:"applied"`

	// Text is the display text after the operation, masked for secret
	// sessions.
	Text string `json:"text"`

	// Digits is the display length after the operation.
	Digits int `json:"digits"`
}

// TextInfo is the readable state of a session's display text.
type TextInfo struct {
	Text   string `json:"text"`
	Digits int    `json:"digits"`
	Masked bool   `json:"masked,omitempty"`
}

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	// Value is the committed text, masked for secret sessions.
	Value string `json:"value"`

	// Digits is the committed length.
	Digits int `json:"digits"`

	// Policy is the edit policy that governed the entry.
	Policy string `json:"policy,omitempty"`

	// JournalID is the journal row, zero when journaling is off.
	JournalID int64 `json:"journal_id,omitempty"`
}

// RejectionNotifier receives user-visible feedback requests for
// rejected edits. Implementations rate-limit themselves.
type RejectionNotifier interface {
	EditRejected(session, op string)
}
