package entry

import (
	"fmt"
	"sync"
)

// Policy decides whether a candidate display text may replace the current
// one. Allow is invoked synchronously once per user keystroke with the
// candidate the edit engine computed; returning false discards the edit and
// leaves the displayed text untouched.
//
// Implementations read the candidate and return; they must not call back
// into the control that is consulting them. A policy that blocks stalls
// input delivery, which is the host's responsibility to avoid.
type Policy interface {
	Allow(candidate string) bool
}

// Result is the outcome of a single edit operation.
type Result struct {
	// Applied reports whether the candidate replaced the displayed text.
	// False means the edit was rejected by policy or the keystroke had no
	// effect.
	Applied bool

	// Text is the displayed text after the operation, whether or not the
	// edit was applied.
	Text string
}

// Control owns one displayed text value and funnels every mutation through
// the append/delete engine and the validation gate. The zero value is not
// usable; construct with New or NewWithText.
type Control struct {
	mu     sync.RWMutex
	text   string
	policy Policy
}

// New creates a control displaying the placeholder "0".
func New() *Control {
	return &Control{text: Zero}
}

// NewWithText creates a control displaying the given initial text. The text
// must satisfy the display invariant; anything else is a programming error
// and panics.
func NewWithText(text string) *Control {
	mustValid(text)
	return &Control{text: text}
}

// AppendDigit handles a digit keystroke: the engine computes the candidate,
// the gate decides, and the displayed text is replaced on acceptance. digit
// must be an ASCII digit; anything else panics.
func (c *Control) AppendDigit(digit byte) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commit(ApplyAppend(c.text, digit))
}

// DeleteTail handles a delete keystroke through the same pipeline. Deleting
// from "0" produces the no-op candidate "0", which is still subject to the
// gate.
func (c *Control) DeleteTail() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commit(ApplyDelete(c.text))
}

// commit consults the registered policy and replaces the displayed text on
// acceptance. Caller holds c.mu.
func (c *Control) commit(candidate string) Result {
	if c.policy != nil && !c.policy.Allow(candidate) {
		return Result{Applied: false, Text: c.text}
	}
	c.text = candidate
	return Result{Applied: true, Text: candidate}
}

// Text returns the displayed text for rendering.
func (c *Control) Text() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.text
}

// Len returns the number of displayed digits. Secret-field hosts render one
// mask glyph per digit instead of calling Text.
func (c *Control) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.text)
}

// SetPolicy registers or replaces the validation policy. A nil policy
// clears the gate back to allow-all. The new policy governs the next
// keystroke; it is never applied retroactively to the current text.
func (c *Control) SetPolicy(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// Reset programmatically replaces the displayed text, bypassing the
// validation gate entirely: the policy mediates user-driven edits, never
// host-driven sets. The text must satisfy the display invariant; anything
// else is a programming error and panics.
func (c *Control) Reset(text string) {
	mustValid(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

// ResetZero resets the displayed text to the placeholder "0".
func (c *Control) ResetZero() {
	c.Reset(Zero)
}

func mustValid(text string) {
	if !Valid(text) {
		panic(fmt.Sprintf("entry: invalid display text %q", text))
	}
}
