// Package entry implements a constrained numeric text-entry control with
// phone-dialer semantics: digits are appended at the tail, deleted from the
// tail, and nothing else. There is no cursor, no selection, and no arbitrary
// editing surface to secure or test.
//
// # Architecture
//
// The package splits into a pure edit engine and a stateful control:
//
//	Key event → Control.AppendDigit / Control.DeleteTail
//	                 ↓
//	       ApplyAppend / ApplyDelete     (pure, no state, no policy)
//	                 ↓ candidate
//	           validation gate           (registered Policy, or allow-all)
//	                 ↓
//	     Applied (text replaced)  or  Unchanged (text untouched)
//
// ApplyAppend and ApplyDelete are total functions from (text, operation) to
// a candidate text. They never fail and never touch control state; the
// control decides whether a candidate becomes visible by consulting its
// Policy. A rejected keystroke simply has no effect.
//
// # Display invariant
//
// The displayed text is ASCII digits, never empty, and carries no leading
// zero unless the value is exactly "0":
//
//	text == "0" || text[0] != '0'
//
// Appending to "0" replaces the placeholder rather than extending it, and
// deleting the last remaining digit restores it, so the invariant holds
// across every reachable state.
//
// # Usage
//
//	ctl := entry.New()
//	ctl.SetPolicy(policy.MaxValue(100000))
//
//	ctl.AppendDigit('7') // "7"
//	ctl.AppendDigit('3') // "73"
//	ctl.DeleteTail()     // "7"
//
// Hosts deliver one keystroke at a time and render Control.Text (or a
// masked form of Control.Len for secret fields) after each call. The
// control is safe for use from multiple goroutines; each edit is handled
// to completion before the next begins.
//
// Non-digit input is a host programming error and panics: on-screen keypads
// and numeric key filters are expected to source digits only.
package entry
