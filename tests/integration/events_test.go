//go:build integration

package integration

import (
	"testing"
	"time"

	"keypad/internal/ipc"
)

// collectEvents drains the client's event channel into a slice until
// the deadline or until want events arrived.
func collectEvents(client *ipc.IPCClient, want int, d time.Duration) []*ipc.Event {
	var events []*ipc.Event
	deadline := time.After(d)
	for {
		select {
		case ev := <-client.Events():
			events = append(events, ev)
			if len(events) >= want {
				return events
			}
		case <-deadline:
			return events
		}
	}
}

// TestEventBroadcast verifies one client's edits are observed by
// another through the event stream.
func TestEventBroadcast(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	editor := env.Client()
	watcher := env.Client()

	_, err := editor.OpenSession("pad")
	AssertNoError(t, err, "open pad")

	AssertNoError(t, watcher.Subscribe(), "subscribe all")

	PressDigits(t, editor, "pad", "42")
	_, err = editor.Commit("pad")
	AssertNoError(t, err, "commit")

	events := collectEvents(watcher, 3, 2*time.Second)
	AssertEqual(t, 3, len(events), "two edits and a commit")

	AssertEqual(t, ipc.EventEditApplied, events[0].Type, "first event")
	AssertEqual(t, "4", events[0].Text, "first event text")
	AssertEqual(t, ipc.EventEditApplied, events[1].Type, "second event")
	AssertEqual(t, "42", events[1].Text, "second event text")
	AssertEqual(t, ipc.EventCommitted, events[2].Type, "third event")
	AssertEqual(t, "42", events[2].Text, "committed value")
	AssertEqual(t, "pad", events[2].Session, "event session")
}

// TestEventFiltering verifies a type-scoped subscription only receives
// the requested events.
func TestEventFiltering(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	editor := env.Client()
	watcher := env.Client()

	_, err := editor.OpenSession("pad")
	AssertNoError(t, err, "open pad")

	AssertNoError(t, watcher.Subscribe(ipc.EventCommitted), "subscribe committed")

	PressDigits(t, editor, "pad", "500")
	_, err = editor.Commit("pad")
	AssertNoError(t, err, "commit")

	events := collectEvents(watcher, 1, 2*time.Second)
	AssertEqual(t, 1, len(events), "exactly the commit event")
	AssertEqual(t, ipc.EventCommitted, events[0].Type, "commit event type")

	// Nothing else trickles in afterwards.
	extra := collectEvents(watcher, 1, 200*time.Millisecond)
	AssertEqual(t, 0, len(extra), "no unrequested events")
}

// TestUnsubscribe verifies the stream stops once a client opts out.
func TestUnsubscribe(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	editor := env.Client()
	watcher := env.Client()

	_, err := editor.OpenSession("pad")
	AssertNoError(t, err, "open pad")

	AssertNoError(t, watcher.Subscribe(), "subscribe")
	PressDigits(t, editor, "pad", "1")
	AssertEqual(t, 1, len(collectEvents(watcher, 1, 2*time.Second)), "subscribed event arrives")

	AssertNoError(t, watcher.Unsubscribe(), "unsubscribe")
	PressDigits(t, editor, "pad", "2")
	AssertEqual(t, 0, len(collectEvents(watcher, 1, 300*time.Millisecond)), "no events after unsubscribe")
}

// TestRejectionEvent verifies policy rejections are streamed with the
// rejected operation and the surviving text.
func TestRejectionEvent(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	editor := env.Client()
	watcher := env.Client()

	_, err := editor.OpenSession("amount")
	AssertNoError(t, err, "open amount")

	AssertNoError(t, watcher.Subscribe(ipc.EventEditRejected), "subscribe rejections")

	PressDigits(t, editor, "amount", "99")
	// 997 would exceed cap-100.
	resp, err := editor.Press("amount", '7')
	AssertNoError(t, err, "press")
	AssertFalse(t, resp.Applied, "press applied past cap")

	events := collectEvents(watcher, 1, 2*time.Second)
	AssertEqual(t, 1, len(events), "one rejection event")
	AssertEqual(t, ipc.EventEditRejected, events[0].Type, "rejection type")
	AssertEqual(t, "append", events[0].Op, "rejected op")
	AssertEqual(t, "99", events[0].Text, "text survives rejection")
}
