//go:build integration

package integration

import (
	"errors"
	"testing"

	"keypad/internal/ipc"
)

// TestEntryFlow drives a full entry round trip: open, press, delete,
// read back, commit, and verify the journal row.
func TestEntryFlow(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	client := env.Client()

	open, err := client.OpenSession("pad")
	AssertNoError(t, err, "open pad")
	AssertEqual(t, "0", open.Session.Text, "initial text")

	PressDigits(t, client, "pad", "1250")

	text, err := client.Text("pad")
	AssertNoError(t, err, "read text")
	AssertEqual(t, "1250", text.Text, "text after presses")
	AssertEqual(t, 4, text.Digits, "digits after presses")

	del, err := client.Delete("pad")
	AssertNoError(t, err, "delete")
	AssertTrue(t, del.Applied, "delete applied")
	AssertEqual(t, "125", del.Text, "text after delete")

	commit, err := client.Commit("pad")
	AssertNoError(t, err, "commit")
	AssertEqual(t, "125", commit.Value, "committed value")
	AssertTrue(t, commit.JournalID > 0, "journal id assigned")

	// Commit resets the display.
	text, err = client.Text("pad")
	AssertNoError(t, err, "read text after commit")
	AssertEqual(t, "0", text.Text, "text resets on commit")

	// The committed row is in the journal.
	row, err := env.Journal.GetCommit(commit.JournalID)
	AssertNoError(t, err, "load journal row")
	AssertEqual(t, "125", row.Value, "journal value")
	AssertEqual(t, "pad", row.Session, "journal session")
}

// TestLeadingZeroInvariant exercises the display rules end to end:
// pressing 0 on "0" keeps "0", a nonzero digit replaces the
// placeholder, and deleting the last digit restores it.
func TestLeadingZeroInvariant(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	client := env.Client()

	_, err := client.OpenSession("pad")
	AssertNoError(t, err, "open pad")

	zero, err := client.Press("pad", '0')
	AssertNoError(t, err, "press 0")
	AssertEqual(t, "0", zero.Text, "0 on placeholder stays 0")

	seven, err := client.Press("pad", '7')
	AssertNoError(t, err, "press 7")
	AssertEqual(t, "7", seven.Text, "digit replaces placeholder")

	trailing, err := client.Press("pad", '0')
	AssertNoError(t, err, "press trailing 0")
	AssertEqual(t, "70", trailing.Text, "trailing zero appends")

	del, err := client.Delete("pad")
	AssertNoError(t, err, "first delete")
	AssertEqual(t, "7", del.Text, "delete strips trailing zero")

	del, err = client.Delete("pad")
	AssertNoError(t, err, "second delete")
	AssertEqual(t, "0", del.Text, "deleting last digit restores placeholder")
}

// TestPolicyRejection verifies the cap-100 policy on the amount
// session: edits that would exceed the cap bounce without changing the
// display, and the rejection is journaled.
func TestPolicyRejection(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	client := env.Client()

	_, err := client.OpenSession("amount")
	AssertNoError(t, err, "open amount")

	PressDigits(t, client, "amount", "10")

	// 105 exceeds 100, so this press must bounce.
	resp, err := client.Press("amount", '5')
	AssertNoError(t, err, "press against cap")
	AssertFalse(t, resp.Applied, "press exceeding cap applied")
	AssertEqual(t, "10", resp.Text, "rejected press echoes old text")

	text, err := client.Text("amount")
	AssertNoError(t, err, "read text")
	AssertEqual(t, "10", text.Text, "rejected press leaves text unchanged")

	rejections, err := client.History("amount", 10, true)
	AssertNoError(t, err, "load rejections")
	AssertTrue(t, len(rejections.Rejections) >= 1, "rejection journaled")
	AssertEqual(t, "append", rejections.Rejections[0].Op, "rejected op")
}

// TestResetSemantics verifies programmatic resets bypass the edit
// policy but still refuse invalid display text.
func TestResetSemantics(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	client := env.Client()

	_, err := client.OpenSession("amount")
	AssertNoError(t, err, "open amount")

	// 500 exceeds the cap-100 edit policy, but Reset is host-driven
	// and bypasses the gate.
	reset, err := client.Reset("amount", "500")
	AssertNoError(t, err, "reset to 500")
	AssertEqual(t, "500", reset.Text, "reset bypasses policy")

	reset, err = client.Reset("amount", "")
	AssertNoError(t, err, "reset to placeholder")
	AssertEqual(t, "0", reset.Text, "empty reset means 0")

	_, err = client.Reset("amount", "007")
	AssertError(t, err, "leading-zero reset must fail")

	var reqErr *ipc.RequestError
	AssertTrue(t, errors.As(err, &reqErr), "typed request error")
	AssertEqual(t, ipc.ErrInvalidRequest, reqErr.Code, "invalid request code")
}

// TestSessionIsolation verifies sessions do not share edit state.
func TestSessionIsolation(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	client := env.Client()

	_, err := client.OpenSession("pad")
	AssertNoError(t, err, "open pad")
	_, err = client.OpenSession("amount")
	AssertNoError(t, err, "open amount")

	PressDigits(t, client, "pad", "111")
	PressDigits(t, client, "amount", "22")

	pad, err := client.Text("pad")
	AssertNoError(t, err, "read pad")
	amount, err := client.Text("amount")
	AssertNoError(t, err, "read amount")

	AssertEqual(t, "111", pad.Text, "pad text")
	AssertEqual(t, "22", amount.Text, "amount text")
}

// TestUnknownSession verifies the error surface for sessions that were
// never defined or never opened.
func TestUnknownSession(t *testing.T) {
	env := NewTestEnv(t)
	env.InitAll()
	defer env.Cleanup()

	client := env.Client()

	_, err := client.OpenSession("ghost")
	AssertError(t, err, "open unknown session")

	var reqErr *ipc.RequestError
	AssertTrue(t, errors.As(err, &reqErr), "typed request error")
	AssertEqual(t, ipc.ErrNotFound, reqErr.Code, "not-found code")

	// Defined but not opened.
	_, err = client.Press("pad", '1')
	AssertError(t, err, "press before open")
	AssertTrue(t, errors.As(err, &reqErr), "typed request error")
	AssertEqual(t, ipc.ErrNotFound, reqErr.Code, "not-open code")
}
