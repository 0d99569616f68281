package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"keypad/internal/journal"
	"keypad/internal/pin"
	"keypad/pkg/policy"
)

func testRegistry(t *testing.T) *policy.Registry {
	t.Helper()
	r := policy.NewRegistry()
	specs := []policy.Spec{
		{Name: "cap-100", Type: "max-value", Limit: 100},
		{Name: "four-digits", Type: "max-len", MaxDigits: 4},
	}
	for _, spec := range specs {
		if err := r.RegisterSpec(spec); err != nil {
			t.Fatalf("register %s: %v", spec.Name, err)
		}
	}
	return r
}

func testJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), journal.Options{})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// eventLog collects emitted events for assertions.
type eventLog struct {
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) last() Event {
	if len(l.events) == 0 {
		return Event{}
	}
	return l.events[len(l.events)-1]
}

func press(t *testing.T, m *Manager, name, digits string) {
	t.Helper()
	for i := 0; i < len(digits); i++ {
		res, err := m.Press(name, digits[i])
		if err != nil {
			t.Fatalf("press %q: %v", digits[i], err)
		}
		if !res.Applied {
			t.Fatalf("press %q rejected, text %q", digits[i], res.Text)
		}
	}
}

func TestOpenUnknown(t *testing.T) {
	m := NewManager(Options{})
	if _, err := m.Open("nope"); !errors.Is(err, ErrNotDefined) {
		t.Fatalf("expected ErrNotDefined, got %v", err)
	}
}

func TestOpenIdempotent(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{{Name: "amount"}}})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "42")

	sum, err := m.Open("amount")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if sum.Text != "42" {
		t.Errorf("reopen text = %q, want 42", sum.Text)
	}
	if len(m.List()) != 1 {
		t.Errorf("expected one open session, got %d", len(m.List()))
	}
}

func TestOpenInitialText(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{
		{Name: "preset", Initial: "500"},
		{Name: "broken", Initial: "007"},
	}})

	sum, err := m.Open("preset")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sum.Text != "500" || sum.Digits != 3 {
		t.Errorf("got text %q digits %d, want 500/3", sum.Text, sum.Digits)
	}

	if _, err := m.Open("broken"); err == nil {
		t.Fatal("expected error for leading-zero initial text")
	}
}

func TestOpenUnknownPolicy(t *testing.T) {
	m := NewManager(Options{
		Registry:    testRegistry(t),
		Definitions: []Definition{{Name: "amount", Policy: "nope"}},
	})
	if _, err := m.Open("amount"); !errors.Is(err, policy.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestPressDeleteFlow(t *testing.T) {
	var log eventLog
	m := NewManager(Options{
		Definitions: []Definition{{Name: "amount"}},
		OnEvent:     log.record,
	})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}

	press(t, m, "amount", "12")
	res, err := m.Delete("amount")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Applied || res.Text != "1" {
		t.Errorf("after delete got %+v, want applied text 1", res)
	}

	// Deleting the last digit lands on "0", and deleting again stays
	// there.
	for i := 0; i < 2; i++ {
		res, err = m.Delete("amount")
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if res.Text != "0" || res.Digits != 1 {
			t.Errorf("delete %d got text %q digits %d, want 0/1", i, res.Text, res.Digits)
		}
	}

	for _, ev := range log.events {
		if ev.Kind != EventApplied {
			t.Errorf("unexpected event kind %s", ev.Kind)
		}
		if ev.Session != "amount" {
			t.Errorf("event session = %q", ev.Session)
		}
	}
	if len(log.events) != 5 {
		t.Errorf("expected 5 events, got %d", len(log.events))
	}
}

func TestPressZeroOnZero(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{{Name: "amount"}}})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := m.Press("amount", '0')
	if err != nil {
		t.Fatalf("press: %v", err)
	}
	if res.Text != "0" || res.Digits != 1 {
		t.Errorf("pressing 0 on 0 got text %q digits %d, want 0/1", res.Text, res.Digits)
	}
}

func TestPressErrors(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{{Name: "amount"}}})

	if _, err := m.Press("amount", '1'); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("press before open: expected ErrNotOpen, got %v", err)
	}
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.Press("amount", 'x'); !errors.Is(err, ErrNotDigit) {
		t.Fatalf("expected ErrNotDigit, got %v", err)
	}
	if _, err := m.Press("amount", 7); !errors.Is(err, ErrNotDigit) {
		t.Fatalf("raw 7 is not '7': expected ErrNotDigit, got %v", err)
	}
}

func TestPressPolicyRejected(t *testing.T) {
	var log eventLog
	j := testJournal(t)
	m := NewManager(Options{
		Registry:    testRegistry(t),
		Journal:     j,
		Definitions: []Definition{{Name: "amount", Policy: "cap-100"}},
		OnEvent:     log.record,
	})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}

	press(t, m, "amount", "99")
	res, err := m.Press("amount", '9')
	if err != nil {
		t.Fatalf("press: %v", err)
	}
	if res.Applied {
		t.Fatal("999 exceeds cap-100, press should be rejected")
	}
	if res.Text != "99" {
		t.Errorf("rejected press changed text to %q", res.Text)
	}

	if got := log.last(); got.Kind != EventRejected || got.Op != journal.OpAppend {
		t.Errorf("last event = %+v, want rejected append", got)
	}

	sum, err := m.Get("amount")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sum.Rejected != 1 || sum.Presses != 3 {
		t.Errorf("counters rejected=%d presses=%d, want 1/3", sum.Rejected, sum.Presses)
	}

	rejs, err := j.RecentRejections("amount", 10)
	if err != nil {
		t.Fatalf("recent rejections: %v", err)
	}
	if len(rejs) != 1 || rejs[0].Op != journal.OpAppend || rejs[0].Policy != "cap-100" {
		t.Errorf("journal rejections = %+v", rejs)
	}
}

func TestCommit(t *testing.T) {
	var log eventLog
	j := testJournal(t)
	m := NewManager(Options{
		Journal:     j,
		Definitions: []Definition{{Name: "amount"}},
		OnEvent:     log.record,
	})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "42")

	res, err := m.Commit("amount")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Value != "42" || res.Digits != 2 {
		t.Errorf("commit result = %+v, want 42/2", res)
	}
	if res.JournalID == 0 {
		t.Error("expected a journal id")
	}

	info, err := m.Text("amount")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if info.Text != "0" {
		t.Errorf("text after commit = %q, want 0", info.Text)
	}

	rec, err := j.LastCommit("amount")
	if err != nil {
		t.Fatalf("last commit: %v", err)
	}
	if rec.Value != "42" || rec.Digits != 2 || rec.Secret {
		t.Errorf("journaled commit = %+v", rec)
	}

	if got := log.last(); got.Kind != EventCommitted || got.Text != "42" {
		t.Errorf("last event = %+v, want committed 42", got)
	}

	sum, _ := m.Get("amount")
	if sum.Commits != 1 {
		t.Errorf("commits counter = %d, want 1", sum.Commits)
	}
}

func TestCommitChecksRefuse(t *testing.T) {
	j := testJournal(t)
	m := NewManager(Options{
		Journal:     j,
		Definitions: []Definition{{Name: "code", MinLen: 4}},
	})
	if _, err := m.Open("code"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "code", "12")

	if _, err := m.Commit("code"); !errors.Is(err, policy.ErrCommitRejected) {
		t.Fatalf("expected ErrCommitRejected, got %v", err)
	}

	// Refused commits keep the entry for further editing.
	info, _ := m.Text("code")
	if info.Text != "12" {
		t.Errorf("text after refused commit = %q, want 12", info.Text)
	}

	rejs, err := j.RecentRejections("code", 10)
	if err != nil {
		t.Fatalf("recent rejections: %v", err)
	}
	if len(rejs) != 1 || rejs[0].Op != journal.OpCommit {
		t.Errorf("journal rejections = %+v", rejs)
	}

	press(t, m, "code", "34")
	if _, err := m.Commit("code"); err != nil {
		t.Fatalf("commit after completing entry: %v", err)
	}
}

func TestCommitExactAndMinValue(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{
		{Name: "pin", ExactLen: 4},
		{Name: "amount", MinValue: 50},
	}})

	if _, err := m.Open("pin"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "pin", "12345")
	if _, err := m.Commit("pin"); !errors.Is(err, policy.ErrCommitRejected) {
		t.Fatalf("five digits against ExactLen 4: got %v", err)
	}

	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "49")
	if _, err := m.Commit("amount"); !errors.Is(err, policy.ErrCommitRejected) {
		t.Fatalf("49 against MinValue 50: got %v", err)
	}
	press(t, m, "amount", "9")
	if _, err := m.Commit("amount"); err != nil {
		t.Fatalf("499 against MinValue 50: %v", err)
	}
}

func testPINGate(t *testing.T, pinText string, s pin.Settings) *PINGate {
	t.Helper()
	verifier, err := pin.Hash(pinText, pin.Params{Time: 1, MemoryKiB: 64, Parallelism: 1})
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	return &PINGate{Verifier: verifier, Limiter: pin.NewLimiter(s)}
}

func TestCommitSecret(t *testing.T) {
	var log eventLog
	j := testJournal(t)
	m := NewManager(Options{
		Journal:     j,
		PIN:         testPINGate(t, "4321", pin.Settings{}),
		Definitions: []Definition{{Name: "door", Secret: true, ExactLen: 4}},
		OnEvent:     log.record,
	})
	if _, err := m.Open("door"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "door", "4321")

	info, _ := m.Text("door")
	if info.Text != "****" || !info.Masked {
		t.Errorf("secret text = %+v, want masked ****", info)
	}

	res, err := m.Commit("door")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Value != "****" || res.Digits != 4 {
		t.Errorf("commit result = %+v, want masked ****/4", res)
	}

	rec, err := j.LastCommit("door")
	if err != nil {
		t.Fatalf("last commit: %v", err)
	}
	if rec.Value != "" || !rec.Secret || rec.Digits != 4 {
		t.Errorf("journaled secret commit = %+v, want empty value", rec)
	}

	for _, ev := range log.events {
		for i := 0; i < len(ev.Text); i++ {
			if ev.Text[i] >= '1' && ev.Text[i] <= '9' {
				t.Fatalf("event leaked secret digits: %+v", ev)
			}
		}
	}
}

func TestCommitSecretWrongPIN(t *testing.T) {
	m := NewManager(Options{
		PIN:         testPINGate(t, "4321", pin.Settings{}),
		Definitions: []Definition{{Name: "door", Secret: true}},
	})
	if _, err := m.Open("door"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "door", "9999")

	if _, err := m.Commit("door"); !errors.Is(err, ErrPINMismatch) {
		t.Fatalf("expected ErrPINMismatch, got %v", err)
	}

	// The entry survives for correction.
	info, _ := m.Text("door")
	if info.Digits != 4 {
		t.Errorf("digits after refused commit = %d, want 4", info.Digits)
	}
}

func TestCommitSecretLockout(t *testing.T) {
	gate := testPINGate(t, "4321", pin.Settings{
		BaseDelay:   time.Millisecond,
		MaxFailures: 2,
		Lockout:     time.Minute,
	})
	m := NewManager(Options{
		PIN:         gate,
		Definitions: []Definition{{Name: "door", Secret: true}},
	})
	if _, err := m.Open("door"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "door", "1111")

	if _, err := m.Commit("door"); !errors.Is(err, ErrPINMismatch) {
		t.Fatalf("first wrong pin: got %v", err)
	}
	if _, err := m.Commit("door"); !errors.Is(err, ErrPINMismatch) {
		t.Fatalf("second wrong pin: got %v", err)
	}

	// Two failures hit MaxFailures, so the session is locked out and
	// even the correct PIN is refused without being verified.
	if _, err := m.Reset("door", "4321"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := m.Commit("door"); !errors.Is(err, ErrPINLocked) {
		t.Fatalf("expected ErrPINLocked, got %v", err)
	}
}

func TestPINGateFailureHook(t *testing.T) {
	gate := testPINGate(t, "4321", pin.Settings{
		BaseDelay:   time.Millisecond,
		MaxFailures: 2,
		Lockout:     time.Minute,
	})

	type attempt struct {
		session string
		locked  bool
	}
	var attempts []attempt
	gate.OnFailure = func(session string, locked bool) {
		attempts = append(attempts, attempt{session, locked})
	}

	m := NewManager(Options{
		PIN:         gate,
		Definitions: []Definition{{Name: "door", Secret: true}},
	})
	if _, err := m.Open("door"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "door", "1111")

	m.Commit("door") // mismatch
	m.Commit("door") // mismatch, trips the lockout
	m.Commit("door") // denied while locked

	want := []attempt{{"door", false}, {"door", true}, {"door", true}}
	if len(attempts) != len(want) {
		t.Fatalf("hook called %d times, want %d: %+v", len(attempts), len(want), attempts)
	}
	for i, a := range attempts {
		if a != want[i] {
			t.Errorf("attempt %d = %+v, want %+v", i, a, want[i])
		}
	}
}

func TestCommitSecretNoGate(t *testing.T) {
	m := NewManager(Options{
		Definitions: []Definition{{Name: "door", Secret: true}},
	})
	if _, err := m.Open("door"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "door", "4321")
	if _, err := m.Commit("door"); !errors.Is(err, ErrNoPIN) {
		t.Fatalf("expected ErrNoPIN, got %v", err)
	}
}

func TestReset(t *testing.T) {
	var log eventLog
	m := NewManager(Options{
		Registry:    testRegistry(t),
		Definitions: []Definition{{Name: "amount", Policy: "cap-100"}},
		OnEvent:     log.record,
	})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "55")

	info, err := m.Reset("amount", "")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if info.Text != "0" {
		t.Errorf("reset text = %q, want 0", info.Text)
	}
	if got := log.last(); got.Kind != EventReset {
		t.Errorf("last event = %+v, want reset", got)
	}

	// Reset bypasses the edit policy: 500 exceeds cap-100 but is
	// installed anyway.
	info, err = m.Reset("amount", "500")
	if err != nil {
		t.Fatalf("reset 500: %v", err)
	}
	if info.Text != "500" {
		t.Errorf("reset text = %q, want 500", info.Text)
	}

	if _, err := m.Reset("amount", "01"); !errors.Is(err, ErrBadResetText) {
		t.Fatalf("expected ErrBadResetText, got %v", err)
	}
	if _, err := m.Reset("amount", "12a"); !errors.Is(err, ErrBadResetText) {
		t.Fatalf("expected ErrBadResetText, got %v", err)
	}
}

func TestSetAndClearPolicy(t *testing.T) {
	m := NewManager(Options{
		Registry:    testRegistry(t),
		Definitions: []Definition{{Name: "amount"}},
	})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "99")

	if err := m.SetPolicy("amount", "cap-100"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	res, _ := m.Press("amount", '9')
	if res.Applied {
		t.Fatal("cap-100 should reject 999")
	}

	if err := m.ClearPolicy("amount"); err != nil {
		t.Fatalf("clear policy: %v", err)
	}
	res, _ = m.Press("amount", '9')
	if !res.Applied || res.Text != "999" {
		t.Errorf("after clear got %+v, want applied 999", res)
	}

	if err := m.SetPolicy("amount", "nope"); !errors.Is(err, policy.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestCloseAndList(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{
		{Name: "beta"}, {Name: "alpha"},
	}})
	for _, name := range []string{"beta", "alpha"} {
		if _, err := m.Open(name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}

	list := m.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Errorf("list = %+v, want alpha then beta", list)
	}

	if err := m.Close("beta"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close("beta"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("double close: expected ErrNotOpen, got %v", err)
	}
	if len(m.List()) != 1 {
		t.Errorf("expected one session after close")
	}

	m.CloseAll()
	if len(m.List()) != 0 {
		t.Errorf("expected no sessions after CloseAll")
	}
}

func TestReconfigureRebindsPolicies(t *testing.T) {
	r := testRegistry(t)
	defs := []Definition{{Name: "amount", Policy: "cap-100"}}
	m := NewManager(Options{Registry: r, Definitions: defs})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "9")

	// Tighten cap-100 to cap at 10 and reload.
	err := r.Replace([]policy.Spec{{Name: "cap-100", Type: "max-value", Limit: 10}})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	m.Reconfigure(defs)

	res, _ := m.Press("amount", '9')
	if res.Applied {
		t.Fatal("99 exceeds the reloaded limit of 10")
	}
	if res.Text != "9" {
		t.Errorf("text = %q, want 9", res.Text)
	}
}

func TestReconfigureKeepsPolicyOnBadName(t *testing.T) {
	r := testRegistry(t)
	m := NewManager(Options{
		Registry:    r,
		Definitions: []Definition{{Name: "amount", Policy: "cap-100"}},
	})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "99")

	// The new definition names a policy that does not resolve. The
	// session keeps its gate rather than running unrestricted.
	m.Reconfigure([]Definition{{Name: "amount", Policy: "vanished"}})

	res, _ := m.Press("amount", '9')
	if res.Applied {
		t.Fatal("previous cap-100 policy should still reject 999")
	}
}

func TestReconfigureSurvivesRemovedDefinition(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{{Name: "amount"}}})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}
	press(t, m, "amount", "7")

	m.Reconfigure(nil)

	// The open session keeps running until closed.
	info, err := m.Text("amount")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if info.Text != "7" {
		t.Errorf("text = %q, want 7", info.Text)
	}

	// But it cannot be reopened once closed.
	if err := m.Close("amount"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Open("amount"); !errors.Is(err, ErrNotDefined) {
		t.Fatalf("expected ErrNotDefined, got %v", err)
	}
}

type countingNotifier struct {
	calls int
	ops   []string
}

func (n *countingNotifier) EditRejected(session, op string) {
	n.calls++
	n.ops = append(n.ops, op)
}

func TestNotifierOnRejection(t *testing.T) {
	var n countingNotifier
	m := NewManager(Options{
		Registry:    testRegistry(t),
		Notifier:    &n,
		Definitions: []Definition{{Name: "amount", Policy: "four-digits", MinLen: 2}},
	})
	if _, err := m.Open("amount"); err != nil {
		t.Fatalf("open: %v", err)
	}

	press(t, m, "amount", "1234")
	if res, _ := m.Press("amount", '5'); res.Applied {
		t.Fatal("four-digits should reject a fifth digit")
	}
	if n.calls != 1 || n.ops[0] != journal.OpAppend {
		t.Errorf("notifier calls = %d ops = %v", n.calls, n.ops)
	}

	if _, err := m.Reset("amount", "1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := m.Commit("amount"); !errors.Is(err, policy.ErrCommitRejected) {
		t.Fatalf("expected ErrCommitRejected, got %v", err)
	}
	if n.calls != 2 || n.ops[1] != journal.OpCommit {
		t.Errorf("notifier calls = %d ops = %v", n.calls, n.ops)
	}
}

func TestDefinitionsSorted(t *testing.T) {
	m := NewManager(Options{Definitions: []Definition{
		{Name: "zulu"}, {Name: "alpha", Secret: true},
	}})
	defs := m.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zulu" {
		t.Errorf("definitions = %+v", defs)
	}
}
