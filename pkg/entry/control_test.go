package entry

import (
	"math/rand"
	"strconv"
	"sync"
	"testing"
)

// allowFunc adapts a plain function to the Policy interface for tests.
type allowFunc func(candidate string) bool

func (f allowFunc) Allow(candidate string) bool { return f(candidate) }

func TestControlStartsAtPlaceholder(t *testing.T) {
	ctl := New()
	if got := ctl.Text(); got != "0" {
		t.Fatalf("new control shows %q, want %q", got, "0")
	}
	if got := ctl.Len(); got != 1 {
		t.Fatalf("new control Len = %d, want 1", got)
	}
}

func TestControlDialerSequence(t *testing.T) {
	// The canonical keystroke walk: type two digits, then delete back
	// past the placeholder.
	ctl := New()

	steps := []struct {
		op      string
		digit   byte
		want    string
		applied bool
	}{
		{"append", '7', "7", true},
		{"append", '3', "73", true},
		{"delete", 0, "7", true},
		{"delete", 0, "0", true},
		{"delete", 0, "0", true}, // no-op delete from placeholder
	}

	for i, s := range steps {
		var res Result
		switch s.op {
		case "append":
			res = ctl.AppendDigit(s.digit)
		case "delete":
			res = ctl.DeleteTail()
		}
		if res.Text != s.want {
			t.Fatalf("step %d (%s): text %q, want %q", i, s.op, res.Text, s.want)
		}
		if res.Applied != s.applied {
			t.Fatalf("step %d (%s): applied %v, want %v", i, s.op, res.Applied, s.applied)
		}
		if got := ctl.Text(); got != s.want {
			t.Fatalf("step %d (%s): Text() %q, want %q", i, s.op, got, s.want)
		}
	}
}

func TestControlAlwaysAllowWithoutPolicy(t *testing.T) {
	ctl := New()
	for _, d := range []byte("19840") {
		if res := ctl.AppendDigit(d); !res.Applied {
			t.Fatalf("append %q rejected with no policy registered", d)
		}
	}
	if got := ctl.Text(); got != "19840" {
		t.Fatalf("text %q, want %q", got, "19840")
	}
	if res := ctl.DeleteTail(); !res.Applied {
		t.Fatal("delete rejected with no policy registered")
	}
}

func TestControlValueLimitRejection(t *testing.T) {
	// A ceiling policy: reject any candidate whose numeric value exceeds
	// 100000.
	ctl := New()
	ctl.SetPolicy(allowFunc(func(candidate string) bool {
		v, err := strconv.ParseUint(candidate, 10, 64)
		if err != nil {
			return false
		}
		return v <= 100000
	}))

	for _, d := range []byte("99999") {
		if res := ctl.AppendDigit(d); !res.Applied {
			t.Fatalf("append %q unexpectedly rejected at %q", d, ctl.Text())
		}
	}

	// "999999" exceeds the ceiling: the keystroke must have no effect.
	res := ctl.AppendDigit('9')
	if res.Applied {
		t.Fatal("append beyond ceiling was applied")
	}
	if res.Text != "99999" {
		t.Fatalf("text after rejection %q, want %q", res.Text, "99999")
	}
	if got := ctl.Text(); got != "99999" {
		t.Fatalf("Text() after rejection %q, want %q", got, "99999")
	}

	// Deleting back under the ceiling still works.
	if res := ctl.DeleteTail(); !res.Applied || res.Text != "9999" {
		t.Fatalf("delete after rejection: applied=%v text=%q", res.Applied, res.Text)
	}
}

func TestControlRejectAllKeepsTextStable(t *testing.T) {
	ctl := NewWithText("42")
	ctl.SetPolicy(allowFunc(func(string) bool { return false }))

	for i := 0; i < 50; i++ {
		if res := ctl.AppendDigit(byte('0' + i%10)); res.Applied {
			t.Fatal("reject-all policy applied an append")
		}
		if res := ctl.DeleteTail(); res.Applied {
			t.Fatal("reject-all policy applied a delete")
		}
		if got := ctl.Text(); got != "42" {
			t.Fatalf("text drifted to %q under reject-all policy", got)
		}
	}
}

func TestControlDeleteFromZeroConsultsGate(t *testing.T) {
	var seen []string
	ctl := New()
	ctl.SetPolicy(allowFunc(func(candidate string) bool {
		seen = append(seen, candidate)
		return false
	}))

	res := ctl.DeleteTail()
	if res.Applied {
		t.Fatal("rejected no-op delete reported as applied")
	}
	if res.Text != "0" {
		t.Fatalf("text %q, want %q", res.Text, "0")
	}
	if len(seen) != 1 || seen[0] != "0" {
		t.Fatalf("gate saw %v, want the single no-op candidate [0]", seen)
	}
}

func TestControlSetPolicyNilRestoresAllowAll(t *testing.T) {
	ctl := New()
	ctl.SetPolicy(allowFunc(func(string) bool { return false }))

	if res := ctl.AppendDigit('5'); res.Applied {
		t.Fatal("append applied under reject-all policy")
	}

	ctl.SetPolicy(nil)
	if res := ctl.AppendDigit('5'); !res.Applied {
		t.Fatal("append rejected after clearing policy")
	}
	if got := ctl.Text(); got != "5" {
		t.Fatalf("text %q, want %q", got, "5")
	}
}

func TestControlResetBypassesPolicy(t *testing.T) {
	ctl := New()
	ctl.SetPolicy(allowFunc(func(string) bool { return false }))

	// User edits are all rejected, but programmatic sets go through.
	ctl.Reset("42")
	if got := ctl.Text(); got != "42" {
		t.Fatalf("Reset under reject-all policy: text %q, want %q", got, "42")
	}

	if res := ctl.AppendDigit('1'); res.Applied || ctl.Text() != "42" {
		t.Fatal("user edit after Reset should still be rejected")
	}

	ctl.ResetZero()
	if got := ctl.Text(); got != "0" {
		t.Fatalf("ResetZero: text %q, want %q", got, "0")
	}
}

func TestControlResetInvalidTextPanics(t *testing.T) {
	for _, bad := range []string{"", "07", "00", "4 2", "4a"} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Reset(%q) should panic", bad)
				}
			}()
			New().Reset(bad)
		}()
	}
}

func TestControlNewWithText(t *testing.T) {
	ctl := NewWithText("500")
	if got := ctl.Text(); got != "500" {
		t.Fatalf("text %q, want %q", got, "500")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("NewWithText with leading zero should panic")
			}
		}()
		NewWithText("0500")
	}()
}

func TestControlInvariantAcrossRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	policies := []Policy{
		nil,
		allowFunc(func(string) bool { return true }),
		allowFunc(func(candidate string) bool { return len(candidate) <= 5 }),
		allowFunc(func(candidate string) bool { return candidate != "13" }),
	}

	for pi, p := range policies {
		ctl := New()
		ctl.SetPolicy(p)

		for i := 0; i < 2000; i++ {
			if rng.Intn(3) == 0 {
				ctl.DeleteTail()
			} else {
				ctl.AppendDigit(byte('0' + rng.Intn(10)))
			}
			if got := ctl.Text(); !Valid(got) {
				t.Fatalf("policy %d, op %d: invariant violated, text %q", pi, i, got)
			}
		}
	}
}

func TestControlParallelAppends(t *testing.T) {
	// Concurrent hosts funnel through the control's lock: every append
	// lands exactly once, so 100 appends on a fresh control leave 100
	// digits (the first replaces the placeholder).
	ctl := New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(d byte) {
			defer wg.Done()
			ctl.AppendDigit(d)
		}(byte('1' + i%9))
	}
	wg.Wait()

	if got := ctl.Len(); got != 100 {
		t.Fatalf("Len = %d after 100 parallel appends, want 100", got)
	}
	if !Valid(ctl.Text()) {
		t.Fatalf("invariant violated: %q", ctl.Text())
	}
}
