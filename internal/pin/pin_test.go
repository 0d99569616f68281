package pin

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fastParams keeps argon2 cheap enough for the test suite.
var fastParams = Params{Time: 1, MemoryKiB: 64, Parallelism: 1}

func TestHashVerify(t *testing.T) {
	encoded, err := Hash("4917", fastParams)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$") {
		t.Errorf("unexpected verifier prefix: %q", encoded)
	}

	ok, err := Verify("4917", encoded)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !ok {
		t.Error("correct pin did not verify")
	}

	ok, err = Verify("4918", encoded)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if ok {
		t.Error("wrong pin verified")
	}
}

func TestHashUniqueSalt(t *testing.T) {
	a, err := Hash("1234", fastParams)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	b, err := Hash("1234", fastParams)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if a == b {
		t.Error("two hashes of the same pin are identical")
	}
}

func TestHashEmptyPIN(t *testing.T) {
	if _, err := Hash("", fastParams); err == nil {
		t.Error("expected error for empty pin")
	}
}

func TestHashDefaultParams(t *testing.T) {
	encoded, err := Hash("0000", Params{})
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if !strings.Contains(encoded, "m=65536,t=2,p=2") {
		t.Errorf("zero params did not normalize to defaults: %q", encoded)
	}
}

func TestVerifyParamsFromVerifier(t *testing.T) {
	// Verification must use the parameters embedded in the verifier,
	// not whatever the current configuration says.
	encoded, err := Hash("7310", Params{Time: 3, MemoryKiB: 128, Parallelism: 2})
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	ok, err := Verify("7310", encoded)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !ok {
		t.Error("pin did not verify against custom-parameter verifier")
	}
}

func TestVerifyMalformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		wantErr error
	}{
		{"garbage", "not a verifier", ErrMalformed},
		{"empty", "", ErrMalformed},
		{"wrong algorithm", "$argon2i$v=19$m=64,t=1,p=1$c2FsdA$a2V5", ErrMalformed},
		{"wrong version", "$argon2id$v=18$m=64,t=1,p=1$c2FsdA$a2V5", ErrUnsupportedVersion},
		{"missing segment", "$argon2id$v=19$m=64,t=1,p=1$c2FsdA", ErrMalformed},
		{"zero memory", "$argon2id$v=19$m=0,t=1,p=1$c2FsdA$a2V5", ErrMalformed},
		{"bad salt base64", "$argon2id$v=19$m=64,t=1,p=1$!!!$a2V5", ErrMalformed},
		{"bad key base64", "$argon2id$v=19$m=64,t=1,p=1$c2FsdA$!!!", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify("1234", tt.encoded)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyTamperedKey(t *testing.T) {
	encoded, err := Hash("2580", fastParams)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}

	parts := strings.Split(encoded, "$")
	key := []byte(parts[5])
	if key[0] == 'A' {
		key[0] = 'B'
	} else {
		key[0] = 'A'
	}
	parts[5] = string(key)
	tampered := strings.Join(parts, "$")

	ok, err := Verify("2580", tampered)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if ok {
		t.Error("tampered verifier still matched")
	}
}

func TestWipe(t *testing.T) {
	data := []byte("sensitive")
	Wipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d not wiped: got %d", i, b)
		}
	}

	// Must not panic.
	Wipe(nil)
	Wipe([]byte{})
}

func TestSaveLoadVerifier(t *testing.T) {
	encoded, err := Hash("9876", fastParams)
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sub", "pin.verifier")
	if err := SaveVerifier(path, encoded); err != nil {
		t.Fatalf("SaveVerifier() error: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat() error: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("verifier file mode = %o, want 0600", perm)
		}
	}

	loaded, err := LoadVerifier(path)
	if err != nil {
		t.Fatalf("LoadVerifier() error: %v", err)
	}
	if loaded != encoded {
		t.Errorf("loaded verifier = %q, want %q", loaded, encoded)
	}
}

func TestLoadVerifierMissing(t *testing.T) {
	_, err := LoadVerifier(filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, ErrNoVerifier) {
		t.Errorf("error = %v, want ErrNoVerifier", err)
	}
}

func TestLoadVerifierEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pin.verifier")
	if err := os.WriteFile(path, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadVerifier(path)
	if !errors.Is(err, ErrNoVerifier) {
		t.Errorf("error = %v, want ErrNoVerifier", err)
	}
}

func TestLoadVerifierCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pin.verifier")
	if err := os.WriteFile(path, []byte("garbage\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadVerifier(path)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

func TestSaveVerifierRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pin.verifier")
	if err := SaveVerifier(path, "garbage"); !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("malformed save left a file behind")
	}
}

func testLimiter(s Settings, at *time.Time) *Limiter {
	l := NewLimiter(s)
	l.now = func() time.Time { return *at }
	return l
}

func TestLimiterBackoff(t *testing.T) {
	now := time.Unix(1000, 0)
	l := testLimiter(Settings{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    80 * time.Millisecond,
		MaxFailures: 10,
		Lockout:     time.Minute,
		ResetAfter:  time.Hour,
	}, &now)

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond, // capped
	}
	for i, w := range want {
		if got := l.Fail("s"); got != w {
			t.Errorf("failure %d: delay = %v, want %v", i+1, got, w)
		}
	}
	if got := l.Failures("s"); got != 5 {
		t.Errorf("Failures() = %d, want 5", got)
	}
}

func TestLimiterLockout(t *testing.T) {
	now := time.Unix(1000, 0)
	l := testLimiter(Settings{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		MaxFailures: 3,
		Lockout:     time.Minute,
		ResetAfter:  time.Hour,
	}, &now)

	l.Fail("s")
	l.Fail("s")
	if _, locked := l.Locked("s"); locked {
		t.Fatal("locked before reaching the failure limit")
	}

	if got := l.Fail("s"); got != time.Minute {
		t.Errorf("lockout delay = %v, want 1m", got)
	}
	remaining, locked := l.Locked("s")
	if !locked {
		t.Fatal("not locked after reaching the failure limit")
	}
	if remaining != time.Minute {
		t.Errorf("remaining = %v, want 1m", remaining)
	}

	now = now.Add(2 * time.Minute)
	if _, locked := l.Locked("s"); locked {
		t.Error("still locked after the lockout expired")
	}
}

func TestLimiterResetAfter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := testLimiter(Settings{
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxFailures: 10,
		Lockout:     time.Minute,
		ResetAfter:  time.Hour,
	}, &now)

	l.Fail("s")
	l.Fail("s")

	now = now.Add(2 * time.Hour)
	if got := l.Fail("s"); got != 10*time.Millisecond {
		t.Errorf("delay after reset window = %v, want base delay", got)
	}
	if got := l.Failures("s"); got != 1 {
		t.Errorf("Failures() after reset window = %d, want 1", got)
	}
}

func TestLimiterSuccess(t *testing.T) {
	now := time.Unix(1000, 0)
	l := testLimiter(Settings{MaxFailures: 3}, &now)

	l.Fail("s")
	l.Fail("s")
	l.Success("s")

	if got := l.Failures("s"); got != 0 {
		t.Errorf("Failures() after success = %d, want 0", got)
	}
	if _, locked := l.Locked("s"); locked {
		t.Error("locked after success")
	}
}

func TestLimiterKeysIndependent(t *testing.T) {
	now := time.Unix(1000, 0)
	l := testLimiter(Settings{MaxFailures: 2, Lockout: time.Minute}, &now)

	l.Fail("atm")
	l.Fail("atm")
	if _, locked := l.Locked("atm"); !locked {
		t.Fatal("atm not locked")
	}
	if _, locked := l.Locked("door"); locked {
		t.Error("door locked by atm failures")
	}
	if got := l.Failures("door"); got != 0 {
		t.Errorf("door Failures() = %d, want 0", got)
	}
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(Settings{})
	if got := l.Fail("s"); got != 250*time.Millisecond {
		t.Errorf("default base delay = %v, want 250ms", got)
	}
}
