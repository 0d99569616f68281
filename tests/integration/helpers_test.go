//go:build integration

// Package integration provides end-to-end integration tests for keypadd.
//
// These tests run a daemon assembly in-process (journal, policies,
// session manager, IPC server) and drive it through real clients over
// the unix socket.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"path/filepath"
	"testing"
	"time"

	"keypad/internal/ipc"
	"keypad/internal/journal"
	"keypad/internal/pin"
	"keypad/internal/session"
	"keypad/pkg/policy"
)

// =============================================================================
// Test Environment Setup
// =============================================================================

// TestEnv holds one in-process daemon assembly.
type TestEnv struct {
	T          *testing.T
	TempDir    string
	SocketPath string
	JournalPath string

	Journal  *journal.Journal
	Registry *policy.Registry
	Sessions *session.Manager
	Server   *ipc.Server

	// PINText is the PIN enrolled for the secret "door" session, empty
	// when InitPIN was not called.
	PINText  string
	verifier string
}

// NewTestEnv creates the environment skeleton. Call InitAll or the
// individual Init helpers before use.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	tempDir := t.TempDir()
	return &TestEnv{
		T:           t,
		TempDir:     tempDir,
		SocketPath:  filepath.Join(tempDir, "keypadd.sock"),
		JournalPath: filepath.Join(tempDir, "journal.db"),
	}
}

// InitJournal opens the sqlite journal.
func (env *TestEnv) InitJournal() {
	env.T.Helper()

	j, err := journal.Open(env.JournalPath, journal.Options{})
	if err != nil {
		env.T.Fatalf("open journal: %v", err)
	}
	env.Journal = j
}

// InitRegistry registers the test policies: cap-100 limits values to
// 100, four-keys limits entries to four digits.
func (env *TestEnv) InitRegistry() {
	env.T.Helper()

	env.Registry = policy.NewRegistry()
	specs := []policy.Spec{
		{Name: "cap-100", Type: "max-value", Limit: 100},
		{Name: "four-keys", Type: "max-len", MaxDigits: 4},
	}
	if err := env.Registry.Replace(specs); err != nil {
		env.T.Fatalf("register policies: %v", err)
	}
}

// InitPIN enrolls a verifier for the secret session. Must run before
// InitSessions.
func (env *TestEnv) InitPIN(pinText string) {
	env.T.Helper()

	encoded, err := pin.Hash(pinText, pin.Params{Time: 1, MemoryKiB: 64, Parallelism: 1})
	if err != nil {
		env.T.Fatalf("hash pin: %v", err)
	}
	env.PINText = pinText
	env.verifier = encoded
}

// InitSessions builds the session manager with three definitions:
// "pad" (no gates), "amount" (cap-100 policy), and "door" (secret,
// four digits, PIN-confirmed).
func (env *TestEnv) InitSessions() {
	env.T.Helper()

	var gate *session.PINGate
	if env.verifier != "" {
		gate = &session.PINGate{
			Verifier: env.verifier,
			Limiter: pin.NewLimiter(pin.Settings{
				BaseDelay:   time.Millisecond,
				MaxDelay:    5 * time.Millisecond,
				MaxFailures: 3,
				Lockout:     200 * time.Millisecond,
			}),
		}
	}

	env.Sessions = session.NewManager(session.Options{
		Definitions: []session.Definition{
			{Name: "pad"},
			{Name: "amount", Policy: "cap-100"},
			{Name: "door", Secret: true, ExactLen: 4},
		},
		Registry: env.Registry,
		Journal:  env.Journal,
		PIN:      gate,
		OnEvent: func(ev session.Event) {
			if env.Server != nil {
				env.Server.Broadcast(ipc.EventFromSession(ev))
			}
		},
	})
}

// InitServer assembles the handler and starts the IPC server.
func (env *TestEnv) InitServer() {
	env.T.Helper()

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:     "integration",
		SocketPath:  env.SocketPath,
		Sessions:    env.Sessions,
		Registry:    env.Registry,
		Journal:     env.Journal,
		JournalPath: env.JournalPath,
	})

	srv, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:   env.SocketPath,
		Version:      "integration",
		SameUserOnly: true,
	}, handler)
	if err != nil {
		env.T.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		env.T.Fatalf("start server: %v", err)
	}
	env.Server = srv
}

// InitAll initializes every component.
func (env *TestEnv) InitAll() {
	env.InitJournal()
	env.InitRegistry()
	env.InitSessions()
	env.InitServer()
}

// Cleanup stops the daemon assembly.
func (env *TestEnv) Cleanup() {
	if env.Server != nil {
		env.Server.Stop()
		env.Server = nil
	}
	if env.Sessions != nil {
		env.Sessions.CloseAll()
		env.Sessions = nil
	}
	if env.Journal != nil {
		env.Journal.Close()
		env.Journal = nil
	}
}

// Restart tears the assembly down and rebuilds it on the same paths,
// the way a daemon restart would.
func (env *TestEnv) Restart() {
	env.T.Helper()

	env.Cleanup()
	env.InitJournal()
	env.InitRegistry()
	env.InitSessions()
	env.InitServer()
}

// Client connects a fresh IPC client to the daemon.
func (env *TestEnv) Client() *ipc.IPCClient {
	env.T.Helper()

	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:     env.SocketPath,
		ClientName:     "integration",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	})
	if err := client.Connect(); err != nil {
		env.T.Fatalf("connect client: %v", err)
	}
	env.T.Cleanup(client.Close)
	return client
}

// PressDigits delivers the digits in order, failing on transport errors
// and on rejected presses.
func PressDigits(t *testing.T, client *ipc.IPCClient, sess, digits string) {
	t.Helper()
	for i := 0; i < len(digits); i++ {
		resp, err := client.Press(sess, digits[i])
		if err != nil {
			t.Fatalf("press %q on %s: %v", digits[i], sess, err)
		}
		if !resp.Applied {
			t.Fatalf("press %q on %s rejected, text %q", digits[i], sess, resp.Text)
		}
	}
}

// WaitFor polls cond until it returns true or the deadline passes.
func WaitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

// =============================================================================
// Assertion Helpers
// =============================================================================

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but got nil", msg)
	}
}

// AssertEqual fails the test if expected != actual.
func AssertEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue fails the test if condition is false.
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true", msg)
	}
}

// AssertFalse fails the test if condition is true.
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Fatalf("%s: expected false", msg)
	}
}
