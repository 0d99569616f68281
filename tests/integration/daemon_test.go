//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"keypad/internal/config"
	"keypad/internal/health"
	"keypad/internal/ipc"
)

// newFullEnv assembles the daemon with health checks and a live
// configuration wired in, the way keypadd itself boots.
func newFullEnv(t *testing.T) *TestEnv {
	t.Helper()

	env := NewTestEnv(t)
	env.InitJournal()
	env.InitRegistry()
	env.InitSessions()

	cfg := config.DefaultConfig()
	checker := health.NewChecker()

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:      "integration",
		SocketPath:   env.SocketPath,
		Sessions:     env.Sessions,
		Registry:     env.Registry,
		Journal:      env.Journal,
		JournalPath:  env.JournalPath,
		Checker:      checker,
		GetConfig:    func() *config.Config { return cfg },
		ConfigSource: "builtin defaults",
	})

	srv, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:   env.SocketPath,
		Version:      "integration",
		SameUserOnly: true,
		Metrics:      env.Sessions.Metrics(),
	}, handler)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	env.Server = srv

	checker.RegisterFunc("journal", true, health.JournalCheck(func(context.Context) error {
		return env.Journal.Ping()
	}))
	checker.RegisterFunc("socket", true, health.SocketCheck(env.SocketPath))
	checker.RegisterFunc("memory", false, health.MemoryCheck(256<<20))
	checker.SetReady(true)

	return env
}

// TestDaemonStatus tests the full status surface.
func TestDaemonStatus(t *testing.T) {
	env := newFullEnv(t)
	defer env.Cleanup()
	client := env.Client()

	_, err := client.OpenSession("pad")
	AssertNoError(t, err, "open session")
	PressDigits(t, client, "pad", "7")
	_, err = client.Commit("pad")
	AssertNoError(t, err, "commit")

	status, err := client.Status(true, true)
	AssertNoError(t, err, "status")

	AssertEqual(t, "integration", status.Version, "version")
	AssertEqual(t, os.Getpid(), status.PID, "pid")
	AssertTrue(t, status.Uptime > 0, "uptime positive")
	AssertEqual(t, env.SocketPath, status.SocketPath, "socket path")

	AssertTrue(t, status.Journal.Enabled, "journal enabled")
	AssertEqual(t, env.JournalPath, status.Journal.Path, "journal path")
	AssertEqual(t, 1, status.Journal.SchemaVersion, "schema version")
	AssertEqual(t, int64(1), status.Journal.Commits, "commit count")
	AssertTrue(t, status.Journal.SizeBytes > 0, "journal has bytes on disk")

	AssertEqual(t, 1, len(status.Sessions), "open session listed")
	AssertEqual(t, "pad", status.Sessions[0].Name, "session name")

	AssertTrue(t, status.Config != nil, "config included")
	if _, ok := status.Config["sessions"]; !ok {
		t.Error("config map missing sessions block")
	}
}

// TestDaemonHealthReport tests the component health surface.
func TestDaemonHealthReport(t *testing.T) {
	env := newFullEnv(t)
	defer env.Cleanup()
	client := env.Client()

	report, err := client.Health(true)
	AssertNoError(t, err, "health")

	AssertEqual(t, health.StatusHealthy, report.Status, "overall status")
	AssertTrue(t, report.Ready, "ready")
	AssertEqual(t, 3, len(report.Components), "component count")

	for _, name := range []string{"journal", "socket", "memory"} {
		comp, ok := report.Components[name]
		if !ok {
			t.Fatalf("component %s missing from report", name)
		}
		AssertEqual(t, health.StatusHealthy, comp.Status, name+" healthy")
	}
}

// TestDaemonHealthDegradesOnJournalLoss tests that a dead journal
// turns the health report unhealthy.
func TestDaemonHealthDegradesOnJournalLoss(t *testing.T) {
	env := newFullEnv(t)
	defer env.Cleanup()
	client := env.Client()

	// Kill the database connection behind the daemon's back.
	env.Journal.Close()

	report, err := client.Health(true)
	AssertNoError(t, err, "health request still answered")
	AssertEqual(t, health.StatusUnhealthy, report.Status, "critical check failed")

	comp := report.Components["journal"]
	AssertEqual(t, health.StatusUnhealthy, comp.Status, "journal component unhealthy")
	AssertTrue(t, comp.Error != "", "journal error surfaced")
}

// TestDaemonMetricsTrackTraffic tests that the counters follow the
// operations performed.
func TestDaemonMetricsTrackTraffic(t *testing.T) {
	env := newFullEnv(t)
	defer env.Cleanup()
	client := env.Client()

	_, err := client.OpenSession("amount")
	AssertNoError(t, err, "open session")

	// Two applied presses, one rejected press, one commit.
	PressDigits(t, client, "amount", "99")
	resp, err := client.Press("amount", '9')
	AssertNoError(t, err, "press")
	AssertFalse(t, resp.Applied, "999 exceeds cap")
	_, err = client.Commit("amount")
	AssertNoError(t, err, "commit")

	snap, err := client.Metrics()
	AssertNoError(t, err, "metrics")

	// JSON numbers decode as float64 on the client side.
	counter := func(name string) float64 {
		v, ok := snap[name].(float64)
		if !ok {
			t.Fatalf("metric %s missing or not numeric: %v", name, snap[name])
		}
		return v
	}

	AssertEqual(t, float64(3), counter("presses_total"), "presses counted")
	AssertEqual(t, float64(1), counter("edits_rejected_total"), "rejection counted")
	AssertEqual(t, float64(1), counter("commits_total"), "commit counted")
	AssertEqual(t, float64(1), counter("open_sessions"), "open sessions gauge")
	AssertTrue(t, counter("connected_clients") >= 1, "client connection gauge")
	AssertTrue(t, counter("uptime_seconds") >= 0, "uptime gauge present")
}

// TestDaemonConfigSurface tests config retrieval over the socket.
func TestDaemonConfigSurface(t *testing.T) {
	env := newFullEnv(t)
	defer env.Cleanup()
	client := env.Client()

	resp, err := client.GetConfig()
	AssertNoError(t, err, "get config")
	AssertEqual(t, "builtin defaults", resp.Source, "config source")
	AssertTrue(t, resp.Config != nil, "config map present")
	if _, ok := resp.Config["ipc"]; !ok {
		t.Error("config map missing ipc block")
	}

	// No reload hook wired in this assembly.
	err = client.ReloadConfig()
	AssertError(t, err, "reload unsupported without a loader")
}

// TestDaemonUptimeAdvances tests that consecutive status calls report
// growing uptime.
func TestDaemonUptimeAdvances(t *testing.T) {
	env := newFullEnv(t)
	defer env.Cleanup()
	client := env.Client()

	first, err := client.Status(false, false)
	AssertNoError(t, err, "first status")
	time.Sleep(20 * time.Millisecond)
	second, err := client.Status(false, false)
	AssertNoError(t, err, "second status")

	AssertTrue(t, second.Uptime > first.Uptime, "uptime advances")
	AssertEqual(t, first.StartedAt.UnixNano(), second.StartedAt.UnixNano(), "start time stable")
}
