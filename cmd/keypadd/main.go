// keypadd - constrained numeric entry daemon.
//
// keypadd owns the entry sessions, enforces their edit policies,
// journals commits, and serves keypadctl and GUI clients over a unix
// control socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"keypad/internal/config"
	"keypad/internal/feedback"
	"keypad/internal/health"
	"keypad/internal/ipc"
	"keypad/internal/journal"
	"keypad/internal/logging"
	"keypad/internal/metrics"
	"keypad/internal/pin"
	"keypad/internal/session"
	"keypad/pkg/policy"
)

// Version is stamped at build time.
var Version = "1.0.0"

func main() {
	var (
		configPath  = flag.String("config", "", "configuration file (default: platform config path)")
		socketPath  = flag.String("socket", "", "control socket path override")
		logLevel    = flag.String("log-level", "", "log level override: debug, info, warn, error")
		envOnly     = flag.Bool("env-config", false, "ignore the config file, use defaults plus KEYPAD_* environment")
		checkOnly   = flag.Bool("check", false, "validate the configuration and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("keypadd", Version)
		return
	}

	logging.SetDefaultCrashHandler(logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir: filepath.Join(config.KeypadDir(), "crashes"),
		Version:  Version,
	}))
	defer func() {
		if r := recover(); r != nil {
			logging.DefaultCrashHandler().HandlePanic(r, nil)
			os.Exit(1)
		}
	}()

	var (
		cfg    *config.Config
		loader *config.Loader
	)
	if *envOnly {
		cfg = config.LoadFromEnv()
	} else {
		path := *configPath
		if path == "" {
			path = config.ConfigPath()
		}
		if _, created, err := config.LoadOrCreate(path); err != nil {
			fmt.Fprintf(os.Stderr, "keypadd: load config: %v\n", err)
			os.Exit(1)
		} else if created {
			fmt.Fprintf(os.Stderr, "keypadd: wrote default configuration to %s\n", path)
		}
		loader = config.NewLoader(path)
		if _, err := loader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "keypadd: load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loader.Config()
	}

	cfg.ApplyEnvOverrides()
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "keypadd: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("configuration ok")
		return
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "keypadd: %v\n", err)
		os.Exit(1)
	}

	source := "environment"
	if loader != nil {
		source = *configPath
		if source == "" {
			source = config.ConfigPath()
		}
	}

	d, err := newDaemon(cfg, loader, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keypadd: %v\n", err)
		os.Exit(1)
	}
	if err := d.run(); err != nil {
		d.log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

// daemon assembles the long-running pieces of keypadd.
type daemon struct {
	cfg    *config.Config
	loader *config.Loader
	source string

	log      *logging.Logger
	audit    *logging.AuditLog
	metrics  *metrics.KeypadMetrics
	journal  *journal.Journal
	registry *policy.Registry
	sessions *session.Manager
	notifier feedback.Notifier
	checker  *health.Checker
	server   *ipc.Server

	startedAt time.Time
}

func newDaemon(cfg *config.Config, loader *config.Loader, source string) (*daemon, error) {
	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logging.SetDefault(log)

	// The audit trail lives next to the journal. A nil AuditLog
	// discards events, so a failure here degrades instead of aborting.
	auditCfg := logging.DefaultAuditConfig()
	auditCfg.FilePath = filepath.Join(config.KeypadDir(), "audit.log")
	audit, err := logging.NewAuditLog(auditCfg)
	if err != nil {
		log.Warn("audit trail unavailable", "error", err)
	}

	d := &daemon{
		cfg:       cfg,
		loader:    loader,
		source:    source,
		log:       log,
		audit:     audit,
		metrics:   metrics.NewKeypadMetrics(nil),
		registry:  policy.NewRegistry(),
		checker:   health.NewChecker(),
		startedAt: time.Now(),
	}

	specs, err := policySpecs(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("policies: %w", err)
	}
	if err := d.registry.Replace(specs); err != nil {
		return nil, fmt.Errorf("policies: %w", err)
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.JournalPath(), journal.Options{
			MaxConnections: cfg.Journal.MaxConnections,
			BusyTimeoutMs:  cfg.Journal.BusyTimeoutMs,
		})
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		d.journal = j
	}

	gate, err := buildPINGate(cfg.PIN, log, audit)
	if err != nil {
		return nil, fmt.Errorf("pin: %w", err)
	}

	d.notifier = feedback.New(cfg.Feedback, log)

	d.sessions = session.NewManager(session.Options{
		Definitions: sessionDefinitions(cfg.Sessions),
		Registry:    d.registry,
		Journal:     d.journal,
		Metrics:     d.metrics,
		Notifier:    d.notifier,
		PIN:         gate,
		OnEvent: func(ev session.Event) {
			if d.server != nil {
				d.server.Broadcast(ipc.EventFromSession(ev))
			}
			if ev.Kind == session.EventCommitted {
				d.audit.LogCommit(context.Background(), ev.Session, ev.Digits)
			} else if ev.Kind == session.EventRejected && ev.Op == journal.OpCommit {
				d.audit.LogCommitRefused(context.Background(), ev.Session, ev.Digits)
			}
		},
		Logger: log,
	})

	return d, nil
}

func (d *daemon) run() error {
	socket := d.cfg.SocketPath()

	if ipc.IsSocketListening(socket) {
		return fmt.Errorf("another keypadd is already listening on %s", socket)
	}
	if err := ipc.CleanupSocket(socket); err != nil {
		return err
	}

	if pidFile := d.cfg.PIDFile(); pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			return err
		}
		defer os.Remove(pidFile)
	}

	// Sessions declared in the config are live before the first client
	// connects.
	for _, def := range d.sessions.Definitions() {
		if _, err := d.sessions.Open(def.Name); err != nil {
			d.log.Error("open session", "session", def.Name, "error", err)
			continue
		}
		d.audit.LogSessionOpen(context.Background(), def.Name, def.Policy)
	}

	if d.cfg.IPC.Enabled {
		if err := d.startServer(socket); err != nil {
			return err
		}
	} else {
		d.log.Warn("control socket disabled, clients cannot connect")
	}

	d.registerHealthChecks(socket)
	d.checker.SetReady(true)

	if d.loader != nil {
		d.loader.OnChange(d.applyConfig)
		if err := d.loader.Watch(); err != nil {
			d.log.Warn("config watch unavailable", "error", err)
		} else {
			go d.drainLoaderErrors()
		}
		defer d.loader.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer logging.RecoverPanic()
		d.maintenanceLoop(ctx)
	}()

	d.log.Info("keypadd started",
		"version", Version,
		"socket", socket,
		"sessions", len(d.sessions.List()),
		"journal", d.journal != nil)
	d.audit.LogStartup(context.Background(), Version, map[string]any{
		"socket":   socket,
		"sessions": len(d.sessions.List()),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			d.log.Info("reload requested")
			if err := d.reload(); err != nil {
				d.log.Error("reload failed", "error", err)
			}
		default:
			d.log.Info("shutting down", "signal", sig.String())
			d.shutdown(sig.String())
			return nil
		}
	}
	return nil
}

func (d *daemon) startServer(socket string) error {
	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:      Version,
		StartedAt:    d.startedAt,
		SocketPath:   socket,
		Sessions:     d.sessions,
		Registry:     d.registry,
		Journal:      d.journal,
		JournalPath:  d.cfg.JournalPath(),
		Checker:      d.checker,
		GetConfig:    d.activeConfig,
		Reload:       d.reload,
		ConfigSource: d.configSource(),
		Logger:       d.log,
	})

	srv, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     socket,
		Version:        Version,
		WriteTimeout:   time.Duration(d.cfg.IPC.TimeoutSec) * time.Second,
		MaxConnections: d.cfg.IPC.MaxConnections,
		SameUserOnly:   true,
		Metrics:        d.metrics,
		Logger:         d.log,
	}, handler)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	d.server = srv

	if mode, err := strconv.ParseUint(d.cfg.IPC.Permissions, 8, 32); err == nil {
		os.Chmod(socket, os.FileMode(mode))
	}
	return nil
}

func (d *daemon) registerHealthChecks(socket string) {
	if d.journal != nil {
		d.checker.RegisterFunc("journal", true, health.JournalCheck(func(context.Context) error {
			return d.journal.Ping()
		}))
	}
	if d.server != nil {
		d.checker.RegisterFunc("socket", true, health.SocketCheck(socket))
	}
	d.checker.RegisterFunc("memory", false, health.MemoryCheck(256<<20))
}

// activeConfig returns the live configuration for status and config
// requests.
func (d *daemon) activeConfig() *config.Config {
	if d.loader != nil {
		if cfg := d.loader.Config(); cfg != nil {
			return cfg
		}
	}
	return d.cfg
}

func (d *daemon) configSource() string {
	return d.source
}

// reload rereads the configuration file and applies it. Serves both
// SIGHUP and the reload-config IPC request.
func (d *daemon) reload() error {
	if d.loader == nil {
		return fmt.Errorf("running on environment config, nothing to reload")
	}
	cfg, err := d.loader.Load()
	if err != nil {
		d.audit.LogError(context.Background(), "config_reload", err)
		return err
	}
	d.applyConfig(cfg)
	return nil
}

// applyConfig applies the reloadable parts of a new configuration:
// policy rules and session definitions. Socket, journal, and logging
// changes need a restart.
func (d *daemon) applyConfig(cfg *config.Config) {
	specs, err := policySpecs(cfg.Policies)
	if err != nil {
		d.log.Error("reloaded policies invalid, keeping current", "error", err)
		d.audit.LogError(context.Background(), "config_reload", err)
		return
	}
	if err := d.registry.Replace(specs); err != nil {
		d.log.Error("reloaded policies invalid, keeping current", "error", err)
		d.audit.LogError(context.Background(), "config_reload", err)
		return
	}
	d.sessions.Reconfigure(sessionDefinitions(cfg.Sessions))

	if d.server != nil {
		d.server.Broadcast(&ipc.Event{Type: ipc.EventConfigReloaded, Time: time.Now()})
	}
	d.log.Info("configuration applied", "policies", len(specs), "sessions", len(cfg.Sessions))
	d.audit.LogConfigReload(context.Background(), d.configSource(), len(specs), len(cfg.Sessions))
}

func (d *daemon) drainLoaderErrors() {
	for err := range d.loader.Errors() {
		d.log.Warn("config watch", "error", err)
	}
}

// maintenanceLoop samples gauges and prunes the journal and old crash
// reports on a timer.
func (d *daemon) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	d.pruneJournal()
	d.pruneCrashReports()
	lastPrune := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.cfg.Metrics.Enabled {
				d.metrics.UpdateUptime()
				if d.journal != nil {
					if fi, err := os.Stat(d.cfg.JournalPath()); err == nil {
						d.metrics.SetJournalSize(fi.Size())
					}
				}
			}
			if time.Since(lastPrune) >= 6*time.Hour {
				d.pruneJournal()
				d.pruneCrashReports()
				lastPrune = time.Now()
			}
		}
	}
}

func (d *daemon) pruneJournal() {
	if d.journal == nil || d.cfg.Journal.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -d.cfg.Journal.RetentionDays)
	n, err := d.journal.Prune(cutoff)
	if err != nil {
		d.log.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("journal pruned", "rows", n, "cutoff", cutoff.Format(time.DateOnly))
	}
}

func (d *daemon) pruneCrashReports() {
	n, err := logging.DefaultCrashHandler().PruneCrashReports(90 * 24 * time.Hour)
	if err != nil {
		d.log.Warn("crash report prune failed", "error", err)
		return
	}
	if n > 0 {
		d.log.Info("old crash reports removed", "count", n)
	}
}

func (d *daemon) shutdown(reason string) {
	d.checker.SetReady(false)

	if d.server != nil {
		d.server.Broadcast(&ipc.Event{Type: ipc.EventDaemonShutdown, Time: time.Now()})
		// Give the broadcaster a moment to flush the farewell.
		time.Sleep(100 * time.Millisecond)
		if err := d.server.Stop(); err != nil {
			d.log.Warn("server stop", "error", err)
		}
	}

	for _, sum := range d.sessions.List() {
		d.audit.LogSessionClose(context.Background(), sum.Name, sum.Commits)
	}
	d.sessions.CloseAll()

	if d.notifier != nil {
		d.notifier.Close()
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.log.Warn("journal close", "error", err)
		}
	}

	d.audit.LogShutdown(context.Background(), reason)
	d.audit.Close()

	d.log.Info("keypadd stopped")
	d.log.Sync()
}

// buildLogger maps the file configuration onto the logging package.
func buildLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}

	format := logging.FormatText
	if lc.Format == "json" {
		format = logging.FormatJSON
	}

	return logging.New(&logging.Config{
		Level:          level,
		Format:         format,
		Output:         lc.Output,
		FilePath:       lc.FilePath,
		MaxSize:        lc.MaxSizeMB,
		MaxAge:         lc.MaxAgeDays,
		MaxBackups:     lc.MaxBackups,
		Compress:       lc.Compress,
		RedactPatterns: lc.RedactPatterns,
		Component:      "keypadd",
	})
}

// policySpecs merges inline rules with the optional rules file. File
// definitions win on name collisions.
func policySpecs(pc config.PoliciesConfig) ([]policy.Spec, error) {
	specs, err := policy.MergeRules(pc.Rules, pc.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	return specs, nil
}

func sessionDefinitions(scs []config.SessionConfig) []session.Definition {
	defs := make([]session.Definition, 0, len(scs))
	for _, sc := range scs {
		defs = append(defs, session.Definition{
			Name:     sc.Name,
			Policy:   sc.Policy,
			Secret:   sc.Secret,
			Initial:  sc.Initial,
			ExactLen: sc.ExactLen,
			MinLen:   sc.MinLen,
			MinValue: sc.MinValue,
		})
	}
	return defs
}

// buildPINGate loads the enrolled verifier and wires the failure
// limiter. A nil gate refuses secret commits with a clear error.
func buildPINGate(pc config.PINConfig, log *logging.Logger, audit *logging.AuditLog) (*session.PINGate, error) {
	if !pc.Enabled {
		return nil, nil
	}

	verifier, err := pin.LoadVerifier(pc.VerifierPath)
	if err != nil {
		if errors.Is(err, pin.ErrNoVerifier) {
			log.Warn("pin enabled but no verifier enrolled, secret commits will be refused",
				"path", pc.VerifierPath,
				"hint", "run: keypadctl pin enroll")
			return nil, nil
		}
		return nil, err
	}

	limiter := pin.NewLimiter(pin.Settings{
		BaseDelay:   time.Duration(pc.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(pc.MaxDelayMs) * time.Millisecond,
		MaxFailures: pc.MaxAttempts,
		Lockout:     time.Duration(pc.LockoutMinutes) * time.Minute,
	})

	return &session.PINGate{
		Verifier: verifier,
		Limiter:  limiter,
		OnFailure: func(sessionName string, locked bool) {
			log.Warn("pin verification failed", "session", sessionName, "locked", locked)
			if locked {
				audit.LogPINLockout(context.Background(), sessionName)
			} else {
				audit.LogPINFailure(context.Background(), sessionName)
			}
		},
	}, nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0600); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	return nil
}
