// Package config handles configuration loading and validation for keypadd.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a loader for the config file at path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load reads, parses, and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes. When the
// file is rewritten the configuration is reloaded, validated, and
// registered callbacks are invoked with the new value. Invalid
// rewrites are reported on Errors and the old configuration stays
// active.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory so editor rename-over-save is still seen.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()

	return nil
}

func (l *Loader) watchLoop() {
	// Debounce so one editor save does not trigger several reloads.
	var debounce *time.Timer
	const debounceDelay = 150 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

func (l *Loader) reload() {
	newCfg, err := Load(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("reload config: %w", err):
		default:
		}
		return
	}

	if err := newCfg.Validate(); err != nil {
		select {
		case l.errChan <- fmt.Errorf("reloaded config invalid: %w", err):
		default:
		}
		return
	}

	l.mu.Lock()
	l.config = newCfg
	callbacks := append([]func(*Config)(nil), l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(newCfg)
	}
}

// OnChange registers a callback invoked after each successful reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel carrying watch and reload errors.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// LoadFromEnv builds a configuration purely from defaults and
// KEYPAD_* environment variables. Useful for containerized runs
// with no config file.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads the configuration at path, writing a commented
// default file first if none exists. The second return reports
// whether a file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, true, err
		}
		return cfg, true, nil
	}

	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// SaveConfig writes cfg to path in the format matching its extension.
func SaveConfig(cfg *Config, path string) error {
	var data []byte
	var err error

	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// writeDefaultConfig writes the commented default TOML file.
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(defaultTOML()), 0600)
}

func defaultTOML() string {
	cfg := DefaultConfig()
	return fmt.Sprintf(`# keypadd configuration
# Version %d

version = %d

[daemon]
pid_file = %q
shutdown_timeout_sec = %d

[ipc]
enabled = true
socket_path = %q
permissions = "0600"
max_connections = %d
timeout_sec = %d

[logging]
# debug, info, warn, error
level = %q
# text or json
format = %q
# stdout, stderr, file, or both
output = %q
file_path = %q
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = true

[journal]
enabled = true
path = %q
max_connections = %d
busy_timeout_ms = %d
# 0 keeps commits forever
retention_days = %d

[policies]
# Inline rules. A JSON rules file can be layered on top:
# rules_file = "/etc/keypad/rules.json"
#
# [[policies.rules]]
# name = "atm-amount"
# type = "max-value"
# limit = 100000

# One block per session the daemon creates at startup.
[[sessions]]
name = "default"

[pin]
enabled = false
verifier_path = %q
max_attempts = %d
base_delay_ms = %d
max_delay_ms = %d
lockout_minutes = %d
time_cost = %d
memory_kib = %d
parallelism = %d

[feedback]
enabled = false
rate_limit_ms = %d

[metrics]
enabled = true

[gui]
session = %q
theme = %q
`,
		Version, cfg.Version,
		cfg.Daemon.PIDFile, cfg.Daemon.ShutdownTimeoutSec,
		cfg.IPC.SocketPath, cfg.IPC.MaxConnections, cfg.IPC.TimeoutSec,
		cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays,
		cfg.Journal.Path, cfg.Journal.MaxConnections, cfg.Journal.BusyTimeoutMs, cfg.Journal.RetentionDays,
		cfg.PIN.VerifierPath, cfg.PIN.MaxAttempts, cfg.PIN.BaseDelayMs, cfg.PIN.MaxDelayMs,
		cfg.PIN.LockoutMinutes, cfg.PIN.TimeCost, cfg.PIN.MemoryKiB, cfg.PIN.Parallelism,
		cfg.Feedback.RateLimitMs,
		cfg.GUI.Session, cfg.GUI.Theme,
	)
}
