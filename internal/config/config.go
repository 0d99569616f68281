// Package config handles configuration loading and validation for keypadd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"keypad/pkg/policy"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the root configuration for keypadd and its clients.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Daemon configures process-level daemon behavior.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`

	// IPC configures the client-facing control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Logging configures structured log output.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Journal configures the commit journal database.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Policies configures named entry policies, inline or from a rules file.
	Policies PoliciesConfig `toml:"policies" json:"policies" yaml:"policies"`

	// Sessions declares the entry sessions the daemon creates at startup.
	Sessions []SessionConfig `toml:"sessions" json:"sessions" yaml:"sessions"`

	// PIN configures verifier-backed commit confirmation.
	PIN PINConfig `toml:"pin" json:"pin" yaml:"pin"`

	// Feedback configures desktop notifications for rejected keys.
	Feedback FeedbackConfig `toml:"feedback" json:"feedback" yaml:"feedback"`

	// Metrics configures operational counters.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// GUI configures the keypad front end.
	GUI GUIConfig `toml:"gui" json:"gui" yaml:"gui"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// DaemonConfig holds process-level daemon settings.
type DaemonConfig struct {
	// PIDFile is where keypadd records its process ID.
	// Empty disables the PID file.
	PIDFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`

	// ShutdownTimeoutSec bounds how long shutdown waits for open
	// client connections to drain before closing them.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// IPCConfig holds control socket settings.
type IPCConfig struct {
	// Enabled turns the control socket on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the unix socket clients connect to.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal mode applied to the socket, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections caps concurrently connected clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request read/write deadline in seconds.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the entry encoding: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where entries go: stdout, stderr, file, or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the rotation threshold for the active log file.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactPatterns are regular expressions scrubbed from log values.
	RedactPatterns []string `toml:"redact_patterns" json:"redact_patterns" yaml:"redact_patterns"`
}

// JournalConfig holds commit journal settings.
type JournalConfig struct {
	// Enabled turns commit journaling on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the sqlite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxConnections caps pooled database connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// BusyTimeoutMs is the sqlite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// RetentionDays is how long committed entries are kept.
	// Zero keeps them forever.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// PoliciesConfig holds named entry policy definitions.
type PoliciesConfig struct {
	// Rules are inline policy definitions.
	Rules []policy.Spec `toml:"rules" json:"rules" yaml:"rules"`

	// RulesFile is an optional JSON rules file loaded in addition to
	// inline rules. File definitions win on name collisions.
	RulesFile string `toml:"rules_file" json:"rules_file" yaml:"rules_file"`
}

// SessionConfig declares one entry session created at daemon startup.
type SessionConfig struct {
	// Name identifies the session to clients.
	Name string `toml:"name" json:"name" yaml:"name"`

	// Policy is the name of the entry policy gating edits.
	// Empty means every edit is accepted.
	Policy string `toml:"policy" json:"policy" yaml:"policy"`

	// Secret marks the session value as sensitive. Secret text is
	// masked in events, logged only as a digit count, and redacted
	// in the journal.
	Secret bool `toml:"secret" json:"secret" yaml:"secret"`

	// Initial is the starting display text. Empty means "0".
	Initial string `toml:"initial" json:"initial" yaml:"initial"`

	// ExactLen requires committed values to have exactly this many
	// digits. Zero disables the check.
	ExactLen int `toml:"exact_len" json:"exact_len" yaml:"exact_len"`

	// MinLen requires committed values to have at least this many
	// digits. Zero disables the check.
	MinLen int `toml:"min_len" json:"min_len" yaml:"min_len"`

	// MinValue requires committed values to be at least this large.
	// Zero disables the check.
	MinValue uint64 `toml:"min_value" json:"min_value" yaml:"min_value"`
}

// PINConfig holds verifier-backed commit confirmation settings.
type PINConfig struct {
	// Enabled requires a matching PIN before secret commits succeed.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// VerifierPath is the file holding the encoded PIN verifier.
	VerifierPath string `toml:"verifier_path" json:"verifier_path" yaml:"verifier_path"`

	// MaxAttempts is how many consecutive failures trigger lockout.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`

	// BaseDelayMs is the first backoff delay after a failure.
	BaseDelayMs int `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`

	// MaxDelayMs caps the backoff delay.
	MaxDelayMs int `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`

	// LockoutMinutes is how long verification stays locked after
	// MaxAttempts consecutive failures.
	LockoutMinutes int `toml:"lockout_minutes" json:"lockout_minutes" yaml:"lockout_minutes"`

	// TimeCost is the argon2id time parameter.
	TimeCost uint32 `toml:"time_cost" json:"time_cost" yaml:"time_cost"`

	// MemoryKiB is the argon2id memory parameter.
	MemoryKiB uint32 `toml:"memory_kib" json:"memory_kib" yaml:"memory_kib"`

	// Parallelism is the argon2id thread parameter.
	Parallelism uint8 `toml:"parallelism" json:"parallelism" yaml:"parallelism"`
}

// FeedbackConfig holds desktop notification settings.
type FeedbackConfig struct {
	// Enabled turns rejection notifications on. Off by default.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// RateLimitMs is the minimum gap between notifications.
	RateLimitMs int `toml:"rate_limit_ms" json:"rate_limit_ms" yaml:"rate_limit_ms"`
}

// MetricsConfig holds operational counter settings.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// GUIConfig holds keypad front end settings.
type GUIConfig struct {
	// Session is the daemon session the keypad drives.
	Session string `toml:"session" json:"session" yaml:"session"`

	// Theme selects the palette: light or dark.
	Theme string `toml:"theme" json:"theme" yaml:"theme"`
}

// DefaultConfig returns a configuration with sane defaults for the
// current platform.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	return &Config{
		Version: Version,
		Daemon: DaemonConfig{
			PIDFile:            paths.PIDFile,
			ShutdownTimeoutSec: 10,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "file",
			FilePath:   filepath.Join(paths.LogDir, "keypadd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Journal: JournalConfig{
			Enabled:        true,
			Path:           paths.JournalFile,
			MaxConnections: 4,
			BusyTimeoutMs:  5000,
			RetentionDays:  90,
		},
		Sessions: []SessionConfig{
			{Name: "default"},
		},
		PIN: PINConfig{
			Enabled:        false,
			VerifierPath:   paths.VerifierFile,
			MaxAttempts:    5,
			BaseDelayMs:    250,
			MaxDelayMs:     30000,
			LockoutMinutes: 15,
			TimeCost:       2,
			MemoryKiB:      64 * 1024,
			Parallelism:    2,
		},
		Feedback: FeedbackConfig{
			Enabled:     false,
			RateLimitMs: 500,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		GUI: GUIConfig{
			Session: "default",
			Theme:   "dark",
		},
	}
}

// ConfigPath returns the path of the configuration file.
// KEYPAD_CONFIG overrides the platform default.
func ConfigPath() string {
	if p := os.Getenv("KEYPAD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// KeypadDir returns the data directory.
// KEYPAD_DATA_DIR overrides the platform default.
func KeypadDir() string {
	if dir := os.Getenv("KEYPAD_DATA_DIR"); dir != "" {
		return dir
	}
	return PlatformDataDir()
}

// Load reads the configuration file at path. An empty path means
// ConfigPath(). A missing file yields defaults. The format follows
// the file extension; unknown extensions decode as TOML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies KEYPAD_* environment variables on top of
// the loaded values.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYPAD_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("KEYPAD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYPAD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("KEYPAD_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("KEYPAD_JOURNAL"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("KEYPAD_RULES"); v != "" {
		c.Policies.RulesFile = v
	}
	if v := os.Getenv("KEYPAD_PIN_VERIFIER"); v != "" {
		c.PIN.VerifierPath = v
	}
	if v := os.Getenv("KEYPAD_METRICS"); v != "" {
		c.Metrics.Enabled = envBool(v, c.Metrics.Enabled)
	}
	if v := os.Getenv("KEYPAD_FEEDBACK"); v != "" {
		c.Feedback.Enabled = envBool(v, c.Feedback.Enabled)
	}
}

func envBool(v string, fallback bool) bool {
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configuration refers
// to, with owner-only permissions.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	dirs := []string{KeypadDir()}
	if c.Journal.Enabled && c.Journal.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.IPC.Enabled && c.IPC.SocketPath != "" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	if c.PIN.Enabled && c.PIN.VerifierPath != "" {
		dirs = append(dirs, filepath.Dir(c.PIN.VerifierPath))
	}
	if c.Daemon.PIDFile != "" {
		dirs = append(dirs, filepath.Dir(c.Daemon.PIDFile))
	}
	c.mu.RUnlock()

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SocketPath returns the control socket path.
func (c *Config) SocketPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.IPC.SocketPath != "" {
		return c.IPC.SocketPath
	}
	return GetDefaultPaths().SocketPath
}

// PIDFile returns the daemon PID file path, which may be empty.
func (c *Config) PIDFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Daemon.PIDFile
}

// JournalPath returns the commit journal database path.
func (c *Config) JournalPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return GetDefaultPaths().JournalFile
}

// VerifierPath returns the PIN verifier file path.
func (c *Config) VerifierPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.PIN.VerifierPath != "" {
		return c.PIN.VerifierPath
	}
	return GetDefaultPaths().VerifierFile
}

// Session returns the declared session with the given name.
func (c *Config) Session(name string) (SessionConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Sessions {
		if s.Name == name {
			return s, true
		}
	}
	return SessionConfig{}, false
}

// SessionNames returns the declared session names, sorted.
func (c *Config) SessionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Sessions))
	for _, s := range c.Sessions {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy safe to mutate independently.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Daemon:   c.Daemon,
		IPC:      c.IPC,
		Logging:  c.Logging,
		Journal:  c.Journal,
		Policies: c.Policies,
		PIN:      c.PIN,
		Feedback: c.Feedback,
		Metrics:  c.Metrics,
		GUI:      c.GUI,
	}

	if len(c.Logging.RedactPatterns) > 0 {
		clone.Logging.RedactPatterns = append([]string(nil), c.Logging.RedactPatterns...)
	}
	if len(c.Policies.Rules) > 0 {
		clone.Policies.Rules = append([]policy.Spec(nil), c.Policies.Rules...)
	}
	if len(c.Sessions) > 0 {
		clone.Sessions = append([]SessionConfig(nil), c.Sessions...)
	}
	return clone
}
