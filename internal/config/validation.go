// Package config handles configuration loading and validation for keypadd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"keypad/pkg/entry"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	nameRE        = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	permissionsRE = regexp.MustCompile(`^0[0-7]{3}$`)
)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDaemon(&c.Daemon)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validatePolicies(&c.Policies)...)
	errs = append(errs, validateSessions(c)...)
	errs = append(errs, validatePIN(&c.PIN)...)
	errs = append(errs, validateFeedback(&c.Feedback)...)
	errs = append(errs, validateGUI(c)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDaemon(d *DaemonConfig) ValidationErrors {
	var errs ValidationErrors

	if d.ShutdownTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "daemon.shutdown_timeout_sec",
			Message: "shutdown timeout must be at least 1 second",
		})
	}
	if d.ShutdownTimeoutSec > 300 {
		errs = append(errs, ValidationError{
			Field:   "daemon.shutdown_timeout_sec",
			Message: "shutdown timeout cannot exceed 300 seconds",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" && !permissionsRE.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if i.MaxConnections > 128 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections cannot exceed 128",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
		if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	for i, pattern := range l.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("logging.redact_patterns[%d]", i),
				Message: fmt.Sprintf("invalid pattern: %v", err),
			})
		}
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if !j.Enabled {
		return errs
	}

	if j.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.path",
			Message: "database path is required when the journal is enabled",
		})
	} else {
		// The parent may not exist yet, but it must not be a file.
		dir := filepath.Dir(expandPath(j.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err == nil && !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "journal.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if j.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "journal.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if j.MaxConnections > 64 {
		errs = append(errs, ValidationError{
			Field:   "journal.max_connections",
			Message: "max connections cannot exceed 64",
		})
	}

	if j.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	if j.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.retention_days",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validatePolicies(p *PoliciesConfig) ValidationErrors {
	var errs ValidationErrors

	seen := make(map[string]bool)
	for i, spec := range p.Rules {
		if seen[spec.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policies.rules[%d]", i),
				Message: fmt.Sprintf("duplicate policy name: %s", spec.Name),
			})
			continue
		}
		seen[spec.Name] = true

		if _, err := spec.Build(); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("policies.rules[%d]", i),
				Message: err.Error(),
			})
		}
	}

	if p.RulesFile != "" && filepath.Ext(p.RulesFile) != ".json" {
		errs = append(errs, ValidationError{
			Field:   "policies.rules_file",
			Message: fmt.Sprintf("rules file must be JSON: %s", p.RulesFile),
		})
	}

	return errs
}

func validateSessions(c *Config) ValidationErrors {
	var errs ValidationErrors

	inline := make(map[string]bool)
	for _, spec := range c.Policies.Rules {
		inline[spec.Name] = true
	}

	seen := make(map[string]bool)
	for i, s := range c.Sessions {
		field := func(sub string) string {
			return fmt.Sprintf("sessions[%d].%s", i, sub)
		}

		if !nameRE.MatchString(s.Name) {
			errs = append(errs, ValidationError{
				Field:   field("name"),
				Message: fmt.Sprintf("invalid session name: %q", s.Name),
			})
		}
		if seen[s.Name] {
			errs = append(errs, ValidationError{
				Field:   field("name"),
				Message: fmt.Sprintf("duplicate session name: %s", s.Name),
			})
		}
		seen[s.Name] = true

		// Policies from a rules file are unknown until the daemon
		// loads them, so existence is only checked for inline rules.
		if s.Policy != "" && c.Policies.RulesFile == "" && !inline[s.Policy] {
			errs = append(errs, ValidationError{
				Field:   field("policy"),
				Message: fmt.Sprintf("references unknown policy: %s", s.Policy),
			})
		}

		if s.Initial != "" && !entry.Valid(s.Initial) {
			errs = append(errs, ValidationError{
				Field:   field("initial"),
				Message: fmt.Sprintf("invalid initial text: %q", s.Initial),
			})
		}

		if s.ExactLen < 0 || s.ExactLen > 20 {
			errs = append(errs, ValidationError{
				Field:   field("exact_len"),
				Message: "exact length must be between 0 and 20",
			})
		}
		if s.MinLen < 0 || s.MinLen > 20 {
			errs = append(errs, ValidationError{
				Field:   field("min_len"),
				Message: "minimum length must be between 0 and 20",
			})
		}
		if s.ExactLen > 0 && s.MinLen > 0 {
			errs = append(errs, ValidationError{
				Field:   field("min_len"),
				Message: "exact_len and min_len cannot both be set",
			})
		}
	}

	return errs
}

func validatePIN(p *PINConfig) ValidationErrors {
	var errs ValidationErrors

	if !p.Enabled {
		return errs
	}

	if p.VerifierPath == "" {
		errs = append(errs, ValidationError{
			Field:   "pin.verifier_path",
			Message: "verifier path is required when PIN is enabled",
		})
	}

	if p.MaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "pin.max_attempts",
			Message: "max attempts must be at least 1",
		})
	}
	if p.MaxAttempts > 100 {
		errs = append(errs, ValidationError{
			Field:   "pin.max_attempts",
			Message: "max attempts cannot exceed 100",
		})
	}

	if p.BaseDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "pin.base_delay_ms",
			Message: "base delay cannot be negative",
		})
	}
	if p.MaxDelayMs < p.BaseDelayMs {
		errs = append(errs, ValidationError{
			Field:   "pin.max_delay_ms",
			Message: "max delay must be >= base delay",
		})
	}

	if p.LockoutMinutes < 1 {
		errs = append(errs, ValidationError{
			Field:   "pin.lockout_minutes",
			Message: "lockout must be at least 1 minute",
		})
	}

	if p.TimeCost < 1 {
		errs = append(errs, ValidationError{
			Field:   "pin.time_cost",
			Message: "time cost must be at least 1",
		})
	}
	if p.MemoryKiB < 8*1024 {
		errs = append(errs, ValidationError{
			Field:   "pin.memory_kib",
			Message: "memory must be at least 8192 KiB",
		})
	}
	if p.Parallelism < 1 {
		errs = append(errs, ValidationError{
			Field:   "pin.parallelism",
			Message: "parallelism must be at least 1",
		})
	}

	return errs
}

func validateFeedback(f *FeedbackConfig) ValidationErrors {
	var errs ValidationErrors

	if f.RateLimitMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "feedback.rate_limit_ms",
			Message: "rate limit cannot be negative",
		})
	}

	return errs
}

func validateGUI(c *Config) ValidationErrors {
	var errs ValidationErrors

	switch c.GUI.Theme {
	case "", "light", "dark":
	default:
		errs = append(errs, ValidationError{
			Field:   "gui.theme",
			Message: fmt.Sprintf("invalid theme: %s (valid: light, dark)", c.GUI.Theme),
		})
	}

	// The session is resolved against the daemon at runtime, so only
	// the name shape is checked here.
	if c.GUI.Session != "" && !nameRE.MatchString(c.GUI.Session) {
		errs = append(errs, ValidationError{
			Field:   "gui.session",
			Message: fmt.Sprintf("invalid session name: %q", c.GUI.Session),
		})
	}

	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
