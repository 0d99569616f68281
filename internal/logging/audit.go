package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType classifies a security-relevant daemon event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup       AuditEventType = "startup"
	AuditEventShutdown      AuditEventType = "shutdown"
	AuditEventSessionOpen   AuditEventType = "session_open"
	AuditEventSessionClose  AuditEventType = "session_close"
	AuditEventCommit        AuditEventType = "commit"
	AuditEventCommitRefused AuditEventType = "commit_refused"
	AuditEventConfigReload  AuditEventType = "config_reload"
	AuditEventPINFailure    AuditEventType = "pin_failure"
	AuditEventPINLockout    AuditEventType = "pin_lockout"
	AuditEventError         AuditEventType = "error"
)

// AuditEvent is one entry in the audit trail. Events carry digit counts
// and session names, never entered digits.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Session   string         `json:"session,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"` // "success", "failure", "denied"
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditConfig holds configuration for the audit trail.
type AuditConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before rotated files are deleted.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// Component is stamped on events that do not set their own.
	Component string
}

// DefaultAuditConfig returns the default audit trail configuration.
// Audit retention outlives debug log retention: lockouts and refused
// commits are reviewed long after the surrounding chatter is gone.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		FilePath:   defaultAuditPath(),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 6,
		Compress:   true,
		Component:  "keypadd",
	}
}

// defaultAuditPath returns the platform-specific default audit log path.
func defaultAuditPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "keypad", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "keypad", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "keypad", "audit.log")
	}
}

// AuditLog writes the audit trail as JSON lines to a rotated file,
// separate from the debug log so a level change never drops it.
// A nil *AuditLog discards events, so callers need no guards when
// auditing is unavailable.
type AuditLog struct {
	config  *AuditConfig
	rotator *Rotator
	mu      sync.Mutex
}

// NewAuditLog creates an AuditLog writing to cfg.FilePath.
func NewAuditLog(cfg *AuditConfig) (*AuditLog, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	if cfg.FilePath == "" {
		cfg.FilePath = defaultAuditPath()
	}

	rotator, err := NewRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLog{config: cfg, rotator: rotator}, nil
}

// Log writes an audit event, filling timestamp, component and request
// ID when the caller left them empty.
func (a *AuditLog) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogStartup records a daemon start.
func (a *AuditLog) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown records a daemon stop and the signal or cause behind it.
func (a *AuditLog) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details:   map[string]any{"reason": reason},
	})
}

// LogSessionOpen records an entry session becoming live.
func (a *AuditLog) LogSessionOpen(ctx context.Context, session, policyName string) error {
	ev := AuditEvent{
		EventType: AuditEventSessionOpen,
		Action:    "session_opened",
		Result:    "success",
		Session:   session,
	}
	if policyName != "" {
		ev.Details = map[string]any{"policy": policyName}
	}
	return a.Log(ctx, ev)
}

// LogSessionClose records an entry session closing, with its lifetime
// commit count.
func (a *AuditLog) LogSessionClose(ctx context.Context, session string, commits uint64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionClose,
		Action:    "session_closed",
		Result:    "success",
		Session:   session,
		Details:   map[string]any{"commits": commits},
	})
}

// LogCommit records a committed value as its digit count.
func (a *AuditLog) LogCommit(ctx context.Context, session string, digits int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCommit,
		Action:    "value_committed",
		Result:    "success",
		Session:   session,
		Details:   map[string]any{"digits": digits},
	})
}

// LogCommitRefused records a commit the session's checks bounced.
func (a *AuditLog) LogCommitRefused(ctx context.Context, session string, digits int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCommitRefused,
		Action:    "commit_refused",
		Result:    "denied",
		Session:   session,
		Details:   map[string]any{"digits": digits},
	})
}

// LogConfigReload records an applied configuration reload.
func (a *AuditLog) LogConfigReload(ctx context.Context, source string, policies, sessions int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigReload,
		Action:    "config_reloaded",
		Result:    "success",
		Details: map[string]any{
			"source":   source,
			"policies": policies,
			"sessions": sessions,
		},
	})
}

// LogPINFailure records a failed PIN verification.
func (a *AuditLog) LogPINFailure(ctx context.Context, session string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPINFailure,
		Action:    "pin_verify",
		Result:    "failure",
		Session:   session,
	})
}

// LogPINLockout records a session entering failure lockout.
func (a *AuditLog) LogPINLockout(ctx context.Context, session string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPINLockout,
		Action:    "pin_lockout",
		Result:    "denied",
		Session:   session,
	})
}

// LogError records a failed security-relevant operation.
func (a *AuditLog) LogError(ctx context.Context, action string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    action,
		Result:    "failure",
		Error:     err.Error(),
	})
}

// Close closes the audit trail.
func (a *AuditLog) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes buffered audit events.
func (a *AuditLog) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
