// Package metrics provides Prometheus-compatible metrics for keypadd.
package metrics

import (
	"time"
)

// KeypadMetrics holds all keypadd-specific metrics.
type KeypadMetrics struct {
	registry *Registry

	// Counters
	PressesTotal       *Counter
	DeletesTotal       *Counter
	EditsRejectedTotal *Counter
	CommitsTotal       *Counter
	CommitsRefused     *Counter
	ResetsTotal        *Counter
	PinFailuresTotal   *Counter
	ErrorsTotal        *Counter

	// Gauges
	OpenSessions     *Gauge
	ConnectedClients *Gauge
	JournalSizeBytes *Gauge
	UptimeSeconds    *Gauge
	LastCommitTs     *Gauge

	// Histograms
	CommitDuration *Histogram
	PressInterval  *Histogram
	CommitDigits   *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewKeypadMetrics creates and registers all keypadd metrics on the
// given registry.
func NewKeypadMetrics(registry *Registry) *KeypadMetrics {
	if registry == nil {
		registry = NewRegistry("keypad")
	}

	return &KeypadMetrics{
		registry: registry,

		PressesTotal: registry.RegisterCounter(
			"presses_total",
			"Total number of digit presses received",
			nil,
		),
		DeletesTotal: registry.RegisterCounter(
			"deletes_total",
			"Total number of delete operations received",
			nil,
		),
		EditsRejectedTotal: registry.RegisterCounter(
			"edits_rejected_total",
			"Total number of edits refused by policy",
			nil,
		),
		CommitsTotal: registry.RegisterCounter(
			"commits_total",
			"Total number of committed values",
			nil,
		),
		CommitsRefused: registry.RegisterCounter(
			"commits_refused_total",
			"Total number of commits refused by policy or PIN check",
			nil,
		),
		ResetsTotal: registry.RegisterCounter(
			"resets_total",
			"Total number of session resets",
			nil,
		),
		PinFailuresTotal: registry.RegisterCounter(
			"pin_failures_total",
			"Total number of failed PIN verifications",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		OpenSessions: registry.RegisterGauge(
			"open_sessions",
			"Number of sessions currently open",
			nil,
		),
		ConnectedClients: registry.RegisterGauge(
			"connected_clients",
			"Number of connected IPC clients",
			nil,
		),
		JournalSizeBytes: registry.RegisterGauge(
			"journal_size_bytes",
			"Size of the commit journal in bytes",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		LastCommitTs: registry.RegisterGauge(
			"last_commit_timestamp",
			"Unix timestamp of the last committed value",
			nil,
		),

		CommitDuration: registry.RegisterHistogram(
			"commit_duration_seconds",
			"Duration of the commit pipeline in seconds",
			nil,
			DurationBuckets,
		),
		PressInterval: registry.RegisterHistogram(
			"press_interval_seconds",
			"Time between digit presses in seconds",
			nil,
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		),
		CommitDigits: registry.RegisterHistogram(
			"commit_digits",
			"Number of digits in committed values",
			nil,
			DigitBuckets,
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *KeypadMetrics) Registry() *Registry {
	return m.registry
}

// RecordPress records a digit press, rejected when policy refused it.
func (m *KeypadMetrics) RecordPress(applied bool) {
	m.PressesTotal.Inc()
	if !applied {
		m.EditsRejectedTotal.Inc()
	}
}

// RecordPressInterval records the time since the previous press.
func (m *KeypadMetrics) RecordPressInterval(d time.Duration) {
	m.PressInterval.ObserveDuration(d)
}

// RecordDelete records a delete operation, rejected when policy refused it.
func (m *KeypadMetrics) RecordDelete(applied bool) {
	m.DeletesTotal.Inc()
	if !applied {
		m.EditsRejectedTotal.Inc()
	}
}

// RecordCommit records a successful commit.
func (m *KeypadMetrics) RecordCommit(duration time.Duration, digits int) {
	m.CommitsTotal.Inc()
	m.CommitDuration.ObserveDuration(duration)
	m.CommitDigits.Observe(float64(digits))
	m.LastCommitTs.Set(time.Now().Unix())
}

// RecordCommitRefused records a commit refused by policy or PIN check.
func (m *KeypadMetrics) RecordCommitRefused() {
	m.CommitsRefused.Inc()
}

// RecordReset records a session reset.
func (m *KeypadMetrics) RecordReset() {
	m.ResetsTotal.Inc()
}

// RecordPinFailure records a failed PIN verification.
func (m *KeypadMetrics) RecordPinFailure() {
	m.PinFailuresTotal.Inc()
}

// RecordError records an error.
func (m *KeypadMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SessionOpened records a session being opened.
func (m *KeypadMetrics) SessionOpened() {
	m.OpenSessions.Inc()
}

// SessionClosed records a session being closed.
func (m *KeypadMetrics) SessionClosed() {
	m.OpenSessions.Dec()
}

// ClientConnected records an IPC client connecting.
func (m *KeypadMetrics) ClientConnected() {
	m.ConnectedClients.Inc()
}

// ClientDisconnected records an IPC client disconnecting.
func (m *KeypadMetrics) ClientDisconnected() {
	m.ConnectedClients.Dec()
}

// SetJournalSize sets the journal size gauge.
func (m *KeypadMetrics) SetJournalSize(bytes int64) {
	m.JournalSizeBytes.Set(bytes)
}

// UpdateUptime updates the uptime gauge.
func (m *KeypadMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot refreshes uptime and returns the current value of every
// registered metric.
func (m *KeypadMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return m.registry.Snapshot()
}
