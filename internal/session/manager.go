// Package session manages named entry sessions for keypadd.
//
// A session wraps one entry.Control with the policy, commit checks and
// secrecy declared in its Definition. The Manager owns every open
// session, serializes edits per session, records commits and rejections
// in the journal, updates metrics and fans events out to subscribers.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"keypad/internal/journal"
	"keypad/internal/logging"
	"keypad/internal/metrics"
	"keypad/internal/pin"
	"keypad/pkg/entry"
	"keypad/pkg/policy"
)

var (
	// ErrNotDefined reports an Open for a name with no definition.
	ErrNotDefined = errors.New("session not defined")

	// ErrNotOpen reports an operation on a name with no open session.
	ErrNotOpen = errors.New("session not open")

	// ErrNotDigit reports a press with a byte outside '0'..'9'.
	ErrNotDigit = errors.New("not a digit")

	// ErrBadResetText reports a Reset with invalid display text.
	ErrBadResetText = errors.New("invalid reset text")

	// ErrPINMismatch reports a secret-session commit whose text did not
	// verify against the configured PIN.
	ErrPINMismatch = errors.New("pin mismatch")

	// ErrPINLocked reports a secret-session commit refused because the
	// session is in failure lockout.
	ErrPINLocked = errors.New("pin locked")

	// ErrNoPIN reports a secret-session commit with no verifier
	// configured.
	ErrNoPIN = errors.New("no pin verifier configured")
)

// PINGate verifies secret-session commits against a stored PIN
// verifier, with per-session failure limiting.
type PINGate struct {
	// Verifier is the PHC-encoded Argon2id verifier.
	Verifier string

	// Limiter throttles repeated failures, nil for no limiting.
	Limiter *pin.Limiter

	// OnFailure is told about every denied attempt. locked reports
	// whether the session is in lockout after the attempt. Nil to
	// disable.
	OnFailure func(session string, locked bool)
}

// check verifies text against the gate for the named session.
func (g *PINGate) check(name, text string) error {
	if g == nil || g.Verifier == "" {
		return ErrNoPIN
	}
	if g.Limiter != nil {
		if remaining, locked := g.Limiter.Locked(name); locked {
			g.failure(name, true)
			return fmt.Errorf("%w: retry in %s", ErrPINLocked, remaining.Round(time.Second))
		}
	}
	ok, err := pin.Verify(text, g.Verifier)
	if err != nil {
		return fmt.Errorf("pin verifier: %w", err)
	}
	if !ok {
		if g.Limiter != nil {
			delay := g.Limiter.Fail(name)
			if _, locked := g.Limiter.Locked(name); locked {
				g.failure(name, true)
				return fmt.Errorf("%w: locked for %s", ErrPINMismatch, delay.Round(time.Second))
			}
			g.failure(name, false)
			return fmt.Errorf("%w: retry in %s", ErrPINMismatch, delay)
		}
		g.failure(name, false)
		return ErrPINMismatch
	}
	if g.Limiter != nil {
		g.Limiter.Success(name)
	}
	return nil
}

func (g *PINGate) failure(name string, locked bool) {
	if g.OnFailure != nil {
		g.OnFailure(name, locked)
	}
}

// Options configures a Manager. Zero-value fields fall back to
// package defaults; Journal, Notifier, PIN and OnEvent may stay nil to
// disable the corresponding behavior.
type Options struct {
	// Definitions are the sessions clients may open.
	Definitions []Definition

	// Registry resolves policy names, DefaultRegistry when nil.
	Registry *policy.Registry

	// Journal records commits and rejections, nil to disable.
	Journal *journal.Journal

	// Metrics receives counters and timings, a fresh registry when nil.
	Metrics *metrics.KeypadMetrics

	// Notifier receives rejected-edit feedback requests, nil to disable.
	Notifier RejectionNotifier

	// PIN gates secret-session commits. Secret sessions refuse commits
	// when nil.
	PIN *PINGate

	// OnEvent receives every session event, nil to disable.
	OnEvent func(Event)

	// Logger defaults to the process logger.
	Logger *logging.Logger
}

// Manager owns the open sessions of one daemon.
type Manager struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	sessions map[string]*session

	registry *policy.Registry
	journal  *journal.Journal
	metrics  *metrics.KeypadMetrics
	notifier RejectionNotifier
	pinGate  *PINGate
	onEvent  func(Event)
	log      *logging.Logger
}

// NewManager creates a Manager from opts.
func NewManager(opts Options) *Manager {
	m := &Manager{
		defs:     make(map[string]Definition),
		sessions: make(map[string]*session),
		registry: opts.Registry,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		pinGate:  opts.PIN,
		onEvent:  opts.OnEvent,
		log:      opts.Logger,
	}
	if m.registry == nil {
		m.registry = policy.DefaultRegistry
	}
	if m.metrics == nil {
		m.metrics = metrics.NewKeypadMetrics(nil)
	}
	if m.log == nil {
		m.log = logging.Default().WithComponent("session")
	}
	for _, def := range opts.Definitions {
		m.defs[def.Name] = def
	}
	return m
}

// Reconfigure replaces the session definitions and rebinds the policies
// of open sessions, so a rules reload takes effect without reopening.
// Open sessions whose definition disappeared keep running until closed.
func (m *Manager) Reconfigure(defs []Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.defs = make(map[string]Definition, len(defs))
	for _, def := range defs {
		m.defs[def.Name] = def
	}

	for name, s := range m.sessions {
		def, ok := m.defs[name]
		if !ok {
			m.log.Warn("open session lost its definition", "session", name)
			continue
		}
		s.mu.Lock()
		m.rebindLocked(s, def)
		s.mu.Unlock()
	}
}

// rebindLocked points s at the policy and commit checks its current
// definition names. Caller holds s.mu. An unchanged policy name is
// still re-resolved: a reload may rebuild the same name with new
// limits. A name that no longer resolves keeps the previous policy so
// a bad reload cannot silently drop a gate.
func (m *Manager) rebindLocked(s *session, def Definition) {
	s.check = def.commitCheck()
	if def.Policy == "" {
		s.control.SetPolicy(nil)
		s.policyName = ""
		return
	}
	p, err := m.registry.Active(def.Policy)
	if err != nil {
		m.log.Warn("keeping previous policy",
			"session", s.name, "policy", def.Policy, "error", err)
		return
	}
	s.control.SetPolicy(p)
	s.policyName = def.Policy
}

// Definitions returns the configured definitions sorted by name.
func (m *Manager) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]Definition, 0, len(m.defs))
	for _, def := range m.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Open opens the named session, instantiating it from its definition.
// Opening an already open session returns its current state unchanged.
func (m *Manager) Open(name string) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[name]; ok {
		s.mu.Lock()
		sum := s.summary()
		s.mu.Unlock()
		return sum, nil
	}

	def, ok := m.defs[name]
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrNotDefined, name)
	}

	initial := def.Initial
	if initial == "" {
		initial = entry.Zero
	}
	if !entry.Valid(initial) {
		return Summary{}, fmt.Errorf("session %s: initial text %q is not valid display text", name, initial)
	}

	s := &session{
		name:      name,
		control:   entry.NewWithText(initial),
		secret:    def.Secret,
		createdAt: time.Now(),
		check:     def.commitCheck(),
	}
	if def.Policy != "" {
		p, err := m.registry.Active(def.Policy)
		if err != nil {
			return Summary{}, fmt.Errorf("session %s: %w", name, err)
		}
		s.control.SetPolicy(p)
		s.policyName = def.Policy
	}

	m.sessions[name] = s
	m.metrics.SessionOpened()
	m.log.Info("session opened",
		"session", name, "policy", s.policyName, "secret", s.secret)
	return s.summary(), nil
}

// Get returns the state of an open session.
func (m *Manager) Get(name string) (Summary, error) {
	s, err := m.lookup(name)
	if err != nil {
		return Summary{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary(), nil
}

// List returns the open sessions sorted by name.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.summary())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close discards the named session and whatever it had entered.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, name)
	}
	delete(m.sessions, name)
	m.metrics.SessionClosed()
	m.log.Info("session closed", "session", name)
	return nil
}

// CloseAll discards every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.sessions {
		delete(m.sessions, name)
		m.metrics.SessionClosed()
	}
}

// lookup fetches an open session by name.
func (m *Manager) lookup(name string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, name)
	}
	return s, nil
}

// Press delivers one digit to the named session. Non-digit bytes are
// refused with ErrNotDigit rather than reaching the entry control.
func (m *Manager) Press(name string, digit byte) (EditResult, error) {
	if digit < '0' || digit > '9' {
		return EditResult{}, fmt.Errorf("%w: 0x%02x", ErrNotDigit, digit)
	}
	s, err := m.lookup(name)
	if err != nil {
		return EditResult{}, err
	}

	s.mu.Lock()
	now := time.Now()
	if !s.lastPress.IsZero() {
		m.metrics.RecordPressInterval(now.Sub(s.lastPress))
	}
	s.lastPress = now

	res := s.control.AppendDigit(digit)
	s.presses++
	if !res.Applied {
		s.rejected++
	}
	out := EditResult{Applied: res.Applied, Text: s.displayText(), Digits: s.control.Len()}
	policyName := s.policyName
	s.mu.Unlock()

	m.metrics.RecordPress(res.Applied)
	if res.Applied {
		m.emit(Event{Kind: EventApplied, Session: name, Op: journal.OpAppend, Text: out.Text, Digits: out.Digits, Time: now})
	} else {
		m.editRejected(name, journal.OpAppend, out, policyName, now)
	}
	return out, nil
}

// Delete removes the last digit from the named session.
func (m *Manager) Delete(name string) (EditResult, error) {
	s, err := m.lookup(name)
	if err != nil {
		return EditResult{}, err
	}

	s.mu.Lock()
	now := time.Now()
	res := s.control.DeleteTail()
	s.deletes++
	if !res.Applied {
		s.rejected++
	}
	out := EditResult{Applied: res.Applied, Text: s.displayText(), Digits: s.control.Len()}
	policyName := s.policyName
	s.mu.Unlock()

	m.metrics.RecordDelete(res.Applied)
	if res.Applied {
		m.emit(Event{Kind: EventApplied, Session: name, Op: journal.OpDelete, Text: out.Text, Digits: out.Digits, Time: now})
	} else {
		m.editRejected(name, journal.OpDelete, out, policyName, now)
	}
	return out, nil
}

// editRejected records one refused edit: journal row, event, feedback.
func (m *Manager) editRejected(name, op string, out EditResult, policyName string, now time.Time) {
	m.emit(Event{Kind: EventRejected, Session: name, Op: op, Text: out.Text, Digits: out.Digits, Time: now})
	if m.journal != nil {
		_, err := m.journal.RecordRejection(&journal.Rejection{
			Session:    name,
			Op:         op,
			Digits:     out.Digits,
			Policy:     policyName,
			RejectedNs: now.UnixNano(),
		})
		if err != nil {
			m.metrics.RecordError()
			m.log.Error("journal rejection failed", "session", name, "error", err)
		}
	}
	if m.notifier != nil {
		m.notifier.EditRejected(name, op)
	}
	m.log.Debug("edit rejected", "session", name, "op", op, "digits", out.Digits)
}

// Text returns the display text of the named session, masked for
// secret sessions.
func (m *Manager) Text(name string) (TextInfo, error) {
	s, err := m.lookup(name)
	if err != nil {
		return TextInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return TextInfo{Text: s.displayText(), Digits: s.control.Len(), Masked: s.secret}, nil
}

// Commit finalizes the named session's current text. The commit checks
// run first; secret sessions then verify the text against the PIN gate.
// An accepted commit is journaled before the display resets to "0", so
// a journal failure leaves the entry intact. Refused commits keep the
// text for further editing.
func (m *Manager) Commit(name string) (CommitResult, error) {
	s, err := m.lookup(name)
	if err != nil {
		return CommitResult{}, err
	}

	now := time.Now()

	s.mu.Lock()
	text := s.control.Text()
	digits := s.control.Len()
	policyName := s.policyName
	secret := s.secret
	masked := s.displayText()

	if s.check != nil {
		if cerr := s.check.CheckCommit(text); cerr != nil {
			s.rejected++
			s.mu.Unlock()
			m.commitRefused(name, masked, policyName, digits, now)
			return CommitResult{}, cerr
		}
	}

	if secret {
		if gerr := m.pinGate.check(name, text); gerr != nil {
			if errors.Is(gerr, ErrPINMismatch) {
				m.metrics.RecordPinFailure()
			}
			s.rejected++
			s.mu.Unlock()
			m.commitRefused(name, masked, policyName, digits, now)
			return CommitResult{}, gerr
		}
	}

	var journalID int64
	if m.journal != nil {
		value := text
		if secret {
			value = ""
		}
		id, jerr := m.journal.RecordCommit(&journal.Commit{
			Session:     name,
			Value:       value,
			Digits:      digits,
			Secret:      secret,
			Policy:      policyName,
			CommittedNs: now.UnixNano(),
		})
		if jerr != nil {
			s.mu.Unlock()
			m.metrics.RecordError()
			return CommitResult{}, fmt.Errorf("journal commit: %w", jerr)
		}
		journalID = id
	}

	s.control.ResetZero()
	s.commits++
	s.lastPress = time.Time{}
	s.mu.Unlock()

	m.metrics.RecordCommit(time.Since(now), digits)

	out := CommitResult{
		Value:     maskIf(secret, text),
		Digits:    digits,
		Policy:    policyName,
		JournalID: journalID,
	}
	m.emit(Event{Kind: EventCommitted, Session: name, Op: journal.OpCommit, Text: out.Value, Digits: digits, Time: now})
	m.log.Info("committed",
		"session", name, "digits", digits, "policy", policyName, "journal_id", journalID)
	return out, nil
}

// commitRefused records one refused commit.
func (m *Manager) commitRefused(name, masked, policyName string, digits int, now time.Time) {
	m.metrics.RecordCommitRefused()
	m.emit(Event{Kind: EventRejected, Session: name, Op: journal.OpCommit, Text: masked, Digits: digits, Time: now})
	if m.journal != nil {
		_, err := m.journal.RecordRejection(&journal.Rejection{
			Session:    name,
			Op:         journal.OpCommit,
			Digits:     digits,
			Policy:     policyName,
			RejectedNs: now.UnixNano(),
		})
		if err != nil {
			m.metrics.RecordError()
			m.log.Error("journal rejection failed", "session", name, "error", err)
		}
	}
	if m.notifier != nil {
		m.notifier.EditRejected(name, journal.OpCommit)
	}
}

// Reset replaces the named session's text, bypassing the edit policy.
// Empty text resets to "0". The text must be valid display text.
func (m *Manager) Reset(name, text string) (TextInfo, error) {
	if text == "" {
		text = entry.Zero
	}
	if !entry.Valid(text) {
		return TextInfo{}, fmt.Errorf("%w: %q", ErrBadResetText, text)
	}
	s, err := m.lookup(name)
	if err != nil {
		return TextInfo{}, err
	}

	s.mu.Lock()
	now := time.Now()
	s.control.Reset(text)
	s.lastPress = time.Time{}
	out := TextInfo{Text: s.displayText(), Digits: s.control.Len(), Masked: s.secret}
	s.mu.Unlock()

	m.metrics.RecordReset()
	m.emit(Event{Kind: EventReset, Session: name, Op: "reset", Text: out.Text, Digits: out.Digits, Time: now})
	m.log.Info("session reset", "session", name, "digits", out.Digits)
	return out, nil
}

// SetPolicy binds the named registry policy to an open session,
// replacing whatever policy it had. The definition is not changed, so
// a reload rebinds the defined policy.
func (m *Manager) SetPolicy(name, policyName string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	p, err := m.registry.Active(policyName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.control.SetPolicy(p)
	s.policyName = policyName
	s.mu.Unlock()
	m.log.Info("policy bound", "session", name, "policy", policyName)
	return nil
}

// ClearPolicy removes the edit policy from an open session.
func (m *Manager) ClearPolicy(name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.control.SetPolicy(nil)
	s.policyName = ""
	s.mu.Unlock()
	m.log.Info("policy cleared", "session", name)
	return nil
}

// Metrics exposes the manager's metrics sink.
func (m *Manager) Metrics() *metrics.KeypadMetrics {
	return m.metrics
}

// emit delivers ev to the event callback when one is set.
func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

func maskIf(secret bool, text string) string {
	if secret {
		return strings.Repeat("*", len(text))
	}
	return text
}
