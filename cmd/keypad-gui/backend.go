package main

import (
	"fmt"
	"sync"
	"time"

	"keypad/internal/config"
	"keypad/internal/ipc"
	"keypad/pkg/entry"
	"keypad/pkg/policy"
)

// localBackend drives an in-process entry control, no daemon involved.
// Session definitions from the config still apply: the edit policy
// gates keystrokes and the commit checks gate Commit.
type localBackend struct {
	label   string
	control *entry.Control
	check   policy.CommitCheck
}

func newLocalBackend(cfg *config.Config, name string) (*localBackend, error) {
	b := &localBackend{
		label:   "standalone",
		control: entry.New(),
	}
	if name == "" {
		return b, nil
	}

	def, ok := cfg.Session(name)
	if !ok {
		return nil, fmt.Errorf("session %q is not defined", name)
	}
	if def.Secret {
		return nil, fmt.Errorf("session %q is secret and needs a running keypadd", name)
	}

	b.label = name + " (standalone)"
	if def.Initial != "" {
		if !entry.Valid(def.Initial) {
			return nil, fmt.Errorf("session %q: invalid initial text %q", name, def.Initial)
		}
		b.control = entry.NewWithText(def.Initial)
	}

	if def.Policy != "" {
		specs, err := policy.MergeRules(cfg.Policies.Rules, cfg.Policies.RulesFile)
		if err != nil {
			return nil, err
		}
		registry := policy.NewRegistry()
		if err := registry.Replace(specs); err != nil {
			return nil, err
		}
		p, err := registry.Active(def.Policy)
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", name, err)
		}
		b.control.SetPolicy(p)
	}

	var checks []policy.CommitCheck
	if def.ExactLen > 0 {
		checks = append(checks, policy.ExactLen(def.ExactLen))
	}
	if def.MinLen > 0 {
		checks = append(checks, policy.MinLen(def.MinLen))
	}
	if def.MinValue > 0 {
		checks = append(checks, policy.MinValue(def.MinValue))
	}
	if len(checks) > 0 {
		b.check = policy.AllChecks(checks...)
	}
	return b, nil
}

func (b *localBackend) Label() string { return b.label }

func (b *localBackend) Text() string { return b.control.Text() }

func (b *localBackend) Press(digit byte) (bool, error) {
	if digit < '0' || digit > '9' {
		return false, fmt.Errorf("not a digit: %q", digit)
	}
	res := b.control.AppendDigit(digit)
	return res.Applied, nil
}

func (b *localBackend) Delete() (bool, error) {
	res := b.control.DeleteTail()
	return res.Applied, nil
}

func (b *localBackend) Commit() (string, error) {
	text := b.control.Text()
	if b.check != nil {
		if err := b.check.CheckCommit(text); err != nil {
			return "", err
		}
	}
	b.control.ResetZero()
	return text, nil
}

func (b *localBackend) Reset() error {
	b.control.ResetZero()
	return nil
}

// daemonBackend drives a keypadd session over the control socket. The
// cached text tracks both our own edits and edits made by other
// clients, via the event stream.
type daemonBackend struct {
	client  *ipc.IPCClient
	session string

	mu       sync.RWMutex
	text     string
	onChange func()
}

func newDaemonBackend(cfg *config.Config, session string) (*daemonBackend, error) {
	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath:     cfg.SocketPath(),
		ClientName:     "keypad-gui",
		ClientVersion:  Version,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		AutoReconnect:  true,
		ReconnectWait:  time.Second,
		MaxReconnect:   5,
	})
	if err := client.Connect(); err != nil {
		return nil, err
	}

	open, err := client.OpenSession(session)
	if err != nil {
		client.Close()
		return nil, err
	}

	b := &daemonBackend{
		client:  client,
		session: session,
		text:    open.Session.Text,
	}
	client.SetEventHandler(b.handleEvent)
	if err := client.Subscribe(); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// OnChange registers the redraw trigger invoked when the session text
// changes underneath us.
func (b *daemonBackend) OnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *daemonBackend) handleEvent(ev *ipc.Event) {
	if ev.Session != b.session {
		return
	}
	switch ev.Type {
	case ipc.EventEditApplied, ipc.EventReset:
		b.setText(ev.Text)
	case ipc.EventCommitted:
		// The session display resets to "0" on commit.
		b.setText(entry.Zero)
	default:
		return
	}

	b.mu.RLock()
	fn := b.onChange
	b.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (b *daemonBackend) Label() string { return b.session + " @ keypadd" }

func (b *daemonBackend) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.text
}

func (b *daemonBackend) setText(text string) {
	b.mu.Lock()
	b.text = text
	b.mu.Unlock()
}

func (b *daemonBackend) Press(digit byte) (bool, error) {
	resp, err := b.client.Press(b.session, digit)
	if err != nil {
		return false, err
	}
	b.setText(resp.Text)
	return resp.Applied, nil
}

func (b *daemonBackend) Delete() (bool, error) {
	resp, err := b.client.Delete(b.session)
	if err != nil {
		return false, err
	}
	b.setText(resp.Text)
	return resp.Applied, nil
}

func (b *daemonBackend) Commit() (string, error) {
	resp, err := b.client.Commit(b.session)
	if err != nil {
		return "", err
	}
	b.setText(entry.Zero)
	return resp.Value, nil
}

func (b *daemonBackend) Reset() error {
	resp, err := b.client.Reset(b.session, "")
	if err != nil {
		return err
	}
	b.setText(resp.Text)
	return nil
}

func (b *daemonBackend) Close() {
	b.client.Close()
}
