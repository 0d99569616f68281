//go:build linux

package feedback

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"keypad/internal/config"
	"keypad/internal/logging"
)

const (
	notifyService   = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"

	// notifyExpireMs is how long a rejection notification stays up.
	notifyExpireMs = int32(1500)
)

// desktopNotifier raises freedesktop notifications on the session bus.
type desktopNotifier struct {
	conn *dbus.Conn
	gate *gate
	log  *logging.Logger

	mu sync.Mutex
	// lastID replaces the previous notification so repeated rejections
	// update one popup instead of stacking.
	lastID uint32
}

// New builds the notifier the configuration asks for. Disabled
// feedback, or a desktop without a session bus, yields a Noop.
func New(cfg config.FeedbackConfig, log *logging.Logger) Notifier {
	if !cfg.Enabled {
		return Noop{}
	}
	if log == nil {
		log = logging.Default().WithComponent("feedback")
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		log.Warn("desktop notifications unavailable", "error", err)
		return Noop{}
	}
	return &desktopNotifier{
		conn: conn,
		gate: newGate(time.Duration(cfg.RateLimitMs) * time.Millisecond),
		log:  log,
	}
}

func (n *desktopNotifier) EditRejected(session, op string) {
	if !n.gate.allow() {
		return
	}
	summary, body := message(session, op)

	n.mu.Lock()
	replaces := n.lastID
	n.mu.Unlock()

	obj := n.conn.Object(notifyService, notifyPath)
	call := obj.Call(notifyInterface+".Notify", 0,
		"keypadd",                    // app name
		replaces,                     // replaces id
		"dialog-error",               // icon
		summary,                      // summary
		body,                         // body
		[]string{},                   // actions
		map[string]dbus.Variant{},    // hints
		notifyExpireMs,               // expire timeout
	)
	if call.Err != nil {
		n.log.Warn("notification failed", "error", call.Err)
		return
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		n.log.Warn("notification reply", "error", fmt.Errorf("store id: %w", err))
		return
	}
	n.mu.Lock()
	n.lastID = id
	n.mu.Unlock()
}

func (n *desktopNotifier) Close() error {
	return n.conn.Close()
}
