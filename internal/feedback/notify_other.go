//go:build !linux

package feedback

import (
	"keypad/internal/config"
	"keypad/internal/logging"
)

// New returns a Noop on platforms without a desktop notification bus.
func New(cfg config.FeedbackConfig, log *logging.Logger) Notifier {
	if cfg.Enabled && log != nil {
		log.Warn("desktop notifications are not supported on this platform")
	}
	return Noop{}
}
