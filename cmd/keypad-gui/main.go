// keypad-gui is a desktop keypad for keypadd entry sessions.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"gioui.org/app"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget/material"

	"keypad/cmd/keypad-gui/internal/theme"
	"keypad/cmd/keypad-gui/internal/ui"
	"keypad/internal/config"
	"keypad/internal/logging"
)

// Version is stamped at build time.
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	sessionName := flag.String("session", "", "session to drive")
	themeName := flag.String("theme", "", "theme variant, dark or light")
	standalone := flag.Bool("standalone", false, "run without a daemon")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.SetDefaultCrashHandler(logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  filepath.Join(config.KeypadDir(), "crashes"),
		Version:   Version,
		Component: "keypad-gui",
	}))

	session := *sessionName
	if session == "" {
		session = cfg.GUI.Session
	}
	variant := *themeName
	if variant == "" {
		variant = cfg.GUI.Theme
	}

	backend := selectBackend(cfg, session, *standalone)

	go func() {
		defer logging.RecoverPanic()

		w := new(app.Window)
		w.Option(app.Title("Keypad"))
		w.Option(app.Size(unit.Dp(320), unit.Dp(480)))

		if err := loop(w, backend, variant); err != nil {
			log.Fatal(err)
		}
		os.Exit(0)
	}()
	app.Main()
}

// selectBackend prefers a running daemon and falls back to standalone
// mode when none is listening.
func selectBackend(cfg *config.Config, session string, standalone bool) ui.Backend {
	if !standalone {
		b, err := newDaemonBackend(cfg, session)
		if err == nil {
			return b
		}
		log.Printf("daemon unavailable (%v), running standalone", err)
	}

	b, err := newLocalBackend(cfg, session)
	if err != nil {
		log.Fatalf("standalone backend: %v", err)
	}
	return b
}

func loop(w *app.Window, backend ui.Backend, variant string) error {
	t := theme.NewTheme(material.NewTheme(), variant)
	keypad := ui.NewKeypad(t, backend)

	if d, ok := backend.(*daemonBackend); ok {
		d.OnChange(w.Invalidate)
		defer d.Close()
	}

	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			keypad.Layout(gtx)
			e.Frame(gtx.Ops)
		}
	}
}
