package theme

import (
	"image/color"

	"gioui.org/unit"
	"gioui.org/widget/material"
)

// Palette defines the keypad colors.
type Palette struct {
	Background color.NRGBA
	Surface    color.NRGBA
	Panel      color.NRGBA
	Primary    color.NRGBA
	Text       color.NRGBA
	TextMuted  color.NRGBA
	Border     color.NRGBA
	Success    color.NRGBA
	Error      color.NRGBA
	Warning    color.NRGBA
	// Flash tints the display while a rejected edit is being signalled.
	Flash color.NRGBA
}

// Config defines the keypad metrics.
type Config struct {
	CornerRadius unit.Dp
	Spacing      unit.Dp
	Padding      unit.Dp
	FontTitle    unit.Sp
	FontBody     unit.Sp
	FontCaption  unit.Sp
	// FontDisplay sizes the digit readout.
	FontDisplay unit.Sp
}

// Theme wraps the material theme with keypad-specific styling.
type Theme struct {
	*material.Theme
	Palette Palette
	Config  Config
}

// NewTheme creates a theme for the named variant, "dark" or "light".
// Anything else falls back to dark.
func NewTheme(mtheme *material.Theme, name string) *Theme {
	t := &Theme{
		Theme: mtheme,
	}

	if name == "light" {
		setupLightTheme(t)
	} else {
		setupDarkTheme(t)
	}

	return t
}

func setupDarkTheme(t *Theme) {
	t.Palette = Palette{
		Background: color.NRGBA{R: 0x1E, G: 0x1E, B: 0x1E, A: 0xFF},
		Surface:    color.NRGBA{R: 0x26, G: 0x26, B: 0x26, A: 0xFF},
		Panel:      color.NRGBA{R: 0x32, G: 0x32, B: 0x32, A: 0xFF},
		Primary:    color.NRGBA{R: 0x0A, G: 0x84, B: 0xFF, A: 0xFF},
		Text:       color.NRGBA{R: 0xF5, G: 0xF5, B: 0xF7, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x86, G: 0x86, B: 0x8B, A: 0xFF},
		Border:     color.NRGBA{R: 0x3A, G: 0x3A, B: 0x3C, A: 0xFF},
		Success:    color.NRGBA{R: 0x30, G: 0xD1, B: 0x58, A: 0xFF},
		Error:      color.NRGBA{R: 0xFF, G: 0x45, B: 0x3A, A: 0xFF},
		Warning:    color.NRGBA{R: 0xFF, G: 0x9F, B: 0x0A, A: 0xFF},
		Flash:      color.NRGBA{R: 0x4A, G: 0x1B, B: 0x18, A: 0xFF},
	}

	t.Config = defaultConfig()
}

func setupLightTheme(t *Theme) {
	t.Palette = Palette{
		Background: color.NRGBA{R: 0xF5, G: 0xF5, B: 0xF7, A: 0xFF},
		Surface:    color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF},
		Panel:      color.NRGBA{R: 0xE8, G: 0xE8, B: 0xED, A: 0xFF},
		Primary:    color.NRGBA{R: 0x00, G: 0x66, B: 0xCC, A: 0xFF},
		Text:       color.NRGBA{R: 0x1D, G: 0x1D, B: 0x1F, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x6E, G: 0x6E, B: 0x73, A: 0xFF},
		Border:     color.NRGBA{R: 0xD2, G: 0xD2, B: 0xD7, A: 0xFF},
		Success:    color.NRGBA{R: 0x24, G: 0x8A, B: 0x3D, A: 0xFF},
		Error:      color.NRGBA{R: 0xD7, G: 0x00, B: 0x15, A: 0xFF},
		Warning:    color.NRGBA{R: 0xC9, G: 0x34, B: 0x00, A: 0xFF},
		Flash:      color.NRGBA{R: 0xFF, G: 0xD9, B: 0xD6, A: 0xFF},
	}

	t.Config = defaultConfig()
}

func defaultConfig() Config {
	return Config{
		CornerRadius: unit.Dp(8),
		Spacing:      unit.Dp(10),
		Padding:      unit.Dp(16),
		FontTitle:    unit.Sp(18),
		FontBody:     unit.Sp(14),
		FontCaption:  unit.Sp(12),
		FontDisplay:  unit.Sp(36),
	}
}
