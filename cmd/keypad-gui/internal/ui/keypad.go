package ui

import (
	"image"
	"time"

	"gioui.org/io/event"
	"gioui.org/io/key"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/text"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"

	"keypad/cmd/keypad-gui/internal/theme"
)

// Backend is the entry target the keypad drives: an in-process control
// in standalone mode, or a daemon session over IPC.
type Backend interface {
	// Label identifies the target in the window header.
	Label() string

	// Text returns the current display text, masked for secret targets.
	Text() string

	Press(digit byte) (applied bool, err error)
	Delete() (applied bool, err error)

	// Commit finalizes the entry and returns the committed value.
	Commit() (string, error)

	// Reset puts the display back to "0".
	Reset() error
}

// flashDuration is how long the display stays tinted after a rejection.
const flashDuration = 150 * time.Millisecond

type statusKind int

const (
	statusNone statusKind = iota
	statusOK
	statusWarn
	statusErr
)

// Keypad is the main UI component: a digit readout, a 3x4 key grid and
// a commit row, all driving one Backend.
type Keypad struct {
	theme   *theme.Theme
	backend Backend

	digits [10]widget.Clickable
	clear  widget.Clickable
	back   widget.Clickable
	commit widget.Clickable

	status     string
	statusKind statusKind
	flashUntil time.Time
	focused    bool
}

// NewKeypad creates a keypad bound to the given backend.
func NewKeypad(t *theme.Theme, b Backend) *Keypad {
	return &Keypad{
		theme:   t,
		backend: b,
	}
}

// Layout processes pending input and renders one frame.
func (k *Keypad) Layout(gtx layout.Context) layout.Dimensions {
	k.handleClicks(gtx)
	k.handleKeys(gtx)

	paint.Fill(gtx.Ops, k.theme.Palette.Background)

	// Keyboard interest covers the whole window.
	event.Op(gtx.Ops, k)
	if !k.focused {
		gtx.Execute(key.FocusCmd{Tag: k})
		k.focused = true
	}

	return layout.UniformInset(k.theme.Config.Padding).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(k.layoutHeader),
			layout.Rigid(layout.Spacer{Height: k.theme.Config.Spacing}.Layout),
			layout.Rigid(k.layoutDisplay),
			layout.Rigid(layout.Spacer{Height: k.theme.Config.Spacing}.Layout),
			layout.Flexed(1, k.layoutGrid),
			layout.Rigid(layout.Spacer{Height: k.theme.Config.Spacing}.Layout),
			layout.Rigid(k.layoutCommit),
			layout.Rigid(layout.Spacer{Height: unit.Dp(6)}.Layout),
			layout.Rigid(k.layoutStatus),
		)
	})
}

func (k *Keypad) handleClicks(gtx layout.Context) {
	for d := 0; d <= 9; d++ {
		for k.digits[d].Clicked(gtx) {
			k.press(gtx, byte('0'+d))
		}
	}
	for k.clear.Clicked(gtx) {
		k.doReset()
	}
	for k.back.Clicked(gtx) {
		k.doDelete(gtx)
	}
	for k.commit.Clicked(gtx) {
		k.doCommit(gtx)
	}
}

var digitNames = [...]key.Name{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}

func (k *Keypad) handleKeys(gtx layout.Context) {
	filters := make([]event.Filter, 0, len(digitNames)+3)
	for _, name := range digitNames {
		filters = append(filters, key.Filter{Focus: k, Name: name})
	}
	filters = append(filters,
		key.Filter{Focus: k, Name: key.NameDeleteBackward},
		key.Filter{Focus: k, Name: key.NameReturn},
		key.Filter{Focus: k, Name: key.NameEscape},
	)

	for {
		ev, ok := gtx.Event(filters...)
		if !ok {
			break
		}
		e, ok := ev.(key.Event)
		if !ok || e.State != key.Press {
			continue
		}
		switch e.Name {
		case key.NameDeleteBackward:
			k.doDelete(gtx)
		case key.NameReturn:
			k.doCommit(gtx)
		case key.NameEscape:
			k.doReset()
		default:
			if len(e.Name) == 1 && e.Name[0] >= '0' && e.Name[0] <= '9' {
				k.press(gtx, e.Name[0])
			}
		}
	}
}

func (k *Keypad) press(gtx layout.Context, digit byte) {
	applied, err := k.backend.Press(digit)
	if err != nil {
		k.setStatus(statusErr, err.Error())
		k.flash(gtx)
		return
	}
	if !applied {
		k.setStatus(statusWarn, "rejected by policy")
		k.flash(gtx)
		return
	}
	k.setStatus(statusNone, "")
}

func (k *Keypad) doDelete(gtx layout.Context) {
	applied, err := k.backend.Delete()
	if err != nil {
		k.setStatus(statusErr, err.Error())
		k.flash(gtx)
		return
	}
	if !applied {
		k.setStatus(statusWarn, "rejected by policy")
		k.flash(gtx)
		return
	}
	k.setStatus(statusNone, "")
}

func (k *Keypad) doCommit(gtx layout.Context) {
	value, err := k.backend.Commit()
	if err != nil {
		k.setStatus(statusErr, err.Error())
		k.flash(gtx)
		return
	}
	k.setStatus(statusOK, "committed "+value)
}

func (k *Keypad) doReset() {
	if err := k.backend.Reset(); err != nil {
		k.setStatus(statusErr, err.Error())
		return
	}
	k.setStatus(statusNone, "")
}

func (k *Keypad) setStatus(kind statusKind, msg string) {
	k.statusKind = kind
	k.status = msg
}

// flash tints the display and schedules the frame that clears it.
func (k *Keypad) flash(gtx layout.Context) {
	k.flashUntil = gtx.Now.Add(flashDuration)
	gtx.Execute(op.InvalidateCmd{At: k.flashUntil})
}

func (k *Keypad) layoutHeader(gtx layout.Context) layout.Dimensions {
	return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Baseline}.Layout(gtx,
		layout.Rigid(func(gtx layout.Context) layout.Dimensions {
			title := material.H6(k.theme.Theme, "KEYPAD")
			title.Color = k.theme.Palette.Primary
			title.TextSize = k.theme.Config.FontTitle
			return title.Layout(gtx)
		}),
		layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			return layout.E.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
				l := material.Body2(k.theme.Theme, k.backend.Label())
				l.Color = k.theme.Palette.TextMuted
				l.TextSize = k.theme.Config.FontCaption
				return l.Layout(gtx)
			})
		}),
	)
}

func (k *Keypad) layoutDisplay(gtx layout.Context) layout.Dimensions {
	bg := k.theme.Palette.Surface
	if gtx.Now.Before(k.flashUntil) {
		bg = k.theme.Palette.Flash
	}

	size := image.Pt(gtx.Constraints.Max.X, gtx.Dp(unit.Dp(72)))
	rect := clip.UniformRRect(image.Rect(0, 0, size.X, size.Y), int(gtx.Dp(k.theme.Config.CornerRadius))).Op(gtx.Ops)
	paint.FillShape(gtx.Ops, bg, rect)

	gtx.Constraints = layout.Exact(size)
	inset := layout.Inset{
		Top: unit.Dp(12), Bottom: unit.Dp(12),
		Left: unit.Dp(16), Right: unit.Dp(16),
	}
	inset.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
		return layout.E.Layout(gtx, func(gtx layout.Context) layout.Dimensions {
			l := material.Label(k.theme.Theme, k.theme.Config.FontDisplay, k.backend.Text())
			l.Color = k.theme.Palette.Text
			l.Alignment = text.End
			return l.Layout(gtx)
		})
	})
	return layout.Dimensions{Size: size}
}

func (k *Keypad) layoutGrid(gtx layout.Context) layout.Dimensions {
	type padKey struct {
		label string
		click *widget.Clickable
	}
	rows := [4][3]padKey{
		{{"1", &k.digits[1]}, {"2", &k.digits[2]}, {"3", &k.digits[3]}},
		{{"4", &k.digits[4]}, {"5", &k.digits[5]}, {"6", &k.digits[6]}},
		{{"7", &k.digits[7]}, {"8", &k.digits[8]}, {"9", &k.digits[9]}},
		{{"C", &k.clear}, {"0", &k.digits[0]}, {"DEL", &k.back}},
	}

	rowChildren := make([]layout.FlexChild, 0, len(rows))
	for i := range rows {
		row := rows[i]
		rowChildren = append(rowChildren, layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
			cells := make([]layout.FlexChild, 0, len(row))
			for j := range row {
				cell := row[j]
				cells = append(cells, layout.Flexed(1, func(gtx layout.Context) layout.Dimensions {
					return layout.UniformInset(k.theme.Config.Spacing / 2).Layout(gtx, func(gtx layout.Context) layout.Dimensions {
						return k.layoutKey(gtx, cell.label, cell.click)
					})
				}))
			}
			return layout.Flex{Axis: layout.Horizontal}.Layout(gtx, cells...)
		}))
	}
	return layout.Flex{Axis: layout.Vertical}.Layout(gtx, rowChildren...)
}

func (k *Keypad) layoutKey(gtx layout.Context, label string, click *widget.Clickable) layout.Dimensions {
	gtx.Constraints.Min = gtx.Constraints.Max
	btn := material.Button(k.theme.Theme, click, label)
	btn.Background = k.theme.Palette.Panel
	btn.Color = k.theme.Palette.Text
	btn.TextSize = k.theme.Config.FontTitle
	btn.CornerRadius = k.theme.Config.CornerRadius
	return btn.Layout(gtx)
}

func (k *Keypad) layoutCommit(gtx layout.Context) layout.Dimensions {
	gtx.Constraints.Min.X = gtx.Constraints.Max.X
	gtx.Constraints.Min.Y = gtx.Dp(unit.Dp(48))
	btn := material.Button(k.theme.Theme, &k.commit, "COMMIT")
	btn.Background = k.theme.Palette.Primary
	btn.Color = k.theme.Palette.Text
	btn.TextSize = k.theme.Config.FontBody
	btn.CornerRadius = k.theme.Config.CornerRadius
	return btn.Layout(gtx)
}

func (k *Keypad) layoutStatus(gtx layout.Context) layout.Dimensions {
	msg := k.status
	color := k.theme.Palette.TextMuted
	switch k.statusKind {
	case statusOK:
		color = k.theme.Palette.Success
	case statusWarn:
		color = k.theme.Palette.Warning
	case statusErr:
		color = k.theme.Palette.Error
	case statusNone:
		msg = "keys 0-9, backspace, enter"
	}

	l := material.Body2(k.theme.Theme, msg)
	l.Color = color
	l.TextSize = k.theme.Config.FontCaption
	return l.Layout(gtx)
}
