// Package panel reads the operator controls and travel limiters of the dip-coater.
//
// Every input is a GPIO level polled once per control-loop tick. Polling turns the level into
// the gestures the modes act on: a press edge, a release edge, a click (release of a press that
// never became a hold), a hold level and a hold-start edge. Edge gestures are true for exactly
// one tick.
package panel

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Default timings.
const (
	DefaultDebounce = 60 * time.Millisecond
	DefaultHoldTime = 500 * time.Millisecond
)

// InputPin is the part of a board GPIO pin a button reads.
type InputPin interface {
	Get(ctx context.Context, extra map[string]interface{}) (bool, error)
}

// Control is the per-tick view of one input.
type Control interface {
	Pressed() bool
	Held() bool
	HoldStarted() bool
	Clicked() bool
	Released() bool
}

// ButtonConfig describes how a button is wired and how its gestures are timed.
type ButtonConfig struct {
	Name      string
	ActiveLow bool
	Debounce  time.Duration
	HoldTime  time.Duration
}

// A Button tracks the debounced state of one input pin.
type Button struct {
	name      string
	pin       InputPin
	clk       clock.Clock
	activeLow bool
	debounce  time.Duration
	holdTime  time.Duration

	raw       bool
	rawSince  time.Time
	down      bool
	downSince time.Time
	holding   bool

	pressed     bool
	released    bool
	clicked     bool
	holdStarted bool
}

// NewButton returns a button reading pin. A negative debounce or hold time is treated as zero.
func NewButton(cfg ButtonConfig, pin InputPin, clk clock.Clock) *Button {
	if clk == nil {
		clk = clock.New()
	}
	b := &Button{
		name:      cfg.Name,
		pin:       pin,
		clk:       clk,
		activeLow: cfg.ActiveLow,
		debounce:  max(cfg.Debounce, 0),
		holdTime:  max(cfg.HoldTime, 0),
	}
	now := clk.Now()
	b.rawSince = now
	b.downSince = now
	return b
}

// Name returns the configured name.
func (b *Button) Name() string {
	return b.name
}

// Update samples the pin and advances the gesture state by one tick.
func (b *Button) Update(ctx context.Context) error {
	b.clearEdges()
	level, err := b.pin.Get(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "error reading %s", b.name)
	}
	if b.activeLow {
		level = !level
	}
	b.observe(level)
	return nil
}

func (b *Button) observe(active bool) {
	now := b.clk.Now()
	if active != b.raw {
		b.raw = active
		b.rawSince = now
	}

	if b.raw != b.down && now.Sub(b.rawSince) >= b.debounce {
		b.down = b.raw
		if b.down {
			b.pressed = true
			b.downSince = now
			b.holding = false
		} else {
			b.released = true
			b.clicked = !b.holding
			b.holding = false
		}
	}

	if b.down && !b.holding && now.Sub(b.downSince) >= b.holdTime {
		b.holding = true
		b.holdStarted = true
	}
}

func (b *Button) clearEdges() {
	b.pressed = false
	b.released = false
	b.clicked = false
	b.holdStarted = false
}

// Reset drops any pending edge gestures. A button that is still down keeps its level.
func (b *Button) Reset() {
	b.clearEdges()
}

// Pressed is true on the tick the input became active.
func (b *Button) Pressed() bool { return b.pressed }

// Held is true on every tick the input has been active for at least the hold time.
func (b *Button) Held() bool { return b.down && b.holding }

// HoldStarted is true on the tick Held first became true.
func (b *Button) HoldStarted() bool { return b.holdStarted }

// Clicked is true on the tick a press that never became a hold was released.
func (b *Button) Clicked() bool { return b.clicked }

// Released is true on the tick the input became inactive.
func (b *Button) Released() bool { return b.released }
