// Package stepper implements the step/direction/enable actuator that moves the dip-coater
// carriage. Stepping is non-blocking: Step emits at most one pulse per call, and only once the
// configured inter-step delay has elapsed, so it is safe to call on every control-loop tick.
package stepper

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// OutputPin is the part of a board GPIO pin the actuator drives.
type OutputPin interface {
	Set(ctx context.Context, high bool, extra map[string]interface{}) error
}

// Pins defines where the driver is wired.
type Pins struct {
	Step   OutputPin
	Dir    OutputPin
	Enable OutputPin
}

// Config describes the mechanics of the actuator.
type Config struct {
	StepsPerMM   uint32 // effective steps per millimetre of carriage travel
	MaxSteps     uint32 // maximum step rate, steps per second
	InvertDir    bool
	InvertEnable bool
}

// Direction of travel. Up moves the carriage away from the bath.
type Direction int8

// Directions.
const (
	Up   Direction = 1
	Down Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "invalid"
	}
}

// An Actuator is a stepper driven through step, direction and enable signals. Position is an
// open-loop step counter; it changes only when a pulse is emitted.
type Actuator struct {
	pins   Pins
	clk    clock.Clock
	logger logging.Logger

	stepsPerMM   uint32
	maxSteps     uint32
	invertDir    bool
	invertEnable bool

	direction Direction
	position  int64
	enabled   bool
	stalled   bool
	stepDelay time.Duration
	lastStep  time.Time
}

// New returns an actuator. The actuator starts disabled, pointing up, at position zero.
func New(cfg Config, pins Pins, clk clock.Clock, logger logging.Logger) (*Actuator, error) {
	if cfg.StepsPerMM == 0 {
		return nil, errors.New("steps per mm must be greater than zero")
	}
	if pins.Step == nil || pins.Dir == nil || pins.Enable == nil {
		return nil, errors.New("step, dir and enable pins are all required")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Actuator{
		pins:         pins,
		clk:          clk,
		logger:       logger,
		stepsPerMM:   cfg.StepsPerMM,
		maxSteps:     cfg.MaxSteps,
		invertDir:    cfg.InvertDir,
		invertEnable: cfg.InvertEnable,
		direction:    Up,
		stalled:      true,
		lastStep:     clk.Now(),
	}, nil
}

// SetSpeed sets the step cadence. A non-positive rate, or one so slow that its step delay does
// not fit a time.Duration, stalls the actuator: Step will not emit until a usable rate is set.
func (a *Actuator) SetSpeed(stepsPerSecond float64) {
	delay := float64(time.Second) / stepsPerSecond
	if stepsPerSecond <= 0 || math.IsNaN(stepsPerSecond) || math.IsInf(stepsPerSecond, 0) ||
		math.IsInf(delay, 0) || delay >= math.MaxInt64 {
		a.logger.Debugf("stalling actuator: requested rate %v steps/s", stepsPerSecond)
		a.stalled = true
		a.stepDelay = 0
		return
	}
	a.stalled = false
	a.stepDelay = time.Duration(delay)
}

// SetSpeedByDistanceRate sets the cadence from a carriage speed in mm/s.
func (a *Actuator) SetSpeedByDistanceRate(mmPerSecond float64) {
	a.SetSpeed(mmPerSecond * float64(a.stepsPerMM))
}

// Speed returns the current cadence in steps/s, zero when stalled.
func (a *Actuator) Speed() float64 {
	if a.stalled || a.stepDelay <= 0 {
		return 0
	}
	return float64(time.Second) / float64(a.stepDelay)
}

// StepDelay returns the minimum time between two pulses.
func (a *Actuator) StepDelay() time.Duration {
	return a.stepDelay
}

// SetDirection latches the direction and drives the direction signal.
func (a *Actuator) SetDirection(ctx context.Context, dir Direction) error {
	if dir != Up && dir != Down {
		return errors.Errorf("invalid direction %d", dir)
	}
	a.direction = dir
	level := dir == Up
	if a.invertDir {
		level = !level
	}
	return a.pins.Dir.Set(ctx, level, nil)
}

// Direction returns the latched direction.
func (a *Actuator) Direction() Direction {
	return a.direction
}

// Enable powers the driver stage.
func (a *Actuator) Enable(ctx context.Context) error {
	if err := a.pins.Enable.Set(ctx, !a.invertEnable, nil); err != nil {
		return errors.Wrap(err, "error enabling actuator")
	}
	a.enabled = true
	return nil
}

// Disable releases the driver stage.
func (a *Actuator) Disable(ctx context.Context) error {
	a.enabled = false
	if err := a.pins.Enable.Set(ctx, a.invertEnable, nil); err != nil {
		return errors.Wrap(err, "error disabling actuator")
	}
	return nil
}

// Enabled reports whether the driver stage was last enabled.
func (a *Actuator) Enabled() bool {
	return a.enabled
}

// Step emits one pulse if the step delay has elapsed since the previous one, and reports
// whether it did. Calling it more often than the delay allows is a no-op.
// Callers must not step a disabled actuator.
func (a *Actuator) Step(ctx context.Context) (bool, error) {
	if a.stalled {
		return false, nil
	}
	if a.clk.Since(a.lastStep) < a.stepDelay {
		return false, nil
	}
	if err := multierr.Combine(
		a.pins.Step.Set(ctx, true, nil),
		a.pins.Step.Set(ctx, false, nil),
	); err != nil {
		return false, errors.Wrap(err, "error pulsing step pin")
	}
	a.lastStep = a.clk.Now()
	a.position += int64(a.direction)
	return true, nil
}

// ResetCurrentPosition zeroes the step counter.
func (a *Actuator) ResetCurrentPosition() {
	a.position = 0
}

// SetCurrentPosition overwrites the step counter.
func (a *Actuator) SetCurrentPosition(position int64) {
	a.position = position
}

// CurrentPosition returns the step counter.
func (a *Actuator) CurrentPosition() int64 {
	return a.position
}

// StepsPerMM returns the effective steps per millimetre.
func (a *Actuator) StepsPerMM() uint32 {
	return a.stepsPerMM
}

// MaxSpeedByDistanceRate returns the speed ceiling in mm/s.
func (a *Actuator) MaxSpeedByDistanceRate() float64 {
	return float64(a.maxSteps) / float64(a.stepsPerMM)
}
