package modes

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/dipcoater/panel"
	"github.com/viam-modules/dipcoater/stepper"
)

// Jog speed tuning.
const (
	DefaultJogSpeed = 1.0
	SpeedClickStep  = 0.1
	SpeedRampStep   = 1.0
	SpeedRampPeriod = 500 * time.Millisecond
)

// JogState is a state of the manual jog machine.
type JogState int

// Jog states.
const (
	Idling JogState = iota
	MovingUp
	MovingDown
	SelectingSpeed
	LimitedUp
	LimitedDown
)

func (s JogState) String() string {
	switch s {
	case Idling:
		return "IDLING"
	case MovingUp:
		return "MOVING UP"
	case MovingDown:
		return "MOVING DOWN"
	case SelectingSpeed:
		return "SELECTING SPEED"
	case LimitedUp:
		return "LIMITED UP"
	case LimitedDown:
		return "LIMITED DOWN"
	default:
		return "UNKNOWN"
	}
}

// Manual jogs the actuator while the up or down control is held and lets the operator edit the
// jog speed.
type Manual struct {
	act     *stepper.Actuator
	display Display
	clk     clock.Clock
	logger  logging.Logger

	state    JogState
	speed    float64
	pending  float64
	maxSpeed float64
	lastRamp time.Time
}

// NewManual returns a jog machine.
func NewManual(act *stepper.Actuator, display Display, clk clock.Clock, logger logging.Logger) *Manual {
	if clk == nil {
		clk = clock.New()
	}
	return &Manual{act: act, display: display, clk: clk, logger: logger}
}

// Start enables the actuator and commits the default jog speed.
func (m *Manual) Start(ctx context.Context) error {
	m.maxSpeed = m.act.MaxSpeedByDistanceRate()
	m.speed = math.Min(DefaultJogSpeed, m.maxSpeed)
	m.pending = m.speed
	m.lastRamp = m.clk.Now()
	m.act.SetSpeedByDistanceRate(m.speed)
	m.setState(Idling)
	if err := m.act.Enable(ctx); err != nil {
		return multierr.Combine(err, m.act.Disable(ctx))
	}
	return nil
}

// State returns the jog state.
func (m *Manual) State() JogState { return m.state }

// Speed returns the jog speed in mm/s. While selecting it is the value being edited.
func (m *Manual) Speed() float64 { return m.speed }

// PendingSpeed returns the speed restored when an edit is cancelled.
func (m *Manual) PendingSpeed() float64 { return m.pending }

// Tick runs one control-loop iteration. It reports true once the operator held the stop control
// to leave the mode; the actuator is disabled by then.
func (m *Manual) Tick(ctx context.Context, c panel.Controls) (bool, error) {
	if c.Stop.Held() {
		m.logger.CInfo(ctx, "leaving manual mode")
		return true, m.act.Disable(ctx)
	}
	if c.Stop.Pressed() && m.state == SelectingSpeed {
		m.speed = m.pending
		m.setState(Idling)
	}

	if active(c.UpperLimit) && m.state == MovingUp {
		m.setState(LimitedUp)
	}
	if active(c.LowerLimit) && m.state == MovingDown {
		m.setState(LimitedDown)
	}

	if c.Up.Clicked() && m.state == SelectingSpeed {
		m.adjust(SpeedClickStep)
	}
	if c.Up.Held() {
		if err := m.jog(ctx, stepper.Up); err != nil {
			return false, err
		}
	}
	if c.Down.Clicked() && m.state == SelectingSpeed {
		m.adjust(-SpeedClickStep)
	}
	if c.Down.Held() {
		if err := m.jog(ctx, stepper.Down); err != nil {
			return false, err
		}
	}

	if c.Accept.Clicked() && m.state == SelectingSpeed {
		m.act.SetSpeedByDistanceRate(m.speed)
		m.logger.CInfof(ctx, "jog speed set to %.1f mm/s", m.speed)
		m.setState(Idling)
	}
	if c.Accept.HoldStarted() && m.state == Idling {
		m.pending = m.speed
		m.setState(SelectingSpeed)
		m.showSpeed()
	}

	if (c.Up.Released() && m.state == MovingUp) || (c.Down.Released() && m.state == MovingDown) {
		m.setState(Idling)
	}
	return false, nil
}

// jog handles a held direction control.
func (m *Manual) jog(ctx context.Context, dir stepper.Direction) error {
	moving, blocked := MovingUp, LimitedDown
	coef := SpeedRampStep
	if dir == stepper.Down {
		moving, blocked = MovingDown, LimitedUp
		coef = -SpeedRampStep
	}

	switch m.state {
	case SelectingSpeed:
		if m.clk.Since(m.lastRamp) >= SpeedRampPeriod {
			m.lastRamp = m.clk.Now()
			m.adjust(coef)
		}
	case Idling, blocked:
		if err := m.act.SetDirection(ctx, dir); err != nil {
			return multierr.Combine(err, m.act.Disable(ctx))
		}
		m.setState(moving)
	case moving:
		if _, err := m.act.Step(ctx); err != nil {
			return multierr.Combine(err, m.act.Disable(ctx))
		}
	}
	return nil
}

// adjust snaps the edited speed to the click grid, so a speed shown as 0.0 is exactly zero and
// stalls the actuator.
func (m *Manual) adjust(delta float64) {
	grid := math.Round(1 / SpeedClickStep)
	v := math.Round((m.speed+delta)*grid) / grid
	m.speed = math.Max(0, math.Min(v, m.maxSpeed))
	m.showSpeed()
}

func (m *Manual) showSpeed() {
	m.display.Show(Neutral, fmt.Sprintf("SPEED: %.1f mm/s", m.speed))
}

func (m *Manual) setState(s JogState) {
	m.state = s
	tone := Positive
	if s == LimitedUp || s == LimitedDown {
		tone = Negative
	}
	m.display.Show(tone, s.String())
}

func active(c panel.Control) bool {
	return c.Pressed() || c.Held()
}
