package modes

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/dipcoater/panel"
	"github.com/viam-modules/dipcoater/program"
	"github.com/viam-modules/dipcoater/stepper"
)

// Phase of the current command.
type Phase int

// Phases. Choosing means the command's target has not been computed yet; Executing means the
// machine is driving towards a latched target or deadline.
const (
	Choosing Phase = iota
	Executing
)

func (p Phase) String() string {
	if p == Executing {
		return "executing"
	}
	return "choosing"
}

// Outcome of a program run.
type Outcome int

// Outcomes. Aborted and Completed are terminal.
const (
	Running Outcome = iota
	Aborted
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Aborted:
		return "aborted"
	case Completed:
		return "completed"
	default:
		return "running"
	}
}

// Automatic executes a program against the actuator, one command at a time, one control-loop
// tick per call to Tick.
type Automatic struct {
	act     *stepper.Actuator
	prog    *program.Program
	display Display
	clk     clock.Clock
	logger  logging.Logger

	index        int
	phase        Phase
	outcome      Outcome
	target       int64
	idleDeadline time.Time
	started      time.Time
	finished     time.Time
}

// NewAutomatic returns a machine ready to run prog.
func NewAutomatic(act *stepper.Actuator, prog *program.Program, display Display, clk clock.Clock, logger logging.Logger,
) *Automatic {
	if clk == nil {
		clk = clock.New()
	}
	return &Automatic{act: act, prog: prog, display: display, clk: clk, logger: logger}
}

// Start enables the actuator and starts the run clock.
func (m *Automatic) Start(ctx context.Context) error {
	m.index = 0
	m.phase = Choosing
	m.outcome = Running
	m.started = m.clk.Now()
	if err := m.act.Enable(ctx); err != nil {
		return m.fail(ctx, err)
	}
	m.logger.CInfow(ctx, "running program", "version", m.prog.Version, "commands", m.prog.Len())
	m.display.Show(Positive, "Executing program...")
	if m.prog.Len() == 0 {
		return m.complete(ctx)
	}
	return nil
}

// Index returns the index of the current command.
func (m *Automatic) Index() int { return m.index }

// Phase returns the phase of the current command.
func (m *Automatic) Phase() Phase { return m.phase }

// Outcome returns the run outcome.
func (m *Automatic) Outcome() Outcome { return m.outcome }

// Target returns the latched step target of the current move.
func (m *Automatic) Target() int64 { return m.target }

// Elapsed returns the run time, up to now while running.
func (m *Automatic) Elapsed() time.Duration {
	if m.outcome == Running {
		return m.clk.Since(m.started)
	}
	return m.finished.Sub(m.started)
}

// Tick runs one control-loop iteration. A held stop control aborts before anything else.
func (m *Automatic) Tick(ctx context.Context, c panel.Controls) error {
	if m.outcome != Running {
		return nil
	}
	if c.Stop.Held() {
		m.logger.CInfo(ctx, "force stopping")
		return m.abort(ctx, "FORCE STOPPED")
	}

	cmd := m.prog.Commands[m.index]
	if m.phase == Choosing {
		return m.choose(ctx, cmd)
	}

	switch cmd.Code {
	case program.MoveUp, program.MoveDown:
		limiter, name := c.UpperLimit, "UP"
		if cmd.Code == program.MoveDown {
			limiter, name = c.LowerLimit, "DOWN"
		}
		if limiter.Pressed() || limiter.Held() {
			return m.abort(ctx, "STOPPED BY "+name+" LIMITER")
		}
		if m.reached() {
			return m.advance(ctx)
		}
		if _, err := m.act.Step(ctx); err != nil {
			return m.fail(ctx, err)
		}
		if m.reached() {
			return m.advance(ctx)
		}
	case program.Idle:
		if !m.clk.Now().Before(m.idleDeadline) {
			if err := m.act.Enable(ctx); err != nil {
				return m.fail(ctx, err)
			}
			return m.advance(ctx)
		}
	default:
		return m.fail(ctx, errors.Wrapf(program.ErrUnknownCommand, "command %d", m.index))
	}
	return nil
}

func (m *Automatic) choose(ctx context.Context, cmd program.Command) error {
	m.logger.CInfof(ctx, "executing command %s", cmd.Code)
	m.display.Show(Positive, fmt.Sprintf("EXEC: command [%d] - %s", m.index, cmd.Code))

	switch cmd.Code {
	case program.MoveUp, program.MoveDown:
		dir := stepper.Up
		if cmd.Code == program.MoveDown {
			dir = stepper.Down
		}
		m.act.SetSpeedByDistanceRate(cmd.SpeedMMS)
		if err := m.act.SetDirection(ctx, dir); err != nil {
			return m.fail(ctx, err)
		}
		m.act.ResetCurrentPosition()
		m.target = cmd.TargetSteps(m.act.StepsPerMM())
	case program.Idle:
		m.idleDeadline = m.clk.Now().Add(cmd.Duration())
		if err := m.act.Disable(ctx); err != nil {
			return m.fail(ctx, err)
		}
	default:
		return m.fail(ctx, errors.Wrapf(program.ErrUnknownCommand, "command %d", m.index))
	}
	m.phase = Executing
	return nil
}

// reached compares the distance travelled, not the signed position, against the target.
func (m *Automatic) reached() bool {
	pos := m.act.CurrentPosition()
	if pos < 0 {
		pos = -pos
	}
	return pos == m.target
}

func (m *Automatic) advance(ctx context.Context) error {
	m.index++
	m.phase = Choosing
	if m.index >= m.prog.Len() {
		return m.complete(ctx)
	}
	return nil
}

func (m *Automatic) complete(ctx context.Context) error {
	m.outcome = Completed
	m.finished = m.clk.Now()
	elapsed := m.finished.Sub(m.started)
	m.logger.CInfof(ctx, "program ended in %d us", elapsed.Microseconds())
	m.display.Show(Positive, fmt.Sprintf("Program ended in %d us.", elapsed.Microseconds()))
	return m.act.Disable(ctx)
}

func (m *Automatic) abort(ctx context.Context, reason string) error {
	m.outcome = Aborted
	m.finished = m.clk.Now()
	err := m.act.Disable(ctx)
	m.display.Show(Negative, reason)
	return err
}

// fail aborts on an actuator fault and always attempts to disable the actuator.
func (m *Automatic) fail(ctx context.Context, err error) error {
	m.outcome = Aborted
	m.finished = m.clk.Now()
	m.display.Show(Negative, err.Error())
	return multierr.Combine(err, m.act.Disable(ctx))
}
