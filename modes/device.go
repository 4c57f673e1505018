// Package modes implements the dip-coater's operating modes: automatic program execution,
// manual jogging, the settings-transfer connection and the information screen.
//
// Every mode is a cooperative loop. Each iteration polls the inputs once and advances a state
// machine by one tick, so step emission, input handling and protocol handling interleave
// without blocking each other.
package modes

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/dipcoater/handshake"
	"github.com/viam-modules/dipcoater/panel"
	"github.com/viam-modules/dipcoater/program"
	"github.com/viam-modules/dipcoater/settings"
	"github.com/viam-modules/dipcoater/stepper"
)

// Kind selects a mode.
type Kind int

// Modes.
const (
	KindAutomatic Kind = iota
	KindManual
	KindConnection
	KindInformation
)

var kindNames = map[Kind]string{
	KindAutomatic:   "automatic",
	KindManual:      "manual",
	KindConnection:  "connection",
	KindInformation: "information",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind returns the mode named s.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown mode %q", s)
}

// Inputs is the polled operator panel.
type Inputs interface {
	Poll(ctx context.Context) error
	Controls() panel.Controls
	ResetLimiters()
}

// SettingsStore loads and persists the device settings.
type SettingsStore interface {
	Load() (settings.Settings, error)
	Save(s settings.Settings) error
}

// ProgramSource loads the program to execute.
type ProgramSource func(ctx context.Context) (*program.Program, error)

// LinkOpener opens the serial link to the host.
type LinkOpener func() (io.ReadWriteCloser, error)

// A Device owns the peripherals shared by every mode. Only one mode runs at a time.
type Device struct {
	Actuator *stepper.Actuator
	Inputs   Inputs
	Display  Display
	Settings SettingsStore
	Programs ProgramSource
	Link     LinkOpener
	Clock    clock.Clock
	Logger   logging.Logger
}

// Run runs one mode to completion. The actuator is disabled when it returns, whatever the
// reason.
func (d *Device) Run(ctx context.Context, kind Kind) (err error) {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if m, ok := d.Display.(interface{ SetMode(string) }); ok {
		m.SetMode(strings.ToUpper(kind.String()))
	}
	d.Logger.CInfof(ctx, "entering %s mode", kind)
	defer func() {
		err = multierr.Combine(err, d.Actuator.Disable(context.WithoutCancel(ctx)))
		d.Logger.CInfof(ctx, "left %s mode", kind)
	}()

	switch kind {
	case KindAutomatic:
		return d.runAutomatic(ctx)
	case KindManual:
		return d.runManual(ctx)
	case KindConnection:
		return d.runConnection(ctx)
	case KindInformation:
		return d.runInformation(ctx)
	default:
		return errors.Errorf("unknown mode %d", kind)
	}
}

func (d *Device) runAutomatic(ctx context.Context) error {
	d.Display.Show(Neutral, "Reading from file...")
	prog, err := d.Programs(ctx)
	if err == nil {
		err = prog.Validate()
	}
	if err != nil {
		d.Logger.CErrorw(ctx, "cannot run program", "error", err)
		d.Display.Show(Negative, err.Error())
		return multierr.Combine(err, d.awaitAccept(ctx))
	}

	d.Inputs.ResetLimiters()
	m := NewAutomatic(d.Actuator, prog, d.Display, d.Clock, d.Logger)
	if err := m.Start(ctx); err != nil {
		return err
	}
	for m.Outcome() == Running {
		if err := ctx.Err(); err != nil {
			d.Display.Show(Negative, "STOPPED")
			return err
		}
		if err := d.Inputs.Poll(ctx); err != nil {
			return err
		}
		if err := m.Tick(ctx, d.Inputs.Controls()); err != nil {
			return err
		}
	}
	return d.awaitAccept(ctx)
}

func (d *Device) runManual(ctx context.Context) error {
	d.Inputs.ResetLimiters()
	m := NewManual(d.Actuator, d.Display, d.Clock, d.Logger)
	if err := m.Start(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Inputs.Poll(ctx); err != nil {
			return err
		}
		exit, err := m.Tick(ctx, d.Inputs.Controls())
		if err != nil || exit {
			return err
		}
	}
}

func (d *Device) runConnection(ctx context.Context) error {
	if err := d.Actuator.Disable(ctx); err != nil {
		return err
	}
	link, err := d.Link()
	if err != nil {
		d.Display.Show(Negative, "CANNOT OPEN LINK")
		return multierr.Combine(err, d.awaitAccept(ctx))
	}
	defer func() {
		if cerr := link.Close(); cerr != nil {
			d.Logger.CWarnw(ctx, "error closing link", "error", cerr)
		}
	}()

	s := handshake.NewSession(link, d.Settings, d.Clock, d.Logger)
	if err := s.AnnounceReady(); err != nil {
		return err
	}
	d.Display.Show(Neutral, "Wait connection...")
	for s.State() != handshake.Closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Inputs.Poll(ctx); err != nil {
			return err
		}
		if d.Inputs.Controls().Stop.Held() {
			d.Display.Show(Negative, "CONNECTION ABORTED")
			break
		}
		ev, err := s.Tick(ctx)
		if err != nil {
			d.Display.Show(Negative, "LINK ERROR")
			return err
		}
		if ev == handshake.EventNone {
			continue
		}
		tone := Positive
		if ev.Failure() {
			tone = Negative
		}
		d.Display.Show(tone, ev.String())
	}
	return d.awaitAccept(ctx)
}

func (d *Device) runInformation(ctx context.Context) error {
	s, err := d.Settings.Load()
	if err != nil {
		d.Display.Show(Negative, "CANNOT READ SETTINGS")
		return multierr.Combine(err, d.awaitAccept(ctx))
	}
	d.Display.Show(Neutral, Describe(s))
	return d.awaitAccept(ctx)
}

// Describe renders settings for the information screen.
func Describe(s settings.Settings) string {
	return fmt.Sprintf("steps/mm: %d | max steps: %d | division: %d | max speed: %.2f mm/s | log: %s",
		s.StepsPerMM, s.MaxStepsCount, s.Division(), s.MaxSpeedByDistanceRate(), s.LogLevelName())
}

// awaitAccept blocks until the operator acknowledges with a click on accept.
func (d *Device) awaitAccept(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Inputs.Poll(ctx); err != nil {
			return err
		}
		if d.Inputs.Controls().Accept.Clicked() {
			return nil
		}
	}
}
