// Package program defines the dip-coating motion program: an ordered list of move and idle
// commands, decoded all-or-nothing from a JSON document.
package program

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Code identifies a command.
type Code uint8

// Command codes. The numeric values match the device's wire codes.
const (
	MoveUp   Code = 0x01
	MoveDown Code = 0x02
	Idle     Code = 0x03
)

var codeNames = map[Code]string{
	MoveUp:   "UP",
	MoveDown: "DOWN",
	Idle:     "IDLE_US",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCode returns the code for a command name.
func ParseCode(name string) (Code, bool) {
	for code, n := range codeNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

// A Command is one program step. MoveUp and MoveDown use DistanceMM and SpeedMMS; Idle uses
// DurationUS.
type Command struct {
	Code       Code
	DistanceMM float64
	SpeedMMS   float64
	DurationUS float64
}

// TargetSteps is the step count a move has to cover. Distances are rounded to whole millimetres.
func (c Command) TargetSteps(stepsPerMM uint32) int64 {
	return int64(math.Round(c.DistanceMM)) * int64(stepsPerMM)
}

// Duration is the idle time of an Idle command.
func (c Command) Duration() time.Duration {
	return time.Duration(c.DurationUS * float64(time.Microsecond))
}

// A Program is an immutable, fully decoded command list.
type Program struct {
	Version  string
	Commands []Command
}

// Limits that keep step counts and idle times inside int64 for any uint32 steps-per-mm.
const (
	MaxDistanceMM = 1 << 31
	MaxDurationUS = float64(math.MaxInt64 / int64(time.Microsecond))
)

// Len returns the number of commands.
func (p *Program) Len() int {
	return len(p.Commands)
}

// Validate rejects commands that cannot be executed: moves must have a finite positive speed and
// a distance between zero and MaxDistanceMM, idles a duration below MaxDurationUS.
func (p *Program) Validate() error {
	if len(p.Commands) == 0 {
		return ErrEmptyProgram
	}
	for i, c := range p.Commands {
		switch c.Code {
		case MoveUp, MoveDown:
			if c.SpeedMMS <= 0 || math.IsNaN(c.SpeedMMS) || math.IsInf(c.SpeedMMS, 0) {
				return errors.Errorf("command %d (%s): speed must be greater than zero, got %v", i, c.Code, c.SpeedMMS)
			}
			if c.DistanceMM < 0 || math.IsNaN(c.DistanceMM) {
				return errors.Errorf("command %d (%s): distance must not be negative, got %v", i, c.Code, c.DistanceMM)
			}
			if math.Round(c.DistanceMM) > MaxDistanceMM {
				return errors.Errorf("command %d (%s): distance %v exceeds %.0f mm", i, c.Code, c.DistanceMM, float64(MaxDistanceMM))
			}
		case Idle:
			if math.IsNaN(c.DurationUS) || math.Abs(c.DurationUS) >= MaxDurationUS {
				return errors.Errorf("command %d (%s): duration %v us is too long", i, c.Code, c.DurationUS)
			}
		default:
			return errors.Wrapf(ErrUnknownCommand, "command %d", i)
		}
	}
	return nil
}
