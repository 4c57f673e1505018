package program

import (
	"math"
	"time"
)

// A Sample is a point on a program's expected motion profile.
type Sample struct {
	At         time.Duration
	PositionMM float64
}

// Profile returns the carriage position over time that executing p at constant velocity per
// command would produce, starting from zero. Moves cover whole millimetres, as the executor
// does. Commands that cannot be executed contribute no motion.
func Profile(p *Program, stepsPerMM uint32) []Sample {
	samples := []Sample{{}}
	var (
		at  time.Duration
		pos float64
	)
	for _, c := range p.Commands {
		switch c.Code {
		case MoveUp, MoveDown:
			if c.SpeedMMS <= 0 || stepsPerMM == 0 {
				continue
			}
			steps := float64(c.TargetSteps(stepsPerMM))
			rate := c.SpeedMMS * float64(stepsPerMM)
			at += time.Duration(steps / rate * float64(time.Second))
			dist := math.Round(c.DistanceMM)
			if c.Code == MoveDown {
				dist = -dist
			}
			pos += dist
		case Idle:
			at += c.Duration()
		}
		samples = append(samples, Sample{At: at, PositionMM: pos})
	}
	return samples
}

// TotalDuration is the expected run time of p.
func TotalDuration(p *Program, stepsPerMM uint32) time.Duration {
	samples := Profile(p, stepsPerMM)
	return samples[len(samples)-1].At
}
