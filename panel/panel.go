package panel

import (
	"context"

	"go.uber.org/multierr"
)

// Controls is the set of inputs a mode reacts to.
type Controls struct {
	Stop       Control
	Accept     Control
	Up         Control
	Down       Control
	UpperLimit Control
	LowerLimit Control
}

// A Panel owns the four operator buttons and the two travel limiters.
type Panel struct {
	Stop       *Button
	Accept     *Button
	Up         *Button
	Down       *Button
	UpperLimit *Button
	LowerLimit *Button
}

func (p *Panel) buttons() []*Button {
	return []*Button{p.Stop, p.Accept, p.Up, p.Down, p.UpperLimit, p.LowerLimit}
}

// Poll samples every input once.
func (p *Panel) Poll(ctx context.Context) error {
	var err error
	for _, b := range p.buttons() {
		err = multierr.Append(err, b.Update(ctx))
	}
	return err
}

// Controls returns the per-tick view of the inputs.
func (p *Panel) Controls() Controls {
	return Controls{
		Stop:       p.Stop,
		Accept:     p.Accept,
		Up:         p.Up,
		Down:       p.Down,
		UpperLimit: p.UpperLimit,
		LowerLimit: p.LowerLimit,
	}
}

// ResetLimiters drops stale limiter edges, so a run only reacts to limiter activity seen
// after it started.
func (p *Panel) ResetLimiters() {
	p.UpperLimit.Reset()
	p.LowerLimit.Reset()
}
