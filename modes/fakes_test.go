package modes

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/dipcoater/panel"
	"github.com/viam-modules/dipcoater/stepper"
)

type countingPin struct {
	highs int
	level bool
}

func (p *countingPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	if high {
		p.highs++
	}
	p.level = high
	return nil
}

type testPins struct {
	step, dir, enable *countingPin
}

func newTestActuator(t *testing.T, clk clock.Clock) (*stepper.Actuator, *testPins) {
	t.Helper()
	pins := &testPins{step: &countingPin{}, dir: &countingPin{}, enable: &countingPin{}}
	act, err := stepper.New(
		stepper.Config{StepsPerMM: 300, MaxSteps: 700},
		stepper.Pins{Step: pins.step, Dir: pins.dir, Enable: pins.enable},
		clk,
		logging.NewTestLogger(t),
	)
	test.That(t, err, test.ShouldBeNil)
	return act, pins
}

type fakeControl struct {
	pressed, held, holdStarted, clicked, released bool
}

func (c *fakeControl) Pressed() bool     { return c.pressed }
func (c *fakeControl) Held() bool        { return c.held }
func (c *fakeControl) HoldStarted() bool { return c.holdStarted }
func (c *fakeControl) Clicked() bool     { return c.clicked }
func (c *fakeControl) Released() bool    { return c.released }

type fakeControls struct {
	stop, accept, up, down, upper, lower fakeControl
}

func (f *fakeControls) controls() panel.Controls {
	return panel.Controls{
		Stop:       &f.stop,
		Accept:     &f.accept,
		Up:         &f.up,
		Down:       &f.down,
		UpperLimit: &f.upper,
		LowerLimit: &f.lower,
	}
}

// clearEdges drops the one-tick gestures and keeps hold levels.
func (f *fakeControls) clearEdges() {
	for _, c := range []*fakeControl{&f.stop, &f.accept, &f.up, &f.down, &f.upper, &f.lower} {
		c.pressed, c.holdStarted, c.clicked, c.released = false, false, false, false
	}
}

// fakeInputs advances the mock clock by one tick per poll and lets a script set the controls
// seen on the nth poll.
type fakeInputs struct {
	fakeControls
	clk    *clock.Mock
	tick   time.Duration
	polls  int
	resets int
	script func(n int, c *fakeControls)
}

func (f *fakeInputs) Poll(ctx context.Context) error {
	f.clearEdges()
	f.clk.Add(f.tick)
	f.polls++
	if f.script != nil {
		f.script(f.polls, &f.fakeControls)
	}
	return nil
}

func (f *fakeInputs) Controls() panel.Controls {
	return f.fakeControls.controls()
}

func (f *fakeInputs) ResetLimiters() {
	f.resets++
}

type recorder struct {
	lines []Status
}

func (r *recorder) Show(tone Tone, text string) {
	r.lines = append(r.lines, Status{Tone: tone, Text: text})
}

func (r *recorder) last() Status {
	if len(r.lines) == 0 {
		return Status{}
	}
	return r.lines[len(r.lines)-1]
}

func (r *recorder) texts() []string {
	out := make([]string, 0, len(r.lines))
	for _, l := range r.lines {
		out = append(out, l.Text)
	}
	return out
}
