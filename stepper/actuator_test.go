package stepper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

type fakePin struct {
	writes []bool
	err    error
}

func (p *fakePin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.writes = append(p.writes, high)
	return nil
}

func (p *fakePin) last() bool {
	return p.writes[len(p.writes)-1]
}

type fakePins struct {
	step, dir, enable *fakePin
}

func newTestActuator(t *testing.T, cfg Config) (*Actuator, *fakePins, *clock.Mock) {
	t.Helper()
	pins := &fakePins{step: &fakePin{}, dir: &fakePin{}, enable: &fakePin{}}
	clk := clock.NewMock()
	a, err := New(cfg, Pins{Step: pins.step, Dir: pins.dir, Enable: pins.enable}, clk, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return a, pins, clk
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := New(Config{}, Pins{Step: &fakePin{}, Dir: &fakePin{}, Enable: &fakePin{}}, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = New(Config{StepsPerMM: 300}, Pins{Step: &fakePin{}}, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	a, err := New(Config{StepsPerMM: 300}, Pins{Step: &fakePin{}, Dir: &fakePin{}, Enable: &fakePin{}}, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.Direction(), test.ShouldEqual, Up)
	test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(0))
	test.That(t, a.Enabled(), test.ShouldBeFalse)
}

func TestStepCadence(t *testing.T) {
	ctx := context.Background()
	a, pins, clk := newTestActuator(t, Config{StepsPerMM: 300, MaxSteps: 700})

	a.SetSpeed(1000)
	test.That(t, a.StepDelay(), test.ShouldEqual, time.Millisecond)

	t.Run("no pulse before the delay elapses", func(t *testing.T) {
		clk.Add(999 * time.Microsecond)
		fired, err := a.Step(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeFalse)
		test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(0))
		test.That(t, pins.step.writes, test.ShouldBeEmpty)
	})

	t.Run("one pulse per elapsed delay", func(t *testing.T) {
		clk.Add(time.Microsecond)
		fired, err := a.Step(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeTrue)
		test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(1))
		test.That(t, pins.step.writes, test.ShouldResemble, []bool{true, false})

		// Calling again without the clock moving is a no-op.
		fired, err = a.Step(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeFalse)

		clk.Add(a.StepDelay())
		fired, err = a.Step(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeTrue)
		test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(2))
	})

	t.Run("down decrements", func(t *testing.T) {
		test.That(t, a.SetDirection(ctx, Down), test.ShouldBeNil)
		clk.Add(a.StepDelay())
		fired, err := a.Step(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeTrue)
		test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(1))
	})

	t.Run("pin failure leaves position untouched", func(t *testing.T) {
		pins.step.err = errors.New("bus gone")
		clk.Add(a.StepDelay())
		fired, err := a.Step(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, fired, test.ShouldBeFalse)
		test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(1))
		pins.step.err = nil
	})
}

func TestSpeed(t *testing.T) {
	a, _, clk := newTestActuator(t, Config{StepsPerMM: 300, MaxSteps: 700})

	a.SetSpeedByDistanceRate(5)
	test.That(t, a.Speed(), test.ShouldAlmostEqual, 1500, 0.01)
	test.That(t, a.StepDelay(), test.ShouldEqual, time.Duration(666666))

	t.Run("zero speed stalls", func(t *testing.T) {
		a.SetSpeedByDistanceRate(0)
		test.That(t, a.Speed(), test.ShouldEqual, 0.0)
		clk.Add(time.Hour)
		fired, err := a.Step(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeFalse)

		a.SetSpeed(-10)
		fired, err = a.Step(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeFalse)
		test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(0))
	})

	t.Run("rate too slow for a step delay stalls", func(t *testing.T) {
		ctx := context.Background()
		a.SetSpeedByDistanceRate(1e-15)
		test.That(t, a.Speed(), test.ShouldEqual, 0.0)
		test.That(t, a.StepDelay(), test.ShouldBeGreaterThanOrEqualTo, time.Duration(0))
		for i := 0; i < 100; i++ {
			clk.Add(time.Millisecond)
			fired, err := a.Step(ctx)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, fired, test.ShouldBeFalse)
		}
		test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(0))

		a.SetSpeed(1e-6)
		test.That(t, a.StepDelay(), test.ShouldEqual, time.Duration(1e15))
		clk.Add(time.Second)
		fired, err := a.Step(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fired, test.ShouldBeFalse)
	})

	test.That(t, a.MaxSpeedByDistanceRate(), test.ShouldAlmostEqual, 700.0/300.0)
}

func TestPolarity(t *testing.T) {
	ctx := context.Background()

	t.Run("normal polarity", func(t *testing.T) {
		a, pins, _ := newTestActuator(t, Config{StepsPerMM: 100})
		test.That(t, a.SetDirection(ctx, Up), test.ShouldBeNil)
		test.That(t, pins.dir.last(), test.ShouldBeTrue)
		test.That(t, a.SetDirection(ctx, Down), test.ShouldBeNil)
		test.That(t, pins.dir.last(), test.ShouldBeFalse)

		test.That(t, a.Enable(ctx), test.ShouldBeNil)
		test.That(t, pins.enable.last(), test.ShouldBeTrue)
		test.That(t, a.Enabled(), test.ShouldBeTrue)
		test.That(t, a.Disable(ctx), test.ShouldBeNil)
		test.That(t, pins.enable.last(), test.ShouldBeFalse)
		test.That(t, a.Enabled(), test.ShouldBeFalse)
	})

	t.Run("inverted polarity", func(t *testing.T) {
		a, pins, _ := newTestActuator(t, Config{StepsPerMM: 100, InvertDir: true, InvertEnable: true})
		test.That(t, a.SetDirection(ctx, Up), test.ShouldBeNil)
		test.That(t, pins.dir.last(), test.ShouldBeFalse)
		test.That(t, a.Enable(ctx), test.ShouldBeNil)
		test.That(t, pins.enable.last(), test.ShouldBeFalse)
		test.That(t, a.Disable(ctx), test.ShouldBeNil)
		test.That(t, pins.enable.last(), test.ShouldBeTrue)
	})

	t.Run("invalid direction", func(t *testing.T) {
		a, pins, _ := newTestActuator(t, Config{StepsPerMM: 100})
		test.That(t, a.SetDirection(ctx, Direction(0)), test.ShouldNotBeNil)
		test.That(t, pins.dir.writes, test.ShouldBeEmpty)
		test.That(t, a.Direction(), test.ShouldEqual, Up)
	})
}

func TestPositionCounter(t *testing.T) {
	a, _, _ := newTestActuator(t, Config{StepsPerMM: 100})
	a.SetCurrentPosition(-42)
	test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(-42))
	a.ResetCurrentPosition()
	test.That(t, a.CurrentPosition(), test.ShouldEqual, int64(0))
}
