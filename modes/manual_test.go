package modes

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/dipcoater/stepper"
)

type manualHarness struct {
	m        *Manual
	act      *stepper.Actuator
	pins     *testPins
	clk      *clock.Mock
	controls *fakeControls
}

func newManual(t *testing.T) *manualHarness {
	t.Helper()
	clk := clock.NewMock()
	act, pins := newTestActuator(t, clk)
	m := NewManual(act, &recorder{}, clk, logging.NewTestLogger(t))
	test.That(t, m.Start(context.Background()), test.ShouldBeNil)
	return &manualHarness{m: m, act: act, pins: pins, clk: clk, controls: &fakeControls{}}
}

// tick advances the clock, runs one tick and clears edge gestures.
func (h *manualHarness) tick(t *testing.T, dt time.Duration) bool {
	t.Helper()
	h.clk.Add(dt)
	exit, err := h.m.Tick(context.Background(), h.controls.controls())
	test.That(t, err, test.ShouldBeNil)
	h.controls.clearEdges()
	return exit
}

func TestManualStart(t *testing.T) {
	h := newManual(t)
	test.That(t, h.m.State(), test.ShouldEqual, Idling)
	test.That(t, h.m.Speed(), test.ShouldEqual, DefaultJogSpeed)
	test.That(t, h.act.Speed(), test.ShouldAlmostEqual, 300.0, 0.01)
	test.That(t, h.act.Enabled(), test.ShouldBeTrue)
}

func TestManualJog(t *testing.T) {
	h := newManual(t)

	h.controls.up.held = true
	h.tick(t, 10*time.Millisecond)
	test.That(t, h.m.State(), test.ShouldEqual, MovingUp)
	test.That(t, h.act.Direction(), test.ShouldEqual, stepper.Up)
	test.That(t, h.pins.step.highs, test.ShouldEqual, 0)

	for i := 0; i < 5; i++ {
		h.tick(t, 10*time.Millisecond)
	}
	test.That(t, h.act.CurrentPosition(), test.ShouldEqual, int64(5))

	h.controls.up.held = false
	h.controls.up.released = true
	h.tick(t, 10*time.Millisecond)
	test.That(t, h.m.State(), test.ShouldEqual, Idling)
	test.That(t, h.act.CurrentPosition(), test.ShouldEqual, int64(5))

	h.controls.down.held = true
	h.tick(t, 10*time.Millisecond)
	h.tick(t, 10*time.Millisecond)
	test.That(t, h.m.State(), test.ShouldEqual, MovingDown)
	test.That(t, h.act.CurrentPosition(), test.ShouldEqual, int64(4))
}

func TestManualLimiters(t *testing.T) {
	h := newManual(t)
	h.controls.up.held = true
	h.tick(t, 10*time.Millisecond)
	h.tick(t, 10*time.Millisecond)
	test.That(t, h.act.CurrentPosition(), test.ShouldEqual, int64(1))

	h.controls.upper.pressed = true
	h.controls.upper.held = true
	h.tick(t, 10*time.Millisecond)
	test.That(t, h.m.State(), test.ShouldEqual, LimitedUp)

	for i := 0; i < 5; i++ {
		h.tick(t, 10*time.Millisecond)
	}
	test.That(t, h.m.State(), test.ShouldEqual, LimitedUp)
	test.That(t, h.act.CurrentPosition(), test.ShouldEqual, int64(1))

	t.Run("moving away from the limiter is allowed", func(t *testing.T) {
		h.controls.up.held = false
		h.controls.down.held = true
		h.tick(t, 10*time.Millisecond)
		test.That(t, h.m.State(), test.ShouldEqual, MovingDown)
		h.tick(t, 10*time.Millisecond)
		test.That(t, h.act.CurrentPosition(), test.ShouldEqual, int64(0))
	})
}

func TestManualSpeedSelection(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		h := newManual(t)
		h.controls.accept.holdStarted = true
		h.tick(t, 0)
		test.That(t, h.m.State(), test.ShouldEqual, SelectingSpeed)
		test.That(t, h.m.PendingSpeed(), test.ShouldEqual, 1.0)

		h.controls.up.clicked = true
		h.tick(t, 0)
		h.controls.down.clicked = true
		h.tick(t, 0)
		h.controls.down.clicked = true
		h.tick(t, 0)
		test.That(t, h.m.Speed(), test.ShouldAlmostEqual, 0.9, 1e-9)
		test.That(t, h.act.Speed(), test.ShouldAlmostEqual, 300.0, 0.01)

		h.controls.accept.clicked = true
		h.tick(t, 0)
		test.That(t, h.m.State(), test.ShouldEqual, Idling)
		test.That(t, h.act.Speed(), test.ShouldAlmostEqual, 270.0, 0.01)
	})

	t.Run("cancel restores the previous speed", func(t *testing.T) {
		h := newManual(t)
		h.controls.accept.holdStarted = true
		h.tick(t, 0)
		h.controls.up.clicked = true
		h.tick(t, 0)
		test.That(t, h.m.Speed(), test.ShouldAlmostEqual, 1.1, 1e-9)

		h.controls.stop.pressed = true
		h.tick(t, 0)
		test.That(t, h.m.State(), test.ShouldEqual, Idling)
		test.That(t, h.m.Speed(), test.ShouldEqual, 1.0)
		test.That(t, h.act.Speed(), test.ShouldAlmostEqual, 300.0, 0.01)
	})

	t.Run("ramp is rate limited and clamped", func(t *testing.T) {
		h := newManual(t)
		maxSpeed := h.act.MaxSpeedByDistanceRate()
		h.controls.accept.holdStarted = true
		h.tick(t, 0)

		h.controls.up.held = true
		h.tick(t, 500*time.Millisecond)
		test.That(t, h.m.Speed(), test.ShouldAlmostEqual, 2.0, 1e-9)
		h.tick(t, 0)
		h.tick(t, 100*time.Millisecond)
		test.That(t, h.m.Speed(), test.ShouldAlmostEqual, 2.0, 1e-9)
		h.tick(t, 400*time.Millisecond)
		test.That(t, h.m.Speed(), test.ShouldEqual, maxSpeed)
		h.tick(t, 500*time.Millisecond)
		test.That(t, h.m.Speed(), test.ShouldEqual, maxSpeed)
		test.That(t, h.pins.step.highs, test.ShouldEqual, 0)

		h.controls.up.held = false
		h.controls.down.held = true
		for i := 0; i < 4; i++ {
			h.tick(t, 500*time.Millisecond)
		}
		test.That(t, h.m.Speed(), test.ShouldEqual, 0.0)
		test.That(t, h.m.State(), test.ShouldEqual, SelectingSpeed)
	})

	t.Run("speed clicked down to zero stalls the jog", func(t *testing.T) {
		h := newManual(t)
		h.controls.accept.holdStarted = true
		h.tick(t, 0)
		for i := 0; i < 10; i++ {
			h.controls.down.clicked = true
			h.tick(t, 0)
		}
		test.That(t, h.m.Speed(), test.ShouldEqual, 0.0)
		h.controls.accept.clicked = true
		h.tick(t, 0)
		test.That(t, h.m.State(), test.ShouldEqual, Idling)
		test.That(t, h.act.Speed(), test.ShouldEqual, 0.0)

		h.controls.up.held = true
		for i := 0; i < 100; i++ {
			h.tick(t, time.Millisecond)
		}
		test.That(t, h.m.State(), test.ShouldEqual, MovingUp)
		test.That(t, h.pins.step.highs, test.ShouldEqual, 0)
		test.That(t, h.act.CurrentPosition(), test.ShouldEqual, int64(0))
	})

	t.Run("editing is only entered from idle", func(t *testing.T) {
		h := newManual(t)
		h.controls.up.held = true
		h.tick(t, 10*time.Millisecond)
		h.controls.accept.holdStarted = true
		h.tick(t, 10*time.Millisecond)
		test.That(t, h.m.State(), test.ShouldEqual, MovingUp)
	})
}

func TestManualExit(t *testing.T) {
	h := newManual(t)
	test.That(t, h.tick(t, 10*time.Millisecond), test.ShouldBeFalse)
	h.controls.stop.held = true
	test.That(t, h.tick(t, 10*time.Millisecond), test.ShouldBeTrue)
	test.That(t, h.act.Enabled(), test.ShouldBeFalse)
}
