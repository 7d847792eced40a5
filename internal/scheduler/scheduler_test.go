package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/loop"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

type stubSource struct {
	frame types.Frame
	ready bool
}

func (s *stubSource) CurrentFrame() (types.Frame, bool) { return s.frame, s.ready }

type stubSlot struct {
	busy bool
	err  error
	sent []uint64
}

func (s *stubSlot) Busy() bool { return s.busy }

func (s *stubSlot) Submit(_ context.Context, f types.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, f.Seq)
	return nil
}

type harness struct {
	loop  *loop.Loop
	clock *ManualClock
	src   *stubSource
	slot  *stubSlot
	sched *Scheduler
	live  bool
}

func newHarness() *harness {
	h := &harness{
		loop: loop.New(nil),
		src:  &stubSource{},
		slot: &stubSlot{},
		live: true,
	}
	h.clock = NewManualClock(h.loop)
	h.sched = New(h.clock, h.src, SlotFunc(func() Slot {
		if !h.live {
			return nil
		}
		return h.slot
	}), nil)
	return h
}

// step fires one display refresh and drains the loop.
func (h *harness) step() {
	h.clock.Fire()
	h.loop.RunPending()
}

// TestTickOutcomes walks one tick through each outcome.
//
// Scenario:
//  1. No frame yet → NoFrame
//  2. Frame, no detector → NoDetector
//  3. Frame, idle detector → Submitted
//  4. Frame, busy detector → Dropped (never queued)
//  5. Submit error → Failed, next tick proceeds
func TestTickOutcomes(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.sched.Start())

	h.step()
	assert.Equal(t, uint64(1), h.sched.Stats().NoFrame)

	h.src.frame, h.src.ready = types.Frame{Seq: 1, Width: 2, Height: 2}, true
	h.live = false
	h.step()
	assert.Equal(t, uint64(1), h.sched.Stats().NoDetector)

	h.live = true
	h.step()
	assert.Equal(t, []uint64{1}, h.slot.sent)

	h.slot.busy = true
	h.src.frame.Seq = 2
	h.step()
	assert.Equal(t, []uint64{1}, h.slot.sent, "busy detector must not receive a frame")

	h.slot.busy = false
	h.slot.err = errors.New("model hiccup")
	h.step()

	h.slot.err = nil
	h.src.frame.Seq = 3
	h.step()
	assert.Equal(t, []uint64{1, 3}, h.slot.sent)

	stats := h.sched.Stats()
	assert.Equal(t, Stats{
		Ticks:      6,
		Submitted:  2,
		Dropped:    1,
		NoFrame:    1,
		NoDetector: 1,
		Failed:     1,
		LastTickAt: stats.LastTickAt,
	}, stats)
	assert.Equal(t, stats.Ticks, stats.Submitted+stats.Dropped+stats.NoFrame+stats.NoDetector+stats.Failed)
}

// TestOneRequestOutstanding validates the scheduler keeps exactly one frame
// request pending between ticks.
func TestOneRequestOutstanding(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.sched.Start())
	require.NoError(t, h.sched.Start())
	assert.Equal(t, 1, h.clock.Pending())

	for i := 0; i < 5; i++ {
		h.step()
		assert.Equal(t, 1, h.clock.Pending())
	}
}

// TestStopCancelsTicks validates Stop withdraws the pending request and a tick
// already posted to the loop becomes a no-op.
func TestStopCancelsTicks(t *testing.T) {
	h := newHarness()
	h.src.ready = true
	require.NoError(t, h.sched.Start())

	h.clock.Fire() // tick posted but not yet run
	h.sched.Stop()
	h.sched.Stop()
	h.loop.RunPending()

	assert.Equal(t, uint64(0), h.sched.Stats().Ticks)
	assert.Equal(t, 0, h.clock.Pending())
	assert.False(t, h.sched.Running())
	assert.ErrorIs(t, h.sched.Start(), ErrStopped)
}
