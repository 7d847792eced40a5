package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/overlay"
)

// TestScenarioSlowDetectorPartialResult covers the first end-to-end path.
//
// Scenario:
//  1. Source becomes ready → handle A created
//  2. Three ticks while A is slow → one submission, two dropped ticks
//  3. A completes with pose present, face absent
//  4. Mailbox holds that result; overlay draws only the pose skeleton
//  5. Pull consumer reads the same partial result
func TestScenarioSlowDetectorPartialResult(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.load("file:///dance.mp4")

	models := h.factory.Models()
	require.Len(t, models, 2, "start handle plus the one built for the ready stream")
	assert.True(t, models[0].Closed(), "superseded handle is disposed on replacement")
	a := h.active()

	for i := 0; i < 3; i++ {
		h.push()
		h.step()
	}

	assert.Len(t, a.Sent(), 1, "only one frame may reach a busy detector")
	sched := h.ctrl.Stats().Scheduler
	assert.Equal(t, uint64(1), sched.Submitted)
	assert.Equal(t, uint64(2), sched.Dropped)

	h.surface.Reset()
	result := poseOnly()
	require.NoError(t, a.Complete(result))
	h.drain()

	got := h.mailbox.Result()
	require.NotNil(t, got)
	assert.Equal(t, result.PoseLandmarks, got.PoseLandmarks)
	assert.Equal(t, a.Sent()[0].Seq, got.FrameSeq)
	assert.Zero(t, result.FrameSeq, "the fake stamps a copy, never the caller's value")
	assert.Nil(t, got.FaceLandmarks)

	assert.Equal(t, []overlay.Layer{overlay.LayerPoseConnectors, overlay.LayerPoseLandmarks}, h.surface.Layers())
	assert.Equal(t, overlay.Op{Kind: "resize", Width: 640, Height: 480}, h.surface.Ops()[0])

	pulled := h.mailbox.Result()
	assert.Same(t, got, pulled)

	t.Logf("✅ 3 ticks → 1 submission, %d dropped; partial result delivered", sched.Dropped)
}

// TestScenarioReplacementIgnoresLateCompletion covers the second end-to-end
// path: a completion from handle A that arrives after B took over never
// reaches the mailbox.
func TestScenarioReplacementIgnoresLateCompletion(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.load("file:///first.mp4")
	a := h.active()

	h.push()
	h.step()
	require.Len(t, a.Sent(), 1)

	h.load("file:///second.mp4")
	b := h.active()
	require.NotSame(t, a, b)
	assert.True(t, a.Closed())

	h.step()
	require.Len(t, b.Sent(), 1, "B receives frames immediately after replacement")

	fromB := handsOnly()
	require.NoError(t, b.Complete(fromB))
	h.drain()
	assert.Equal(t, fromB.Groups(), h.mailbox.Result().Groups())

	require.NoError(t, a.Complete(poseOnly()))
	h.drain()

	e, ok := h.mailbox.Latest()
	require.True(t, ok)
	assert.Equal(t, fromB.Groups(), e.Result.Groups(), "late completion from A must not overwrite B's result")
	assert.Equal(t, h.ctrl.Stats().Handle.ID, e.Origin.HandleID)
	assert.Equal(t, uint64(1), h.ctrl.Stats().Stale)
}

// TestReplacementHidesPreviousResult validates the mailbox reads as empty
// between a replacement and the new handle's first result, even if the old
// handle completes in that window.
func TestReplacementHidesPreviousResult(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.load("file:///first.mp4")
	a := h.active()

	h.push()
	h.step()
	require.NoError(t, a.Complete(poseOnly()))
	h.drain()
	require.NotNil(t, h.mailbox.Result())

	h.step() // A busy again
	h.load("file:///second.mp4")
	assert.Nil(t, h.mailbox.Result(), "result from the replaced handle must not be observed")

	require.NoError(t, a.Complete(poseOnly()))
	h.drain()
	assert.Nil(t, h.mailbox.Result())
}
