package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/detector"
	"github.com/e7canasta/orion-puppeteer/internal/detector/detectortest"
	"github.com/e7canasta/orion-puppeteer/internal/loop"
	"github.com/e7canasta/orion-puppeteer/internal/mailbox"
	"github.com/e7canasta/orion-puppeteer/internal/overlay"
	"github.com/e7canasta/orion-puppeteer/internal/scheduler"
	"github.com/e7canasta/orion-puppeteer/internal/stream"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// harness wires a controller against fakes and steps it deterministically:
// nothing runs until step (one display refresh) or drain is called.
type harness struct {
	t        *testing.T
	loop     *loop.Loop
	clock    *scheduler.ManualClock
	src      *stream.ManualSource
	factory  *detectortest.Factory
	mailbox  *mailbox.Mailbox
	surface  *overlay.Recorder
	renderer *overlay.Renderer
	ctrl     *Controller

	// hold, when set, parks every detector build until it is closed;
	// building receives once per parked build.
	hold     chan struct{}
	building chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		loop:    loop.New(nil),
		src:     stream.NewManualSource(),
		factory: &detectortest.Factory{},
		mailbox: mailbox.New(),
		surface: &overlay.Recorder{},
	}
	h.clock = scheduler.NewManualClock(h.loop)
	h.renderer = overlay.New(h.surface, overlay.DefaultGraphs(), nil)

	ctrl, err := New(Config{
		Loop:      h.loop,
		Source:    h.src,
		Requester: h.clock,
		Factory:   h.build,
		Options:   detector.DefaultOptions(),
		Mailbox:   h.mailbox,
		Renderer:  h.renderer,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) build(ctx context.Context, opts detector.Options) (detector.Model, error) {
	if h.hold != nil {
		h.building <- struct{}{}
		<-h.hold
	}
	return h.factory.New(ctx, opts)
}

// holdBuilds parks the following detector builds until release is called.
func (h *harness) holdBuilds() (release func()) {
	h.hold = make(chan struct{})
	h.building = make(chan struct{}, 4)
	return func() { close(h.hold) }
}

// awaitBuild waits until a build is parked.
func (h *harness) awaitBuild() {
	h.t.Helper()
	select {
	case <-h.building:
	case <-time.After(2 * time.Second):
		h.t.Fatal("no detector build started")
	}
}

// async runs fn on its own goroutine and returns a channel closed when it
// is done.
func async(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func (h *harness) await(done <-chan struct{}, what string) {
	h.t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("%s did not return", what)
	}
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Start(context.Background()))
}

// load switches the source to uri and decodes its first frame, which fires
// ready; the replacement runs on the next drain.
func (h *harness) load(uri string) {
	h.src.Load(uri)
	h.push()
	h.drain()
}

// push decodes one 640x480 frame.
func (h *harness) push() uint64 {
	return h.src.Push(types.Frame{
		Width:     640,
		Height:    480,
		Data:      make([]byte, 640*480*3),
		Timestamp: time.Now(),
	})
}

// step fires one display refresh and runs everything it triggers.
func (h *harness) step() {
	h.clock.Fire()
	h.drain()
}

func (h *harness) drain() {
	h.loop.RunPending()
}

// active returns the fake behind the active handle.
func (h *harness) active() *detectortest.Fake {
	h.t.Helper()
	m := h.factory.Last()
	require.NotNil(h.t, m)
	return m
}

func poseOnly() *types.DetectionResult {
	pose := make([]types.Landmark, types.PoseLandmarks)
	for i := range pose {
		pose[i] = types.Landmark{X: float64(i) / 40, Y: 0.5, Visibility: 0.9}
	}
	return &types.DetectionResult{PoseLandmarks: pose}
}

func handsOnly() *types.DetectionResult {
	return &types.DetectionResult{
		LeftHandLandmarks:  make([]types.Landmark, types.HandLandmarks),
		RightHandLandmarks: make([]types.Landmark, types.HandLandmarks),
	}
}
