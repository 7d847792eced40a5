package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/e7canasta/orion-puppeteer/internal/loop"
)

// FrameRequester is the display refresh signal: RequestFrame arranges for fn
// to run once, on the pipeline loop, at the next repaint. The returned cancel
// withdraws the request if it has not fired yet.
type FrameRequester interface {
	RequestFrame(fn func()) (cancel func())
}

// requests is the pending-callback registry shared by both clocks.
type requests struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]func()
}

func (r *requests) add(fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		r.pending = make(map[uint64]func())
	}
	r.nextID++
	id := r.nextID
	r.pending[id] = fn

	return func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}
}

// take removes and returns every pending callback in request order.
func (r *requests) take() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.pending[id])
		delete(r.pending, id)
	}
	return fns
}

func (r *requests) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// DisplayClock is the production refresh signal: a ticker at the display rate
// that posts due callbacks onto the loop.
type DisplayClock struct {
	loop     *loop.Loop
	interval time.Duration
	reqs     requests
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewDisplayClock creates a clock firing refreshHz times per second.
func NewDisplayClock(l *loop.Loop, refreshHz float64, logger *slog.Logger) *DisplayClock {
	if refreshHz <= 0 {
		refreshHz = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DisplayClock{
		loop:     l,
		interval: time.Duration(float64(time.Second) / refreshHz),
		logger:   logger.With("component", "display-clock"),
	}
}

// RequestFrame implements FrameRequester.
func (c *DisplayClock) RequestFrame(fn func()) func() {
	return c.reqs.add(fn)
}

// Start begins ticking. Calling Start twice is a no-op.
func (c *DisplayClock) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)

	c.logger.Info("display clock started", "interval", c.interval)
}

func (c *DisplayClock) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, fn := range c.reqs.take() {
				if !c.loop.Post(fn) {
					return
				}
			}
		}
	}
}

// Stop halts ticking and waits for the ticker goroutine. Idempotent.
func (c *DisplayClock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ManualClock is a FrameRequester driven by the test: Fire posts every
// pending callback to the loop as if the display had repainted.
type ManualClock struct {
	loop *loop.Loop
	reqs requests
}

// NewManualClock creates a clock bound to l.
func NewManualClock(l *loop.Loop) *ManualClock {
	return &ManualClock{loop: l}
}

// RequestFrame implements FrameRequester.
func (c *ManualClock) RequestFrame(fn func()) func() {
	return c.reqs.add(fn)
}

// Fire posts due callbacks and returns how many there were.
func (c *ManualClock) Fire() int {
	fns := c.reqs.take()
	for _, fn := range fns {
		c.loop.Post(fn)
	}
	return len(fns)
}

// Pending returns the number of outstanding requests.
func (c *ManualClock) Pending() int {
	return c.reqs.len()
}
