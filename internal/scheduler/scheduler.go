// Package scheduler feeds frames to the active detector, paced by the display
// refresh signal.
//
// Each tick submits the current frame if, and only if, the detector is idle.
// A busy detector drops the tick: frames are never queued, so the model always
// works on the newest frame available when it becomes free.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// FrameSource supplies the frame to submit.
type FrameSource interface {
	CurrentFrame() (types.Frame, bool)
}

// Slot is one detector's exclusive in-flight slot.
type Slot interface {
	Busy() bool
	Submit(ctx context.Context, frame types.Frame) error
}

// SlotProvider returns the active slot, or nil when no detector is live.
// It is read on every tick so a replacement is picked up immediately.
type SlotProvider interface {
	ActiveSlot() Slot
}

// SlotFunc adapts a function to SlotProvider.
type SlotFunc func() Slot

// ActiveSlot implements SlotProvider.
func (f SlotFunc) ActiveSlot() Slot { return f() }

// Stats is a snapshot of tick outcomes. Ticks equals the sum of the outcome
// counters.
type Stats struct {
	Ticks      uint64
	Submitted  uint64
	Dropped    uint64 // detector busy
	NoFrame    uint64 // source not ready
	NoDetector uint64 // no live handle
	Failed     uint64 // Submit returned an error
	LastTickAt time.Time
}

// Scheduler is the feed loop. All methods except Stats must be called from
// the pipeline loop goroutine.
type Scheduler struct {
	requester FrameRequester
	source    FrameSource
	slots     SlotProvider
	logger    *slog.Logger
	failLog   *rate.Limiter

	mu      sync.Mutex
	cancel  func()
	running bool
	stopped bool

	ticks      atomic.Uint64
	submitted  atomic.Uint64
	dropped    atomic.Uint64
	noFrame    atomic.Uint64
	noDetector atomic.Uint64
	failed     atomic.Uint64
	lastTickAt atomic.Int64
}

// New creates a stopped scheduler.
func New(requester FrameRequester, source FrameSource, slots SlotProvider, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		requester: requester,
		source:    source,
		slots:     slots,
		logger:    logger.With("component", "scheduler"),
		failLog:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start requests the first tick. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return nil
	}
	s.running = true
	s.cancel = s.requester.RequestFrame(s.tick)
	s.logger.Debug("scheduler started")
	return nil
}

// Stop cancels the outstanding tick request. No tick runs after Stop returns.
// Idempotent; a stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	s.running = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.logger.Debug("scheduler stopped", "ticks", s.ticks.Load(), "dropped", s.dropped.Load())
}

// Running reports whether ticks are being requested.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.ticks.Add(1)
	s.lastTickAt.Store(time.Now().UnixNano())
	s.dispatch()

	s.mu.Lock()
	if s.running {
		s.cancel = s.requester.RequestFrame(s.tick)
	}
	s.mu.Unlock()
}

func (s *Scheduler) dispatch() {
	frame, ok := s.source.CurrentFrame()
	if !ok {
		s.noFrame.Add(1)
		return
	}

	slot := s.slots.ActiveSlot()
	if slot == nil {
		s.noDetector.Add(1)
		return
	}
	if slot.Busy() {
		s.dropped.Add(1)
		return
	}

	if err := slot.Submit(context.Background(), frame); err != nil {
		s.failed.Add(1)
		if s.failLog.Allow() {
			s.logger.Warn("frame submission failed",
				"frame_seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
				"failed_total", s.failed.Load(),
			)
		}
		return
	}
	s.submitted.Add(1)
}

// Stats returns counters. Safe from any goroutine.
func (s *Scheduler) Stats() Stats {
	var last time.Time
	if ns := s.lastTickAt.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Ticks:      s.ticks.Load(),
		Submitted:  s.submitted.Load(),
		Dropped:    s.dropped.Load(),
		NoFrame:    s.noFrame.Load(),
		NoDetector: s.noDetector.Load(),
		Failed:     s.failed.Load(),
		LastTickAt: last,
	}
}
