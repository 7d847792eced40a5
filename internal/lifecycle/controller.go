// Package lifecycle owns the detector handle: it builds one when the pipeline
// starts, rebuilds it whenever the frame source announces a new stream, routes
// each completion to the result mailbox and the overlay, and tears everything
// down exactly once.
//
// States:
//
//	Uninitialized ──Start──▶ Active ──ready──▶ Replacing ──▶ Active
//	                           │                                │
//	                           └───────────Teardown─────────────┴──▶ Disposed
//
// Completions are posted to the pipeline loop and applied only if they come
// from the handle that is still active; anything else is a stale completion
// from a replaced or disposed handle and is dropped.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-puppeteer/internal/detector"
	"github.com/e7canasta/orion-puppeteer/internal/loop"
	"github.com/e7canasta/orion-puppeteer/internal/mailbox"
	"github.com/e7canasta/orion-puppeteer/internal/scheduler"
	"github.com/e7canasta/orion-puppeteer/internal/stream"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

var (
	// ErrSlotBusy is returned by Handle.Submit while a frame is in flight.
	ErrSlotBusy = errors.New("lifecycle: detector slot busy")
	// ErrDisposed is returned after Teardown or by a disposed handle.
	ErrDisposed = errors.New("lifecycle: disposed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("lifecycle: already started")
)

// State is the controller state.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateReplacing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateReplacing:
		return "replacing"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Renderer redraws the overlay for a fresh result.
type Renderer interface {
	Render(result *types.DetectionResult, width, height int) error
}

// Config wires the controller.
type Config struct {
	Loop      *loop.Loop
	Source    stream.Source
	Requester scheduler.FrameRequester
	Factory   detector.Factory
	Options   detector.Options
	Mailbox   *mailbox.Mailbox
	// Renderer is optional
	Renderer Renderer
	Logger   *slog.Logger
}

// Stats is a snapshot of the controller.
type Stats struct {
	State           string
	Handle          *HandleStats
	Handles         uint64
	Replacements    uint64
	ReplaceFailures uint64
	Completions     uint64
	Failures        uint64
	Stale           uint64
	RenderErrors    uint64
	LastLatency     time.Duration
	Scheduler       scheduler.Stats
}

// Controller is the detector lifecycle state machine.
type Controller struct {
	cfg     Config
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	failLog *rate.Limiter

	mu          sync.Mutex
	ctx         context.Context
	state       State
	starting    bool
	active      *Handle
	removeReady func()

	handles         atomic.Uint64
	replacements    atomic.Uint64
	replaceFailures atomic.Uint64
	completions     atomic.Uint64
	failures        atomic.Uint64
	stale           atomic.Uint64
	renderErrors    atomic.Uint64
	lastLatency     atomic.Int64
}

// New creates an uninitialized controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Loop == nil:
		return nil, errors.New("lifecycle: loop is required")
	case cfg.Source == nil:
		return nil, errors.New("lifecycle: source is required")
	case cfg.Requester == nil:
		return nil, errors.New("lifecycle: frame requester is required")
	case cfg.Factory == nil:
		return nil, errors.New("lifecycle: detector factory is required")
	case cfg.Mailbox == nil:
		return nil, errors.New("lifecycle: mailbox is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Controller{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "lifecycle"),
		failLog: rate.NewLimiter(rate.Every(time.Second), 1),
		ctx:     context.Background(),
	}
	c.sched = scheduler.New(cfg.Requester, cfg.Source, c, cfg.Logger)
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start builds the first handle, subscribes to source readiness and starts
// the scheduler. If the detector cannot be built the error wraps
// detector.ErrUnavailable, nothing is started and Start may be retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateDisposed:
		c.mu.Unlock()
		return ErrDisposed
	case c.state != StateUninitialized, c.starting:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	c.mu.Unlock()

	// The worker may take seconds to load; Stats and Teardown must not wait
	// on it.
	h, err := c.newHandle(ctx)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state == StateDisposed {
		c.mu.Unlock()
		c.discard(h)
		return ErrDisposed
	}
	if err := c.sched.Start(); err != nil {
		c.mu.Unlock()
		c.discard(h)
		return fmt.Errorf("lifecycle: start scheduler: %w", err)
	}

	c.ctx = ctx
	c.active = h
	c.state = StateActive
	c.removeReady = c.cfg.Source.OnReady(func(ev stream.ReadyEvent) {
		c.cfg.Loop.Post(func() { c.onSourceReady(ev) })
	})
	c.mu.Unlock()

	c.logger.Info("detector lifecycle started", "handle_id", h.id, "options", c.cfg.Options)
	return nil
}

// discard disposes a handle that never became active.
func (c *Controller) discard(h *Handle) {
	if err := h.dispose(); err != nil {
		c.logger.Warn("failed to close unused detector", "handle_id", h.id, "error", err)
	}
}

// newHandle builds a model with the fixed options and wires its completions
// to the loop. Called without mu held.
func (c *Controller) newHandle(ctx context.Context) (*Handle, error) {
	model, err := c.cfg.Factory(ctx, c.cfg.Options)
	if err != nil {
		if !errors.Is(err, detector.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", detector.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("lifecycle: build detector: %w", err)
	}

	h := &Handle{
		id:         uuid.NewString(),
		generation: c.handles.Add(1),
		model:      model,
		createdAt:  time.Now(),
	}
	model.OnResults(func(comp detector.Completion) {
		c.cfg.Loop.Post(func() { c.onCompletion(h, comp) })
	})

	c.logger.Debug("detector handle created", "handle_id", h.id, "generation", h.generation)
	return h, nil
}

// onSourceReady replaces the active handle. Runs on the loop.
func (c *Controller) onSourceReady(ev stream.ReadyEvent) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		c.logger.Debug("ignoring source ready", "state", c.state, "uri", ev.URI)
		return
	}
	c.state = StateReplacing
	ctx := c.ctx
	c.mu.Unlock()

	next, err := c.newHandle(ctx)

	c.mu.Lock()
	if c.state != StateReplacing {
		// Torn down while the new detector was loading.
		c.mu.Unlock()
		if next != nil {
			c.discard(next)
		}
		return
	}
	if err != nil {
		c.state = StateActive
		current := c.active.id
		c.mu.Unlock()
		c.replaceFailures.Add(1)
		c.logger.Error("detector replacement failed, keeping current detector",
			"error", err,
			"uri", ev.URI,
			"handle_id", current,
		)
		return
	}

	prev := c.active
	c.active = next
	c.cfg.Mailbox.Clear()
	c.state = StateActive
	c.replacements.Add(1)
	c.mu.Unlock()

	if err := prev.dispose(); err != nil {
		c.logger.Warn("failed to close superseded detector", "handle_id", prev.id, "error", err)
	}

	c.logger.Info("detector replaced for new stream",
		"uri", ev.URI,
		"resolution", fmt.Sprintf("%dx%d", ev.Width, ev.Height),
		"stream_generation", ev.Generation,
		"handle_id", next.id,
		"previous_handle_id", prev.id,
	)
}

// onCompletion applies a completion from h. Runs on the loop.
func (c *Controller) onCompletion(h *Handle, comp detector.Completion) {
	c.mu.Lock()
	if c.state == StateDisposed || h != c.active || h.isDisposed() {
		c.mu.Unlock()
		c.stale.Add(1)
		c.logger.Debug("discarding stale completion", "handle_id", h.id, "frame_seq", comp.FrameSeq)
		return
	}

	width, height, latency, ok := h.release(comp.FrameSeq, comp.Err != nil)
	if !ok {
		c.mu.Unlock()
		c.stale.Add(1)
		c.logger.Debug("discarding completion for a frame not in flight",
			"handle_id", h.id,
			"frame_seq", comp.FrameSeq,
		)
		return
	}
	c.lastLatency.Store(int64(latency))

	if comp.Err != nil {
		c.mu.Unlock()
		c.failures.Add(1)
		if c.failLog.Allow() {
			c.logger.Warn("detection failed", "handle_id", h.id, "frame_seq", comp.FrameSeq, "error", comp.Err)
		}
		return
	}

	c.cfg.Mailbox.Store(comp.Result, h.origin())
	c.completions.Add(1)
	c.mu.Unlock()

	if c.cfg.Renderer == nil {
		return
	}
	if w, hgt, ok := c.cfg.Source.Dimensions(); ok {
		width, height = w, hgt
	}
	if err := c.cfg.Renderer.Render(comp.Result, width, height); err != nil {
		c.renderErrors.Add(1)
		c.logger.Debug("overlay render skipped", "error", err)
	}
}

// ActiveSlot implements scheduler.SlotProvider.
func (c *Controller) ActiveSlot() scheduler.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive || c.active == nil {
		return nil
	}
	return c.active
}

// Teardown stops the scheduler, unsubscribes from the source and disposes the
// active handle. Terminal and idempotent; the mailbox keeps its last result.
func (c *Controller) Teardown() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return nil
	}
	prevState := c.state
	c.state = StateDisposed

	c.sched.Stop()
	if c.removeReady != nil {
		c.removeReady()
		c.removeReady = nil
	}
	active := c.active
	c.active = nil
	c.mu.Unlock()

	var err error
	if active != nil {
		err = active.dispose()
	}

	c.logger.Info("detector lifecycle disposed",
		"previous_state", prevState,
		"replacements", c.replacements.Load(),
		"completions", c.completions.Load(),
		"stale", c.stale.Load(),
	)
	if err != nil {
		return fmt.Errorf("lifecycle: close detector: %w", err)
	}
	return nil
}

// Stats returns a snapshot. Safe from any goroutine.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	st := Stats{State: c.state.String()}
	if c.active != nil {
		hs := c.active.stats()
		st.Handle = &hs
	}
	c.mu.Unlock()

	st.Handles = c.handles.Load()
	st.Replacements = c.replacements.Load()
	st.ReplaceFailures = c.replaceFailures.Load()
	st.Completions = c.completions.Load()
	st.Failures = c.failures.Load()
	st.Stale = c.stale.Load()
	st.RenderErrors = c.renderErrors.Load()
	st.LastLatency = time.Duration(c.lastLatency.Load())
	st.Scheduler = c.sched.Stats()
	return st
}
