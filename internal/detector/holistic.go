package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// DefaultCommand is the worker launcher script (activates the venv and runs
// the holistic landmark worker).
const DefaultCommand = "models/run_holistic.sh"

// HolisticConfig configures the subprocess-backed holistic model.
type HolisticConfig struct {
	// Command is the worker executable
	Command string
	// Args are prepended to the option flags
	Args []string
	// Env is appended to the current environment
	Env []string
	// ReadyTimeout bounds model loading inside the worker
	ReadyTimeout time.Duration
	// StallWarning is how long a frame write may block before a warning is
	// logged. The write keeps waiting; detections are never timed out.
	StallWarning time.Duration
	// StopTimeout is the grace period before the worker is killed
	StopTimeout time.Duration
	Logger      *slog.Logger
}

func (c *HolisticConfig) setDefaults() {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.StallWarning <= 0 {
		c.StallWarning = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Message types exchanged with the worker.
const (
	msgReady  = "ready"
	msgFrame  = "frame"
	msgResult = "result"
)

type holisticRequest struct {
	Type      string `msgpack:"type"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
	FrameData []byte `msgpack:"frame_data"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id,omitempty"`
}

type holisticResponse struct {
	Type               string             `msgpack:"type"`
	Seq                uint64             `msgpack:"seq"`
	PoseLandmarks      []types.Landmark   `msgpack:"pose_landmarks"`
	FaceLandmarks      []types.Landmark   `msgpack:"face_landmarks"`
	LeftHandLandmarks  []types.Landmark   `msgpack:"left_hand_landmarks"`
	RightHandLandmarks []types.Landmark   `msgpack:"right_hand_landmarks"`
	Timing             map[string]float64 `msgpack:"timing"`
	Error              string             `msgpack:"error"`
}

func (r *holisticResponse) result() *types.DetectionResult {
	return &types.DetectionResult{
		PoseLandmarks:      r.PoseLandmarks,
		FaceLandmarks:      r.FaceLandmarks,
		LeftHandLandmarks:  r.LeftHandLandmarks,
		RightHandLandmarks: r.RightHandLandmarks,
		FrameSeq:           r.Seq,
		InferenceMs:        r.Timing["inference_ms"],
	}
}

// HolisticStats is a snapshot of worker activity.
type HolisticStats struct {
	PID          int
	FramesSent   uint64
	Completions  uint64
	Failures     uint64
	Unexpected   uint64 // completions for a frame that was not in flight
	AvgLatencyMs float64
	LastSeenAt   time.Time
	Exited       bool
}

// Holistic runs the landmark model in a child process and talks to it over
// stdin/stdout with length-prefixed msgpack messages. Worker stderr is
// forwarded to the logger.
type Holistic struct {
	cfg    HolisticConfig
	opts   Options
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	input chan types.Frame

	// ctx bounds the process itself; quit stops the I/O goroutines so Close
	// can let the worker exit on its own first.
	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	// cbMu is held for reading while a completion is delivered, so Close
	// (write lock) returns only after in-progress deliveries.
	cbMu     sync.RWMutex
	callback func(Completion)
	closed   bool

	// slotMu guards the single in-flight frame. Only a completion for
	// pendingSeq frees the slot.
	slotMu     sync.Mutex
	inFlight   bool
	pendingSeq uint64

	exited atomic.Bool

	framesSent     atomic.Uint64
	completions    atomic.Uint64
	failures       atomic.Uint64
	totalLatencyUs atomic.Uint64
	unexpected     atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
	sentAt         atomic.Int64
}

// NewHolisticFactory returns a Factory that spawns one worker per model.
func NewHolisticFactory(cfg HolisticConfig) Factory {
	cfg.setDefaults()
	return func(ctx context.Context, opts Options) (Model, error) {
		if err := opts.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		h := &Holistic{
			cfg:    cfg,
			opts:   opts,
			logger: cfg.Logger.With("component", "holistic"),
			input:  make(chan types.Frame, 1),
			quit:   make(chan struct{}),
		}
		if err := h.start(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return h, nil
	}
}

// start spawns the worker and waits for its ready message.
func (h *Holistic) start(ctx context.Context) error {
	// The process outlives the caller's context; Close ends it.
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))

	args := append(append([]string{}, h.cfg.Args...), h.opts.Args()...)
	h.cmd = exec.CommandContext(h.ctx, h.cfg.Command, args...)
	if len(h.cfg.Env) > 0 {
		h.cmd.Env = append(os.Environ(), h.cfg.Env...)
	}

	var err error
	if h.stdin, err = h.cmd.StdinPipe(); err != nil {
		h.cancel()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	if h.stdout, err = h.cmd.StdoutPipe(); err != nil {
		h.cancel()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if h.stderr, err = h.cmd.StderrPipe(); err != nil {
		h.cancel()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := h.cmd.Start(); err != nil {
		h.cancel()
		return fmt.Errorf("start worker %q: %w", h.cfg.Command, err)
	}
	h.logger = h.logger.With("pid", h.cmd.Process.Pid)
	h.logger.Info("holistic worker spawned", "command", h.cfg.Command, "args", args)

	h.wg.Add(1)
	go h.logStderr()

	if err := h.awaitReady(ctx); err != nil {
		h.kill()
		_ = h.cmd.Wait()
		return err
	}

	h.lastSeenAt.Store(time.Now())

	h.wg.Add(3)
	go h.processFrames()
	go h.readResults()
	go h.waitProcess()

	return nil
}

func (h *Holistic) awaitReady(ctx context.Context) error {
	ready := make(chan error, 1)
	go func() {
		var resp holisticResponse
		if err := ReadMessage(h.stdout, &resp); err != nil {
			ready <- fmt.Errorf("read ready message: %w", err)
			return
		}
		if resp.Error != "" {
			ready <- fmt.Errorf("worker failed to load model: %s", resp.Error)
			return
		}
		if resp.Type != msgReady {
			ready <- fmt.Errorf("unexpected first message %q", resp.Type)
			return
		}
		ready <- nil
	}()

	select {
	case err := <-ready:
		return err
	case <-time.After(h.cfg.ReadyTimeout):
		return fmt.Errorf("worker not ready after %v", h.cfg.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements Model.
func (h *Holistic) Send(ctx context.Context, frame types.Frame) error {
	h.cbMu.RLock()
	closed := h.closed
	h.cbMu.RUnlock()
	if closed {
		return ErrClosed
	}
	if h.exited.Load() {
		return fmt.Errorf("%w: worker exited", ErrUnavailable)
	}

	h.slotMu.Lock()
	defer h.slotMu.Unlock()
	if h.inFlight {
		return ErrBusy
	}

	select {
	case h.input <- frame:
		h.inFlight = true
		h.pendingSeq = frame.Seq
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBusy
	}
}

// OnResults implements Model.
func (h *Holistic) OnResults(fn func(Completion)) {
	h.cbMu.Lock()
	h.callback = fn
	h.cbMu.Unlock()
}

// finish frees the slot and delivers c when c is for the frame in flight.
// Anything else is dropped and counted.
func (h *Holistic) finish(c Completion) bool {
	h.slotMu.Lock()
	if !h.inFlight || h.pendingSeq != c.FrameSeq {
		pending, busy := h.pendingSeq, h.inFlight
		h.slotMu.Unlock()
		h.unexpected.Add(1)
		h.logger.Warn("dropping completion for a frame not in flight",
			"frame_seq", c.FrameSeq,
			"pending_seq", pending,
			"in_flight", busy,
		)
		return false
	}
	h.inFlight = false
	h.slotMu.Unlock()

	h.deliver(c)
	return true
}

// failInFlight fails the frame in flight, if any.
func (h *Holistic) failInFlight(err error) {
	h.slotMu.Lock()
	if !h.inFlight {
		h.slotMu.Unlock()
		return
	}
	seq := h.pendingSeq
	h.inFlight = false
	h.slotMu.Unlock()

	h.failures.Add(1)
	h.deliver(Completion{FrameSeq: seq, Err: err})
}

func (h *Holistic) deliver(c Completion) {
	h.cbMu.RLock()
	defer h.cbMu.RUnlock()
	if h.closed || h.callback == nil {
		return
	}
	h.callback(c)
}

func (h *Holistic) processFrames() {
	defer h.wg.Done()

	for {
		select {
		case <-h.quit:
			return
		case frame := <-h.input:
			h.framesSent.Add(1)
			h.sentAt.Store(time.Now().UnixMicro())

			if err := h.sendFrame(frame); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				h.logger.Error("failed to send frame to holistic worker",
					"frame_seq", frame.Seq,
					"trace_id", frame.TraceID,
					"error", err,
				)
				// A failed write means the pipe is gone, so nothing for this
				// frame can reach the worker later.
				h.failInFlight(fmt.Errorf("%w: %v", ErrUnavailable, err))
			}
		}
	}
}

func (h *Holistic) sendFrame(frame types.Frame) error {
	req := holisticRequest{
		Type:      msgFrame,
		Seq:       frame.Seq,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    "RGB",
		FrameData: frame.Data,
		Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		TraceID:   frame.TraceID,
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- WriteMessage(h.stdin, req)
	}()

	stall := time.NewTicker(h.cfg.StallWarning)
	defer stall.Stop()
	started := time.Now()

	for {
		select {
		case err := <-writeErr:
			return err
		case <-stall.C:
			h.logger.Warn("holistic worker is not reading frames",
				"frame_seq", frame.Seq,
				"blocked_for", time.Since(started).Round(time.Millisecond),
			)
		case <-h.quit:
			return ErrClosed
		}
	}
}

func (h *Holistic) readResults() {
	defer h.wg.Done()

	for {
		var resp holisticResponse
		if err := ReadMessage(h.stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) || h.stopping() {
				h.logger.Debug("holistic worker stdout closed")
				return
			}
			h.logger.Error("failed to read holistic result", "error", err)
			return
		}
		if resp.Type != "" && resp.Type != msgResult {
			h.logger.Debug("ignoring worker message", "type", resp.Type)
			continue
		}

		h.lastSeenAt.Store(time.Now())
		if start := h.sentAt.Load(); start > 0 {
			h.totalLatencyUs.Add(uint64(time.Now().UnixMicro() - start))
		}

		if resp.Error != "" {
			if h.finish(Completion{FrameSeq: resp.Seq, Err: fmt.Errorf("worker: %s", resp.Error)}) {
				h.failures.Add(1)
			}
			continue
		}

		if h.finish(Completion{FrameSeq: resp.Seq, Result: resp.result()}) {
			h.completions.Add(1)
		}
	}
}

func (h *Holistic) logStderr() {
	defer h.wg.Done()

	scanner := bufio.NewScanner(h.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			h.logger.Error("holistic worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			h.logger.Warn("holistic worker warning", "log", line)
		default:
			h.logger.Debug("holistic worker log", "log", line)
		}
	}
}

// waitProcess reaps the child so it never lingers as a zombie. An unexpected
// exit fails the frame in flight so the caller's slot frees up.
func (h *Holistic) waitProcess() {
	defer h.wg.Done()

	err := h.cmd.Wait()
	h.exited.Store(true)

	if h.stopping() {
		h.logger.Debug("holistic worker exited (shutdown)")
		return
	}

	h.logger.Error("holistic worker exited unexpectedly", "error", err)
	h.failInFlight(fmt.Errorf("%w: worker exited", ErrUnavailable))
}

// Close implements Model. It closes stdin, waits StopTimeout for the worker to
// exit, then kills it. Idempotent.
func (h *Holistic) Close() error {
	h.cbMu.Lock()
	if h.closed {
		h.cbMu.Unlock()
		return nil
	}
	h.closed = true
	h.callback = nil
	close(h.quit)
	h.cbMu.Unlock()

	h.logger.Info("stopping holistic worker")

	if h.stdin != nil {
		h.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Debug("holistic worker stopped cleanly")
	case <-time.After(h.cfg.StopTimeout):
		h.logger.Warn("holistic worker stop timeout, killing process")
		h.kill()
		<-done
	}
	h.cancel()
	return nil
}

func (h *Holistic) stopping() bool {
	select {
	case <-h.quit:
		return true
	default:
		return h.ctx.Err() != nil
	}
}

func (h *Holistic) kill() {
	h.cancel()
	if h.cmd != nil && h.cmd.Process != nil {
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.logger.Error("failed to kill holistic worker", "error", err)
		}
	}
}

// Stats returns worker counters.
func (h *Holistic) Stats() HolisticStats {
	completions := h.completions.Load()
	var avg float64
	if n := completions + h.failures.Load(); n > 0 {
		avg = float64(h.totalLatencyUs.Load()) / float64(n) / 1000
	}
	var lastSeen time.Time
	if v := h.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}
	pid := 0
	if h.cmd != nil && h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	return HolisticStats{
		PID:          pid,
		FramesSent:   h.framesSent.Load(),
		Completions:  completions,
		Failures:     h.failures.Load(),
		Unexpected:   h.unexpected.Load(),
		AvgLatencyMs: avg,
		LastSeenAt:   lastSeen,
		Exited:       h.exited.Load(),
	}
}
