package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-puppeteer/internal/detector"
	"github.com/e7canasta/orion-puppeteer/internal/mailbox"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// Handle is one live detector instance and its exclusive in-flight slot.
// At most one frame is submitted and awaiting completion at any time.
type Handle struct {
	id         string
	generation uint64
	model      detector.Model
	createdAt  time.Time

	mu          sync.Mutex
	inFlight    bool
	inFlightSeq uint64
	submittedAt time.Time
	frameWidth  int
	frameHeight int
	disposed    bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Generation returns the handle's position in the replacement sequence (1 for
// the first handle).
func (h *Handle) Generation() uint64 { return h.generation }

func (h *Handle) origin() mailbox.Origin {
	return mailbox.Origin{HandleID: h.id, Generation: h.generation}
}

// Busy reports whether a frame is awaiting completion.
func (h *Handle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight
}

// Submit sends frame to the model and occupies the slot until the completion
// is applied.
func (h *Handle) Submit(ctx context.Context, frame types.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}
	if h.inFlight {
		return ErrSlotBusy
	}

	h.inFlight = true
	if err := h.model.Send(ctx, frame); err != nil {
		h.inFlight = false
		h.failed.Add(1)
		return err
	}
	h.inFlightSeq = frame.Seq
	h.submittedAt = time.Now()
	h.frameWidth, h.frameHeight = frame.Width, frame.Height
	h.submitted.Add(1)
	return nil
}

// release frees the slot when seq is the frame in flight and returns that
// frame's size along with how long it took. ok is false for any other frame,
// and the slot is left untouched.
func (h *Handle) release(seq uint64, failed bool) (width, height int, latency time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.inFlight || h.inFlightSeq != seq {
		return 0, 0, 0, false
	}
	latency = time.Since(h.submittedAt)
	h.inFlight = false
	if failed {
		h.failed.Add(1)
	} else {
		h.completed.Add(1)
	}
	return h.frameWidth, h.frameHeight, latency, true
}

func (h *Handle) isDisposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// dispose closes the model. Idempotent.
func (h *Handle) dispose() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	h.inFlight = false
	h.mu.Unlock()

	return h.model.Close()
}

// HandleStats is a snapshot of one handle.
type HandleStats struct {
	ID         string
	Generation uint64
	InFlight   bool
	Submitted  uint64
	Completed  uint64
	Failed     uint64
	CreatedAt  time.Time
}

func (h *Handle) stats() HandleStats {
	return HandleStats{
		ID:         h.id,
		Generation: h.generation,
		InFlight:   h.Busy(),
		Submitted:  h.submitted.Load(),
		Completed:  h.completed.Load(),
		Failed:     h.failed.Load(),
		CreatedAt:  h.createdAt,
	}
}
