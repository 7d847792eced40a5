// Package detector wraps the landmark model capability.
//
// A Model is opaque and asynchronous: Send hands one frame over and returns
// immediately, the result arrives later through the callback registered with
// OnResults. Callers must not Send again before the previous completion
// arrives; the lifecycle package enforces that with an in-flight slot.
package detector

import (
	"context"
	"errors"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

var (
	// ErrUnavailable marks a model that could not be constructed or started.
	// It is fatal for the caller that asked for the model.
	ErrUnavailable = errors.New("detector: model unavailable")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("detector: model closed")

	// ErrBusy is returned by Send while a previous frame is still being processed.
	ErrBusy = errors.New("detector: frame already in flight")
)

// Completion is delivered once per accepted frame.
type Completion struct {
	// FrameSeq is the sequence number of the frame that was sent
	FrameSeq uint64
	// Result is nil when Err is set
	Result *types.DetectionResult
	Err    error
}

// Model is an asynchronous landmark detector.
type Model interface {
	// Send submits one frame. It does not wait for the detection.
	Send(ctx context.Context, frame types.Frame) error
	// OnResults registers the completion callback. It may be invoked from any
	// goroutine; only the last registration is kept.
	OnResults(fn func(Completion))
	// Close releases the model. Completions may still be delivered while Close
	// runs; none are delivered after it returns.
	Close() error
}

// Factory builds a ready-to-use model with the given options.
// Failures should wrap ErrUnavailable.
type Factory func(ctx context.Context, opts Options) (Model, error)
