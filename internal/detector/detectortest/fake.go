// Package detectortest provides a scriptable in-memory detector for tests.
//
// A Fake never completes on its own: the test decides when (and whether) each
// submitted frame completes, which is how slow detections and out-of-order
// lifecycle races are reproduced deterministically.
package detectortest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-puppeteer/internal/detector"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// Fake is a detector.Model whose completions are triggered by the test.
type Fake struct {
	ID   int
	Opts detector.Options

	mu       sync.Mutex
	callback func(detector.Completion)
	sent     []types.Frame
	pending  []types.Frame
	closed   bool
	sendErr  error
	closeCnt int
}

var _ detector.Model = (*Fake)(nil)

// Send records the frame. It does not enforce single in-flight on purpose, so
// tests can observe whether the caller does.
func (f *Fake) Send(_ context.Context, frame types.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return detector.ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	f.pending = append(f.pending, frame)
	return nil
}

// OnResults implements detector.Model.
func (f *Fake) OnResults(fn func(detector.Completion)) {
	f.mu.Lock()
	f.callback = fn
	f.mu.Unlock()
}

// Close implements detector.Model.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCnt++
	return nil
}

// FailSends makes every following Send return err (nil restores success).
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// Complete resolves the oldest pending frame with a copy of result stamped
// with that frame's seq. The callback runs even after Close so tests can
// reproduce late completions from a worker that was already torn down.
func (f *Fake) Complete(result *types.DetectionResult) error {
	return f.resolve(func(fr types.Frame) detector.Completion {
		if result != nil {
			r := *result
			r.FrameSeq = fr.Seq
			result = &r
		}
		return detector.Completion{FrameSeq: fr.Seq, Result: result}
	})
}

// Deliver hands comp to the callback as is, leaving pending frames alone.
// It reproduces a worker answering for a frame it was not given.
func (f *Fake) Deliver(comp detector.Completion) error {
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()

	if cb == nil {
		return fmt.Errorf("detectortest: model %d has no callback", f.ID)
	}
	cb(comp)
	return nil
}

// Fail resolves the oldest pending frame with err.
func (f *Fake) Fail(err error) error {
	return f.resolve(func(fr types.Frame) detector.Completion {
		return detector.Completion{FrameSeq: fr.Seq, Err: err}
	})
}

func (f *Fake) resolve(build func(types.Frame) detector.Completion) error {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return errors.New("detectortest: no frame pending")
	}
	fr := f.pending[0]
	f.pending = f.pending[1:]
	cb := f.callback
	f.mu.Unlock()

	if cb == nil {
		return fmt.Errorf("detectortest: model %d has no callback", f.ID)
	}
	cb(build(fr))
	return nil
}

// Sent returns a copy of every frame accepted by Send.
func (f *Fake) Sent() []types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Frame(nil), f.sent...)
}

// Pending returns the number of frames awaiting completion.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CloseCount returns how many times Close was called.
func (f *Fake) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCnt
}

// Factory builds Fakes and remembers them in creation order.
type Factory struct {
	mu     sync.Mutex
	models []*Fake
	err    error
}

// New implements detector.Factory.
func (fa *Factory) New(_ context.Context, opts detector.Options) (detector.Model, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.err != nil {
		return nil, fmt.Errorf("%w: %v", detector.ErrUnavailable, fa.err)
	}
	m := &Fake{ID: len(fa.models) + 1, Opts: opts}
	fa.models = append(fa.models, m)
	return m, nil
}

// FailWith makes following constructions fail (nil restores success).
func (fa *Factory) FailWith(err error) {
	fa.mu.Lock()
	fa.err = err
	fa.mu.Unlock()
}

// Models returns every model built so far.
func (fa *Factory) Models() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.models...)
}

// Last returns the most recently built model, or nil.
func (fa *Factory) Last() *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.models) == 0 {
		return nil
	}
	return fa.models[len(fa.models)-1]
}
