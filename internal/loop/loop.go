// Package loop provides the cooperative task queue every pipeline component
// runs on.
//
// Producers on any goroutine Post closures; a single consumer drains them in
// FIFO order, so tasks never overlap and need no locking among themselves.
// Ticks, detector completions and lifecycle transitions are all tasks, which
// makes their interleaving explicit: a completion that was posted before a
// handle replacement still runs after it and must check the handle it
// belongs to.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Run when the loop was closed before it started.
var ErrClosed = errors.New("loop: closed")

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Stats is a snapshot of loop activity.
type Stats struct {
	Posted   uint64
	Executed uint64
	Rejected uint64
	Panics   uint64
	Pending  int
}

// Loop is a FIFO task queue drained by a single goroutine.
//
// The queue follows the same mutex + sync.Cond discipline as a frame inbox:
// Post appends and signals, the drain side waits while empty.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task
	closed bool

	posted   atomic.Uint64
	executed atomic.Uint64
	rejected atomic.Uint64
	panics   atomic.Uint64

	logger *slog.Logger
}

// New creates an empty loop.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{logger: logger.With("component", "loop")}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post enqueues a task. It never blocks and returns false once the loop is
// closed.
func (l *Loop) Post(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.rejected.Add(1)
		return false
	}
	l.tasks = append(l.tasks, t)
	l.posted.Add(1)
	l.cond.Signal()
	return true
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// RunPending executes queued tasks on the calling goroutine until the queue is
// empty, including tasks posted by the tasks themselves. It returns the number
// of tasks executed.
//
// Tests use it to step the pipeline deterministically; production code uses
// Run instead. Never call it concurrently with Run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		t, ok := l.next(context.Background(), false)
		if !ok {
			return n
		}
		l.exec(t)
		n++
	}
}

// Run drains the queue until ctx is cancelled or Close is called. Tasks
// already queued when Close is called are still executed.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed && len(l.tasks) == 0 {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t, ok := l.next(ctx, true)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		l.exec(t)
	}
}

// Close rejects further posts and wakes Run. Idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.cond.Broadcast()
}

// Stats returns activity counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Posted:   l.posted.Load(),
		Executed: l.executed.Load(),
		Rejected: l.rejected.Load(),
		Panics:   l.panics.Load(),
		Pending:  l.Pending(),
	}
}

// next pops the head task. With wait set it blocks while the queue is empty
// and the loop is neither closed nor cancelled.
func (l *Loop) next(ctx context.Context, wait bool) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.tasks) == 0 {
		if !wait || l.closed {
			return nil, false
		}
		if ctx.Err() != nil {
			return nil, false
		}
		l.cond.Wait()
	}

	t := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return t, true
}

// exec runs one task. A panicking task is logged and counted; the loop keeps
// going so one bad callback cannot stall detection.
func (l *Loop) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("task panicked", "panic", r)
		}
	}()
	l.executed.Add(1)
	t()
}
