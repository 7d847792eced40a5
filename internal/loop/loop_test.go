package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/loop"
)

// TestRunPendingFIFO validates tasks run in post order, including tasks
// posted from inside a running task.
//
// Scenario:
//  1. Post A and B; A posts C while running
//  2. RunPending
//  3. Assert: order A, B, C and three executions
func TestRunPendingFIFO(t *testing.T) {
	l := loop.New(nil)
	var order []string

	l.Post(func() {
		order = append(order, "A")
		l.Post(func() { order = append(order, "C") })
	})
	l.Post(func() { order = append(order, "B") })

	n := l.RunPending()
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"A", "B", "C"}, order)
	assert.Equal(t, 0, l.Pending())
}

// TestPostAfterClose validates Close rejects new tasks but keeps queued ones.
func TestPostAfterClose(t *testing.T) {
	l := loop.New(nil)
	ran := 0
	require.True(t, l.Post(func() { ran++ }))

	l.Close()
	l.Close()

	assert.False(t, l.Post(func() { ran++ }))
	assert.Equal(t, 1, l.RunPending())
	assert.Equal(t, 1, ran)

	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.Posted)
	assert.Equal(t, uint64(1), stats.Rejected)
}

// TestPanicIsContained validates a panicking task does not stop the loop.
func TestPanicIsContained(t *testing.T) {
	l := loop.New(nil)
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	assert.Equal(t, 2, l.RunPending())
	assert.True(t, ran)
	assert.Equal(t, uint64(1), l.Stats().Panics)
}

// TestRunStopsOnCancel validates Run executes posted tasks from other
// goroutines and returns the context error once cancelled.
func TestRunStopsOnCancel(t *testing.T) {
	l := loop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	executed := make(chan struct{})
	l.Post(func() { close(executed) })

	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("task not executed by Run")
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestRunReturnsOnClose validates Close wakes an idle Run.
func TestRunReturnsOnClose(t *testing.T) {
	l := loop.New(nil)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	assert.ErrorIs(t, l.Run(context.Background()), loop.ErrClosed)
}
