package mailbox

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

func pose(x float64) *types.DetectionResult {
	return &types.DetectionResult{PoseLandmarks: []types.Landmark{{X: x, Y: x}}}
}

// TestEmptyMailbox validates the "no result yet" sentinel.
func TestEmptyMailbox(t *testing.T) {
	m := New()

	assert.Nil(t, m.Result())
	_, ok := m.Latest()
	assert.False(t, ok)
	assert.False(t, m.Stats().HasResult)
}

// TestLastWriteWins validates that after completions R1, R2, R3 a read
// returns R3 and nothing else is retained.
//
// Scenario:
//  1. Store three results without reading
//  2. Assert: Result() is the third
//  3. Assert: two overwrites of unread results were counted
func TestLastWriteWins(t *testing.T) {
	m := New()
	origin := Origin{HandleID: "h1", Generation: 1}

	m.Store(pose(0.1), origin)
	m.Store(pose(0.2), origin)
	seq := m.Store(pose(0.3), origin)

	got := m.Result()
	if diff := cmp.Diff(pose(0.3), got); diff != "" {
		t.Errorf("latest result mismatch (-want +got):\n%s", diff)
	}

	e, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, seq, e.Seq)
	assert.Equal(t, origin, e.Origin)

	stats := m.Stats()
	assert.Equal(t, uint64(3), stats.Writes)
	assert.Equal(t, uint64(2), stats.Overwrites)
}

// TestNilStoredAsEmpty validates a completion with no detections is
// distinguishable from no completion.
func TestNilStoredAsEmpty(t *testing.T) {
	m := New()
	m.Store(nil, Origin{})

	r := m.Result()
	require.NotNil(t, r)
	assert.True(t, r.Empty())
}

// TestClearKeepsSequence validates Clear hides the result but sequence
// numbers stay monotonic across it.
func TestClearKeepsSequence(t *testing.T) {
	m := New()
	m.Store(pose(0.1), Origin{HandleID: "old"})
	m.Clear()

	assert.Nil(t, m.Result())
	_, ok := m.LatestAfter(0)
	assert.False(t, ok)

	seq := m.Store(pose(0.5), Origin{HandleID: "new"})
	assert.Equal(t, uint64(2), seq)

	e, ok := m.LatestAfter(1)
	require.True(t, ok)
	assert.Equal(t, "new", e.Origin.HandleID)

	_, ok = m.LatestAfter(2)
	assert.False(t, ok, "already-seen sequence must not be returned again")
}

// TestConcurrentReaders exercises one writer against several pull readers.
func TestConcurrentReaders(t *testing.T) {
	m := New()
	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for i := 0; i < 500; i++ {
				if e, ok := m.Latest(); ok {
					assert.GreaterOrEqual(t, e.Seq, last)
					last = e.Seq
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		m.Store(pose(float64(i)/500), Origin{})
	}
	wg.Wait()

	assert.Equal(t, uint64(500), m.Stats().Writes)
}
