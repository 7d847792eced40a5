package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-puppeteer/internal/mailbox"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

type captureSink struct {
	mu     sync.Mutex
	name   string
	poses  []Pose
	err    error
	closed bool
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Publish(_ context.Context, p Pose, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	decoded, err := Decode(payload)
	if err != nil {
		return err
	}
	if decoded.Seq != p.Seq {
		return errors.New("payload does not match pose")
	}
	s.poses = append(s.poses, p)
	return nil
}

func (s *captureSink) Close() error {
	s.closed = true
	return nil
}

// TestPollForwardsOnlyNewResults validates the pull cadence: repeated polls
// with no new completion forward nothing, and intermediate overwrites are
// skipped.
func TestPollForwardsOnlyNewResults(t *testing.T) {
	mb := mailbox.New()
	sink := &captureSink{name: "capture"}
	r := New(Config{InstanceID: "puppet-1"}, mb, sink)
	ctx := context.Background()

	assert.False(t, r.Poll(ctx), "no result yet")

	mb.Store(&types.DetectionResult{PoseLandmarks: make([]types.Landmark, types.PoseLandmarks), FrameSeq: 10}, mailbox.Origin{HandleID: "h1", Generation: 1})
	assert.True(t, r.Poll(ctx))
	assert.False(t, r.Poll(ctx), "same result is not forwarded twice")

	mb.Store(&types.DetectionResult{FrameSeq: 11}, mailbox.Origin{HandleID: "h1", Generation: 1})
	mb.Store(&types.DetectionResult{FaceLandmarks: make([]types.Landmark, types.FaceLandmarksWithIris), FrameSeq: 12}, mailbox.Origin{HandleID: "h1", Generation: 1})
	assert.True(t, r.Poll(ctx))

	require.Len(t, sink.poses, 2)
	first, second := sink.poses[0], sink.poses[1]

	assert.Equal(t, "puppet-1", first.InstanceID)
	assert.Equal(t, []string{"pose"}, first.Groups)
	assert.Equal(t, uint64(10), first.FrameSeq)
	assert.False(t, first.Iris)

	assert.Equal(t, uint64(3), second.Seq)
	assert.Equal(t, uint64(12), second.FrameSeq)
	assert.True(t, second.Iris)

	st := r.Stats()
	assert.Equal(t, uint64(4), st.Polls)
	assert.Equal(t, uint64(2), st.Forwarded)
	assert.Equal(t, uint64(3), st.LastSeq)
}

func TestSinkErrorsAreCounted(t *testing.T) {
	mb := mailbox.New()
	bad := &captureSink{name: "bad", err: errors.New("broker down")}
	good := &captureSink{name: "good"}
	r := New(Config{}, mb, bad, good)

	mb.Store(&types.DetectionResult{}, mailbox.Origin{})
	assert.True(t, r.Poll(context.Background()))

	assert.Len(t, good.poses, 1, "one failing sink does not block the others")
	assert.Equal(t, map[string]uint64{"bad": 1}, r.Stats().Errors)

	require.NoError(t, r.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

func TestEmptyResultEncodesEmptyGroups(t *testing.T) {
	p := NewPose("x", mailbox.Entry{Result: &types.DetectionResult{}, Seq: 1})
	b, err := Encode(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"groups":[]`)
	assert.NotContains(t, string(b), "pose_landmarks")
}
