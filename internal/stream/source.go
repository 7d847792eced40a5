// Package stream provides the video frame sources that feed the detector.
//
// A source always exposes its most recent frame (older frames are simply
// replaced) and announces every newly playable stream through a ready event:
// once at first start and again whenever the URI is switched. Listeners use the
// ready event to rebuild anything tied to the previous stream.
package stream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

var (
	// ErrAlreadyStarted is returned by Start on a running player.
	ErrAlreadyStarted = errors.New("stream: already started")
	// ErrNotStarted is returned by SetURI before Start.
	ErrNotStarted = errors.New("stream: not started")
)

// ReadyEvent announces a playable stream. It fires when the first frame of a
// stream generation has been decoded, so CurrentFrame is already populated.
type ReadyEvent struct {
	URI        string
	Width      int
	Height     int
	Generation uint64
	At         time.Time
}

// Source is the read side of a player.
type Source interface {
	// CurrentFrame returns the latest decoded frame; ok is false before the
	// first frame of the current stream.
	CurrentFrame() (frame types.Frame, ok bool)
	// Dimensions returns the intrinsic size of the current stream.
	Dimensions() (width, height int, ok bool)
	// OnReady registers fn for ready events. fn runs on the player's decoding
	// goroutine and must not block. The returned func removes the listener.
	OnReady(fn func(ReadyEvent)) (remove func())
}

// Player is a Source with a lifecycle.
type Player interface {
	Source
	Start(ctx context.Context) error
	// SetURI switches to another stream; a new ready event follows.
	SetURI(uri string) error
	Stop() error
	Stats() Stats
}

// Stats is a snapshot of player activity.
type Stats struct {
	URI          string
	Generation   uint64
	FrameCount   uint64
	FPSReal      float64
	Width        int
	Height       int
	Ready        bool
	Loops        uint64
	Errors       uint64
	Restarts     uint32
	PlaybackRate float64
	StartedAt    time.Time
	LastFrameAt  time.Time
}

// state is the frame slot and ready bookkeeping shared by all players.
type state struct {
	mu          sync.RWMutex
	frame       types.Frame
	hasFrame    bool
	width       int
	height      int
	uri         string
	generation  uint64
	ready       bool
	frameCount  uint64
	startedAt   time.Time
	lastFrameAt time.Time

	lmu       sync.Mutex
	nextID    uint64
	listeners map[uint64]func(ReadyEvent)
}

// begin starts a new stream generation: the frame slot is emptied and the
// next published frame fires ready.
func (s *state) begin(uri string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.uri = uri
	s.frame = types.Frame{}
	s.hasFrame = false
	s.ready = false
	s.width, s.height = 0, 0
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	return s.generation
}

// publish stores frame as the current frame if it belongs to generation gen,
// firing ready for the first frame of the generation. Frames from a stale
// generation are ignored.
func (s *state) publish(gen uint64, frame types.Frame) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.frameCount++
	frame.Seq = s.frameCount
	s.frame = frame
	s.hasFrame = true
	s.lastFrameAt = frame.Timestamp

	var ev *ReadyEvent
	if !s.ready {
		s.ready = true
		s.width, s.height = frame.Width, frame.Height
		ev = &ReadyEvent{
			URI:        s.uri,
			Width:      frame.Width,
			Height:     frame.Height,
			Generation: s.generation,
			At:         time.Now(),
		}
	}
	s.mu.Unlock()

	if ev != nil {
		s.fire(*ev)
	}
	return true
}

func (s *state) fire(ev ReadyEvent) {
	s.lmu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(ReadyEvent), 0, len(ids))
	for _, id := range sortedIDs(ids) {
		fns = append(fns, s.listeners[id])
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *state) CurrentFrame() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.hasFrame
}

func (s *state) Dimensions() (int, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height, s.ready
}

func (s *state) OnReady(fn func(ReadyEvent)) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[uint64]func(ReadyEvent))
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *state) listenerCount() int {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return len(s.listeners)
}

// stats fills the shared fields of Stats.
func (s *state) stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fps float64
	if !s.startedAt.IsZero() && s.frameCount > 0 {
		if elapsed := time.Since(s.startedAt).Seconds(); elapsed > 0 {
			fps = float64(s.frameCount) / elapsed
		}
	}
	return Stats{
		URI:         s.uri,
		Generation:  s.generation,
		FrameCount:  s.frameCount,
		FPSReal:     fps,
		Width:       s.width,
		Height:      s.height,
		Ready:       s.ready,
		StartedAt:   s.startedAt,
		LastFrameAt: s.lastFrameAt,
	}
}

func sortedIDs(ids []uint64) []uint64 {
	slices.Sort(ids)
	return ids
}
