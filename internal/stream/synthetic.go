package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// SyntheticConfig configures the synthetic player.
type SyntheticConfig struct {
	URI          string
	Width        int
	Height       int
	FPS          float64
	PlaybackRate float64
}

// SyntheticPlayer generates a moving RGB gradient. It needs no media stack
// and is used for demos and tests.
type SyntheticPlayer struct {
	state

	cfg    SyntheticConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	gen     uint64
}

var _ Player = (*SyntheticPlayer)(nil)

// NewSyntheticPlayer validates cfg and creates a stopped player.
func NewSyntheticPlayer(cfg SyntheticConfig, logger *slog.Logger) (*SyntheticPlayer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("stream: invalid synthetic resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = 1
	}
	if cfg.URI == "" {
		cfg.URI = "synthetic://gradient"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyntheticPlayer{cfg: cfg, logger: logger.With("component", "synthetic-player")}, nil
}

// Start begins generating frames.
func (p *SyntheticPlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyStarted
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.gen = p.begin(p.cfg.URI)

	p.logger.Info("synthetic stream starting",
		"uri", p.cfg.URI,
		"resolution", fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		"fps", p.cfg.FPS,
		"playback_rate", p.cfg.PlaybackRate,
	)

	p.wg.Add(1)
	go p.generate(ctx)
	return nil
}

// SetURI switches to a new (synthetic) stream generation.
func (p *SyntheticPlayer) SetURI(uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrNotStarted
	}
	p.gen = p.begin(uri)
	p.logger.Info("synthetic stream switched", "uri", uri, "generation", p.gen)
	return nil
}

func (p *SyntheticPlayer) currentGen() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

func (p *SyntheticPlayer) generate(ctx context.Context) {
	defer p.wg.Done()

	interval := time.Duration(float64(time.Second) / (p.cfg.FPS * p.cfg.PlaybackRate))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	for {
		p.publish(p.currentGen(), p.render(n))
		n++

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// render draws a diagonal gradient that shifts by one step per frame.
func (p *SyntheticPlayer) render(n int) types.Frame {
	w, h := p.cfg.Width, p.cfg.Height
	data := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			data[i] = byte(x + n)
			data[i+1] = byte(y + n)
			data[i+2] = byte(n)
		}
	}
	return types.Frame{
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}

// Stop halts generation. The last frame stays readable. Idempotent.
func (p *SyntheticPlayer) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	st := p.state.stats()
	p.logger.Info("synthetic stream stopped", "frames_emitted", st.FrameCount)
	return nil
}

// Stats implements Player.
func (p *SyntheticPlayer) Stats() Stats {
	st := p.state.stats()
	st.PlaybackRate = p.cfg.PlaybackRate
	return st
}
