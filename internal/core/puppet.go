// Package core wires the puppeteer pipeline: video source, display clock,
// detector lifecycle, result mailbox, overlay and pose relay.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-puppeteer/internal/config"
	"github.com/e7canasta/orion-puppeteer/internal/control"
	"github.com/e7canasta/orion-puppeteer/internal/detector"
	"github.com/e7canasta/orion-puppeteer/internal/emitter"
	"github.com/e7canasta/orion-puppeteer/internal/lifecycle"
	"github.com/e7canasta/orion-puppeteer/internal/loop"
	"github.com/e7canasta/orion-puppeteer/internal/mailbox"
	"github.com/e7canasta/orion-puppeteer/internal/overlay"
	"github.com/e7canasta/orion-puppeteer/internal/recorder"
	"github.com/e7canasta/orion-puppeteer/internal/relay"
	"github.com/e7canasta/orion-puppeteer/internal/retry"
	"github.com/e7canasta/orion-puppeteer/internal/scheduler"
	"github.com/e7canasta/orion-puppeteer/internal/stream"
	"github.com/e7canasta/orion-puppeteer/internal/wsfeed"
)

// ErrAlreadyRunning is returned by Run on a running service.
var ErrAlreadyRunning = errors.New("core: service is already running")

// Option overrides a component, mainly for tests.
type Option func(*Puppet)

// WithPlayer replaces the configured video source.
func WithPlayer(p stream.Player) Option { return func(o *Puppet) { o.player = p } }

// WithFactory replaces the holistic worker factory.
func WithFactory(f detector.Factory) Option { return func(o *Puppet) { o.factory = f } }

// WithRequester replaces the display clock.
func WithRequester(r scheduler.FrameRequester) Option {
	return func(o *Puppet) { o.requester = r }
}

// WithMQTTClient uses an already connected client instead of dialing the
// configured broker.
func WithMQTTClient(c mqtt.Client) Option { return func(o *Puppet) { o.mqttClient = c } }

// Puppet is the main service orchestrator
type Puppet struct {
	cfg    *config.Config
	logger *slog.Logger

	// Pipeline
	loop       *loop.Loop
	clock      *scheduler.DisplayClock // nil when a requester was injected
	requester  scheduler.FrameRequester
	player     stream.Player
	factory    detector.Factory
	mailbox    *mailbox.Mailbox
	canvas     *overlay.Canvas
	renderer   *overlay.Renderer
	controller *lifecycle.Controller

	// Consumers
	relay      *relay.Relay
	hub        *wsfeed.Hub
	recorder   *recorder.SQLiteSink
	emitter    *emitter.MQTTEmitter
	mqttClient mqtt.Client
	control    *control.Handler

	startRetry retry.State

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For the control plane shutdown command
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Puppet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Puppet{
		cfg:     cfg,
		logger:  logger,
		mailbox: mailbox.New(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.loop = loop.New(logger)

	if p.requester == nil {
		p.clock = scheduler.NewDisplayClock(p.loop, cfg.Display.RefreshHz, logger)
		p.requester = p.clock
	}

	if p.player == nil {
		player, err := newPlayer(cfg.Source, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create video source: %w", err)
		}
		p.player = player
	}

	if p.factory == nil {
		p.factory = detector.NewHolisticFactory(detector.HolisticConfig{
			Command:      cfg.Detector.Command,
			Args:         cfg.Detector.Args,
			Env:          cfg.Detector.Env,
			ReadyTimeout: time.Duration(cfg.Detector.ReadyTimeoutS) * time.Second,
			Logger:       logger,
		})
	}

	var renderer lifecycle.Renderer
	if cfg.Overlay.Enabled {
		graphs := overlay.DefaultGraphs()
		if cfg.Overlay.FaceGraphPath != "" {
			face, err := overlay.LoadConnections(cfg.Overlay.FaceGraphPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load face graph: %w", err)
			}
			graphs.Face = face
		}
		p.canvas = overlay.NewCanvas()
		p.renderer = overlay.New(p.canvas, graphs, logger)
		renderer = p.renderer
	}

	controller, err := lifecycle.New(lifecycle.Config{
		Loop:      p.loop,
		Source:    p.player,
		Requester: p.requester,
		Factory:   p.factory,
		Options:   cfg.Detector.Options,
		Mailbox:   p.mailbox,
		Renderer:  renderer,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	p.controller = controller

	var sinks []relay.Sink
	if cfg.WebSocket.Enabled {
		p.hub = wsfeed.NewHub(cfg.WebSocket.ClientBuffer, logger)
		sinks = append(sinks, p.hub)
	}
	if cfg.Recorder.Enabled {
		rec, err := recorder.Open(cfg.Recorder.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open recorder: %w", err)
		}
		p.recorder = rec
		sinks = append(sinks, rec)
	}
	if cfg.MQTT.Enabled {
		p.emitter = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID, logger)
		sinks = append(sinks, emitter.NewPoseSink(p.emitter))
	}
	p.relay = relay.New(relay.Config{
		InstanceID: cfg.InstanceID,
		Interval:   cfg.RelayInterval(),
		Logger:     logger,
	}, p.mailbox, sinks...)

	logger.Info("puppeteer configured",
		"instance_id", cfg.InstanceID,
		"overlay", cfg.Overlay.Enabled,
		"sinks", len(sinks),
	)
	return p, nil
}

func newPlayer(cfg config.SourceConfig, logger *slog.Logger) (stream.Player, error) {
	if cfg.Synthetic {
		return stream.NewSyntheticPlayer(stream.SyntheticConfig{
			URI:          cfg.URI,
			Width:        cfg.Width,
			Height:       cfg.Height,
			FPS:          cfg.FPS,
			PlaybackRate: cfg.PlaybackRate,
		}, logger)
	}
	return stream.NewGstPlayer(stream.GstConfig{
		URI:          cfg.URI,
		Width:        cfg.Width,
		Height:       cfg.Height,
		PlaybackRate: cfg.PlaybackRate,
		Loop:         cfg.Loop,
		Retry:        retry.DefaultConfig(),
	}, logger)
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives. A detector that cannot start within the retry budget ends
// Run with an error wrapping detector.ErrUnavailable.
func (p *Puppet) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.isRunning = true
	p.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	p.cancelCtx = cancel
	p.mu.Unlock()
	defer cancel()

	p.logger.Info("puppeteer starting", "instance_id", p.cfg.InstanceID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.loop.Run(ctx); err != nil {
			p.logger.Error("pipeline loop stopped", "error", err)
		}
	}()

	if p.clock != nil {
		p.clock.Start(ctx)
	}

	if err := p.player.Start(ctx); err != nil {
		return fmt.Errorf("failed to start video source: %w", err)
	}

	if p.emitter != nil {
		if err := p.startMQTT(ctx); err != nil {
			return err
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.relay.Run(ctx)
	}()

	err := retry.Run(ctx, "detector", p.controller.Start, p.cfg.Detector.StartRetry, &p.startRetry, p.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to start detector: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.statsLoop(ctx, 10*time.Second)
	}()

	p.logger.Info("puppeteer running",
		"detector_start_failures", p.startRetry.Total.Load(),
		"source", p.player.Stats().URI,
	)

	<-ctx.Done()

	p.logger.Info("puppeteer run loop exiting")
	return nil
}

func (p *Puppet) startMQTT(ctx context.Context) error {
	if p.mqttClient != nil {
		p.emitter.Attach(p.mqttClient)
	} else if err := p.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	h := control.NewHandler(p.cfg.MQTT, p.emitter.Client, control.CommandCallbacks{
		OnGetStatus: p.GetStatus,
		OnSetSource: p.SetSource,
		OnShutdown:  p.shutdownViaControl,
	}, p.logger)
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	p.mu.Lock()
	p.control = h
	p.mu.Unlock()
	return nil
}

// statsLoop logs component stats and publishes health over MQTT.
func (p *Puppet) statsLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.controller.Stats()
			src := p.player.Stats()
			p.logger.Info("pipeline stats",
				"state", st.State,
				"ticks", st.Scheduler.Ticks,
				"submitted", st.Scheduler.Submitted,
				"dropped_busy", st.Scheduler.Dropped,
				"completions", st.Completions,
				"stale", st.Stale,
				"replacements", st.Replacements,
				"source_fps", fmt.Sprintf("%.1f", src.FPSReal),
				"latency", st.LastLatency,
			)

			if p.emitter != nil {
				payload, err := json.Marshal(p.HealthCheck())
				if err == nil {
					err = p.emitter.PublishHealth(payload)
				}
				if err != nil {
					p.logger.Debug("health publish failed", "error", err)
				}
			}
		}
	}
}

// SetSource switches the video source. The detector is replaced when the
// new stream reports ready.
func (p *Puppet) SetSource(uri string) error {
	p.logger.Info("switching video source", "uri", uri)
	return p.player.SetURI(uri)
}

func (p *Puppet) shutdownViaControl() error {
	p.mu.RLock()
	cancel := p.cancelCtx
	p.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	p.logger.Info("shutdown requested via control plane")
	// Let the ack go out first.
	time.AfterFunc(100*time.Millisecond, cancel)
	return nil
}

// Shutdown performs graceful shutdown of all components
func (p *Puppet) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancelCtx
	ctrl := p.control
	p.mu.Unlock()

	p.logger.Info("shutting down puppeteer")

	// 1. Stop accepting commands
	if ctrl != nil {
		if err := ctrl.Stop(); err != nil {
			p.logger.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Dispose the detector before its frame source goes away
	if err := p.controller.Teardown(); err != nil {
		p.logger.Error("failed to tear down detector", "error", err)
	}

	// 3. Stop clock and source
	if p.clock != nil {
		p.clock.Stop()
	}
	if err := p.player.Stop(); err != nil && !errors.Is(err, stream.ErrNotStarted) {
		p.logger.Error("failed to stop video source", "error", err)
	}

	// 4. Stop loop and consumers, then wait for goroutines
	cancel()
	p.loop.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timed out waiting for goroutines")
	}

	// 5. Close sinks and the broker connection
	if err := p.relay.Close(); err != nil {
		p.logger.Error("failed to close relay sinks", "error", err)
	}
	if p.emitter != nil {
		if err := p.emitter.Disconnect(); err != nil {
			p.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}

	p.mu.Lock()
	uptime := time.Since(p.started)
	p.isRunning = false
	p.mu.Unlock()

	p.logger.Info("puppeteer shutdown complete", "uptime", uptime)
	return ctx.Err()
}

// ShutdownTimeout returns the configured graceful shutdown timeout, 5s when
// unset.
func (p *Puppet) ShutdownTimeout() time.Duration {
	if t := p.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}

// Mailbox exposes the result slot to in-process consumers.
func (p *Puppet) Mailbox() *mailbox.Mailbox { return p.mailbox }

// Controller exposes the detector lifecycle.
func (p *Puppet) Controller() *lifecycle.Controller { return p.controller }
