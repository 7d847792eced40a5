package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-puppeteer/internal/retry"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// GstConfig configures the GStreamer player.
type GstConfig struct {
	// URI is any uridecodebin URI (file://, http://, rtsp://)
	URI string
	// Width and Height scale the output; zero keeps the native size
	Width  int
	Height int
	// PlaybackRate applies a rate seek once playing (1 = normal speed)
	PlaybackRate float64
	// Loop restarts the stream from the beginning on end of stream
	Loop  bool
	Retry retry.Config
}

// GstPlayer decodes a URI with GStreamer and keeps the latest RGB frame.
//
// Pipeline:
//
//	uridecodebin → videoconvert → videoscale → capsfilter(RGB) → appsink
//
// The appsink keeps one buffer and drops the rest, so the player never
// accumulates decoded frames behind a slow consumer.
type GstPlayer struct {
	state

	cfg    GstConfig
	logger *slog.Logger

	mu      sync.Mutex
	uri     string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	switchC chan struct{}

	retryState retry.State
	loops      atomic.Uint64
	errs       atomic.Uint64
}

var _ Player = (*GstPlayer)(nil)

// NewGstPlayer validates cfg and creates a stopped player.
func NewGstPlayer(cfg GstConfig, logger *slog.Logger) (*GstPlayer, error) {
	if cfg.URI == "" {
		return nil, errors.New("stream: URI is required")
	}
	if (cfg.Width == 0) != (cfg.Height == 0) || cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("stream: invalid output size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = 1
	}
	if cfg.Retry.RetryDelay <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GstPlayer{
		cfg:     cfg,
		uri:     cfg.URI,
		logger:  logger.With("component", "gst-player"),
		switchC: make(chan struct{}, 1),
	}, nil
}

// Start builds the pipeline and begins playback in the background.
func (p *GstPlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyStarted
	}
	gst.Init(nil)

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("starting player",
		"uri", p.uri,
		"playback_rate", p.cfg.PlaybackRate,
		"loop", p.cfg.Loop,
	)

	p.wg.Add(1)
	go p.run()
	return nil
}

// SetURI switches playback to uri. The current pipeline is torn down and a new
// one is built; its first frame fires a ready event.
func (p *GstPlayer) SetURI(uri string) error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.uri = uri
	p.mu.Unlock()

	select {
	case p.switchC <- struct{}{}:
	default:
	}
	p.logger.Info("switching source", "uri", uri)
	return nil
}

func (p *GstPlayer) run() {
	defer p.wg.Done()

	for {
		err := retry.Run(p.ctx, "gst-player", p.playOnce, p.cfg.Retry, &p.retryState, p.logger)
		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("player stopped after retries", "error", err, "uri", p.currentURI())
			return
		}
		// nil without cancellation: a source switch was requested
	}
}

func (p *GstPlayer) currentURI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uri
}

// playOnce plays the current URI until error, switch or cancellation.
func (p *GstPlayer) playOnce(ctx context.Context) error {
	uri := p.currentURI()
	gen := p.begin(uri)

	pipeline, sink, err := p.buildPipeline(uri)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipeline.SetState(gst.StateNull); err != nil {
			p.logger.Warn("failed to set pipeline to NULL", "error", err)
		}
	}()

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return p.onSample(s, gen)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	return p.monitor(ctx, pipeline)
}

func (p *GstPlayer) buildPipeline(uri string) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("create pipeline: %w", err)
	}

	decode, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, nil, fmt.Errorf("create uridecodebin: %w", err)
	}
	if err := decode.SetProperty("uri", uri); err != nil {
		return nil, nil, fmt.Errorf("set uri: %w", err)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("create videoscale: %w", err)
	}

	capsStr := "video/x-raw,format=RGB"
	if p.cfg.Width > 0 {
		capsStr = fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", p.cfg.Width, p.cfg.Height)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("create capsfilter: %w", err)
	}
	if err := capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr)); err != nil {
		return nil, nil, fmt.Errorf("set caps: %w", err)
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetDrop(true)
	sink.SetMaxBuffers(1)

	if err := pipeline.AddMany(decode, convert, scale, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(convert, scale, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("link elements: %w", err)
	}

	// uridecodebin exposes pads once it has typed the stream; only the first
	// video pad is linked, audio pads fail caps and are ignored.
	if _, err := decode.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := convert.GetStaticPad("sink")
		if sinkPad == nil || sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			p.logger.Debug("ignoring decoder pad", "pad", srcPad.GetName(), "ret", ret)
			return
		}
		p.logger.Debug("decoder pad linked", "pad", srcPad.GetName())
	}); err != nil {
		return nil, nil, fmt.Errorf("connect pad-added: %w", err)
	}

	p.logger.Debug("pipeline created", "uri", uri, "caps", capsStr)
	return pipeline, sink, nil
}

func (p *GstPlayer) onSample(sink *app.Sink, gen uint64) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}

	width, height, err := sampleSize(sample)
	if err != nil {
		p.logger.Warn("sample without usable caps, skipping frame", "error", err)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := packRGB(mapInfo.Bytes(), width, height)
	buffer.Unmap()

	if data == nil {
		p.logger.Warn("unexpected buffer size, skipping frame", "width", width, "height", height)
		return gst.FlowOK
	}

	p.publish(gen, types.Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      data,
		TraceID:   uuid.New().String(),
	})
	return gst.FlowOK
}

func sampleSize(sample *gst.Sample) (int, int, error) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, errors.New("no caps")
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, fmt.Errorf("width: %w", err)
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, fmt.Errorf("height: %w", err)
	}
	wi, ok1 := w.(int)
	hi, ok2 := h.(int)
	if !ok1 || !ok2 || wi <= 0 || hi <= 0 {
		return 0, 0, fmt.Errorf("invalid size %v x %v", w, h)
	}
	return wi, hi, nil
}

// packRGB copies a mapped RGB buffer into a tightly packed slice. GStreamer
// pads each RGB row to a multiple of four bytes, so the stride may exceed
// width*3. Returns nil when the buffer is too small.
func packRGB(src []byte, width, height int) []byte {
	row := width * 3
	if height <= 0 || len(src) < row*height {
		return nil
	}
	stride := len(src) / height
	out := make([]byte, row*height)
	if stride == row {
		copy(out, src)
		return out
	}
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], src[y*stride:y*stride+row])
	}
	return out
}

func (p *GstPlayer) monitor(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	rateApplied := p.cfg.PlaybackRate == 1

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.switchC:
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			if !p.cfg.Loop {
				p.logger.Info("end of stream, holding last frame", "uri", p.currentURI())
				continue
			}
			p.loops.Add(1)
			if !p.seek(pipeline) {
				return errors.New("loop seek failed")
			}
			p.logger.Debug("end of stream, looping", "loops", p.loops.Load())

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr.Error(), gerr.DebugString())
			p.errs.Add(1)
			p.logger.Error("pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uri", p.currentURI(),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			old, next := msg.ParseStateChanged()
			p.logger.Debug("pipeline state changed", "from", old, "to", next)
			if next == gst.StatePlaying {
				p.retryState.Reset()
				if !rateApplied {
					rateApplied = p.seek(pipeline)
				}
			}
		}
	}
}

// seek flushes back to the start at the configured playback rate.
func (p *GstPlayer) seek(pipeline *gst.Pipeline) bool {
	ev := gst.NewSeekEvent(
		p.cfg.PlaybackRate,
		gst.FormatTime,
		gst.SeekFlagFlush|gst.SeekFlagAccurate,
		gst.SeekTypeSet, 0,
		gst.SeekTypeNone, -1,
	)
	ok := pipeline.SendEvent(ev)
	if !ok {
		p.logger.Warn("seek rejected", "rate", p.cfg.PlaybackRate)
	}
	return ok
}

// Stop tears the pipeline down and waits for the player goroutine. The last
// frame stays readable. Idempotent.
func (p *GstPlayer) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	p.wg.Wait()

	p.logger.Info("player stopped", "frames", p.state.stats().FrameCount, "loops", p.loops.Load())
	return nil
}

// Stats implements Player.
func (p *GstPlayer) Stats() Stats {
	st := p.state.stats()
	st.Loops = p.loops.Load()
	st.Errors = p.errs.Load()
	st.Restarts = p.retryState.Total.Load()
	st.PlaybackRate = p.cfg.PlaybackRate
	return st
}
