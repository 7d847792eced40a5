// Package relay is the pull-side pose consumer: on its own cadence it reads
// the latest result from the mailbox and forwards results it has not seen yet
// to the configured sinks (MQTT, WebSocket clients, recorder).
//
// The relay never waits for detection. A tick with nothing new is a no-op,
// and a result that was overwritten between two ticks is simply never seen.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-puppeteer/internal/mailbox"
	"github.com/e7canasta/orion-puppeteer/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pose is the wire form of one forwarded result.
type Pose struct {
	InstanceID       string                 `json:"instance_id"`
	Seq              uint64                 `json:"seq"`
	FrameSeq         uint64                 `json:"frame_seq"`
	HandleID         string                 `json:"handle_id"`
	HandleGeneration uint64                 `json:"handle_generation"`
	CompletedAt      time.Time              `json:"completed_at"`
	Groups           []string               `json:"groups"`
	Iris             bool                   `json:"iris"`
	Result           *types.DetectionResult `json:"result"`
}

// NewPose builds the wire form of a mailbox entry.
func NewPose(instanceID string, e mailbox.Entry) Pose {
	p := Pose{
		InstanceID:       instanceID,
		Seq:              e.Seq,
		HandleID:         e.Origin.HandleID,
		HandleGeneration: e.Origin.Generation,
		CompletedAt:      e.CompletedAt,
		Groups:           e.Result.Groups(),
		Iris:             e.Result.HasIris(),
		Result:           e.Result,
	}
	if e.Result != nil {
		p.FrameSeq = e.Result.FrameSeq
	}
	if p.Groups == nil {
		p.Groups = []string{}
	}
	return p
}

// Encode marshals p as JSON.
func Encode(p Pose) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("relay: encode pose: %w", err)
	}
	return b, nil
}

// Decode parses a JSON pose.
func Decode(b []byte) (Pose, error) {
	var p Pose
	if err := json.Unmarshal(b, &p); err != nil {
		return Pose{}, fmt.Errorf("relay: decode pose: %w", err)
	}
	return p, nil
}

// Sink receives forwarded poses. payload is the JSON encoding of pose.
type Sink interface {
	Name() string
	Publish(ctx context.Context, pose Pose, payload []byte) error
	Close() error
}

// Config configures the relay.
type Config struct {
	InstanceID string
	Interval   time.Duration
	// PublishTimeout bounds one sink publish
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Stats is a snapshot of relay activity.
type Stats struct {
	Polls     uint64
	Forwarded uint64
	LastSeq   uint64
	Errors    map[string]uint64
}

// Relay polls the mailbox and fans out new results.
type Relay struct {
	cfg     Config
	mailbox *mailbox.Mailbox
	sinks   []Sink
	logger  *slog.Logger
	errLog  *rate.Limiter

	lastSeq   atomic.Uint64
	polls     atomic.Uint64
	forwarded atomic.Uint64

	mu     sync.Mutex
	errors map[string]uint64
}

// New creates a relay reading from mb.
func New(cfg Config, mb *mailbox.Mailbox, sinks ...Sink) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 33 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		cfg:     cfg,
		mailbox: mb,
		sinks:   sinks,
		logger:  cfg.Logger.With("component", "relay"),
		errLog:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		errors:  make(map[string]uint64),
	}
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	r.logger.Info("relay started", "interval", r.cfg.Interval, "sinks", names)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll forwards the latest result if it is new. It reports whether anything
// was forwarded.
func (r *Relay) Poll(ctx context.Context) bool {
	r.polls.Add(1)

	e, ok := r.mailbox.LatestAfter(r.lastSeq.Load())
	if !ok {
		return false
	}
	r.lastSeq.Store(e.Seq)

	pose := NewPose(r.cfg.InstanceID, e)
	payload, err := Encode(pose)
	if err != nil {
		r.logger.Error("failed to encode pose", "seq", e.Seq, "error", err)
		return false
	}

	for _, s := range r.sinks {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		err := s.Publish(pctx, pose, payload)
		cancel()
		if err != nil {
			r.recordError(s.Name(), err)
		}
	}
	r.forwarded.Add(1)
	return true
}

func (r *Relay) recordError(sink string, err error) {
	r.mu.Lock()
	r.errors[sink]++
	n := r.errors[sink]
	r.mu.Unlock()

	if r.errLog.Allow() {
		r.logger.Warn("sink publish failed", "sink", sink, "error", err, "errors_total", n)
	}
}

// Close closes every sink.
func (r *Relay) Close() error {
	var first error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.logger.Warn("failed to close sink", "sink", s.Name(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Stats returns counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	errs := make(map[string]uint64, len(r.errors))
	for k, v := range r.errors {
		errs[k] = v
	}
	r.mu.Unlock()

	return Stats{
		Polls:     r.polls.Load(),
		Forwarded: r.forwarded.Load(),
		LastSeq:   r.lastSeq.Load(),
		Errors:    errs,
	}
}
