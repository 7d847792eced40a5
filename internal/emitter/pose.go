package emitter

import (
	"context"

	"github.com/e7canasta/orion-puppeteer/internal/relay"
)

// PoseSink forwards relayed poses to the pose topic.
type PoseSink struct {
	emitter *MQTTEmitter
}

var _ relay.Sink = (*PoseSink)(nil)

// NewPoseSink wraps e. The sink does not own the connection.
func NewPoseSink(e *MQTTEmitter) *PoseSink {
	return &PoseSink{emitter: e}
}

func (s *PoseSink) Name() string { return "mqtt" }

func (s *PoseSink) Publish(ctx context.Context, _ relay.Pose, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.emitter.Publish(s.emitter.Topics().Pose, "pose", payload)
}

func (s *PoseSink) Close() error { return nil }
