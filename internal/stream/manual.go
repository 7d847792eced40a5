package stream

import "github.com/e7canasta/orion-puppeteer/internal/types"

// ManualSource is a Source driven by the caller, for tests and replay tools.
type ManualSource struct {
	state
	gen uint64
}

var _ Source = (*ManualSource)(nil)

// NewManualSource creates a source with no stream loaded.
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Load starts a new stream generation. The next Push fires ready.
func (m *ManualSource) Load(uri string) {
	m.gen = m.begin(uri)
}

// Push publishes frame as the current frame and returns its sequence number.
// It returns 0 when no stream is loaded.
func (m *ManualSource) Push(frame types.Frame) uint64 {
	if m.gen == 0 {
		return 0
	}
	m.publish(m.gen, frame)
	f, _ := m.CurrentFrame()
	return f.Seq
}

// Listeners returns the number of registered ready listeners.
func (m *ManualSource) Listeners() int {
	return m.listenerCount()
}
