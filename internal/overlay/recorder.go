package overlay

import "sync"

// Op is one recorded Surface call.
type Op struct {
	Kind     string // resize, clear, connectors, landmarks
	Layer    Layer
	Width    int
	Height   int
	Points   []Point
	Segments int
}

// Recorder is a Surface that records calls instead of drawing.
type Recorder struct {
	mu  sync.Mutex
	ops []Op
}

var _ Surface = (*Recorder)(nil)

func (r *Recorder) add(op Op) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *Recorder) Resize(width, height int) {
	r.add(Op{Kind: "resize", Width: width, Height: height})
}

func (r *Recorder) Clear() { r.add(Op{Kind: "clear"}) }

func (r *Recorder) DrawConnectors(points []Point, conns []Connection, s Style) {
	r.add(Op{Kind: "connectors", Layer: s.Layer, Segments: len(conns), Points: append([]Point(nil), points...)})
}

func (r *Recorder) DrawLandmarks(points []Point, s Style) {
	r.add(Op{Kind: "landmarks", Layer: s.Layer, Points: append([]Point(nil), points...)})
}

// Ops returns the recorded calls.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Layers returns the drawn layers in order.
func (r *Recorder) Layers() []Layer {
	var out []Layer
	for _, op := range r.Ops() {
		if op.Layer != "" {
			out = append(out, op.Layer)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}
