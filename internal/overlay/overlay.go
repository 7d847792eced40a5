// Package overlay draws detected landmarks onto a 2D debug layer sized to the
// source frame.
//
// Every fresh result triggers a full redraw: resize to the frame resolution,
// clear, then one connector pass and one marker pass per present landmark
// group. Absent groups are skipped without error.
package overlay

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/orion-puppeteer/internal/types"
)

// ErrNoDimensions is returned by Render when the frame size is unknown.
var ErrNoDimensions = errors.New("overlay: frame dimensions unknown")

// Point is a pixel position.
type Point struct {
	X, Y float64
}

// Surface is a 2D drawing target.
type Surface interface {
	Resize(width, height int)
	Clear()
	DrawConnectors(points []Point, conns []Connection, s Style)
	DrawLandmarks(points []Point, s Style)
}

// Stats counts redraws.
type Stats struct {
	Renders uint64
	Skipped uint64
}

// Renderer maps detection results onto a Surface.
type Renderer struct {
	surface Surface
	graphs  Graphs
	logger  *slog.Logger

	renders atomic.Uint64
	skipped atomic.Uint64
}

// New creates a renderer.
func New(surface Surface, graphs Graphs, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{surface: surface, graphs: graphs, logger: logger.With("component", "overlay")}
}

// Render redraws the surface for result at the given frame resolution.
func (r *Renderer) Render(result *types.DetectionResult, width, height int) error {
	if width <= 0 || height <= 0 {
		r.skipped.Add(1)
		return ErrNoDimensions
	}

	r.surface.Resize(width, height)
	r.surface.Clear()
	r.renders.Add(1)

	if result == nil {
		return nil
	}
	w, h := float64(width), float64(height)

	if pts := toPixels(result.PoseLandmarks, w, h); pts != nil {
		r.surface.DrawConnectors(pts, valid(r.graphs.Pose, len(pts)), PoseConnectorStyle)
		r.surface.DrawLandmarks(pts, PoseLandmarkStyle)
	}

	if pts := toPixels(result.FaceLandmarks, w, h); pts != nil {
		r.surface.DrawConnectors(pts, valid(r.graphs.Face, len(pts)), FaceConnectorStyle)
		if result.HasIris() {
			r.surface.DrawLandmarks([]Point{pts[types.LeftIrisIndex], pts[types.RightIrisIndex]}, IrisStyle)
		}
	}

	if pts := toPixels(result.LeftHandLandmarks, w, h); pts != nil {
		r.surface.DrawConnectors(pts, valid(r.graphs.Hand, len(pts)), LeftHandConnectorStyle)
		r.surface.DrawLandmarks(pts, LeftHandLandmarkStyle)
	}

	if pts := toPixels(result.RightHandLandmarks, w, h); pts != nil {
		r.surface.DrawConnectors(pts, valid(r.graphs.Hand, len(pts)), RightHandConnectorStyle)
		r.surface.DrawLandmarks(pts, RightHandLandmarkStyle)
	}

	return nil
}

// Stats returns counters.
func (r *Renderer) Stats() Stats {
	return Stats{Renders: r.renders.Load(), Skipped: r.skipped.Load()}
}

// toPixels scales normalized landmarks to the frame. nil in, nil out.
func toPixels(lms []types.Landmark, w, h float64) []Point {
	if lms == nil {
		return nil
	}
	pts := make([]Point, len(lms))
	for i, lm := range lms {
		pts[i] = Point{X: lm.X * w, Y: lm.Y * h}
	}
	return pts
}

// valid drops connections that reference points the group does not have.
func valid(conns []Connection, n int) []Connection {
	out := conns[:0:0]
	for _, c := range conns {
		if c[0] < n && c[1] < n {
			out = append(out, c)
		}
	}
	return out
}
