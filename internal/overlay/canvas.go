package overlay

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"sync"

	"git.sr.ht/~sbinet/gg"
)

// Canvas is an in-memory RGBA Surface. The latest drawing can be exported as
// PNG for the debug endpoint.
type Canvas struct {
	mu  sync.Mutex
	img *image.RGBA
	dc  *gg.Context
}

var _ Surface = (*Canvas)(nil)

// NewCanvas creates an empty canvas; the first Resize allocates pixels.
func NewCanvas() *Canvas {
	return &Canvas{}
}

// Resize implements Surface. The backing image is reallocated only when the
// size changes.
func (c *Canvas) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.img != nil && c.img.Bounds().Dx() == width && c.img.Bounds().Dy() == height {
		return
	}
	c.img = image.NewRGBA(image.Rect(0, 0, width, height))
	c.dc = gg.NewContextForRGBA(c.img)
}

// Clear implements Surface.
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.img == nil {
		return
	}
	draw.Draw(c.img, c.img.Bounds(), image.Transparent, image.Point{}, draw.Src)
}

// DrawConnectors implements Surface.
func (c *Canvas) DrawConnectors(points []Point, conns []Connection, s Style) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dc == nil || len(conns) == 0 {
		return
	}
	c.dc.SetColor(s.Color)
	c.dc.SetLineWidth(s.LineWidth)
	for _, conn := range conns {
		a, b := points[conn[0]], points[conn[1]]
		c.dc.DrawLine(a.X, a.Y, b.X, b.Y)
	}
	c.dc.Stroke()
}

// DrawLandmarks implements Surface.
func (c *Canvas) DrawLandmarks(points []Point, s Style) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dc == nil || len(points) == 0 {
		return
	}
	c.dc.SetColor(s.Color)
	for _, p := range points {
		c.dc.DrawCircle(p.X, p.Y, s.Radius)
	}
	c.dc.Fill()
}

// Size returns the current canvas size.
func (c *Canvas) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img == nil {
		return 0, 0
	}
	return c.img.Bounds().Dx(), c.img.Bounds().Dy()
}

// Snapshot returns a copy of the current pixels, or nil before the first
// render.
func (c *Canvas) Snapshot() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.img == nil {
		return nil
	}
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// WritePNG encodes the current pixels.
func (c *Canvas) WritePNG(w io.Writer) error {
	img := c.Snapshot()
	if img == nil {
		return ErrNoDimensions
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode overlay png: %w", err)
	}
	return nil
}
