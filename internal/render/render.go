// Package render binds a drawing context to the host surface and
// composites committed client buffers into presented frames.
package render

import (
	"errors"

	"github.com/localdesktop/localdesktop/internal/bridge"
)

var (
	// ErrNoCompatibleConfig means the host surface cannot back a
	// drawing context at all; this is fatal for the session.
	ErrNoCompatibleConfig = errors.New("render: no compatible surface config")
	// ErrContextLost means the context died under us. Recoverable: the
	// compositor rebuilds the backend and replays the scene.
	ErrContextLost = errors.New("render: context lost")
)

// Rect is a pixel rectangle in surface coordinates.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Union returns the bounding rectangle of both rects.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x0, y0 := min(r.X, o.X), min(r.Y, o.Y)
	x1 := max(r.X+r.W, o.X+o.W)
	y1 := max(r.Y+r.H, o.Y+o.H)
	return Rect{x0, y0, x1 - x0, y1 - y0}
}

// Intersect clips r to o.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1 := min(r.X+r.W, o.X+o.W)
	y1 := min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{x0, y0, x1 - x0, y1 - y0}
}

// Coalesce folds a damage list into one bounding rect. Per-tick damage is
// presented as a single region, matching commit order semantics.
func Coalesce(rects []Rect) Rect {
	var out Rect
	for _, r := range rects {
		out = out.Union(r)
	}
	return out
}

// Buffer is a client pixel buffer in ARGB8888, little-endian, top-down.
type Buffer struct {
	Width  int
	Height int
	Stride int // bytes per row
	Data   []byte
}

// Layer is one surface's contribution to the scene, bottom-to-top order.
type Layer struct {
	Buffer *Buffer
	X, Y   int
	Damage Rect // in surface coordinates, already coalesced
}

// Scene is everything the compositor wants on screen this tick.
type Scene struct {
	Layers []Layer
	// Full forces a whole-output repaint, used after resize and backend
	// recreation.
	Full bool
}

// Backend composites scenes and presents them to the host surface.
type Backend interface {
	Resize(width, height int)
	// Composite draws the scene into the backing store. Returns
	// ErrContextLost when the drawing context died.
	Composite(scene *Scene) error
	// Present pushes the last composited frame to the host surface.
	Present() error
	Close() error
}

// Init creates a backend for the host surface handle.
func Init(handle bridge.SurfaceHandle) (Backend, error) {
	if handle.ID == 0 || handle.Width <= 0 || handle.Height <= 0 {
		return nil, ErrNoCompatibleConfig
	}
	return newSoftware(handle), nil
}
