package render

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/localdesktop/localdesktop/internal/bridge"
)

// clearColor matches the session background, ARGB (26, 0, 0 on full alpha).
const clearColor = 0xff1a0000

// Software composites on the CPU into a framebuffer the host glue blits to
// the native surface. It is also the backend the tests drive.
type Software struct {
	handle bridge.SurfaceHandle

	mu        sync.Mutex
	fb        []byte
	width     int
	height    int
	presented int64 // frames pushed to the host surface

	lost atomic.Bool
}

func newSoftware(handle bridge.SurfaceHandle) *Software {
	s := &Software{handle: handle}
	s.Resize(handle.Width, handle.Height)
	return s
}

func (s *Software) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
	s.fb = make([]byte, width*height*4)
}

func (s *Software) Composite(scene *Scene) error {
	if s.lost.Load() {
		return ErrContextLost
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bounds := Rect{0, 0, s.width, s.height}
	if scene.Full {
		s.fillLocked(bounds)
	}
	for _, layer := range scene.Layers {
		if layer.Buffer == nil {
			continue
		}
		dst := Rect{layer.X, layer.Y, layer.Buffer.Width, layer.Buffer.Height}
		area := dst
		if !scene.Full && !layer.Damage.Empty() {
			area = Rect{layer.X + layer.Damage.X, layer.Y + layer.Damage.Y,
				layer.Damage.W, layer.Damage.H}
		}
		s.blitLocked(layer.Buffer, layer.X, layer.Y, area.Intersect(dst).Intersect(bounds))
	}
	return nil
}

func (s *Software) Present() error {
	if s.lost.Load() {
		return ErrContextLost
	}
	s.mu.Lock()
	s.presented++
	s.mu.Unlock()
	return nil
}

func (s *Software) Close() error {
	return nil
}

// MarkLost simulates (or records) loss of the host drawing context. The
// host glue calls this when the native surface is torn down mid-session.
func (s *Software) MarkLost() {
	s.lost.Store(true)
}

// Framebuffer exposes the composited pixels for the host blit and tests.
func (s *Software) Framebuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fb
}

// Presented reports how many frames reached the host surface.
func (s *Software) Presented() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}

func (s *Software) fillLocked(r Rect) {
	var px [4]byte
	binary.LittleEndian.PutUint32(px[:], clearColor)
	for y := r.Y; y < r.Y+r.H; y++ {
		row := s.fb[y*s.width*4 : (y+1)*s.width*4]
		for x := r.X; x < r.X+r.W; x++ {
			copy(row[x*4:], px[:])
		}
	}
}

// blitLocked copies the buffer region covered by area (output coords) with
// the buffer placed at (ox, oy).
func (s *Software) blitLocked(buf *Buffer, ox, oy int, area Rect) {
	if area.Empty() {
		return
	}
	for y := 0; y < area.H; y++ {
		dy := area.Y + y
		sy := dy - oy
		srcOff := sy*buf.Stride + (area.X-ox)*4
		dstOff := dy*s.width*4 + area.X*4
		n := area.W * 4
		if srcOff < 0 || srcOff+n > len(buf.Data) {
			continue
		}
		copy(s.fb[dstOff:dstOff+n], buf.Data[srcOff:srcOff+n])
	}
}
