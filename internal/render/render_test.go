package render

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/localdesktop/localdesktop/internal/bridge"
)

func testHandle() bridge.SurfaceHandle {
	return bridge.SurfaceHandle{ID: 1, Width: 8, Height: 8, Scale: 1}
}

func solidBuffer(w, h int, argb uint32) *Buffer {
	data := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], argb)
	}
	return &Buffer{Width: w, Height: h, Stride: w * 4, Data: data}
}

func pixelAt(fb []byte, width, x, y int) uint32 {
	return binary.LittleEndian.Uint32(fb[(y*width+x)*4:])
}

func TestInitRejectsBadHandle(t *testing.T) {
	if _, err := Init(bridge.SurfaceHandle{}); !errors.Is(err, ErrNoCompatibleConfig) {
		t.Errorf("want ErrNoCompatibleConfig, got %v", err)
	}
}

func TestCompositePlacesBuffer(t *testing.T) {
	b, err := Init(testHandle())
	if err != nil {
		t.Fatal(err)
	}
	sw := b.(*Software)

	scene := &Scene{
		Full: true,
		Layers: []Layer{
			{Buffer: solidBuffer(2, 2, 0xffffffff), X: 3, Y: 3},
		},
	}
	if err := sw.Composite(scene); err != nil {
		t.Fatalf("composite: %v", err)
	}
	fb := sw.Framebuffer()
	if got := pixelAt(fb, 8, 3, 3); got != 0xffffffff {
		t.Errorf("layer pixel: want ffffffff, got %08x", got)
	}
	if got := pixelAt(fb, 8, 0, 0); got != clearColor {
		t.Errorf("background: want %08x, got %08x", uint32(clearColor), got)
	}
}

func TestCompositeHonorsDamage(t *testing.T) {
	sw := newSoftware(testHandle())

	// First frame: white buffer at origin, full repaint.
	white := solidBuffer(4, 4, 0xffffffff)
	if err := sw.Composite(&Scene{Full: true, Layers: []Layer{{Buffer: white}}}); err != nil {
		t.Fatal(err)
	}

	// Second frame: buffer is now black but only the top-left 2x2 is
	// damaged. Pixels outside the damage keep the old content.
	black := solidBuffer(4, 4, 0xff000000)
	scene := &Scene{Layers: []Layer{{Buffer: black, Damage: Rect{0, 0, 2, 2}}}}
	if err := sw.Composite(scene); err != nil {
		t.Fatal(err)
	}

	fb := sw.Framebuffer()
	if got := pixelAt(fb, 8, 1, 1); got != 0xff000000 {
		t.Errorf("damaged pixel not repainted: %08x", got)
	}
	if got := pixelAt(fb, 8, 3, 3); got != 0xffffffff {
		t.Errorf("undamaged pixel repainted: %08x", got)
	}
}

func TestContextLossSurfaces(t *testing.T) {
	sw := newSoftware(testHandle())
	sw.MarkLost()
	if err := sw.Composite(&Scene{Full: true}); !errors.Is(err, ErrContextLost) {
		t.Errorf("composite: want ErrContextLost, got %v", err)
	}
	if err := sw.Present(); !errors.Is(err, ErrContextLost) {
		t.Errorf("present: want ErrContextLost, got %v", err)
	}
}

func TestCoalesce(t *testing.T) {
	got := Coalesce([]Rect{{0, 0, 2, 2}, {4, 4, 2, 2}})
	want := Rect{0, 0, 6, 6}
	if got != want {
		t.Errorf("want %+v, got %+v", want, got)
	}
	if !Coalesce(nil).Empty() {
		t.Error("coalesce of nothing should be empty")
	}
}

func TestRectIntersect(t *testing.T) {
	a := Rect{0, 0, 4, 4}
	b := Rect{2, 2, 4, 4}
	if got := a.Intersect(b); got != (Rect{2, 2, 2, 2}) {
		t.Errorf("unexpected intersection %+v", got)
	}
	if got := a.Intersect(Rect{8, 8, 2, 2}); !got.Empty() {
		t.Errorf("disjoint rects should not intersect, got %+v", got)
	}
}
