// Package bridge converts host-supplied surface handles and raw input
// events into the internal event types consumed by the compositor run loop.
//
// Host callbacks arrive on the host's own thread. Nothing here touches
// compositor state: events are enqueued and drained exclusively by the
// compositor, which is the only writer of the scene graph.
package bridge

// SurfaceHandle is an opaque reference to the host's native drawable plus
// its pixel geometry. The host glue layer supplies it and owns its lifetime.
type SurfaceHandle struct {
	ID     uintptr
	Width  int
	Height int
	Scale  float64
}

// KeyState mirrors the host's key event direction.
type KeyState int

const (
	KeyReleased KeyState = iota
	KeyPressed
)

// TouchPhase is the stage of a touch contact.
type TouchPhase int

const (
	TouchDown TouchPhase = iota
	TouchMotion
	TouchUp
)

type Event interface{ isEvent() }

// SurfaceReady is emitted when the host hands over its native surface.
type SurfaceReady struct {
	Handle SurfaceHandle
}

// SurfaceLost is emitted when the host destroys its surface. The GPU
// context is gone with it; protocol state must survive.
type SurfaceLost struct{}

// Resized is emitted when the host surface changes geometry or scale.
type Resized struct {
	Width  int
	Height int
	Scale  float64
}

// Key is a raw host key event.
type Key struct {
	Code   uint32
	State  KeyState
	TimeMs uint32
}

// Touch is a raw host touch event.
type Touch struct {
	Slot   int32
	Phase  TouchPhase
	X, Y   float64
	TimeMs uint32
}

// Pointer is a raw host pointer event (mouse or stylus).
type Pointer struct {
	X, Y    float64
	Button  uint32
	Pressed bool
	TimeMs  uint32
}

// Vsync is the host's frame pulse; one composition tick per event.
type Vsync struct {
	TimeMs uint32
}

// Pause and Resume are host lifecycle notifications.
type Pause struct{}
type Resume struct{}

func (SurfaceReady) isEvent() {}
func (SurfaceLost) isEvent()  {}
func (Resized) isEvent()      {}
func (Key) isEvent()          {}
func (Touch) isEvent()        {}
func (Pointer) isEvent()      {}
func (Vsync) isEvent()        {}
func (Pause) isEvent()        {}
func (Resume) isEvent()       {}
