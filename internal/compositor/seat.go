package compositor

import (
	"github.com/localdesktop/localdesktop/internal/bridge"
	"github.com/localdesktop/localdesktop/internal/wire"
)

// Seat owns input focus. There is exactly one; it lives on the run loop.
type Seat struct {
	focus *Surface
}

// dispatchKey routes a key event to the focused surface.
func (st *Seat) dispatchKey(ev bridge.Key) {
	if st.focus == nil {
		return
	}
	state := uint32(0)
	if ev.State == bridge.KeyPressed {
		state = 1
	}
	st.focus.client.send(wire.NewEncoder().
		Uint32(ev.Code).
		Uint32(state).
		Uint32(ev.TimeMs).
		Message(st.focus.id, EvKey))
}

// dispatchTouch focuses the topmost toplevel on touch-down, then forwards
// the event. Mirrors single-window focus behavior: the nested session shows
// one root surface, so focus follows contact.
func (st *Seat) dispatchTouch(ev bridge.Touch, top *Surface) {
	if ev.Phase == bridge.TouchDown && top != nil {
		st.focus = top
	}
	if st.focus == nil {
		return
	}
	st.focus.client.send(wire.NewEncoder().
		Int32(ev.Slot).
		Uint32(uint32(ev.Phase)).
		Int32(int32(FixedFromFloat(ev.X))).
		Int32(int32(FixedFromFloat(ev.Y))).
		Uint32(ev.TimeMs).
		Message(st.focus.id, EvTouch))
}

// dispatchPointer forwards motion and button events; button presses focus
// the topmost toplevel first.
func (st *Seat) dispatchPointer(ev bridge.Pointer, top *Surface) {
	if ev.Button != 0 && ev.Pressed && top != nil {
		st.focus = top
	}
	if st.focus == nil {
		return
	}
	if ev.Button != 0 {
		state := uint32(0)
		if ev.Pressed {
			state = 1
		}
		st.focus.client.send(wire.NewEncoder().
			Uint32(ev.Button).
			Uint32(state).
			Uint32(ev.TimeMs).
			Message(st.focus.id, EvPointerButton))
		return
	}
	st.focus.client.send(wire.NewEncoder().
		Int32(int32(FixedFromFloat(ev.X))).
		Int32(int32(FixedFromFloat(ev.Y))).
		Uint32(ev.TimeMs).
		Message(st.focus.id, EvPointerMotion))
}

// dropSurface clears focus if the surface is going away.
func (st *Seat) dropSurface(s *Surface) {
	if st.focus == s {
		st.focus = nil
	}
}
