// Package compositor implements the display protocol server: it owns the
// listening socket, client connections, surfaces, the seat, and the frame
// loop that hands committed buffers to the render backend.
package compositor

// Protocol version spoken over the wire. A client announcing anything else
// is rejected during the hello exchange.
const ProtocolVersion = 1

// DisplayObjectID is the pre-bound object every client starts with.
const DisplayObjectID = 1

// Requests on the display object.
const (
	OpHello         = 0 // version: uint32
	OpCreateSurface = 1 // new surface id: uint32
	OpPong          = 2 // serial: uint32
)

// Requests on a surface object.
const (
	OpAttach     = 0 // width, height, stride: int32 + buffer fd
	OpDamage     = 1 // x, y, width, height: int32
	OpCommit     = 2
	OpSetRole    = 3 // role: uint32, title: string
	OpDestroy    = 4
)

// Events on the display object.
const (
	EvError = 0 // object: uint32, code: uint32, message: string
	EvPing  = 1 // serial: uint32
)

// Events on a surface object.
const (
	EvFrameDone     = 0 // time: uint32 ms
	EvConfigure     = 1 // width, height: int32
	EvKey           = 2 // code: uint32, state: uint32, time: uint32
	EvTouch         = 3 // slot: int32, phase: uint32, x, y: fixed, time: uint32
	EvPointerButton = 4 // button: uint32, state: uint32, time: uint32
	EvPointerMotion = 5 // x, y: fixed, time: uint32
)

// Error codes carried by EvError.
const (
	ErrCodeProtocol  = 1 // malformed or out-of-order request
	ErrCodeVersion   = 2 // hello version mismatch
	ErrCodeBadObject = 3 // request for an unknown object id
	ErrCodeBadBuffer = 4 // attach fd unusable or size mismatch
)

// Surface roles.
const (
	RoleNone     = 0
	RoleToplevel = 1
	RolePopup    = 2
)

// Fixed is a 24.8 fixed-point coordinate as used for input positions.
type Fixed int32

func FixedFromFloat(f float64) Fixed {
	return Fixed(f * 256)
}

func (f Fixed) Float() float64 {
	return float64(f) / 256
}
