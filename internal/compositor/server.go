package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"github.com/localdesktop/localdesktop/internal/bridge"
	"github.com/localdesktop/localdesktop/internal/logger"
	"github.com/localdesktop/localdesktop/internal/render"
	"github.com/localdesktop/localdesktop/internal/wire"
)

// maxRequestsPerTick bounds how much protocol work one client gets per
// dispatch round, so a chatty client cannot starve the frame loop.
const maxRequestsPerTick = 16

// Server is the compositor core. All scene-graph state is owned by the run
// loop goroutine; host callbacks and client readers only feed queues.
type Server struct {
	socketPath string
	queue      *bridge.Queue
	log        *slog.Logger

	// NewBackend is swappable for tests. Defaults to render.Init.
	NewBackend func(bridge.SurfaceHandle) (render.Backend, error)

	newConns chan *net.UnixConn
	wake     chan struct{}
	fatal    chan error

	// run-loop-owned state
	clients     []*Client
	stack       []*Surface // z-order, bottom to top
	seat        Seat
	output      *Output
	backend     render.Backend
	handle      bridge.SurfaceHandle
	paused      bool
	fullRepaint bool

	ln *net.UnixListener

	// observability counters, safe to read from other goroutines
	clientCount  atomic.Int32
	surfaceCount atomic.Int32
	frames       atomic.Int64
	violations   atomic.Int64
}

// New creates a compositor serving the display socket. Host events arrive
// through queue.
func New(socketPath string, queue *bridge.Queue) *Server {
	return &Server{
		socketPath: socketPath,
		queue:      queue,
		log:        logger.With("compositor"),
		NewBackend: render.Init,
		newConns:   make(chan *net.UnixConn, 16),
		wake:       make(chan struct{}, 1),
		fatal:      make(chan error, 1),
	}
}

// Fatal delivers at most one unrecoverable compositor error; the control
// plane treats it as a session error.
func (s *Server) Fatal() <-chan error {
	return s.fatal
}

// Stats is a point-in-time snapshot for the control API.
type Stats struct {
	Clients    int   `json:"clients"`
	Surfaces   int   `json:"surfaces"`
	Frames     int64 `json:"frames"`
	Violations int64 `json:"violations"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Clients:    int(s.clientCount.Load()),
		Surfaces:   int(s.surfaceCount.Load()),
		Frames:     s.frames.Load(),
		Violations: s.violations.Load(),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	os.Remove(s.socketPath)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen display socket %s: %w", s.socketPath, err)
	}
	s.ln = ln
	defer func() {
		ln.Close()
		os.Remove(s.socketPath)
	}()

	go s.acceptLoop(ctx)

	s.log.Info("display socket ready", "path", s.socketPath)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case conn := <-s.newConns:
			s.addClient(conn)
		case <-s.queue.Wake():
			s.handleHostEvents()
			s.dispatchClients()
		case <-s.wake:
			s.dispatchClients()
		}
		s.cull()
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}
		select {
		case s.newConns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		default:
			// Accept queue full; refuse rather than block the loop.
			conn.Close()
		}
	}
}

func (s *Server) addClient(conn *net.UnixConn) {
	c := newClient(wire.NewConn(conn))
	s.clients = append(s.clients, c)
	s.clientCount.Store(int32(len(s.clients)))
	s.log.Debug("client connected", "client", c.id)
	go c.readLoop(s.wake)
}

// handleHostEvents drains the bridge queue. This is the only place host
// input and lifecycle reach compositor state.
func (s *Server) handleHostEvents() {
	for _, ev := range s.queue.Drain() {
		switch ev := ev.(type) {
		case bridge.SurfaceReady:
			s.initBackend(ev.Handle)
		case bridge.SurfaceLost:
			// GPU resources are gone but protocol state persists;
			// a fresh SurfaceReady rebuilds the backend.
			if s.backend != nil {
				s.backend.Close()
				s.backend = nil
			}
		case bridge.Resized:
			s.resize(ev)
		case bridge.Vsync:
			if !s.paused {
				s.renderFrame(ev.TimeMs)
			}
		case bridge.Key:
			s.seat.dispatchKey(ev)
		case bridge.Touch:
			s.seat.dispatchTouch(ev, s.topToplevel())
		case bridge.Pointer:
			s.seat.dispatchPointer(ev, s.topToplevel())
		case bridge.Pause:
			s.paused = true
		case bridge.Resume:
			s.paused = false
			s.fullRepaint = true
		}
	}
}

func (s *Server) initBackend(handle bridge.SurfaceHandle) {
	if s.backend != nil {
		s.backend.Close()
	}
	b, err := s.NewBackend(handle)
	if err != nil {
		s.reportFatal(fmt.Errorf("init render backend: %w", err))
		return
	}
	s.handle = handle
	s.backend = b
	if s.output == nil {
		s.output = newOutput(handle.Width, handle.Height, handle.Scale)
	} else {
		s.output.resize(handle.Width, handle.Height, handle.Scale)
	}
	s.fullRepaint = true
	s.log.Info("render backend ready", "width", handle.Width, "height", handle.Height)
}

func (s *Server) resize(ev bridge.Resized) {
	if s.output == nil {
		return
	}
	s.output.resize(ev.Width, ev.Height, ev.Scale)
	s.handle.Width, s.handle.Height = ev.Width, ev.Height
	if s.backend != nil {
		s.backend.Resize(ev.Width, ev.Height)
	}
	s.fullRepaint = true
	for _, surf := range s.stack {
		if surf.role == RoleToplevel {
			s.configure(surf)
		}
	}
}

func (s *Server) configure(surf *Surface) {
	surf.client.send(wire.NewEncoder().
		Int32(int32(s.output.Width)).
		Int32(int32(s.output.Height)).
		Message(surf.id, EvConfigure))
}

// renderFrame walks the surface stack in z-order, composites committed
// buffers, presents, then acknowledges exactly the clients whose buffers
// were consumed. The acknowledgment is the back-pressure release.
func (s *Server) renderFrame(timeMs uint32) {
	if s.backend == nil {
		return
	}

	scene, consumed := s.buildScene()

	err := s.backend.Composite(scene)
	if err == nil {
		err = s.backend.Present()
	}
	if errors.Is(err, render.ErrContextLost) {
		// Recoverable host-level event: rebuild GPU-side resources,
		// keep every client and surface.
		s.log.Warn("render context lost, recreating backend")
		s.backend.Close()
		b, nerr := s.NewBackend(s.handle)
		if nerr != nil {
			s.reportFatal(fmt.Errorf("recreate render backend: %w", nerr))
			return
		}
		s.backend = b
		scene.Full = true
		if err = s.backend.Composite(scene); err == nil {
			err = s.backend.Present()
		}
	}
	if err != nil {
		s.reportFatal(fmt.Errorf("render frame: %w", err))
		return
	}

	s.fullRepaint = false
	s.frames.Add(1)

	for _, surf := range consumed {
		surf.client.send(wire.NewEncoder().
			Uint32(timeMs).
			Message(surf.id, EvFrameDone))
		surf.acked = true
		surf.frameWanted = false
		surf.damage = render.Rect{}
	}
}

func (s *Server) buildScene() (*render.Scene, []*Surface) {
	scene := &render.Scene{Full: s.fullRepaint}
	var consumed []*Surface
	for _, surf := range s.stack {
		if surf.committed == nil {
			continue
		}
		scene.Layers = append(scene.Layers, render.Layer{
			Buffer: &surf.committed.buf,
			Damage: surf.damage,
		})
		if surf.frameWanted {
			consumed = append(consumed, surf)
		}
	}
	return scene, consumed
}

func (s *Server) topToplevel() *Surface {
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].role == RoleToplevel {
			return s.stack[i]
		}
	}
	return nil
}

// dispatchClients drains a bounded number of requests per client so no
// single connection can monopolize a tick.
func (s *Server) dispatchClients() {
	for _, c := range s.clients {
		if c.state == stateDisconnected {
			continue
		}
		if err, ok := c.takeReadErr(); ok {
			if fatalProtocolError(err) {
				s.violation(c, DisplayObjectID, "malformed message")
			} else {
				if !isDisconnect(err) {
					s.log.Debug("client read error", "client", c.id, "err", err)
				}
				s.disconnect(c)
			}
			continue
		}
	drain:
		for i := 0; i < maxRequestsPerTick; i++ {
			select {
			case msg := <-c.requests:
				s.dispatch(c, msg)
				if c.state == stateDisconnected {
					break drain
				}
			default:
				break drain
			}
		}
	}
}

func (s *Server) dispatch(c *Client, msg *wire.Message) {
	d := wire.NewDecoder(msg)
	// Descriptors no handler claimed are closed here, so an fd attached
	// to a request that takes none cannot leak.
	defer d.CloseUnused()

	if msg.Object == DisplayObjectID {
		s.dispatchDisplay(c, d, msg)
		return
	}
	surf, ok := c.surfaces[msg.Object]
	if !ok {
		c.sendError(msg.Object, ErrCodeBadObject, "unknown object")
		s.violation(c, msg.Object, "request for unknown object")
		return
	}
	s.dispatchSurface(c, surf, d, msg)
}

func (s *Server) dispatchDisplay(c *Client, d *wire.Decoder, msg *wire.Message) {
	switch msg.Opcode {
	case OpHello:
		version, err := d.Uint32()
		if err != nil || c.state != stateConnecting {
			s.violation(c, DisplayObjectID, "bad hello")
			return
		}
		if version != ProtocolVersion {
			c.sendError(DisplayObjectID, ErrCodeVersion,
				fmt.Sprintf("unsupported protocol version %d", version))
			s.disconnect(c)
			return
		}
		c.state = stateBound
	case OpCreateSurface:
		if c.state != stateBound && c.state != stateActive {
			s.violation(c, DisplayObjectID, "create_surface before hello")
			return
		}
		id, err := d.Uint32()
		if err != nil || id == 0 || id == DisplayObjectID {
			s.violation(c, DisplayObjectID, "bad surface id")
			return
		}
		if _, exists := c.surfaces[id]; exists {
			s.violation(c, id, "surface id already in use")
			return
		}
		surf := &Surface{id: id, client: c}
		c.surfaces[id] = surf
		s.stack = append(s.stack, surf)
		s.surfaceCount.Store(int32(len(s.stack)))
		c.state = stateActive
		if s.output != nil {
			s.configure(surf)
		}
	case OpPong:
		// liveness only
	default:
		s.violation(c, DisplayObjectID, "unknown display request")
	}
}

func (s *Server) dispatchSurface(c *Client, surf *Surface, d *wire.Decoder, msg *wire.Message) {
	if c.state != stateActive {
		s.violation(c, msg.Object, "surface request in wrong state")
		return
	}
	switch msg.Opcode {
	case OpAttach:
		width, _ := d.Int32()
		height, _ := d.Int32()
		stride, err := d.Int32()
		if err != nil {
			s.violation(c, surf.id, "truncated attach")
			return
		}
		fd, err := d.FD()
		if err != nil {
			s.violation(c, surf.id, "attach without buffer fd")
			return
		}
		buf, err := mapBuffer(fd, width, height, stride)
		if err != nil {
			c.sendError(surf.id, ErrCodeBadBuffer, err.Error())
			s.disconnect(c)
			return
		}
		if err := surf.attach(buf); err != nil {
			buf.release()
			s.violation(c, surf.id, err.Error())
			return
		}
	case OpDamage:
		x, _ := d.Int32()
		y, _ := d.Int32()
		w, _ := d.Int32()
		h, err := d.Int32()
		if err != nil {
			s.violation(c, surf.id, "truncated damage")
			return
		}
		surf.addDamage(render.Rect{X: int(x), Y: int(y), W: int(w), H: int(h)})
	case OpCommit:
		surf.commit()
	case OpSetRole:
		role, err := d.Uint32()
		if err != nil || role > RolePopup {
			s.violation(c, surf.id, "bad role")
			return
		}
		title, _ := d.String()
		surf.role = role
		surf.title = title
		if s.seat.focus == nil && role == RoleToplevel {
			s.seat.focus = surf
		}
	case OpDestroy:
		s.removeSurface(surf)
		delete(c.surfaces, surf.id)
	default:
		s.violation(c, surf.id, "unknown surface request")
	}
}

// violation isolates and disconnects the offending client. Everyone else
// is untouched.
func (s *Server) violation(c *Client, object uint32, why string) {
	s.violations.Add(1)
	s.log.Warn("protocol violation", "client", c.id, "object", object, "why", why)
	c.sendError(object, ErrCodeProtocol, why)
	s.disconnect(c)
}

func (s *Server) disconnect(c *Client) {
	if c.state == stateDisconnected {
		return
	}
	c.state = stateDisconnected
	close(c.done)
	for id, surf := range c.surfaces {
		s.removeSurface(surf)
		delete(c.surfaces, id)
	}
	c.conn.Close()
	// Undispatched requests may still carry descriptors.
drain:
	for {
		select {
		case msg := <-c.requests:
			msg.CloseFDs()
		default:
			break drain
		}
	}
	s.log.Debug("client disconnected", "client", c.id)
}

func (s *Server) removeSurface(surf *Surface) {
	s.seat.dropSurface(surf)
	for i, other := range s.stack {
		if other == surf {
			s.stack = append(s.stack[:i], s.stack[i+1:]...)
			break
		}
	}
	surf.destroy()
	s.surfaceCount.Store(int32(len(s.stack)))
	s.fullRepaint = true
}

// cull removes disconnected and write-failed clients from the roster.
func (s *Server) cull() {
	alive := s.clients[:0]
	for _, c := range s.clients {
		if c.writeFailed && c.state != stateDisconnected {
			s.log.Debug("client write failed", "client", c.id)
			s.disconnect(c)
		}
		if c.state != stateDisconnected {
			alive = append(alive, c)
		}
	}
	s.clients = alive
	s.clientCount.Store(int32(len(s.clients)))
}

func (s *Server) shutdown() {
	for _, c := range s.clients {
		s.disconnect(c)
	}
	s.clients = nil
	s.clientCount.Store(0)
	if s.backend != nil {
		s.backend.Close()
		s.backend = nil
	}
}

func (s *Server) reportFatal(err error) {
	s.log.Error("unrecoverable compositor error", "err", err)
	select {
	case s.fatal <- err:
	default:
	}
}
