package compositor

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/localdesktop/localdesktop/internal/wire"
)

type clientState int

const (
	stateConnecting clientState = iota // connected, hello not yet seen
	stateBound                         // hello accepted
	stateActive                        // owns at least one surface
	stateDisconnected
)

func (s clientState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateBound:
		return "bound"
	case stateActive:
		return "active"
	default:
		return "disconnected"
	}
}

const (
	// requestQueueDepth bounds unprocessed requests per client. A full
	// queue blocks that client's reader, pushing back on its socket
	// without touching anyone else's dispatch.
	requestQueueDepth = 64
	// writeTimeout bounds event delivery to an unresponsive client.
	writeTimeout = 5 * time.Second
)

// Client is one connected guest process's protocol endpoint.
type Client struct {
	id       string
	conn     *wire.Conn
	state    clientState
	surfaces map[uint32]*Surface

	requests chan *wire.Message
	readErr  chan error
	done     chan struct{}

	// writeFailed is set from the run loop when an event write errors;
	// the client is culled at the end of the tick.
	writeFailed bool
}

func newClient(conn *wire.Conn) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		state:    stateConnecting,
		surfaces: make(map[uint32]*Surface),
		requests: make(chan *wire.Message, requestQueueDepth),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// readLoop runs on the client's own goroutine and feeds the run loop's
// queue. It never touches compositor state.
func (c *Client) readLoop(wake chan<- struct{}) {
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr <- err
			select {
			case wake <- struct{}{}:
			default:
			}
			return
		}
		select {
		case c.requests <- msg:
		case <-c.done:
			msg.CloseFDs()
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// send delivers an event. Run-loop only.
func (c *Client) send(msg *wire.Message) {
	if c.state == stateDisconnected || c.writeFailed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(msg); err != nil {
		c.writeFailed = true
	}
}

// sendError emits a display error event for the offending object.
func (c *Client) sendError(object uint32, code uint32, message string) {
	c.send(wire.NewEncoder().
		Uint32(object).
		Uint32(code).
		String(message).
		Message(DisplayObjectID, EvError))
}

// takeReadErr returns the reader's terminal error, if any, without blocking.
func (c *Client) takeReadErr() (error, bool) {
	select {
	case err := <-c.readErr:
		return err, true
	default:
		return nil, false
	}
}

// fatal reports whether the read error is a protocol fault rather than a
// plain disconnect.
func fatalProtocolError(err error) bool {
	return errors.Is(err, wire.ErrMalformed)
}

// isDisconnect reports an orderly or network-level connection end.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
