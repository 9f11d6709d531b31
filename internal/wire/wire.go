// Package wire implements the display protocol's wire format: 8-byte
// message headers followed by 32-bit little-endian words, with file
// descriptors carried out-of-band over the unix socket via SCM_RIGHTS.
//
// Header layout follows the classic compositor framing: the first word is
// the target object id, the second packs the total message size (including
// the header) into the high 16 bits and the opcode into the low 16 bits.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// HeaderSize is the fixed message header length in bytes.
	HeaderSize = 8
	// MaxMessageSize bounds a single message. Anything larger is a
	// malformed client.
	MaxMessageSize = 4096
	// maxFDsPerRead bounds the rights we accept in one control message.
	maxFDsPerRead = 8
)

var (
	// ErrMalformed indicates framing the peer got wrong, not an I/O
	// failure. Callers treat it as a protocol violation.
	ErrMalformed = errors.New("wire: malformed message")
)

// Message is one decoded protocol message.
type Message struct {
	Object  uint32
	Opcode  uint16
	Payload []byte
	FDs     []int
}

// CloseFDs closes every descriptor still attached to the message. Callers
// discarding a message without decoding it must release its descriptors or
// a guest can exhaust the fd table with rights it sends and never uses.
func (m *Message) CloseFDs() {
	for _, fd := range m.FDs {
		unix.Close(fd)
	}
	m.FDs = nil
}

// Conn frames messages over a unix stream socket.
type Conn struct {
	uc   *net.UnixConn
	buf  []byte
	fds  []int
	rbuf [4096]byte
	oob  [256]byte
}

func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// SetWriteDeadline bounds subsequent writes; a stalled client fails its
// write instead of stalling the frame loop.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.uc.SetWriteDeadline(t)
}

// SetReadDeadline bounds subsequent reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.uc.SetReadDeadline(t)
}

// ReadMessage reads the next message. File descriptors received alongside
// the stream are attached to the message that consumes them, in order.
func (c *Conn) ReadMessage() (*Message, error) {
	for len(c.buf) < HeaderSize {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}

	object := binary.LittleEndian.Uint32(c.buf[0:4])
	sizeOp := binary.LittleEndian.Uint32(c.buf[4:8])
	size := int(sizeOp >> 16)
	opcode := uint16(sizeOp & 0xffff)

	if size < HeaderSize || size > MaxMessageSize || size%4 != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrMalformed, size)
	}

	for len(c.buf) < size {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}

	payload := make([]byte, size-HeaderSize)
	copy(payload, c.buf[HeaderSize:size])
	c.buf = c.buf[size:]

	msg := &Message{Object: object, Opcode: opcode, Payload: payload}
	if len(c.fds) > 0 {
		msg.FDs = c.fds
		c.fds = nil
	}
	return msg, nil
}

func (c *Conn) fill() error {
	n, oobn, _, _, err := c.uc.ReadMsgUnix(c.rbuf[:], c.oob[:])
	if err != nil {
		return err
	}
	if n > 0 {
		c.buf = append(c.buf, c.rbuf[:n]...)
	}
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(c.oob[:oobn])
		if err != nil {
			return fmt.Errorf("%w: bad control message", ErrMalformed)
		}
		for _, cm := range cmsgs {
			fds, err := unix.ParseUnixRights(&cm)
			if err != nil {
				continue
			}
			if len(c.fds)+len(fds) > maxFDsPerRead {
				for _, fd := range fds {
					unix.Close(fd)
				}
				return fmt.Errorf("%w: too many file descriptors", ErrMalformed)
			}
			c.fds = append(c.fds, fds...)
		}
	}
	return nil
}

// WriteMessage frames and sends one message, with any file descriptors in
// the same control message so they arrive with this message's bytes.
func (c *Conn) WriteMessage(m *Message) error {
	size := HeaderSize + len(m.Payload)
	if size > MaxMessageSize {
		return fmt.Errorf("%w: message size %d", ErrMalformed, size)
	}
	if len(m.Payload)%4 != 0 {
		return fmt.Errorf("%w: payload not word aligned", ErrMalformed)
	}

	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], m.Object)
	binary.LittleEndian.PutUint32(out[4:8], uint32(size)<<16|uint32(m.Opcode))
	copy(out[HeaderSize:], m.Payload)

	var oob []byte
	if len(m.FDs) > 0 {
		oob = unix.UnixRights(m.FDs...)
	}
	_, _, err := c.uc.WriteMsgUnix(out, oob, nil)
	return err
}

func (c *Conn) Close() error {
	for _, fd := range c.fds {
		unix.Close(fd)
	}
	c.fds = nil
	return c.uc.Close()
}
