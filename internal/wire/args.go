package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Decoder reads typed arguments out of a message payload.
type Decoder struct {
	msg *Message
	off int
	fd  int
}

func NewDecoder(m *Message) *Decoder {
	return &Decoder{msg: m}
}

func (d *Decoder) Uint32() (uint32, error) {
	if d.off+4 > len(d.msg.Payload) {
		return 0, fmt.Errorf("%w: short payload", ErrMalformed)
	}
	v := binary.LittleEndian.Uint32(d.msg.Payload[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// String reads a length-prefixed, NUL-terminated string padded to a word
// boundary. The length includes the terminator.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: empty string argument", ErrMalformed)
	}
	padded := (int(n) + 3) &^ 3
	if d.off+padded > len(d.msg.Payload) {
		return "", fmt.Errorf("%w: short string", ErrMalformed)
	}
	s := string(d.msg.Payload[d.off : d.off+int(n)-1])
	d.off += padded
	return s, nil
}

// FD takes the next file descriptor attached to the message.
func (d *Decoder) FD() (int, error) {
	if d.fd >= len(d.msg.FDs) {
		return -1, fmt.Errorf("%w: missing file descriptor", ErrMalformed)
	}
	fd := d.msg.FDs[d.fd]
	d.fd++
	return fd, nil
}

// CloseUnused closes every descriptor the decoder did not hand out. A
// handler runs it after dispatch so an fd riding on a request that takes
// none cannot leak.
func (d *Decoder) CloseUnused() {
	for ; d.fd < len(d.msg.FDs); d.fd++ {
		unix.Close(d.msg.FDs[d.fd])
	}
}

// Remaining reports unread payload bytes; a strict handler fails the
// message when arguments are left over.
func (d *Decoder) Remaining() int {
	return len(d.msg.Payload) - d.off
}

// Encoder builds a message payload.
type Encoder struct {
	payload []byte
	fds     []int
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Uint32(v uint32) *Encoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.payload = append(e.payload, b[:]...)
	return e
}

func (e *Encoder) Int32(v int32) *Encoder {
	return e.Uint32(uint32(v))
}

func (e *Encoder) String(s string) *Encoder {
	e.Uint32(uint32(len(s) + 1))
	e.payload = append(e.payload, s...)
	e.payload = append(e.payload, 0)
	for len(e.payload)%4 != 0 {
		e.payload = append(e.payload, 0)
	}
	return e
}

func (e *Encoder) FD(fd int) *Encoder {
	e.fds = append(e.fds, fd)
	return e
}

// Message assembles the payload into a sendable message.
func (e *Encoder) Message(object uint32, opcode uint16) *Message {
	return &Message{Object: object, Opcode: opcode, Payload: e.payload, FDs: e.fds}
}
