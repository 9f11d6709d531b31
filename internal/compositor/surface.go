package compositor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/localdesktop/localdesktop/internal/render"
)

// shmBuffer is a client pixel buffer mapped from a passed file descriptor.
type shmBuffer struct {
	fd   int
	data []byte
	buf  render.Buffer
}

// mapBuffer owns fd from here on: it is closed on any failure.
func mapBuffer(fd int, width, height, stride int32) (*shmBuffer, error) {
	if width <= 0 || height <= 0 || stride < width*4 {
		unix.Close(fd)
		return nil, fmt.Errorf("bad buffer geometry %dx%d stride %d", width, height, stride)
	}
	size := int(stride) * int(height)
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap buffer: %w", err)
	}
	return &shmBuffer{
		fd:   fd,
		data: data,
		buf: render.Buffer{
			Width:  int(width),
			Height: int(height),
			Stride: int(stride),
			Data:   data,
		},
	}, nil
}

func (b *shmBuffer) release() {
	if b == nil {
		return
	}
	if b.data != nil {
		unix.Munmap(b.data)
		b.data = nil
	}
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
}

// Surface is a client-owned drawable. All fields are touched only from the
// compositor run loop.
type Surface struct {
	id     uint32
	client *Client
	role   uint32
	title  string

	// pending is the attached-but-uncommitted buffer; committed is what
	// the frame loop samples. At most one of each, and a new attach is
	// refused until the committed buffer has been acknowledged.
	pending   *shmBuffer
	committed *shmBuffer

	// damage accumulated since the last composited frame, coalesced.
	damage render.Rect
	// frameWanted is set by commit and cleared when the frame-done
	// acknowledgment goes out after composition.
	frameWanted bool
	// acked means the committed buffer has been consumed by the frame
	// loop and the client may attach again.
	acked bool
}

// attach stages a new buffer. Attaching while a prior buffer is still in
// flight (pending, or committed but not yet acknowledged) is the
// back-pressure violation the protocol defines.
func (s *Surface) attach(buf *shmBuffer) error {
	if s.pending != nil {
		return fmt.Errorf("attach with pending buffer on surface %d", s.id)
	}
	if s.committed != nil && !s.acked {
		return fmt.Errorf("attach before frame acknowledgment on surface %d", s.id)
	}
	s.pending = buf
	return nil
}

func (s *Surface) addDamage(r render.Rect) {
	s.damage = s.damage.Union(r)
}

// commit promotes the pending buffer. A commit without a pending attach
// re-arms frame-done for the current content (a damage-only commit).
func (s *Surface) commit() {
	if s.pending != nil {
		if s.committed != nil {
			s.committed.release()
		}
		s.committed = s.pending
		s.pending = nil
		s.acked = false
	}
	s.frameWanted = true
}

func (s *Surface) destroy() {
	s.pending.release()
	s.committed.release()
	s.pending, s.committed = nil, nil
}
