package wire

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// pair returns two connected unix stream sockets.
func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "wire.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sock, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type res struct {
		c   *net.UnixConn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.AcceptUnix()
		ch <- res{c, err}
	}()

	client, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: sock, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatal(r.err)
	}

	a, b := NewConn(client), NewConn(r.c)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestRoundTrip(t *testing.T) {
	a, b := pair(t)

	msg := NewEncoder().Uint32(7).String("wayland-0").Int32(-3).Message(4, 2)
	if err := a.WriteMessage(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Object != 4 || got.Opcode != 2 {
		t.Errorf("want object=4 opcode=2, got %d/%d", got.Object, got.Opcode)
	}

	d := NewDecoder(got)
	if v, _ := d.Uint32(); v != 7 {
		t.Errorf("want 7, got %d", v)
	}
	if s, _ := d.String(); s != "wayland-0" {
		t.Errorf("want wayland-0, got %q", s)
	}
	if v, _ := d.Int32(); v != -3 {
		t.Errorf("want -3, got %d", v)
	}
	if d.Remaining() != 0 {
		t.Errorf("want no leftover bytes, got %d", d.Remaining())
	}
}

func TestFDPassing(t *testing.T) {
	a, b := pair(t)

	f, err := os.CreateTemp(t.TempDir(), "buf")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString("pixels"); err != nil {
		t.Fatal(err)
	}

	msg := NewEncoder().Uint32(640).Uint32(480).FD(int(f.Fd())).Message(3, 1)
	if err := a.WriteMessage(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	d := NewDecoder(got)
	d.Uint32()
	d.Uint32()
	fd, err := d.FD()
	if err != nil {
		t.Fatalf("fd: %v", err)
	}
	defer unix.Close(fd)

	buf := make([]byte, 6)
	if _, err := unix.Pread(fd, buf, 0); err != nil {
		t.Fatalf("pread received fd: %v", err)
	}
	if string(buf) != "pixels" {
		t.Errorf("want pixels, got %q", buf)
	}
}

func TestMalformedSizeRejected(t *testing.T) {
	a, b := pair(t)

	// Header advertising a size below the header length.
	raw := []byte{1, 0, 0, 0, 0, 0, 4, 0}
	if _, err := a.uc.Write(raw); err != nil {
		t.Fatal(err)
	}
	_, err := b.ReadMessage()
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("want ErrMalformed, got %v", err)
	}
}

func TestOversizedMessageRejected(t *testing.T) {
	a, _ := pair(t)
	big := &Message{Object: 1, Opcode: 1, Payload: make([]byte, MaxMessageSize)}
	if err := a.WriteMessage(big); !errors.Is(err, ErrMalformed) {
		t.Errorf("want ErrMalformed for oversized write, got %v", err)
	}
}

func TestDecoderShortPayload(t *testing.T) {
	d := NewDecoder(&Message{Payload: []byte{1, 2}})
	if _, err := d.Uint32(); !errors.Is(err, ErrMalformed) {
		t.Errorf("want ErrMalformed, got %v", err)
	}
}
