package progress

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"golang.org/x/time/rate"
)

func startServer(t *testing.T, b *Broadcaster) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer("127.0.0.1:0", b)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return srv
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var u Update
	if err := wsjson.Read(ctx, conn, &u); err != nil {
		t.Fatalf("read update: %v", err)
	}
	return u
}

func TestObserverReceivesPublishedUpdate(t *testing.T) {
	b := NewBroadcaster()
	srv := startServer(t, b)
	conn := dial(t, srv)

	b.Publish(Update{Progress: 42, Message: "Downloading guest filesystem... 42%"})

	got := readUpdate(t, conn)
	if got.Progress != 42 || got.IsError {
		t.Fatalf("got %+v", got)
	}
}

func TestLateJoinerGetsLastState(t *testing.T) {
	b := NewBroadcaster()
	srv := startServer(t, b)

	// Terminal failure published with nobody watching.
	b.Publish(Update{Progress: 37, Message: "archive integrity mismatch", IsError: true})

	conn := dial(t, srv)
	got := readUpdate(t, conn)
	if !got.IsError || got.Progress != 37 {
		t.Fatalf("late joiner got %+v, want replayed error state", got)
	}
}

func TestPublishWithZeroObserversDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i <= 100; i++ {
			b.Publish(Update{Progress: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked without observers")
	}
	if last, ok := b.Last(); !ok || last.Progress != 100 {
		t.Fatalf("last = %+v ok=%v, want progress 100", last, ok)
	}
}

func TestTerminalUpdateBypassesThrottle(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Burn the limiter, then publish a terminal state.
	for i := 0; i < 50; i++ {
		b.Publish(Update{Progress: i, Message: "chunk"})
	}
	b.Publish(Update{Progress: 100, Message: "Guest filesystem ready"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.Progress == 100 {
				return
			}
		case <-deadline:
			t.Fatal("terminal update never delivered")
		}
	}
}

func TestSlowSubscriberDropsOldestNotNewest(t *testing.T) {
	b := NewBroadcaster()
	// Disable throttling so every publish fans out.
	b.limiter = rate.NewLimiter(rate.Inf, 1)

	ch, cancel := b.Subscribe()
	defer cancel()

	// Nobody draining: overflow the buffer well past capacity.
	for i := 1; i <= subscriberBuffer*3; i++ {
		b.Publish(Update{Progress: i})
	}

	var last Update
	for {
		select {
		case u := <-ch:
			last = u
			continue
		default:
		}
		break
	}
	if last.Progress != subscriberBuffer*3 {
		t.Fatalf("newest buffered progress = %d, want %d", last.Progress, subscriberBuffer*3)
	}
}

func TestMissingSubprotocolRejected(t *testing.T) {
	b := NewBroadcaster()
	srv := startServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr(), nil)
	if err != nil {
		// Handshake-level rejection is fine too.
		return
	}
	defer conn.CloseNow()

	b.Publish(Update{Progress: 100, Message: "done"})

	var u Update
	if err := wsjson.Read(ctx, conn, &u); err == nil {
		t.Fatal("connection without subprotocol received updates")
	}
}
