package progress

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/localdesktop/localdesktop/internal/logger"
)

// Subprotocol is the agreed identifier observers must offer during the
// websocket handshake.
const Subprotocol = "localdesktop"

const writeTimeout = 5 * time.Second

// Server serves the progress websocket on a loopback address.
type Server struct {
	addr string
	b    *Broadcaster
	log  *slog.Logger

	ln  net.Listener
	srv *http.Server
}

func NewServer(addr string, b *Broadcaster) *Server {
	return &Server{addr: addr, b: b, log: logger.With("progress")}
}

// Start begins listening. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: http.HandlerFunc(s.handle)}

	go func() {
		<-ctx.Done()
		s.srv.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("progress server stopped", "error", err)
		}
	}()
	s.log.Info("progress channel listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, useful when configured with port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol "+Subprotocol+" required")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	updates, cancel := s.b.Subscribe()
	defer cancel()

	// Reads are discarded; a read error is how observer departure is
	// noticed.
	readFailed := make(chan struct{})
	go func() {
		defer close(readFailed)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readFailed:
			return
		case u := <-updates:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, u)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}
