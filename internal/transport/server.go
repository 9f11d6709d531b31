// Package transport exposes the control API over a unix socket: daemon
// status, the recent journal, and the explicit reset that clears a
// session error.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/localdesktop/localdesktop/internal/store"
)

// Controller is the control-plane surface the API serves. Reset is only
// legal from the session-error state.
type Controller interface {
	Status() StatusResponse
	Reset() error
}

type StatusResponse struct {
	State          string          `json:"state"`
	BootstrapPhase string          `json:"bootstrap_phase"`
	Progress       int             `json:"progress"`
	Message        string          `json:"message,omitempty"`
	ProgressAddr   string          `json:"progress_addr,omitempty"`
	Processes      []ProcessStatus `json:"processes,omitempty"`
}

type ProcessStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type AttemptRecord struct {
	ID         string  `json:"id"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
	Phase      string  `json:"phase"`
	Percent    int     `json:"percent"`
	Message    *string `json:"message,omitempty"`
	Error      *string `json:"error,omitempty"`
}

type ProcessEventRecord struct {
	Timestamp string  `json:"timestamp"`
	Name      string  `json:"name"`
	Event     string  `json:"event"`
	Detail    *string `json:"detail,omitempty"`
}

type EventsResponse struct {
	Attempts      []AttemptRecord      `json:"attempts"`
	ProcessEvents []ProcessEventRecord `json:"process_events"`
}

type Server struct {
	ctrl       Controller
	store      *store.Store
	socketPath string
}

func NewServer(ctrl Controller, s *store.Store, socketPath string) *Server {
	return &Server{ctrl: ctrl, store: s, socketPath: socketPath}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /reset", s.handleReset)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	attempts, err := s.store.RecentAttempts(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.store.RecentProcessEvents(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := EventsResponse{
		Attempts:      []AttemptRecord{},
		ProcessEvents: []ProcessEventRecord{},
	}
	for _, a := range attempts {
		ar := AttemptRecord{
			ID:        a.ID,
			StartedAt: a.StartedAt.UTC().Format(time.RFC3339),
			Phase:     a.Phase,
			Percent:   a.Percent,
			Message:   a.Message,
			Error:     a.Error,
		}
		if a.FinishedAt != nil {
			f := a.FinishedAt.UTC().Format(time.RFC3339)
			ar.FinishedAt = &f
		}
		resp.Attempts = append(resp.Attempts, ar)
	}
	for _, e := range events {
		resp.ProcessEvents = append(resp.ProcessEvents, ProcessEventRecord{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Name:      e.Name,
			Event:     e.Event,
			Detail:    e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reset(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
