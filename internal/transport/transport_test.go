package transport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/localdesktop/localdesktop/internal/store"
)

type fakeControl struct {
	mu       sync.Mutex
	status   StatusResponse
	resetErr error
	resets   int
}

func (f *fakeControl) Status() StatusResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeControl) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func startServer(t *testing.T, ctrl Controller) (*Client, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	socket := filepath.Join(dir, "control.sock")
	srv := NewServer(ctrl, st, socket)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ListenAndServe(ctx)

	client := NewClient(socket)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := client.Status(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return client, st
}

func TestStatusRoundTrip(t *testing.T) {
	ctrl := &fakeControl{status: StatusResponse{
		State:          "session_active",
		BootstrapPhase: "ready",
		Progress:       100,
		Processes: []ProcessStatus{
			{Name: "compat-server", State: "running"},
			{Name: "desktop", State: "running"},
		},
	}}
	client, _ := startServer(t, ctrl)

	st, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != "session_active" || st.Progress != 100 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Processes) != 2 || st.Processes[0].Name != "compat-server" {
		t.Fatalf("processes = %+v", st.Processes)
	}
}

func TestEventsServeJournal(t *testing.T) {
	ctrl := &fakeControl{}
	client, st := startServer(t, ctrl)

	if err := st.BeginAttempt("a1"); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateAttempt("a1", "downloading", 30, "Downloading..."); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendProcessEvent("desktop", "started", nil); err != nil {
		t.Fatal(err)
	}

	ev, err := client.Events(10)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(ev.Attempts) != 1 || ev.Attempts[0].Phase != "downloading" {
		t.Fatalf("attempts = %+v", ev.Attempts)
	}
	if len(ev.ProcessEvents) != 1 || ev.ProcessEvents[0].Name != "desktop" {
		t.Fatalf("process events = %+v", ev.ProcessEvents)
	}
}

func TestResetForwardsToController(t *testing.T) {
	ctrl := &fakeControl{}
	client, _ := startServer(t, ctrl)

	if err := client.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	ctrl.mu.Lock()
	resets := ctrl.resets
	ctrl.mu.Unlock()
	if resets != 1 {
		t.Fatalf("resets = %d, want 1", resets)
	}
}

func TestResetConflictSurfacesError(t *testing.T) {
	ctrl := &fakeControl{resetErr: errors.New("no session error to reset")}
	client, _ := startServer(t, ctrl)

	err := client.Reset()
	if err == nil {
		t.Fatal("Reset succeeded despite controller rejection")
	}
	if got := err.Error(); got != "daemon: no session error to reset" {
		t.Fatalf("error = %q", got)
	}
}
