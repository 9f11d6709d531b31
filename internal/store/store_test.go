package store

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAttemptLifecycle(t *testing.T) {
	s := openTestStore(t)

	id := uuid.NewString()
	if err := s.BeginAttempt(id); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if err := s.UpdateAttempt(id, "downloading", 42, "Downloading guest filesystem... 42%"); err != nil {
		t.Fatalf("UpdateAttempt: %v", err)
	}

	a, err := s.LatestAttempt()
	if err != nil {
		t.Fatalf("LatestAttempt: %v", err)
	}
	if a.ID != id || a.Phase != "downloading" || a.Percent != 42 {
		t.Fatalf("latest = %+v", a)
	}
	if a.FinishedAt != nil {
		t.Fatal("attempt finished before FinishAttempt")
	}

	if err := s.FinishAttempt(id, nil); err != nil {
		t.Fatalf("FinishAttempt: %v", err)
	}
	a, err = s.LatestAttempt()
	if err != nil {
		t.Fatalf("LatestAttempt after finish: %v", err)
	}
	if a.FinishedAt == nil || a.Error != nil {
		t.Fatalf("finished attempt = %+v, want finished without error", a)
	}
}

func TestFailedAttemptKeepsError(t *testing.T) {
	s := openTestStore(t)

	id := uuid.NewString()
	if err := s.BeginAttempt(id); err != nil {
		t.Fatal(err)
	}
	msg := "archive integrity mismatch"
	if err := s.FinishAttempt(id, &msg); err != nil {
		t.Fatal(err)
	}

	a, err := s.LatestAttempt()
	if err != nil {
		t.Fatal(err)
	}
	if a.Error == nil || *a.Error != msg {
		t.Fatalf("error = %v, want %q", a.Error, msg)
	}
}

func TestRecentAttemptsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		ids = append(ids, id)
		if err := s.BeginAttempt(id); err != nil {
			t.Fatal(err)
		}
	}

	attempts, err := s.RecentAttempts(2)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len = %d, want 2", len(attempts))
	}
}

func TestProcessEvents(t *testing.T) {
	s := openTestStore(t)

	detail := "exit status 1"
	if err := s.AppendProcessEvent("desktop", "started", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendProcessEvent("desktop", "crashed", &detail); err != nil {
		t.Fatal(err)
	}

	events, err := s.RecentProcessEvents(10)
	if err != nil {
		t.Fatalf("RecentProcessEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	// Newest first.
	if events[0].Event != "crashed" || events[0].Detail == nil || *events[0].Detail != detail {
		t.Fatalf("newest event = %+v", events[0])
	}
	if events[1].Event != "started" || events[1].Detail != nil {
		t.Fatalf("oldest event = %+v", events[1])
	}
}

func TestOpenConfiguresConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	var fk int
	if err := s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatal("foreign keys not enforced")
	}
}

func TestReopenSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d: %v", i+1, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open: %v", err)
	}
	defer s.Close()
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("schema_migrations rows = %d, want 1", n)
	}
}
