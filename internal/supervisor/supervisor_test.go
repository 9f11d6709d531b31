package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func command(args ...string) func() (*exec.Cmd, error) {
	return func() (*exec.Cmd, error) {
		return exec.Command(args[0], args[1:]...), nil
	}
}

func waitExit(t *testing.T, sup *Supervisor, within time.Duration) Exit {
	t.Helper()
	select {
	case e := <-sup.Exits():
		return e
	case <-time.After(within):
		t.Fatal("no exit event")
		return Exit{}
	}
}

func TestCleanExitIsNotACrash(t *testing.T) {
	sup := New(time.Second)
	p := &Process{
		Name:    "oneshot",
		Command: command("true"),
		Restart: RestartPolicy{Window: time.Minute, Threshold: 3},
	}
	if err := sup.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e := waitExit(t, sup, 5*time.Second)
	if e.State != StateExited || e.Err != nil {
		t.Fatalf("exit = %+v, want clean exited", e)
	}
}

func TestCrashWithinWindowHitsThreshold(t *testing.T) {
	sup := New(time.Second)
	p := &Process{
		Name:    "crasher",
		Command: command("false"),
		Restart: RestartPolicy{Window: time.Minute, Threshold: 3},
	}
	if err := sup.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Crashes restart with a one second pause; three crashes inside the
	// sixty second window must go terminal, not loop forever.
	e := waitExit(t, sup, 15*time.Second)
	if e.State != StateTerminal {
		t.Fatalf("exit state = %v, want terminal", e.State)
	}
	if e.Err == nil {
		t.Fatal("terminal exit missing error")
	}
	if p.State() != StateTerminal {
		t.Fatalf("process state = %v, want terminal", p.State())
	}
}

func TestZeroThresholdNeverRestarts(t *testing.T) {
	sup := New(time.Second)
	p := &Process{
		Name:    "sandbox",
		Command: command("false"),
		// Zero policy: first crash is fatal, the way the sandbox
		// wrapper must behave.
	}
	if err := sup.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e := waitExit(t, sup, 5*time.Second)
	if e.State != StateTerminal {
		t.Fatalf("exit state = %v, want terminal on first crash", e.State)
	}
}

func TestSpawnFailureIsSynchronous(t *testing.T) {
	sup := New(time.Second)
	p := &Process{
		Name:    "missing",
		Command: command("/nonexistent/binary"),
	}
	if err := sup.Start(context.Background(), p); err == nil {
		t.Fatal("Start succeeded for missing binary")
	}
	if p.State() != StateTerminal {
		t.Fatalf("process state = %v, want terminal", p.State())
	}
}

func TestStopTerminatesGracefully(t *testing.T) {
	sup := New(2 * time.Second)
	p := &Process{
		Name: "session",
		// Exits promptly on SIGTERM.
		Command: command("sleep", "60"),
		Restart: RestartPolicy{Window: time.Minute, Threshold: 3},
	}
	if err := sup.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	sup.Stop()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Stop took %s", elapsed)
	}
	if p.State() != StateExited {
		t.Fatalf("process state = %v, want exited after Stop", p.State())
	}

	// Shutdown exits must not surface as crashes.
	select {
	case e := <-sup.Exits():
		t.Fatalf("unexpected exit event after Stop: %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopForcesStubbornProcess(t *testing.T) {
	sup := New(500 * time.Millisecond)
	p := &Process{
		Name:    "stubborn",
		Command: command("sh", "-c", "trap '' TERM; while :; do sleep 1; done"),
	}
	if err := sup.Start(context.Background(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	sup.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Stop took %s, forced kill did not engage", elapsed)
	}
}

func TestRecordCrashSlidesWindow(t *testing.T) {
	p := &Process{Restart: RestartPolicy{Window: time.Minute, Threshold: 3}}
	base := time.Now()
	if p.recordCrash(base) {
		t.Fatal("first crash hit threshold")
	}
	if p.recordCrash(base.Add(time.Second)) {
		t.Fatal("second crash hit threshold")
	}
	if !p.recordCrash(base.Add(2 * time.Second)) {
		t.Fatal("third crash inside window should hit threshold")
	}
	// Old crashes age out of the window.
	if p.recordCrash(base.Add(2 * time.Minute)) {
		t.Fatal("crash after window slid should not hit threshold")
	}
}

func TestWaitForSocketSeesLateCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "X1")

	go func() {
		time.Sleep(300 * time.Millisecond)
		os.WriteFile(path, nil, 0o644)
	}()

	if err := WaitForSocket(context.Background(), path, 5*time.Second); err != nil {
		t.Fatalf("WaitForSocket: %v", err)
	}
}

func TestWaitForSocketTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never")
	err := WaitForSocket(context.Background(), path, 300*time.Millisecond)
	if err == nil {
		t.Fatal("no timeout error")
	}
}

func TestWaitForSocketImmediate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "X1")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WaitForSocket(context.Background(), path, time.Second); err != nil {
		t.Fatalf("WaitForSocket: %v", err)
	}
}
