// Package supervisor runs the session's long-lived processes under a
// sliding-window restart policy and multiplexes their exits onto a single
// channel.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/localdesktop/localdesktop/internal/logger"
)

// ProcState is the per-process state machine.
type ProcState int

const (
	StateSpawning ProcState = iota
	StateRunning
	StateExited
	StateCrashed
	StateRestarting
	StateTerminal
)

func (s ProcState) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	case StateRestarting:
		return "restarting"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// RestartPolicy bounds crash-looping. A zero Threshold means the process
// is never restarted; its first crash is terminal.
type RestartPolicy struct {
	Window    time.Duration
	Threshold int
}

// Exit is delivered for every terminal outcome of a supervised process:
// a clean exit, or crossing the restart threshold. Intermediate crashes
// that lead to a restart are not delivered.
type Exit struct {
	Name  string
	State ProcState
	Err   error
}

// Process is one supervised entry. Command builds a fresh exec.Cmd per
// (re)start so restarts do not reuse exited state.
type Process struct {
	Name    string
	Command func() (*exec.Cmd, error)
	Restart RestartPolicy

	mu      sync.Mutex
	state   ProcState
	cmd     *exec.Cmd
	crashes []time.Time
}

// State returns the current state for status reporting.
func (p *Process) State() ProcState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s ProcState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) setCmd(c *exec.Cmd) {
	p.mu.Lock()
	p.cmd = c
	p.mu.Unlock()
}

// recordCrash prunes the sliding window and reports whether the restart
// threshold is now exceeded.
func (p *Process) recordCrash(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Restart.Threshold <= 0 {
		return true
	}
	cutoff := now.Add(-p.Restart.Window)
	kept := p.crashes[:0]
	for _, t := range p.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.crashes = append(kept, now)
	return len(p.crashes) >= p.Restart.Threshold
}

// Supervisor owns the monitor goroutines. Exit events from every process
// arrive on a single channel.
type Supervisor struct {
	log             *slog.Logger
	shutdownTimeout time.Duration

	mu       sync.Mutex
	procs    []*Process
	stopping bool

	exits chan Exit
	wg    sync.WaitGroup
}

func New(shutdownTimeout time.Duration) *Supervisor {
	return &Supervisor{
		log:             logger.With("supervisor"),
		shutdownTimeout: shutdownTimeout,
		exits:           make(chan Exit, 16),
	}
}

// Exits is consumed by the control plane alongside its other event
// sources; delivery never blocks a monitor for long since the channel is
// buffered and each process reports at most one terminal event.
func (s *Supervisor) Exits() <-chan Exit {
	return s.exits
}

// Processes snapshots the supervised set for status reporting.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Start spawns the process and begins monitoring it. The initial spawn
// failure is returned synchronously; later crashes flow through Exits.
func (s *Supervisor) Start(ctx context.Context, p *Process) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is shutting down")
	}
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	cmd, err := s.spawn(p)
	if err != nil {
		p.setState(StateTerminal)
		return fmt.Errorf("spawn %s: %w", p.Name, err)
	}

	s.wg.Add(1)
	go s.monitor(ctx, p, cmd)
	return nil
}

func (s *Supervisor) spawn(p *Process) (*exec.Cmd, error) {
	p.setState(StateSpawning)
	cmd, err := p.Command()
	if err != nil {
		return nil, err
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.setCmd(cmd)
	p.setState(StateRunning)
	s.log.Info("process started", "name", p.Name, "pid", cmd.Process.Pid)
	return cmd, nil
}

func (s *Supervisor) monitor(ctx context.Context, p *Process, cmd *exec.Cmd) {
	defer s.wg.Done()
	for {
		err := cmd.Wait()

		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping || ctx.Err() != nil {
			p.setState(StateExited)
			return
		}

		if err == nil {
			p.setState(StateExited)
			s.log.Info("process exited", "name", p.Name)
			s.exits <- Exit{Name: p.Name, State: StateExited}
			return
		}

		p.setState(StateCrashed)
		if p.recordCrash(time.Now()) {
			p.setState(StateTerminal)
			s.log.Error("restart threshold exceeded", "name", p.Name, "error", err)
			s.exits <- Exit{
				Name:  p.Name,
				State: StateTerminal,
				Err:   fmt.Errorf("%s: restart threshold exceeded: %w", p.Name, err),
			}
			return
		}

		p.setState(StateRestarting)
		s.log.Warn("process crashed, restarting", "name", p.Name, "error", err)

		select {
		case <-ctx.Done():
			p.setState(StateExited)
			return
		case <-time.After(time.Second):
		}

		next, serr := s.spawn(p)
		if serr != nil {
			p.setState(StateTerminal)
			s.exits <- Exit{
				Name:  p.Name,
				State: StateTerminal,
				Err:   fmt.Errorf("respawn %s: %w", p.Name, serr),
			}
			return
		}
		cmd = next
	}
}

// Stop terminates every supervised process: SIGTERM to each process
// group, then SIGKILL for whatever is still alive after the timeout.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	procs := append([]*Process(nil), s.procs...)
	s.mu.Unlock()

	for _, p := range procs {
		p.mu.Lock()
		cmd := p.cmd
		p.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			continue
		}
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return
	case <-time.After(s.shutdownTimeout):
	}

	for _, p := range procs {
		p.mu.Lock()
		cmd := p.cmd
		p.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			continue
		}
		s.log.Warn("forcing kill", "name", p.Name)
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	<-waited
}
