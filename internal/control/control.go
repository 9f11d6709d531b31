// Package control is the daemon's top-level state machine. It drives the
// bootstrap pipeline until the guest filesystem is ready, then the session
// (supervised processes plus compositor), and owns the terminal
// session-error state that only an explicit reset leaves.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localdesktop/localdesktop/internal/bootstrap"
	"github.com/localdesktop/localdesktop/internal/config"
	"github.com/localdesktop/localdesktop/internal/logger"
	"github.com/localdesktop/localdesktop/internal/progress"
	"github.com/localdesktop/localdesktop/internal/store"
	"github.com/localdesktop/localdesktop/internal/supervisor"
	"github.com/localdesktop/localdesktop/internal/transport"
)

// State is the top-level daemon state.
type State int

const (
	StateUninstalled State = iota
	StateBootstrapping
	StateReady
	StateSessionActive
	StateSessionError
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateSessionActive:
		return "session_active"
	case StateSessionError:
		return "session_error"
	default:
		return "unknown"
	}
}

// ErrNotResettable is returned when reset is requested outside the
// session-error state.
var ErrNotResettable = errors.New("control: nothing to reset")

// Bootstrapper is the provisioning pipeline surface the plane drives.
type Bootstrapper interface {
	Installed() bool
	Run(ctx context.Context) error
	SetOnState(func(bootstrap.State))
}

// Compositor is the display server surface the plane owns. Run blocks
// serving clients until ctx is cancelled; Fatal delivers unrecoverable
// errors raised while Run keeps serving (for example a backend
// recreation failure).
type Compositor interface {
	Run(ctx context.Context) error
	Fatal() <-chan error
}

// SessionRunner owns the supervised guest processes for one session.
type SessionRunner interface {
	Start(ctx context.Context) error
	Exits() <-chan supervisor.Exit
	Processes() []*supervisor.Process
	Stop()
}

// Plane is the control plane.
type Plane struct {
	cfg   *config.Config
	st    *store.Store
	bcast *progress.Broadcaster
	boot  Bootstrapper
	sess  SessionRunner
	log   *slog.Logger

	// Compositor, when set, is started by the plane once the guest
	// filesystem is ready. Starting it earlier would leave its socket
	// accepting clients that cannot possibly have anything to display,
	// and its fatal channel unread.
	Compositor Compositor

	// CompositorFatal, when set, delivers unrecoverable compositor
	// errors. The plane sets it itself when it owns a Compositor;
	// exposed for callers that run the compositor out of band.
	CompositorFatal <-chan error

	compStarted bool

	mu        sync.Mutex
	state     State
	reason    error
	attemptID string
	bootPhase bootstrap.Phase
	bootPct   int
	bootMsg   string

	resetCh chan struct{}
}

func New(cfg *config.Config, st *store.Store, bcast *progress.Broadcaster, boot Bootstrapper, sess SessionRunner) *Plane {
	p := &Plane{
		cfg:     cfg,
		st:      st,
		bcast:   bcast,
		boot:    boot,
		sess:    sess,
		log:     logger.With("control"),
		resetCh: make(chan struct{}, 1),
	}
	boot.SetOnState(p.observeBootstrap)
	return p
}

// State returns the current top-level state.
func (p *Plane) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status implements transport.Controller.
func (p *Plane) Status() transport.StatusResponse {
	p.mu.Lock()
	resp := transport.StatusResponse{
		State:          p.state.String(),
		BootstrapPhase: p.bootPhase.String(),
		Progress:       p.bootPct,
		Message:        p.bootMsg,
		ProgressAddr:   p.cfg.Progress.Addr,
	}
	if p.reason != nil {
		resp.Message = p.reason.Error()
	}
	p.mu.Unlock()

	for _, proc := range p.sess.Processes() {
		resp.Processes = append(resp.Processes, transport.ProcessStatus{
			Name:  proc.Name,
			State: proc.State().String(),
		})
	}
	return resp
}

// Reset implements transport.Controller. It is only legal while in
// session error; the run loop then retries from the top.
func (p *Plane) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSessionError {
		return ErrNotResettable
	}
	select {
	case p.resetCh <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the state machine until ctx is cancelled.
func (p *Plane) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !p.boot.Installed() {
			p.setState(StateUninstalled)
			if err := p.runBootstrap(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if waitErr := p.enterSessionError(ctx, err); waitErr != nil {
					return waitErr
				}
				continue
			}
		} else {
			// Replay terminal bootstrap state for observers that
			// attach after a completed install.
			p.setBootState(bootstrap.State{Phase: bootstrap.PhaseReady, Percent: 100,
				Message: "Guest filesystem ready"})
		}

		p.setState(StateReady)
		p.startCompositor(ctx)

		if err := p.runSession(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.publishError(err)
			if waitErr := p.enterSessionError(ctx, err); waitErr != nil {
				return waitErr
			}
			continue
		}
		// Clean session end (desktop exited normally): relaunch after a
		// short pause so an instantly-exiting session cannot spin.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Info("session ended cleanly, relaunching")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (p *Plane) runBootstrap(ctx context.Context) error {
	p.setState(StateBootstrapping)

	id := uuid.NewString()
	p.mu.Lock()
	p.attemptID = id
	p.mu.Unlock()
	if p.st != nil {
		if err := p.st.BeginAttempt(id); err != nil {
			p.log.Warn("journal attempt", "error", err)
		}
	}

	err := p.boot.Run(ctx)

	if p.st != nil {
		var msg *string
		if err != nil {
			s := err.Error()
			msg = &s
		}
		if jerr := p.st.FinishAttempt(id, msg); jerr != nil {
			p.log.Warn("finish attempt", "error", jerr)
		}
	}
	return err
}

// runSession launches the supervised processes and blocks until the
// session ends. A nil return is a clean end; an error is fatal for the
// session.
func (p *Plane) runSession(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.sess.Start(sessCtx); err != nil {
		return fmt.Errorf("launch session: %w", err)
	}
	p.setState(StateSessionActive)
	defer p.sess.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-p.compositorFatal():
			if !ok {
				continue
			}
			return fmt.Errorf("compositor: %w", err)
		case e := <-p.sess.Exits():
			p.journalExit(e)
			if e.State == supervisor.StateTerminal {
				return e.Err
			}
			// A clean exit of any supervised process ends the session.
			return nil
		}
	}
}

func (p *Plane) journalExit(e supervisor.Exit) {
	if p.st == nil {
		return
	}
	var detail *string
	if e.Err != nil {
		s := e.Err.Error()
		detail = &s
	}
	if err := p.st.AppendProcessEvent(e.Name, e.State.String(), detail); err != nil {
		p.log.Warn("journal process exit", "error", err)
	}
}

// startCompositor brings up the owned compositor the first time the
// guest filesystem is ready. Run errors and out-of-band fatals merge
// into one channel so the session loop reads both; the compositor then
// lives for the rest of the daemon and is stopped by ctx at shutdown.
func (p *Plane) startCompositor(ctx context.Context) {
	if p.Compositor == nil || p.compStarted {
		return
	}
	p.compStarted = true

	fatal := make(chan error, 1)
	p.CompositorFatal = fatal

	report := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	go func() {
		if err := p.Compositor.Run(ctx); err != nil && ctx.Err() == nil {
			report(err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-p.Compositor.Fatal():
				if !ok {
					return
				}
				report(err)
			}
		}
	}()
	p.log.Info("compositor started", "socket", p.cfg.WaylandSocketPath())
}

func (p *Plane) compositorFatal() <-chan error {
	if p.CompositorFatal != nil {
		return p.CompositorFatal
	}
	return nil
}

// enterSessionError parks in the terminal error state until an explicit
// reset or shutdown.
func (p *Plane) enterSessionError(ctx context.Context, cause error) error {
	p.mu.Lock()
	p.state = StateSessionError
	p.reason = cause
	// Drain a stale reset signal from before the failure.
	select {
	case <-p.resetCh:
	default:
	}
	p.mu.Unlock()

	p.log.Error("session error", "error", cause)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.resetCh:
		p.mu.Lock()
		p.reason = nil
		p.mu.Unlock()
		p.log.Info("reset requested, retrying")
		return nil
	}
}

func (p *Plane) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Plane) setBootState(s bootstrap.State) {
	p.mu.Lock()
	p.bootPhase = s.Phase
	p.bootPct = s.Percent
	p.bootMsg = s.Message
	p.mu.Unlock()
}

// observeBootstrap receives every pipeline state change: journal it and
// publish it on the progress channel.
func (p *Plane) observeBootstrap(s bootstrap.State) {
	p.setBootState(s)

	p.mu.Lock()
	id := p.attemptID
	p.mu.Unlock()
	if p.st != nil && id != "" {
		if err := p.st.UpdateAttempt(id, s.Phase.String(), s.Percent, s.Message); err != nil {
			p.log.Warn("journal progress", "error", err)
		}
	}

	if p.bcast != nil {
		p.bcast.Publish(progress.Update{
			Progress: s.Percent,
			Message:  s.Message,
			IsError:  s.Phase == bootstrap.PhaseError,
		})
	}
}

// publishError surfaces a fatal session failure on the progress channel.
func (p *Plane) publishError(err error) {
	if p.bcast == nil {
		return
	}
	p.mu.Lock()
	pct := p.bootPct
	p.mu.Unlock()
	p.bcast.Publish(progress.Update{Progress: pct, Message: err.Error(), IsError: true})
}
