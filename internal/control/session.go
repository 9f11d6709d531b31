package control

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/localdesktop/localdesktop/internal/config"
	"github.com/localdesktop/localdesktop/internal/logger"
	"github.com/localdesktop/localdesktop/internal/proot"
	"github.com/localdesktop/localdesktop/internal/supervisor"
)

const (
	compatReadyTimeout = 30 * time.Second
	sandboxProbe       = "cat /proc/cpuinfo > /dev/null 2>&1"
)

// Session launches the guest processes for one desktop session: sandbox
// probe, compatibility server, then the desktop environment, in that
// order. Each (re)start builds a fresh wrapped command.
type Session struct {
	cfg *config.Config
	log *slog.Logger

	// mu guards sup: Start runs on the control loop while the process
	// table is read from the control API handler.
	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewSession(cfg *config.Config) *Session {
	return &Session{cfg: cfg, log: logger.With("session")}
}

func (s *Session) guestRunner(user string, extraEnv []string) *proot.Runner {
	binds := append([]string(nil), s.cfg.FS.Binds...)
	// The display socket lives on the host side; expose it in the guest's
	// /tmp where clients look for it.
	binds = append(binds,
		s.cfg.WaylandSocketPath()+":/tmp/"+s.cfg.Session.WaylandSocket)
	return proot.NewRunnerWithOptions(proot.Options{
		Root:  s.cfg.FS.Root,
		User:  user,
		Binds: binds,
		Env:   extraEnv,
	})
}

func (s *Session) guestEnv() []string {
	return []string{
		"XDG_RUNTIME_DIR=/tmp",
		"WAYLAND_DISPLAY=" + s.cfg.Session.WaylandSocket,
		"DISPLAY=" + s.cfg.Session.XDisplay,
	}
}

// Start brings the session up. A sandbox wrapper failure here is fatal to
// the session; nothing is restarted until the cause is cleared.
func (s *Session) Start(ctx context.Context) error {
	window := time.Duration(s.cfg.Session.RestartWindowSec) * time.Second
	shutdown := time.Duration(s.cfg.Session.ShutdownTimeoutSec) * time.Second
	sup := supervisor.New(shutdown)
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()

	// The wrapper must work at all before anything is supervised.
	probe := s.guestRunner("root", nil)
	if err := probe.Run(ctx, sandboxProbe, nil); err != nil {
		return fmt.Errorf("sandbox wrapper probe: %w", err)
	}

	// Leftovers from a crashed compatibility server block the new one.
	display := strings.TrimPrefix(s.cfg.Session.XDisplay, ":")
	cleanup := fmt.Sprintf("rm -f /tmp/.X%s-lock /tmp/.X11-unix/X%s", display, display)
	if err := probe.Run(ctx, cleanup, nil); err != nil {
		s.log.Warn("stale display cleanup failed", "error", err)
	}

	env := s.guestEnv()
	compat := &supervisor.Process{
		Name: "compat-server",
		Command: func() (*exec.Cmd, error) {
			return s.guestRunner("root", env).Command(
				"Xwayland " + s.cfg.Session.XDisplay + " -noreset 2>&1")
		},
		Restart: supervisor.RestartPolicy{
			Window:    window,
			Threshold: s.cfg.Session.RestartThreshold,
		},
	}
	if err := sup.Start(ctx, compat); err != nil {
		return err
	}

	if err := supervisor.WaitForSocket(ctx, s.cfg.X11SocketPath(), compatReadyTimeout); err != nil {
		sup.Stop()
		return fmt.Errorf("compatibility server: %w", err)
	}

	user := s.cfg.User.Username
	desktop := &supervisor.Process{
		Name: "desktop",
		Command: func() (*exec.Cmd, error) {
			return s.guestRunner(user, env).Command(s.cfg.Command.Launch)
		},
		Restart: supervisor.RestartPolicy{
			Window:    window,
			Threshold: s.cfg.Session.RestartThreshold,
		},
	}
	if err := sup.Start(ctx, desktop); err != nil {
		sup.Stop()
		return err
	}

	s.log.Info("session launched", "display", s.cfg.Session.XDisplay, "user", user)
	return nil
}

func (s *Session) Exits() <-chan supervisor.Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return nil
	}
	return s.sup.Exits()
}

func (s *Session) Processes() []*supervisor.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return nil
	}
	return s.sup.Processes()
}

func (s *Session) Stop() {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		sup.Stop()
	}
}
