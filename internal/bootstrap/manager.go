// Package bootstrap provisions the guest root filesystem: a staged
// download / verify / extract pipeline that is resumable after
// interruption and idempotent once complete.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/localdesktop/localdesktop/internal/config"
	"github.com/localdesktop/localdesktop/internal/logger"
)

// Phase is the externally visible bootstrap phase.
type Phase int

const (
	PhaseUninstalled Phase = iota
	PhaseDownloading
	PhaseVerifying
	PhaseExtracting
	PhaseReady
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseUninstalled:
		return "uninstalled"
	case PhaseDownloading:
		return "downloading"
	case PhaseVerifying:
		return "verifying"
	case PhaseExtracting:
		return "extracting"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is one progress observation. Percent is monotonic within a run.
type State struct {
	Phase   Phase
	Percent int
	Message string
	Err     error
}

// Stage percent bands. Later stages always report above earlier ones so
// observers never see progress move backwards within a run.
const (
	stageDownloadLo = 0
	stageDownloadHi = 45
	stageVerify     = 48
	stageExtractLo  = 50
	stageExtractHi  = 70
	stageSysdata    = 75
	stageInstallLo  = 80
	stageInstallHi  = 97
	stageScaling    = 98
	stageXkb        = 99
)

const readyMarker = ".ld-ready"

// ErrLocked means another daemon holds the install root.
var ErrLocked = errors.New("bootstrap: install root is locked by another process")

// GuestRunner executes a command inside the guest sandbox. Run returns a
// non-nil error on non-zero exit; onLine, when set, receives output lines.
type GuestRunner interface {
	Run(ctx context.Context, command string, onLine func(string)) error
}

// Manager drives the pipeline. OnState, when set, observes every progress
// transition; it is invoked from the Run goroutine.
type Manager struct {
	cfg     *config.Config
	runner  GuestRunner
	client  *http.Client
	log     *slog.Logger
	OnState func(State)

	lastPercent int
	redownload  bool
}

func New(cfg *config.Config, runner GuestRunner) *Manager {
	return &Manager{
		cfg:    cfg,
		runner: runner,
		client: &http.Client{Timeout: 0},
		log:    logger.With("bootstrap"),
	}
}

// SetOnState wires the progress observer after construction.
func (m *Manager) SetOnState(fn func(State)) {
	m.OnState = fn
}

// Installed reports whether a previous run completed.
func (m *Manager) Installed() bool {
	_, err := os.Stat(filepath.Join(m.cfg.FS.Root, readyMarker))
	return err == nil
}

// Marker returns the completion marker path.
func (m *Manager) Marker() string {
	return filepath.Join(m.cfg.FS.Root, readyMarker)
}

// Run executes the pipeline to completion. Already-satisfied stages are
// skipped, so an interrupted run converges on re-invocation. The returned
// error is fatal for this run; cancellation surfaces as ctx.Err().
func (m *Manager) Run(ctx context.Context) (err error) {
	m.lastPercent = 0
	m.redownload = false

	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()

	defer func() {
		if err != nil && ctx.Err() == nil {
			m.emitError(err)
		}
	}()

	if m.Installed() {
		m.emit(PhaseReady, 100, "Guest filesystem ready")
		return nil
	}

	if err := m.ensureArchive(ctx); err != nil {
		return err
	}

	if m.needExtract() {
		m.emit(PhaseExtracting, stageExtractLo, "Extracting guest filesystem...")
		if err := m.extract(); err != nil {
			return fmt.Errorf("extract: %w", err)
		}
	}

	if err := m.simulateSysdata(); err != nil {
		return fmt.Errorf("sysdata: %w", err)
	}

	if err := m.installPackages(ctx); err != nil {
		return err
	}

	if err := m.configureFirefox(); err != nil {
		m.log.Warn("firefox config skipped", "error", err)
	}

	m.emit(PhaseExtracting, stageScaling, "Applying display scaling...")
	if err := m.applyScaling(); err != nil {
		return fmt.Errorf("display scaling: %w", err)
	}

	m.emit(PhaseExtracting, stageXkb, "Fixing keyboard data symlink...")
	if err := m.fixXkbSymlink(); err != nil {
		return fmt.Errorf("xkb symlink: %w", err)
	}

	if err := os.WriteFile(m.Marker(), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	m.emit(PhaseReady, 100, "Guest filesystem ready")
	return nil
}

// ensureArchive makes a verified archive available, or returns having
// already extracted (archive removed after a completed extract). On a
// digest mismatch the archive is discarded and fetched once more.
func (m *Manager) ensureArchive(ctx context.Context) error {
	if !m.needExtract() {
		return nil
	}
	archive := m.cfg.ArchivePath()
	for {
		if _, err := os.Stat(archive); err != nil {
			m.emit(PhaseDownloading, stageDownloadLo, "Downloading guest filesystem...")
			if err := m.download(ctx); err != nil {
				return err
			}
		}

		m.emit(PhaseVerifying, stageVerify, "Verifying guest filesystem...")
		err := verifyFile(archive, m.cfg.FS.ArchiveChecksum)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrIntegrityMismatch) {
			return err
		}
		if m.redownload {
			return err
		}
		m.redownload = true
		m.log.Warn("archive digest mismatch, redownloading once", "error", err)
		os.Remove(archive)
	}
}

// needExtract reports whether the install root is missing or empty.
func (m *Manager) needExtract() bool {
	entries, err := os.ReadDir(m.cfg.FS.Root)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

// installPackages loops the configured install command until check
// succeeds, forwarding output lines as progress. Skipped when no check is
// configured or no runner is attached.
func (m *Manager) installPackages(ctx context.Context) error {
	check := m.cfg.Command.Check
	if check == "" || m.runner == nil {
		return nil
	}
	if m.runner.Run(ctx, check, nil) == nil {
		return nil
	}

	attempts := m.cfg.Session.DownloadAttempts
	if attempts < 1 {
		attempts = 1
	}
	pct := stageInstallLo
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.emit(PhaseExtracting, pct, "Installing desktop packages...")

		// A crashed pacman leaves its lock behind.
		m.runner.Run(ctx, "rm -f /var/lib/pacman/db.lck", nil)

		err := m.runner.Run(ctx, m.cfg.Command.Install, func(line string) {
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				return
			}
			if pct < stageInstallHi {
				pct++
			}
			m.emit(PhaseExtracting, pct, line)
		})
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		if m.runner.Run(ctx, check, nil) == nil {
			return nil
		}
		if attempt >= attempts {
			return fmt.Errorf("package install did not converge after %d attempts", attempts)
		}
	}
}

// lock takes an exclusive flock on the data dir so two daemons cannot
// bootstrap the same root concurrently.
func (m *Manager) lock() (func(), error) {
	dir := filepath.Dir(m.cfg.FS.Root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, ".ld-bootstrap.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, ErrLocked
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// emit reports progress, clamped so percent never regresses within a run.
func (m *Manager) emit(phase Phase, percent int, msg string) {
	if percent < m.lastPercent {
		percent = m.lastPercent
	}
	m.lastPercent = percent
	if m.OnState != nil {
		m.OnState(State{Phase: phase, Percent: percent, Message: msg})
	}
}

func (m *Manager) emitError(err error) {
	m.log.Error("bootstrap failed", "error", err)
	if m.OnState != nil {
		m.OnState(State{Phase: PhaseError, Percent: m.lastPercent, Message: err.Error(), Err: err})
	}
}
