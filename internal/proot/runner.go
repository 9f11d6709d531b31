package proot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/localdesktop/localdesktop/internal/config"
	"github.com/localdesktop/localdesktop/internal/logger"
)

// Runner executes one-shot guest commands. Output capture goes through a
// pty so guest tools emit progress without buffering.
type Runner struct {
	opts Options
	log  *slog.Logger
}

func NewRunner(cfg *config.Config) *Runner {
	return &Runner{
		opts: Options{
			Root:  cfg.FS.Root,
			User:  "root",
			Binds: cfg.FS.Binds,
		},
		log: logger.With("proot"),
	}
}

// NewRunnerWithOptions is the fully explicit constructor, used by the
// supervisor for long-lived session processes.
func NewRunnerWithOptions(opts Options) *Runner {
	return &Runner{opts: opts, log: logger.With("proot")}
}

// Command builds the wrapped exec.Cmd without starting it.
func (r *Runner) Command(command string) (*exec.Cmd, error) {
	return NewBuilder(r.opts).Command(command)
}

// Run executes command in the guest and waits for it. A non-zero exit is
// an error. When onLine is set the command runs on a pty and each output
// line is forwarded.
func (r *Runner) Run(ctx context.Context, command string, onLine func(string)) error {
	cmd, err := r.Command(command)
	if err != nil {
		return err
	}

	if onLine == nil {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		return r.wait(ctx, cmd, func() error { return cmd.Start() }, nil)
	}

	var f io.ReadCloser
	start := func() error {
		tty, err := pty.Start(cmd)
		if err != nil {
			return err
		}
		f = tty
		return nil
	}
	drain := func() {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}
	return r.wait(ctx, cmd, start, drain)
}

// wait starts the command, drains output, and kills the whole process
// group on cancellation.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, start func() error, drain func()) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := start(); err != nil {
		return fmt.Errorf("start guest command: %w", err)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if drain != nil {
			drain()
		}
	}()

	done := make(chan error, 1)
	go func() {
		<-drained
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return ctx.Err()
	case err := <-done:
		// A pty read error after child exit is normal, the exit status
		// is what matters.
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("guest command: %w", err)
		}
		if err != nil {
			return err
		}
		return nil
	}
}
