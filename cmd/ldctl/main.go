package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/localdesktop/localdesktop/internal/bootstrap"
	"github.com/localdesktop/localdesktop/internal/config"
	"github.com/localdesktop/localdesktop/internal/logger"
	"github.com/localdesktop/localdesktop/internal/progress"
	"github.com/localdesktop/localdesktop/internal/proot"
	"github.com/localdesktop/localdesktop/internal/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "ldctl",
		Short: "Control the Local Desktop daemon",
	}

	root.AddCommand(
		statusCmd(),
		eventsCmd(),
		resetCmd(),
		bootstrapCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func client() *transport.Client {
	return transport.NewClient(config.ControlSocketPath())
}

func statusCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and session processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Status()
			if err != nil {
				return err
			}
			printStatus(st)
			if !follow {
				return nil
			}
			if st.ProgressAddr == "" {
				return fmt.Errorf("daemon did not report a progress address")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return followProgress(ctx, st.ProgressAddr)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream live bootstrap progress")
	return cmd
}

func printStatus(st *transport.StatusResponse) {
	fmt.Printf("state:    %s\n", st.State)
	if st.BootstrapPhase != "" {
		fmt.Printf("phase:    %s (%d%%)\n", st.BootstrapPhase, st.Progress)
	}
	if st.Message != "" {
		fmt.Printf("message:  %s\n", st.Message)
	}
	if len(st.Processes) > 0 {
		fmt.Println("processes:")
		for _, p := range st.Processes {
			fmt.Printf("  %-14s %s\n", p.Name, p.State)
		}
	}
}

// followProgress streams bootstrap updates over the progress websocket.
// On a terminal the current update is redrawn in place; otherwise each
// update is printed on its own line.
func followProgress(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr, &websocket.DialOptions{
		Subprotocols: []string{progress.Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("connect to progress channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	for {
		var u progress.Update
		if err := wsjson.Read(ctx, conn, &u); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("progress channel closed: %w", err)
		}
		renderUpdate(u, tty)
		if u.IsError {
			return fmt.Errorf("bootstrap failed: %s", u.Message)
		}
		if u.Progress >= 100 {
			return nil
		}
	}
}

func renderUpdate(u progress.Update, tty bool) {
	if tty {
		// Clear the line before redrawing so shorter messages do not
		// leave trailing characters.
		fmt.Printf("\r\033[K[%3d%%] %s", u.Progress, u.Message)
		if u.IsError || u.Progress >= 100 {
			fmt.Println()
		}
		return
	}
	fmt.Printf("[%3d%%] %s\n", u.Progress, u.Message)
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent bootstrap attempts and process events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := client().Events(limit)
			if err != nil {
				return err
			}
			if len(ev.Attempts) > 0 {
				fmt.Println("bootstrap attempts:")
				for _, a := range ev.Attempts {
					line := fmt.Sprintf("  %s  %s %3d%%", a.StartedAt, a.Phase, a.Percent)
					if a.Error != nil {
						line += "  error: " + *a.Error
					}
					fmt.Println(line)
				}
			}
			if len(ev.ProcessEvents) > 0 {
				fmt.Println("process events:")
				for _, e := range ev.ProcessEvents {
					line := fmt.Sprintf("  %s  %-14s %s", e.Timestamp, e.Name, e.Event)
					if e.Detail != nil {
						line += "  " + *e.Detail
					}
					fmt.Println(line)
				}
			}
			if len(ev.Attempts) == 0 && len(ev.ProcessEvents) == 0 {
				fmt.Println("no events recorded")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries per section")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear a session error and relaunch the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Reset(); err != nil {
				return err
			}
			fmt.Println("reset accepted")
			return nil
		},
	}
}

// bootstrapCmd provisions the guest filesystem in-process, for setups
// where the daemon is not running yet. The daemon takes the same lock,
// so running both at once fails fast instead of corrupting the root.
func bootstrapCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Provision the guest filesystem without the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			if err := config.EnsureDataDirs(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tty := term.IsTerminal(int(os.Stdout.Fd()))
			mgr := bootstrap.New(cfg, proot.NewRunner(cfg))
			mgr.SetOnState(func(s bootstrap.State) {
				renderUpdate(progress.Update{
					Progress: s.Percent,
					Message:  s.Message,
					IsError:  s.Phase == bootstrap.PhaseError,
				}, tty)
			})
			return mgr.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file path")
	return cmd
}
