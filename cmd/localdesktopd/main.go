package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localdesktop/localdesktop/internal/bootstrap"
	"github.com/localdesktop/localdesktop/internal/bridge"
	"github.com/localdesktop/localdesktop/internal/compositor"
	"github.com/localdesktop/localdesktop/internal/config"
	"github.com/localdesktop/localdesktop/internal/control"
	"github.com/localdesktop/localdesktop/internal/logger"
	"github.com/localdesktop/localdesktop/internal/progress"
	"github.com/localdesktop/localdesktop/internal/proot"
	"github.com/localdesktop/localdesktop/internal/store"
	"github.com/localdesktop/localdesktop/internal/transport"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "localdesktopd",
		Short: "Local Desktop daemon: guest bootstrap, compositor, and session supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "config file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if err := config.EnsureDataDirs(); err != nil {
		return fmt.Errorf("create state dirs: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(config.DBPath())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer st.Close()

	bcast := progress.NewBroadcaster()
	progressSrv := progress.NewServer(cfg.Progress.Addr, bcast)
	if err := progressSrv.Start(ctx); err != nil {
		return fmt.Errorf("start progress channel: %w", err)
	}

	boot := bootstrap.New(cfg, proot.NewRunner(cfg))

	queue := bridge.NewQueue()

	plane := control.New(cfg, st, bcast, boot, control.NewSession(cfg))
	// The plane starts the compositor once the guest filesystem is
	// ready, so the socket never accepts clients mid-bootstrap.
	plane.Compositor = compositor.New(cfg.WaylandSocketPath(), queue)

	ctrlSrv := transport.NewServer(plane, st, config.ControlSocketPath())

	errCh := make(chan error, 2)
	go func() { errCh <- ctrlSrv.ListenAndServe(ctx) }()
	go func() { errCh <- plane.Run(ctx) }()

	logger.Info("localdesktopd started",
		"config", configPath,
		"control", config.ControlSocketPath(),
		"progress", progressSrv.Addr())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		return nil
	}
}
