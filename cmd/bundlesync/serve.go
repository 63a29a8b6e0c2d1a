package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/bundlesync/internal/activation"
	"github.com/schaermu/bundlesync/internal/config"
	"github.com/schaermu/bundlesync/internal/lifecycle"
	"github.com/schaermu/bundlesync/internal/webhook"
)

// activationName is the FileDescriptorName of the socket unit
const activationName = "webhook"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Check on every release announced by the build pipeline",
	Long: `Serve performs an initial check, then listens for signed publish
notifications on /hooks/publish and runs a check for each accepted one.
Bursts of notifications are debounced and never run concurrently.

The listener is taken from systemd socket activation when available and
bound to serve.listen_addr otherwise. With serve.watch_config the webhook
secret and product filter are reloaded when the config file changes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return errors.New("serve mode is disabled, set serve.enabled in the config")
	}

	engine, err := lifecycle.New(lifecycle.Options{
		Config: cfg,
		Logger: logger,
		OnStatus: func(s lifecycle.Status) {
			logger.Debug("status changed", "status", s)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create lifecycle engine: %w", err)
	}

	return serve(ctx, cfg, engine, logger)
}

func serve(ctx context.Context, cfg *config.Config, checker webhook.Checker, logger *slog.Logger) error {
	server, err := webhook.NewServer(cfg, checker, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	var watchPath string
	if cfg.Serve.WatchConfig {
		if watchPath, err = resolveConfigPath(); err != nil {
			return err
		}
	}

	ln, activated, err := activation.Listen(cfg.Serve.ListenAddr, activationName)
	if err != nil {
		return err
	}
	logger.Info("listener ready", "addr", ln.Addr().String(), "socket_activated", activated)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, ln)
	})

	if watchPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, watchPath, logger, func(updated *config.Config) {
				if err := server.UpdateConfig(updated); err != nil {
					logger.Warn("failed to apply reloaded webhook settings", "error", err)
					return
				}
				logger.Info("webhook settings reloaded, restart to apply other changes")
			})
		})
	}

	return g.Wait()
}
