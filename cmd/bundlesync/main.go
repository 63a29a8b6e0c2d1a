package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schaermu/bundlesync/internal/config"
	"github.com/schaermu/bundlesync/internal/download"
	"github.com/schaermu/bundlesync/internal/lifecycle"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Repair flags
	assumeYes bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bundlesync",
	Short: "Keep a local content bundle cache in step with a published manifest",
	Long: `bundlesync compares the manifest published by a content server with the
manifest of a local sandbox, downloads new and changed bundles with resumable
range transfers, verifies them and commits the new manifest.

It can run as a oneshot check (via systemd timer) or as a long-running daemon
that checks whenever the build pipeline announces a new release.`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Bring the sandbox in line with the server manifest",
	Long: `Check fetches the server manifest, compares it with the sandbox manifest and
downloads every bundle that is new or changed. Files that are no longer listed
on the server are kept.

The command exits non-zero unless the sandbox ends up current.`,
	RunE: runCheck,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Wipe the sandbox and download everything again",
	Long: `Repair deletes the sandbox directory including its manifests and hash state,
then performs a full check. Interactive sessions are asked for confirmation
unless --yes is given.`,
	RunE: runRepair,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bundlesync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/bundlesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	repairCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	logger.Info("starting check", "product", cfg.Product.Name)
	status, err := engine.Check(ctx)
	logSummary(logger, engine, status)
	return finish(logger, status, err)
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !assumeYes {
		if !isTerminal(os.Stdin) {
			return errors.New("refusing to wipe the sandbox non-interactively, pass --yes")
		}
		ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
			fmt.Sprintf("This deletes %s and downloads all bundles again. Continue?", cfg.Paths.SandboxDir))
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("repair aborted")
			return nil
		}
	}

	engine, err := newEngine(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	logger.Info("starting repair", "sandbox", cfg.Paths.SandboxDir)
	status, err := engine.Repair(ctx)
	logSummary(logger, engine, status)
	return finish(logger, status, err)
}

// newEngine wires the lifecycle engine for a CLI run. Progress is drawn on
// out when it is a terminal.
func newEngine(cfg *config.Config, logger *slog.Logger, out io.Writer) (*lifecycle.Engine, error) {
	opts := lifecycle.Options{
		Config: cfg,
		Logger: logger,
		OnStatus: func(s lifecycle.Status) {
			logger.Debug("status changed", "status", s)
		},
	}

	if f, ok := out.(*os.File); ok && isTerminal(f) {
		bar := newProgressBar(out, terminalWidth(f))
		opts.OnProgress = bar.update
		opts.OnComplete = bar.done
	}

	engine, err := lifecycle.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle engine: %w", err)
	}
	return engine, nil
}

func logSummary(logger *slog.Logger, engine *lifecycle.Engine, status lifecycle.Status) {
	sum := engine.LastSummary()
	if !status.Success() || sum.Files == 0 {
		return
	}
	logger.Info("patch applied",
		"files", sum.Files,
		"new", sum.NewFiles,
		"changed", sum.ChangedFiles,
		"size", download.FormatBytes(sum.TotalSize))
}

// finish maps the final lifecycle state to the command result
func finish(logger *slog.Logger, status lifecycle.Status, err error) error {
	if status.Success() {
		logger.Info("check finished", "status", status)
		return nil
	}

	switch {
	case errors.Is(err, lifecycle.ErrAppVersionMismatch):
		logger.Error("application update required before content can be patched", "error", err)
	case errors.Is(err, context.Canceled):
		logger.Warn("check cancelled")
	default:
		logger.Error("check failed", "status", status, "error", err)
	}

	if err == nil {
		err = errors.New("check did not complete")
	}
	return fmt.Errorf("%s: %w", status, err)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr so stdout stays free for progress and command output
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "bundlesync", "config.yaml"), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"product", cfg.Product.Name,
		"manifest_url", cfg.Server.ManifestURL,
		"sandbox_dir", cfg.Paths.SandboxDir,
		"cipher", cfg.Cipher.Scheme)

	return cfg, nil
}

func resolveConfigPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return defaultConfigPath()
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
