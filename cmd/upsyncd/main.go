package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/upsyncd/internal/config"
	"github.com/schaermu/upsyncd/internal/git"
	"github.com/schaermu/upsyncd/internal/sync"
	"github.com/schaermu/upsyncd/internal/webhook"
	"github.com/spf13/cobra"
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
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "upsyncd",
	Short: "Mirror the latest upstream revision branch into a target repository",
	Long: `upsyncd tracks the numbered revision branches of an upstream Git repository,
picks the highest one and mirrors its content into the main branch of a
target repository as exactly one commit per revision.

It can run as a oneshot sync (via systemd timer) or as a long-running webhook
daemon that responds to GitHub push events.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync to the latest upstream revision",
	Long: `Sync resolves the highest revision branch of the upstream repository,
compares it with the revision recorded in the target's tip commit message
and, when they differ, replaces the target tree with the upstream content
and publishes a single commit. Preserved paths are left untouched.

A run that finds the target already up to date, or finds no visible content
changes, exits successfully without committing.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook daemon that syncs on upstream pushes",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook
events from the upstream repository and triggers a sync whenever a revision
branch is pushed.

An initial sync runs at startup. The server verifies webhook signatures,
debounces bursts of events and never runs more than one sync at a time.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("upsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/upsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Create dependencies
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	// Create sync engine
	engine := sync.NewEngine(cfg, gitClient, logger, dryRun)

	// Run sync
	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
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
		return fmt.Errorf("serve mode is disabled, set serve.enabled in the configuration")
	}

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	server, err := webhook.NewServer(cfg, gitClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	logger.Info("starting webhook daemon")
	if err := server.Start(ctx); err != nil {
		logger.Error("webhook server failed", "error", err)
		return err
	}

	return nil
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

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/upsyncd/config.yaml", home)

		// A missing default config file is not an error: the built-in
		// defaults keep the environment options recognized, and validation
		// reports whatever is still missing.
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			logger.Info("no config file found, using defaults and environment", "path", configPath)
			return config.Default()
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"upstream", cfg.Upstream.URL,
		"branch_prefix", cfg.Upstream.BranchPrefix,
		"target", cfg.Target.URL,
		"target_branch", cfg.Target.Branch,
		"work_dir", cfg.Paths.WorkDir)

	return cfg, nil
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
