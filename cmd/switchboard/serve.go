// ABOUTME: The serve subcommand running the switchboard HTTP daemon
// ABOUTME: Wires store, services, recovery, and graceful shutdown

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/accounts"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/coordination"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/orchestrator"
	"github.com/2389/switchboard/internal/ratelimit"
	"github.com/2389/switchboard/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the switchboard daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	registry := coordination.NewRegistry(s, cfg.Sessions.StaleAfter, logger)
	locks := coordination.NewLockManager(s, logger)
	rules := coordination.NewRules(locks, registry, logger)
	limiter := ratelimit.NewLimiter(s, logger)

	orch := orchestrator.New(s, orchestrator.Config{
		AllowedDirs:    cfg.Orchestrator.AllowedDirs,
		MaxConcurrent:  cfg.Orchestrator.MaxConcurrent,
		DefaultTimeout: cfg.Orchestrator.DefaultTimeout,
		MaxTimeout:     cfg.Orchestrator.MaxTimeout,
		KillGrace:      cfg.Orchestrator.KillGrace,
		DataDir:        cfg.Orchestrator.DataDir,
		Command:        cfg.Orchestrator.Command,
	}, orchestrator.NewNotifier(logger), logger)

	// Sessions persisted by a previous process have no live handles left.
	recovered, err := orch.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("recovering agent sessions: %w", err)
	}
	if recovered > 0 {
		logger.Warn("resolved interrupted agent sessions", "count", recovered)
	}

	selector := accounts.NewSelector(s, cfg.Accounts.ResetPeriod, logger)
	if cfg.Accounts.Path != "" {
		if _, err := selector.LoadSnapshot(context.Background(), cfg.Accounts.Path); err != nil {
			logger.Warn("loading accounts snapshot", "path", cfg.Accounts.Path, "error", err)
		}
	}

	var guard *gateway.Guard
	if cfg.RateLimit.Guard.Enabled {
		guard = gateway.NewGuard(cfg.RateLimit.Guard.RPS, cfg.RateLimit.Guard.Burst, logger)
	}

	gw := gateway.New(gateway.Deps{
		Registry:     registry,
		Locks:        locks,
		Rules:        rules,
		Limiter:      limiter,
		Policies:     cfg.ServicePolicies(),
		Orchestrator: orch,
		Selector:     selector,
		AccountsPath: cfg.Accounts.Path,
		Guard:        guard,
	}, logger)

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("switchboard listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}

	orch.Wait()
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
