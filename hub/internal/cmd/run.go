package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawrelay/clawrelay/hub/internal/api"
	"github.com/clawrelay/clawrelay/hub/internal/config"
	"github.com/clawrelay/clawrelay/hub/internal/hub"
	"github.com/clawrelay/clawrelay/hub/internal/journal"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [config]",
		Short: "Run the hub",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, resolveConfigPath(args, *configPath))
		},
	}
}

func runRun(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	jnl, err := journal.New(journal.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	connections := hub.New(logger)
	server := api.NewServer(connections, jnl, cfg.Server.AllowedOrigins, logger)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening", "addr", cfg.Server.Addr, "driver", cfg.Storage.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if retention := time.Duration(cfg.Storage.Retention); retention > 0 {
		go runRetentionPurger(ctx, jnl, retention, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	connections.CloseAll()
	return nil
}

// runRetentionPurger deletes journaled frames older than the retention
// window, once an hour.
func runRetentionPurger(ctx context.Context, jnl journal.Journal, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			removed, err := jnl.PurgeBefore(ctx, cutoff)
			if err != nil {
				logger.Error("retention purge failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("purged old frames", "removed", removed, "cutoff", cutoff)
			}
		}
	}
}

// loadConfig reads the config file, or falls back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
