package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clawrelay/clawrelay/bridge/internal/bridge"
	"github.com/clawrelay/clawrelay/bridge/internal/commands"
	"github.com/clawrelay/clawrelay/bridge/internal/config"
	"github.com/clawrelay/clawrelay/bridge/internal/eventbus"
	"github.com/clawrelay/clawrelay/bridge/internal/gateway"
	"github.com/clawrelay/clawrelay/bridge/internal/sessions"
	"github.com/clawrelay/clawrelay/bridge/internal/webhook"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the bridge (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "bridge-config.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	// Set up structured logging.
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	storeCfg := sessions.StoreConfig{
		Path:        cfg.Session.StorePath,
		CacheTTL:    cfg.Session.CacheTTL.Duration,
		LockTimeout: cfg.Session.LockTimeout.Duration,
	}
	store, err := sessions.NewStore(storeCfg, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	bus := eventbus.New()
	defer bus.Close()

	gw := gateway.NewClient(gateway.Options{
		URL:      cfg.Gateway.URL,
		Token:    cfg.Gateway.Token,
		AgentID:  cfg.Gateway.AgentID,
		ClientID: "clawrelay-bridge",
		Version:  version,
	}, bus, logger)

	wh, err := webhook.NewClient(cfg.Webhook.URL, cfg.Webhook.UID, bus, logger)
	if err != nil {
		return fmt.Errorf("webhook client: %w", err)
	}

	cmds := commands.NewHandler(gw, logger)
	b := bridge.New(bridge.Options{
		AgentID: cfg.Gateway.AgentID,
		UID:     cfg.Webhook.UID,
		Scope:   sessions.Scope(cfg.Session.Scope),
	}, bus, gw, wh, store, cmds, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("clawrelay bridge starting",
		"version", version, "config", configPath, "uid", cfg.Webhook.UID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return wh.Run(ctx) })
	g.Go(func() error { return b.Run(ctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("bridge error", "error", err)
		os.Exit(1)
	}

	logger.Info("bridge stopped")
	return nil
}
