package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/symphonymesh/symphonyd/internal/config"
	"github.com/symphonymesh/symphonyd/internal/overlay"
	"github.com/symphonymesh/symphonyd/internal/registration"
	"github.com/symphonymesh/symphonyd/internal/statusapi"
)

// drainTimeout is the maximum time for graceful shutdown.
const drainTimeout = 30 * time.Second

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the symphonyd agent",
	Long: "Start the symphonyd agent daemon. Joins every overlay named in the\n" +
		"config, connects its signalling transport, and reconciles topology\n" +
		"against the overlay's target adjacency until stopped.",
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.ParseConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("symphonyd up: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting symphonyd",
		"version", buildVersion,
		"node_id", cfg.NodeID,
		"tunnel_flavor", cfg.TunnelFlavor,
		"overlays", len(cfg.Overlays),
	)

	registrar := registration.NewRegistrar(cfg.Registration, logger)
	identity, err := registrar.Register()
	if err != nil {
		return fmt.Errorf("symphonyd up: %w", err)
	}
	tlsConfig, err := registrar.TLSConfig()
	if err != nil {
		return fmt.Errorf("symphonyd up: %w", err)
	}
	logger.Info("node identity loaded", "node_id", identity.NodeID)

	node, err := overlay.NewNode(cfg, tlsConfig, logger)
	if err != nil {
		return fmt.Errorf("symphonyd up: new node: %w", err)
	}

	statusSrv := statusapi.New(statusapi.DefaultSocketPath, func() any {
		return node.Snapshot()
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := node.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("node stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusSrv.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("status server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "reason", ctx.Err())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout exceeded, forcing exit")
	}

	logger.Info("symphonyd stopped")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
