package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/config"
	"github.com/agentsentinel/controlplane/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "controlplane",
		Short: "Liveness Control Plane — monitors deployed agents and raises missing-report incidents",
		Long: `The Liveness Control Plane watches agents deployed by an on-chain
factory contract, evaluates each one's heartbeat cadence against its
nominal interval and hard deadline, cross-checks degraded agents against
an external workload marketplace, and exposes the result over a REST and
WebSocket query surface.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("controlplane %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting liveness control plane",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("rpc_endpoint", cfg.RPCEndpoint),
		zap.String("factory_address", cfg.FactoryAddress),
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Int("workers", cfg.WorkerCount),
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup, err := supervisor.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build control plane: %w", err)
	}

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("control plane stopped with error: %w", err)
	}

	logger.Info("liveness control plane stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
