// Package supervisor owns the Liveness Control Plane's construction order
// and graceful shutdown. It is the one place that wires the Chain Gateway,
// Workload Gateway, Deployment Registry, Report Store, Evaluator, Event Hub,
// Scheduler, and Query Surface together — every other package only knows
// about the interfaces it depends on, never about how the whole graph is
// assembled.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentsentinel/controlplane/internal/api"
	"github.com/agentsentinel/controlplane/internal/chaingateway"
	"github.com/agentsentinel/controlplane/internal/config"
	"github.com/agentsentinel/controlplane/internal/db"
	"github.com/agentsentinel/controlplane/internal/deploymentregistry"
	"github.com/agentsentinel/controlplane/internal/evaluator"
	"github.com/agentsentinel/controlplane/internal/eventhub"
	"github.com/agentsentinel/controlplane/internal/keyedlock"
	"github.com/agentsentinel/controlplane/internal/reportstore"
	"github.com/agentsentinel/controlplane/internal/scheduler"
	"github.com/agentsentinel/controlplane/internal/workloadgateway"
)

// Supervisor holds every long-lived component once built, so Run can
// reach them without a second wiring pass.
type Supervisor struct {
	cfg    *config.Config
	logger *zap.Logger

	chain    chaingateway.Gateway
	workload workloadgateway.Gateway
	registry deploymentregistry.Registry
	reports  reportstore.Store
	hub      *eventhub.Hub
	sched    *scheduler.Scheduler
	httpSrv  *http.Server
}

// Build constructs every component in dependency order and wires them
// together, but starts nothing yet — Run does that: storage first, then
// the components that read from it, then the components that depend on
// those.
func Build(cfg *config.Config, logger *zap.Logger) (*Supervisor, error) {
	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: failed to open database: %w", err)
	}

	chainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	chain, err := chaingateway.New(chainCtx, chaingateway.Config{
		RPCEndpoint:       cfg.RPCEndpoint,
		FactoryAddress:    cfg.FactoryAddress,
		MaxRPCConnections: min(cfg.WorkerCount, cfg.MaxRPCConnections),
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: failed to connect chain gateway: %w", err)
	}

	var workload workloadgateway.Gateway
	if cfg.MarketplaceCheckEnabled && cfg.MarketplaceEndpoint != "" {
		workload = workloadgateway.New(workloadgateway.Config{
			Endpoint: cfg.MarketplaceEndpoint,
			Logger:   logger,
		})
	}

	registry := deploymentregistry.New(gormDB)
	reports := reportstore.New(gormDB, keyedlock.New())

	hub := eventhub.New()

	th := evaluator.Thresholds{
		NominalInterval:   cfg.NominalInterval,
		HardDeadline:      cfg.HardDeadline,
		WarningThreshold:  cfg.WarningThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
	}

	evalDeps := evaluator.Deps{
		Reports:    reports,
		Events:     hub,
		Thresholds: th,
		Debouncer:  evaluator.NewBalanceDebouncer(),
	}
	if workload != nil {
		evalDeps.Marketplace = workload
	}

	sched, err := scheduler.New(chain, registry, evalDeps, scheduler.Config{
		TickInterval:        cfg.TickInterval,
		Workers:             cfg.WorkerCount,
		Logger:              logger,
		ReportRetentionDays: cfg.ReportRetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: failed to build scheduler: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Chain:      chain,
		Registry:   registry,
		Reports:    reports,
		Hub:        hub,
		Scheduler:  sched,
		Thresholds: th,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		chain:    chain,
		workload: workload,
		registry: registry,
		reports:  reports,
		hub:      hub,
		sched:    sched,
		httpSrv:  httpSrv,
	}, nil
}

// Run starts every background loop (the Event Hub's delivery loop, the
// Scheduler's tick-and-worker-pool loop, and the HTTP server) and blocks
// until ctx is cancelled, then shuts everything down in reverse dependency
// order. The first hard error from any loop cancels the rest via errCh.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go s.hub.Run(ctx)

	go func() {
		if err := s.sched.Run(ctx); err != nil {
			s.logger.Error("scheduler stopped with error", zap.Error(err))
			errCh <- fmt.Errorf("scheduler: %w", err)
			cancel()
		}
	}()

	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutting down control plane")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server graceful shutdown error", zap.Error(err))
	}
	s.chain.Close()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}
