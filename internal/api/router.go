package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/chaingateway"
	"github.com/agentsentinel/controlplane/internal/deploymentregistry"
	"github.com/agentsentinel/controlplane/internal/evaluator"
	"github.com/agentsentinel/controlplane/internal/eventhub"
	"github.com/agentsentinel/controlplane/internal/metrics"
	"github.com/agentsentinel/controlplane/internal/reportstore"
	"github.com/agentsentinel/controlplane/internal/scheduler"
)

// RouterConfig holds every dependency NewRouter needs to build handlers. It
// is populated by the Supervisor once every component is constructed, kept
// as one struct so the constructor signature stays manageable as dependency
// count grows.
type RouterConfig struct {
	Chain      chaingateway.Gateway
	Registry   deploymentregistry.Registry
	Reports    reportstore.Store
	Hub        *eventhub.Hub
	Scheduler  *scheduler.Scheduler
	Thresholds evaluator.Thresholds
	Logger     *zap.Logger
}

// NewRouter builds the fully configured Chi router. Every route lives under
// the root — there is no API version prefix and no authentication layer,
// matching this read-mostly, operator-facing Query Surface.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(RateLimit())

	agentHandler := NewAgentHandler(cfg.Chain, cfg.Registry, cfg.Reports, cfg.Thresholds, cfg.Logger)
	reportHandler := NewReportHandler(cfg.Reports, cfg.Logger)
	overviewHandler := NewOverviewHandler(cfg.Chain, cfg.Reports, cfg.Hub, cfg.Scheduler, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	r.Get("/agents", agentHandler.List)
	r.Get("/agents/{addr}", agentHandler.GetByID)
	r.Get("/agents/{addr}/decisions", agentHandler.Decisions)
	r.Get("/agents/{addr}/stats", agentHandler.Stats)
	r.Get("/creators/{addr}/stats", agentHandler.CreatorStats)
	r.Get("/deployments/{sequenceId}", agentHandler.GetBySequenceID)

	r.Get("/overview", overviewHandler.Get)

	r.Get("/missing-reports", reportHandler.List)
	r.Get("/missing-reports-stats", reportHandler.Stats)
	r.Get("/missing-reports/{id}", reportHandler.GetByID)
	r.Post("/missing-reports/{id}/acknowledge", reportHandler.Acknowledge)
	r.Post("/missing-reports/{id}/resolve", reportHandler.Resolve)

	r.Get("/ws", wsHandler.ServeWS)

	r.Handle("/metrics", metrics.Handler())

	return r
}
