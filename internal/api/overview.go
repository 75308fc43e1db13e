package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/chaingateway"
	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/eventhub"
	"github.com/agentsentinel/controlplane/internal/reportstore"
	"github.com/agentsentinel/controlplane/internal/scheduler"
)

// OverviewHandler serves the platform-wide rollup
type OverviewHandler struct {
	chain     chaingateway.Gateway
	reports   reportstore.Store
	hub       *eventhub.Hub
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewOverviewHandler constructs an OverviewHandler.
func NewOverviewHandler(chain chaingateway.Gateway, reports reportstore.Store, hub *eventhub.Hub, sched *scheduler.Scheduler, logger *zap.Logger) *OverviewHandler {
	return &OverviewHandler{chain: chain, reports: reports, hub: hub, scheduler: sched, logger: logger.Named("overview_handler")}
}

// overviewResponse is the payload of GET /overview.
type overviewResponse struct {
	TotalAgents       int                       `json:"totalAgents"`
	AliveAgents       int                       `json:"aliveAgents"`
	DeadAgents        int                       `json:"deadAgents"`
	OpenReports       int64                     `json:"openReports"`
	Unacknowledged    int64                     `json:"unacknowledgedReports"`
	BySeverity        map[domain.Severity]int64 `json:"bySeverity"`
	SchedulerOverflow uint64                    `json:"schedulerOverflow"`
	RosterSize        int                       `json:"rosterSize"`
	SubscriberCount   int                       `json:"subscriberCount"`
	Partial           bool                      `json:"partial"`
}

// Get handles GET /overview.
func (h *OverviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	addrs, err := h.chain.Enumerate(r.Context())
	if err != nil {
		h.logger.Error("overview: enumerate failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := overviewResponse{TotalAgents: len(addrs)}
	for _, addr := range addrs {
		snap, serr := h.chain.Snapshot(r.Context(), addr)
		if serr != nil {
			resp.Partial = true
			continue
		}
		if snap.Alive {
			resp.AliveAgents++
		} else {
			resp.DeadAgents++
		}
	}

	stats, err := h.reports.Stats(r.Context())
	if err != nil {
		h.logger.Error("overview: report stats failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	resp.OpenReports = stats.OpenCount
	resp.Unacknowledged = stats.UnacknowledgedCount
	resp.BySeverity = stats.BySeverity

	if h.scheduler != nil {
		resp.SchedulerOverflow = h.scheduler.OverflowTotal()
		resp.RosterSize = h.scheduler.RosterSize()
	}
	if h.hub != nil {
		resp.SubscriberCount = h.hub.SubscriberCount()
	}

	Ok(w, resp)
}
