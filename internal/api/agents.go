package api

import (
	"context"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/chaingateway"
	"github.com/agentsentinel/controlplane/internal/deploymentregistry"
	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/evaluator"
	"github.com/agentsentinel/controlplane/internal/reportstore"
)

var hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// AgentHandler serves the agent-facing read paths: list, detail, decisions,
// per-agent stats, and per-creator rollups. Every handler tolerates a
// missing agent, a failed RPC, and a partial snapshot set.
type AgentHandler struct {
	chain      chaingateway.Gateway
	registry   deploymentregistry.Registry
	reports    reportstore.Store
	thresholds evaluator.Thresholds
	logger     *zap.Logger
}

// NewAgentHandler constructs an AgentHandler.
func NewAgentHandler(chain chaingateway.Gateway, registry deploymentregistry.Registry, reports reportstore.Store, th evaluator.Thresholds, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{chain: chain, registry: registry, reports: reports, thresholds: th, logger: logger.Named("agent_handler")}
}

// agentSummary is the list-view shape for GET /agents.
type agentSummary struct {
	Address         string          `json:"address"`
	Creator         string          `json:"creator"`
	Alive           bool            `json:"alive"`
	Severity        domain.Severity `json:"severity"`
	LastHeartbeatAt time.Time       `json:"lastHeartbeatAt"`
	HeartbeatCount  uint64          `json:"heartbeatCount"`
	Balance         uint64          `json:"balance"`
	CumulativeCost  uint64          `json:"cumulativeCost"`
}

func (h *AgentHandler) thresholdsFor(ctx context.Context, addr string) evaluator.Thresholds {
	th := h.thresholds
	if handle, err := h.registry.GetByAddress(ctx, addr); err == nil {
		if handle.NominalInterval > 0 {
			th.NominalInterval = handle.NominalInterval
		}
		if handle.HardDeadline > 0 {
			th.HardDeadline = handle.HardDeadline
		}
	}
	return th
}

func toSummary(th evaluator.Thresholds, snap domain.AgentSnapshot, now time.Time) agentSummary {
	decision := evaluator.Evaluate(snap, th, now)
	return agentSummary{
		Address:         snap.Address,
		Creator:         snap.Creator,
		Alive:           snap.Alive,
		Severity:        decision.Severity,
		LastHeartbeatAt: snap.LastHeartbeatAt,
		HeartbeatCount:  snap.HeartbeatCount,
		Balance:         snap.Balance,
		CumulativeCost:  snap.CumulativeCost,
	}
}

// listAgentsResponse is the payload of GET /agents.
type listAgentsResponse struct {
	Items   []agentSummary `json:"items"`
	Partial bool           `json:"partial"`
}

// List handles GET /agents?status=alive|dead|all&creator=<hex>&page=&limit=.
//
// The full address set is enumerated and snapshotted on every call — there
// is no cache layer in front of the Chain Gateway. A snapshot failure for
// one agent is logged and excluded rather than failing the whole page; when
// that happens the response is flagged partial=true.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	status := strings.ToLower(r.URL.Query().Get("status"))
	creator := strings.ToLower(r.URL.Query().Get("creator"))
	page, limit := pagination(r)

	addrs, err := h.chain.Enumerate(r.Context())
	if err != nil {
		h.logger.Error("agents.list: enumerate failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	now := time.Now().UTC()
	summaries := make([]agentSummary, 0, len(addrs))
	partial := false
	for _, addr := range addrs {
		snap, err := h.chain.Snapshot(r.Context(), addr)
		if err != nil {
			h.logger.Warn("agents.list: snapshot failed, excluding from page", zap.String("agent_address", addr), zap.Error(err))
			partial = true
			continue
		}
		if creator != "" && snap.Creator != creator {
			continue
		}
		if status == "alive" && !snap.Alive {
			continue
		}
		if status == "dead" && snap.Alive {
			continue
		}
		summaries = append(summaries, toSummary(h.thresholdsFor(r.Context(), addr), snap, now))
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Address < summaries[j].Address })

	total := int64(len(summaries))
	start, end := pageBounds(len(summaries), page, limit)

	OkPaginated(w, listAgentsResponse{Items: summaries[start:end], Partial: partial}, Pagination{Page: page, Limit: limit, Total: total})
}

// agentDetail is the response shape of GET /agents/<addr>.
type agentDetail struct {
	Snapshot        domain.AgentSnapshot `json:"snapshot"`
	Heartbeat       domain.HeartbeatStatus `json:"heartbeat"`
	DeploymentOwner string                `json:"deploymentOwner,omitempty"`
	SequenceID      string                `json:"sequenceId,omitempty"`
	OpenReports     int                   `json:"openReports"`
}

// GetByID handles GET /agents/<addr>.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}

	snap, err := h.chain.Snapshot(r.Context(), addr)
	if err != nil {
		h.logger.Warn("agents.get: snapshot failed", zap.String("agent_address", addr), zap.Error(err))
		ErrAgentNotFound(w)
		return
	}

	now := time.Now().UTC()
	th := h.thresholdsFor(r.Context(), addr)
	decision := evaluator.Evaluate(snap, th, now)

	detail := agentDetail{
		Snapshot: snap,
		Heartbeat: domain.HeartbeatStatus{
			LastHeartbeatAt:   snap.LastHeartbeatAt,
			NextExpectedAt:    decision.NextExpectedAt,
			DeadlineAt:        decision.DeadlineAt,
			TimeUntilDeadline: decision.Remaining,
			Healthy:           decision.Healthy,
		},
	}

	if handle, herr := h.registry.GetByAddress(r.Context(), addr); herr == nil {
		detail.DeploymentOwner = handle.Owner
		detail.SequenceID = handle.SequenceID
	}

	if reports, rerr := h.reports.ListByAgent(r.Context(), addr); rerr == nil {
		open := 0
		for _, rep := range reports {
			if !rep.Resolved {
				open++
			}
		}
		detail.OpenReports = open
	}

	Ok(w, detail)
}

// Decisions handles GET /agents/<addr>/decisions?limit=.
func (h *AgentHandler) Decisions(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.chain.Decisions(r.Context(), addr, limit)
	if err != nil {
		h.logger.Error("agents.decisions: failed", zap.String("agent_address", addr), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, events)
}

// agentStats is the payload of GET /agents/<addr>/stats.
type agentStats struct {
	Address        string `json:"address"`
	HeartbeatCount uint64 `json:"heartbeatCount"`
	Balance        uint64 `json:"balance"`
	CumulativeCost uint64 `json:"cumulativeCost"`
	TotalReports   int64  `json:"totalReports"`
	OpenReports    int64  `json:"openReports"`
}

// Stats handles GET /agents/<addr>/stats.
func (h *AgentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.pathAddress(w, r)
	if !ok {
		return
	}

	snap, err := h.chain.Snapshot(r.Context(), addr)
	if err != nil {
		ErrAgentNotFound(w)
		return
	}

	reports, err := h.reports.ListByAgent(r.Context(), addr)
	if err != nil {
		h.logger.Error("agents.stats: report lookup failed", zap.String("agent_address", addr), zap.Error(err))
		ErrInternal(w)
		return
	}
	open := int64(0)
	for _, rep := range reports {
		if !rep.Resolved {
			open++
		}
	}

	Ok(w, agentStats{
		Address:        addr,
		HeartbeatCount: snap.HeartbeatCount,
		Balance:        snap.Balance,
		CumulativeCost: snap.CumulativeCost,
		TotalReports:   int64(len(reports)),
		OpenReports:    open,
	})
}

// creatorStats is the payload of GET /creators/<addr>/stats.
type creatorStats struct {
	Creator     string `json:"creator"`
	AgentCount  int    `json:"agentCount"`
	AliveCount  int    `json:"aliveCount"`
	DeadCount   int    `json:"deadCount"`
	OpenReports int64  `json:"openReports"`
}

// CreatorStats handles GET /creators/<addr>/stats.
func (h *AgentHandler) CreatorStats(w http.ResponseWriter, r *http.Request) {
	creator := strings.ToLower(chi.URLParam(r, "addr"))
	if !hexAddressPattern.MatchString(creator) {
		ErrInvalidAddress(w)
		return
	}

	addrs, err := h.chain.Enumerate(r.Context())
	if err != nil {
		h.logger.Error("creators.stats: enumerate failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	stats := creatorStats{Creator: creator}
	for _, addr := range addrs {
		snap, err := h.chain.Snapshot(r.Context(), addr)
		if err != nil || snap.Creator != creator {
			continue
		}
		stats.AgentCount++
		if snap.Alive {
			stats.AliveCount++
		} else {
			stats.DeadCount++
		}
		if reports, rerr := h.reports.ListByAgent(r.Context(), addr); rerr == nil {
			for _, rep := range reports {
				if !rep.Resolved {
					stats.OpenReports++
				}
			}
		}
	}

	Ok(w, stats)
}

// deploymentByID is the response shape of GET /deployments/<sequenceId>.
type deploymentByID struct {
	AgentAddress    string `json:"agentAddress"`
	SequenceID      string `json:"sequenceId"`
	Owner           string `json:"owner"`
	Provider        string `json:"provider"`
	NominalInterval string `json:"nominalInterval"`
	HardDeadline    string `json:"hardDeadline"`
}

// GetBySequenceID handles GET /deployments/<sequenceId>, the inverse lookup
// of GET /agents/<addr>: resolving the agent bound to a marketplace
// container identity when only the sequenceId is known.
func (h *AgentHandler) GetBySequenceID(w http.ResponseWriter, r *http.Request) {
	sequenceID := chi.URLParam(r, "sequenceId")
	if sequenceID == "" {
		ErrInvalidAddress(w)
		return
	}

	handle, err := h.registry.GetBySequenceID(r.Context(), sequenceID)
	if err != nil {
		ErrAgentNotFound(w)
		return
	}

	Ok(w, deploymentByID{
		AgentAddress:    handle.AgentAddress,
		SequenceID:      handle.SequenceID,
		Owner:           handle.Owner,
		Provider:        handle.Provider,
		NominalInterval: handle.NominalInterval.String(),
		HardDeadline:    handle.HardDeadline.String(),
	})
}

func (h *AgentHandler) pathAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr := strings.ToLower(chi.URLParam(r, "addr"))
	if !hexAddressPattern.MatchString(addr) {
		ErrInvalidAddress(w)
		return "", false
	}
	return addr, true
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// pagination reads page (1-based) and limit query parameters.
// Defaults: page=1, limit=20. Max limit is capped at 100.
func pagination(r *http.Request) (page, limit int) {
	page, limit = 1, 20

	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

// pageBounds clamps a (page, limit) pair against a total count, returning
// the [start, end) slice bounds — both always valid for indexing, even when
// the page is past the end of the data.
func pageBounds(total, page, limit int) (start, end int) {
	start = (page - 1) * limit
	if start > total {
		start = total
	}
	end = start + limit
	if end > total {
		end = total
	}
	return start, end
}
