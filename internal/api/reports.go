package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentsentinel/controlplane/internal/domain"
	"github.com/agentsentinel/controlplane/internal/reportstore"
	"github.com/agentsentinel/controlplane/internal/repositories"
)

// ReportHandler serves the missing-report read and mutation paths.
type ReportHandler struct {
	store  reportstore.Store
	logger *zap.Logger
}

// NewReportHandler constructs a ReportHandler.
func NewReportHandler(store reportstore.Store, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{store: store, logger: logger.Named("report_handler")}
}

// listReportsResponse is the payload of GET /missing-reports.
type listReportsResponse struct {
	Items []domain.MissingReport `json:"items"`
}

// List handles GET /missing-reports?severity=&resolved=&acknowledged=&page=&limit=.
func (h *ReportHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit := pagination(r)

	filter := reportstore.ListFilter{
		Severity: domain.Severity(r.URL.Query().Get("severity")),
		Limit:    limit,
		Offset:   (page - 1) * limit,
	}
	if v := r.URL.Query().Get("resolved"); v != "" {
		b := strings.EqualFold(v, "true")
		filter.Resolved = &b
	}
	if v := r.URL.Query().Get("acknowledged"); v != "" {
		b := strings.EqualFold(v, "true")
		filter.Acknowledged = &b
	}

	reports, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("reports.list: failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	OkPaginated(w, listReportsResponse{Items: reports}, Pagination{Page: page, Limit: limit, Total: total})
}

// GetByID handles GET /missing-reports/<id>.
func (h *ReportHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrReportNotFound(w)
			return
		}
		h.logger.Error("reports.get: failed", zap.String("report_id", id), zap.Error(err))
		ErrReportNotFound(w)
		return
	}

	Ok(w, report)
}

// Stats handles GET /missing-reports-stats.
func (h *ReportHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("reports.stats: failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, stats)
}

type acknowledgeRequest struct {
	Actor string `json:"actor"`
}

// Acknowledge handles POST /missing-reports/<id>/acknowledge.
func (h *ReportHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req acknowledgeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Actor == "" {
		ErrInvalidInput(w, "actor is required")
		return
	}

	report, err := h.store.Acknowledge(r.Context(), id, req.Actor)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrReportNotFound(w)
			return
		}
		h.logger.Error("reports.acknowledge: failed", zap.String("report_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, report)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// Resolve handles POST /missing-reports/<id>/resolve.
func (h *ReportHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Resolution == "" {
		ErrInvalidInput(w, "resolution is required")
		return
	}

	report, err := h.store.Resolve(r.Context(), id, req.Resolution)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrReportNotFound(w)
			return
		}
		h.logger.Error("reports.resolve: failed", zap.String("report_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, report)
}
