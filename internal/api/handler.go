package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/merlin/internal/aggregator"
	"github.com/opensource-finance/merlin/internal/attributor"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/registry"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/view"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	registry   *registry.Registry
	aggregator *aggregator.Service
	detector   *detector.Service
	attributor *attributor.Service
	views      *view.Assembler
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	reg *registry.Registry,
	agg *aggregator.Service,
	det *detector.Service,
	attr *attributor.Service,
	views *view.Assembler,
	version string,
) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		registry:   reg,
		aggregator: agg,
		detector:   det,
		attributor: attr,
		views:      views,
		version:    version,
	}
}

// CreateCompanyRequest is the request body for POST /companies.
type CreateCompanyRequest struct {
	ExternalRef   string `json:"externalRef"`
	Name          string `json:"name"`
	BusinessModel string `json:"businessModel,omitempty"`
}

// IngestRequest is the request body for POST /companies/{companyID}/transactions.
type IngestRequest struct {
	Transactions []domain.TransactionRow `json:"transactions"`
}

// DetectRequest optionally overrides detection thresholds for one run.
type DetectRequest struct {
	YoYThreshold     float64 `json:"yoyThreshold,omitempty"`
	RollingThreshold float64 `json:"rollingThreshold,omitempty"`
}

// StatusRequest is the request body for PATCH /anomalies/{anomalyID}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateCompany handles POST /companies.
func (h *Handler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var req CreateCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "company name is required",
		})
		return
	}

	company, err := h.repo.CreateCompany(r.Context(), &domain.Company{
		ExternalRef:   req.ExternalRef,
		Name:          req.Name,
		BusinessModel: req.BusinessModel,
	})
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, company)
}

// GetCompany handles GET /companies/{companyID}.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	company, err := h.repo.GetCompany(r.Context(), companyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, company)
}

// IngestTransactions handles POST /companies/{companyID}/transactions.
func (h *Handler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one transaction is required",
		})
		return
	}

	if _, err := h.repo.GetCompany(r.Context(), companyID); err != nil {
		writeRepoError(w, err)
		return
	}

	txs := make([]*domain.Transaction, 0, len(req.Transactions))
	for i, row := range req.Transactions {
		txDate, err := time.Parse("2006-01-02", row.TxDate)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("transaction %d: invalid txDate %q, expected YYYY-MM-DD", i, row.TxDate),
			})
			return
		}
		txs = append(txs, row.ToTransaction(companyID, txDate))
	}

	saved, err := h.repo.SaveTransactions(r.Context(), companyID, txs)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"saved": saved,
	})
}

// ComputeMetrics handles POST /companies/{companyID}/metrics/compute.
func (h *Handler) ComputeMetrics(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	results, err := h.aggregator.ComputeMetrics(r.Context(), companyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": results,
	})
}

// ListMetricPoints handles GET /companies/{companyID}/metrics.
// With ?month=YYYY-MM it returns one month's points; without it, points for
// every month the company has data in.
func (h *Handler) ListMetricPoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := chi.URLParam(r, "companyID")

	if raw := r.URL.Query().Get("month"); raw != "" {
		month, err := time.Parse("2006-01", raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid month %q, expected YYYY-MM", raw),
			})
			return
		}

		points, err := h.repo.ListMetricPoints(ctx, companyID, month)
		if err != nil {
			writeRepoError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"month":   month.Format("2006-01"),
			"metrics": points,
			"count":   len(points),
		})
		return
	}

	months, err := h.repo.ListMonths(ctx, companyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	var points []*domain.MetricPoint
	for _, month := range months {
		p, err := h.repo.ListMetricPoints(ctx, companyID, month)
		if err != nil {
			writeRepoError(w, err)
			return
		}
		points = append(points, p...)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": points,
		"count":   len(points),
	})
}

// DetectAnomalies handles POST /companies/{companyID}/anomalies/detect.
func (h *Handler) DetectAnomalies(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var opts detector.Options
	if r.Body != nil && r.ContentLength != 0 {
		var req DetectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid request body: %v", err),
			})
			return
		}
		opts.YoYThreshold = req.YoYThreshold
		opts.RollingThreshold = req.RollingThreshold
	}

	flagged, err := h.detector.DetectAnomalies(r.Context(), companyID, opts)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flagged": flagged,
	})
}

// ListAnomalies handles GET /companies/{companyID}/anomalies.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	q := r.URL.Query()

	var filter domain.AnomalyFilter
	if raw := q.Get("month"); raw != "" {
		month, err := time.Parse("2006-01", raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid month %q, expected YYYY-MM", raw),
			})
			return
		}
		filter.Month = month
	}
	if status := q.Get("status"); status != "" {
		if !domain.ValidStatus(status) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid status %q", status),
			})
			return
		}
		filter.Status = status
	}

	anomalies, err := h.repo.ListAnomalies(r.Context(), companyID, filter)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// GetAnomaly handles GET /anomalies/{anomalyID}.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	anomalyID := chi.URLParam(r, "anomalyID")

	anomaly, err := h.repo.GetAnomaly(r.Context(), anomalyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, anomaly)
}

// UpdateAnomalyStatus handles PATCH /anomalies/{anomalyID}/status.
func (h *Handler) UpdateAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	anomalyID := chi.URLParam(r, "anomalyID")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	if err := h.repo.UpdateAnomalyStatus(r.Context(), anomalyID, req.Status); err != nil {
		writeRepoError(w, err)
		return
	}

	anomaly, err := h.repo.GetAnomaly(r.Context(), anomalyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, anomaly)
}

// ListContributors handles GET /anomalies/{anomalyID}/contributors.
func (h *Handler) ListContributors(w http.ResponseWriter, r *http.Request) {
	anomalyID := chi.URLParam(r, "anomalyID")

	// 404 for unknown anomalies rather than an empty list.
	if _, err := h.repo.GetAnomaly(r.Context(), anomalyID); err != nil {
		writeRepoError(w, err)
		return
	}

	contributors, err := h.repo.ListContributors(r.Context(), anomalyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contributors": contributors,
		"count":        len(contributors),
	})
}

// ComputeContributors handles POST /companies/{companyID}/contributors/compute.
func (h *Handler) ComputeContributors(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	if _, err := h.repo.GetCompany(r.Context(), companyID); err != nil {
		writeRepoError(w, err)
		return
	}

	attributed, err := h.attributor.ComputeForCompany(r.Context(), companyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attributed": attributed,
	})
}

// MonthView handles GET /companies/{companyID}/view/{month}.
// ?compute=true runs the full pipeline before assembling the view.
func (h *Handler) MonthView(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	raw := chi.URLParam(r, "month")
	month, err := time.Parse("2006-01", raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid month %q, expected YYYY-MM", raw),
		})
		return
	}

	ensureComputed := r.URL.Query().Get("compute") == "true"

	result, err := h.views.MonthView(r.Context(), companyID, month, ensureComputed)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListMonths handles GET /companies/{companyID}/months.
func (h *Handler) ListMonths(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	if _, err := h.repo.GetCompany(r.Context(), companyID); err != nil {
		writeRepoError(w, err)
		return
	}

	months, err := h.repo.ListMonths(r.Context(), companyID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	formatted := make([]string, 0, len(months))
	for _, m := range months {
		formatted = append(formatted, m.Format("2006-01"))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"months": formatted,
		"count":  len(formatted),
	})
}

// ListMetricDefinitions handles GET /metrics/definitions.
func (h *Handler) ListMetricDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := h.registry.Definitions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"definitions": defs,
		"count":       len(defs),
	})
}

// writeRepoError maps repository errors to HTTP status codes.
func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
