// Package view assembles the per-month analysis view served to clients.
package view

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/merlin/internal/aggregator"
	"github.com/opensource-finance/merlin/internal/attributor"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/registry"
)

// evidenceLimit caps the transaction sample attached to each anomaly.
const evidenceLimit = 10

// viewTTL bounds staleness of a cached month view.
const viewTTL = 5 * time.Minute

// MonthView is the assembled analysis for one company month.
type MonthView struct {
	Company   CompanyInfo      `json:"company"`
	Month     time.Time        `json:"month"`
	Metrics   []MetricOverview `json:"metrics"`
	Anomalies []AnomalyDetail  `json:"anomalies"`
	Summary   Summary          `json:"summary"`
}

// CompanyInfo is the company header on a view.
type CompanyInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	BusinessModel string `json:"businessModel,omitempty"`
}

// MetricOverview is one metric's row in the month table.
type MetricOverview struct {
	MetricName  string   `json:"metricName"`
	PrevValue   *float64 `json:"prevValue"`
	CurrValue   float64  `json:"currValue"`
	PctChange   *float64 `json:"pctChange"`
	IsAnomalous bool     `json:"isAnomalous"`
}

// AnomalyDetail is a flagged metric with its explanation material.
type AnomalyDetail struct {
	Anomaly      *domain.Anomaly       `json:"anomaly"`
	Contributors []*domain.Contributor `json:"contributors"`
	Evidence     []EvidenceRow         `json:"evidence"`
}

// EvidenceRow is one sampled ledger row behind an anomaly.
type EvidenceRow struct {
	TxDate       time.Time `json:"txDate"`
	AccountName  string    `json:"accountName"`
	CustomerName string    `json:"customerName,omitempty"`
	Description  string    `json:"description,omitempty"`
	Amount       float64   `json:"amount"`
}

// Summary aggregates the month's anomaly picture.
type Summary struct {
	MetricCount   int `json:"metricCount"`
	AnomalyCount  int `json:"anomalyCount"`
	PositiveMoves int `json:"positiveMoves"`
	NegativeMoves int `json:"negativeMoves"`
}

// Assembler composes month views from the pipeline's outputs.
type Assembler struct {
	repo       domain.Repository
	registry   *registry.Registry
	cache      domain.Cache
	aggregator *aggregator.Service
	detector   *detector.Service
	attributor *attributor.Service
	logger     *slog.Logger
}

// New creates a view assembler. The cache is optional; when nil every view
// is assembled from the store.
func New(
	repo domain.Repository,
	reg *registry.Registry,
	cache domain.Cache,
	agg *aggregator.Service,
	det *detector.Service,
	attr *attributor.Service,
	logger *slog.Logger,
) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		repo:       repo,
		registry:   reg,
		cache:      cache,
		aggregator: agg,
		detector:   det,
		attributor: attr,
		logger:     logger,
	}
}

// MonthView assembles the analysis view for one company month. With
// ensureComputed the full pipeline runs first and the cached entry is
// invalidated; otherwise a cached view within its TTL is served as-is.
func (a *Assembler) MonthView(ctx context.Context, companyID string, month time.Time, ensureComputed bool) (*MonthView, error) {
	if companyID == "" {
		return nil, fmt.Errorf("companyID is required")
	}
	month = domain.FirstOfMonth(month)
	cacheKey := "view:" + month.Format("2006-01")

	if ensureComputed {
		if err := a.runPipeline(ctx, companyID); err != nil {
			return nil, err
		}
		a.invalidate(ctx, companyID, cacheKey)
	} else if cached := a.fromCache(ctx, companyID, cacheKey); cached != nil {
		return cached, nil
	}

	view, err := a.assemble(ctx, companyID, month)
	if err != nil {
		return nil, err
	}

	a.store(ctx, companyID, cacheKey, view)
	return view, nil
}

// AvailableMonths lists the months the company has materialized metrics for,
// newest first.
func (a *Assembler) AvailableMonths(ctx context.Context, companyID string) ([]time.Time, error) {
	return a.repo.ListMonths(ctx, companyID)
}

func (a *Assembler) runPipeline(ctx context.Context, companyID string) error {
	if _, err := a.aggregator.ComputeMetrics(ctx, companyID); err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}
	if _, err := a.detector.DetectAnomalies(ctx, companyID, detector.Options{}); err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	if _, err := a.attributor.ComputeForCompany(ctx, companyID); err != nil {
		return fmt.Errorf("attribution failed: %w", err)
	}
	return nil
}

func (a *Assembler) assemble(ctx context.Context, companyID string, month time.Time) (*MonthView, error) {
	company, err := a.repo.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}

	points, err := a.repo.ListMetricPoints(ctx, companyID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to load metric points: %w", err)
	}

	prevPoints, err := a.repo.ListMetricPoints(ctx, companyID, month.AddDate(0, -1, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to load prior month: %w", err)
	}
	prev := make(map[string]float64, len(prevPoints))
	for _, p := range prevPoints {
		prev[p.MetricName] = p.Value
	}

	anomalies, err := a.repo.ListAnomalies(ctx, companyID, domain.AnomalyFilter{Month: month})
	if err != nil {
		return nil, fmt.Errorf("failed to load anomalies: %w", err)
	}
	flagged := make(map[string]bool, len(anomalies))
	for _, an := range anomalies {
		flagged[an.MetricName] = true
	}

	view := &MonthView{
		Company: CompanyInfo{
			ID:            company.ID,
			Name:          company.Name,
			BusinessModel: company.BusinessModel,
		},
		Month: month,
	}

	for _, p := range points {
		row := MetricOverview{
			MetricName:  p.MetricName,
			CurrValue:   p.Value,
			IsAnomalous: flagged[p.MetricName],
		}
		if pv, ok := prev[p.MetricName]; ok {
			v := pv
			row.PrevValue = &v
			if pv != 0 {
				pct := (p.Value - pv) / math.Abs(pv) * 100
				row.PctChange = &pct
			}
		}
		view.Metrics = append(view.Metrics, row)
	}

	txs, err := a.repo.ListTransactionsByMonth(ctx, companyID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	for _, an := range anomalies {
		contributors, err := a.repo.ListContributors(ctx, an.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load contributors: %w", err)
		}

		view.Anomalies = append(view.Anomalies, AnomalyDetail{
			Anomaly:      an,
			Contributors: contributors,
			Evidence:     a.evidence(txs, an.MetricName),
		})

		if an.PctChange != nil && *an.PctChange < 0 {
			view.Summary.NegativeMoves++
		} else {
			view.Summary.PositiveMoves++
		}
	}

	view.Summary.MetricCount = len(view.Metrics)
	view.Summary.AnomalyCount = len(view.Anomalies)
	return view, nil
}

// evidence samples the highest-|amount| transactions behind a metric,
// selected through the same predicate chain attribution uses so derived
// totals get an evidence sample too.
func (a *Assembler) evidence(txs []*domain.Transaction, metricName string) []EvidenceRow {
	pred := attributor.PredicateFor(a.registry, metricName)

	var matched []*domain.Transaction
	for _, tx := range txs {
		if pred(tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return math.Abs(matched[i].Amount) > math.Abs(matched[j].Amount)
	})
	if len(matched) > evidenceLimit {
		matched = matched[:evidenceLimit]
	}

	rows := make([]EvidenceRow, 0, len(matched))
	for _, tx := range matched {
		rows = append(rows, EvidenceRow{
			TxDate:       tx.TxDate,
			AccountName:  tx.AccountName,
			CustomerName: tx.CustomerName,
			Description:  tx.Description,
			Amount:       tx.Amount,
		})
	}
	return rows
}

func (a *Assembler) fromCache(ctx context.Context, companyID, key string) *MonthView {
	if a.cache == nil {
		return nil
	}

	data, err := a.cache.Get(ctx, companyID, key)
	if err != nil || data == nil {
		return nil
	}

	var view MonthView
	if err := json.Unmarshal(data, &view); err != nil {
		a.logger.Warn("failed to decode cached view", "company_id", companyID, "key", key, "error", err)
		return nil
	}
	return &view
}

func (a *Assembler) store(ctx context.Context, companyID, key string, view *MonthView) {
	if a.cache == nil {
		return
	}

	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, companyID, key, data, viewTTL); err != nil {
		a.logger.Warn("failed to cache view", "company_id", companyID, "key", key, "error", err)
	}
}

func (a *Assembler) invalidate(ctx context.Context, companyID, key string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, companyID, key); err != nil {
		a.logger.Warn("failed to invalidate cached view", "company_id", companyID, "key", key, "error", err)
	}
}
