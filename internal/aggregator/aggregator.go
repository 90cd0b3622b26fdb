// Package aggregator folds ledger transactions into monthly metric points.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/registry"
)

// Service computes monthly metric points from a company's ledger.
type Service struct {
	repo     domain.Repository
	registry *registry.Registry
	bus      domain.EventBus
	logger   *slog.Logger
}

// New creates an aggregator service. The event bus is optional; when nil no
// completion event is published.
func New(repo domain.Repository, reg *registry.Registry, bus domain.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		registry: reg,
		bus:      bus,
		logger:   logger,
	}
}

// ComputeMetrics aggregates the company's full ledger into monthly metric
// points, one row per (metric, month) for every month the company has any
// transactions. Derived totals are computed after all base metrics. The run
// is idempotent: re-running on unchanged data overwrites the same rows.
//
// Metrics fail independently: a failure in one metric is logged and the rest
// proceed. The returned map holds rows upserted per metric, including any
// metric that failed with a count of whatever was written before the failure.
func (s *Service) ComputeMetrics(ctx context.Context, companyID string) (map[string]int, error) {
	if companyID == "" {
		return nil, fmt.Errorf("companyID is required")
	}
	if _, err := s.repo.GetCompany(ctx, companyID); err != nil {
		return nil, err
	}

	txs, err := s.repo.ListTransactions(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	months := activeMonths(txs)
	results := make(map[string]int)
	var failed int

	if len(months) == 0 {
		s.logger.Info("no transactions to aggregate", "company_id", companyID)
		return results, nil
	}

	// Base metrics first; derived totals read the sums computed here.
	sums := make(map[string]map[time.Time]float64)

	for _, def := range s.registry.Definitions() {
		pred, ok := s.registry.Resolve(def.Name)
		if !ok {
			// Cannot happen for a definition the registry returned, but a
			// missing selector must not sink the whole run.
			s.logger.Error("metric selector missing", "company_id", companyID, "metric", def.Name)
			failed++
			continue
		}

		byMonth := sumByMonth(txs, pred)
		sums[def.Name] = byMonth

		n, err := s.upsertMonthly(ctx, companyID, def.Name, months, byMonth)
		results[def.Name] = n
		if err != nil {
			s.logger.Error("metric aggregation failed",
				"company_id", companyID, "metric", def.Name, "error", err)
			failed++
		}
	}

	// Derived totals over the freshly computed base sums.
	revenue := make(map[time.Time]float64)
	expenses := make(map[time.Time]float64)
	for _, def := range s.registry.Definitions() {
		byMonth, ok := sums[def.Name]
		if !ok {
			continue
		}
		for m, v := range byMonth {
			if def.IsRevenue {
				// Contra-revenue stays out of the total.
				if def.Name != domain.MetricReturns {
					revenue[m] += v
				}
			} else {
				expenses[m] += v
			}
		}
	}

	for name, byMonth := range map[string]map[time.Time]float64{
		domain.MetricTotalRevenue:  revenue,
		domain.MetricTotalExpenses: expenses,
	} {
		n, err := s.upsertMonthly(ctx, companyID, name, months, byMonth)
		results[name] = n
		if err != nil {
			s.logger.Error("derived metric failed",
				"company_id", companyID, "metric", name, "error", err)
			failed++
		}
	}

	s.logger.Info("metrics computed",
		"company_id", companyID,
		"months", len(months),
		"metrics", len(results),
		"failed", failed,
	)

	s.publishComputed(ctx, companyID, months, results)

	return results, nil
}

func (s *Service) upsertMonthly(ctx context.Context, companyID, metricName string, months []time.Time, byMonth map[time.Time]float64) (int, error) {
	points := make([]*domain.MetricPoint, 0, len(months))
	for _, m := range months {
		points = append(points, &domain.MetricPoint{
			CompanyID:  companyID,
			MetricName: metricName,
			Month:      m,
			Value:      byMonth[m],
		})
	}
	return s.repo.UpsertMetricPoints(ctx, companyID, points)
}

func (s *Service) publishComputed(ctx context.Context, companyID string, months []time.Time, results map[string]int) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"company_id": companyID,
		"months":     len(months),
		"metrics":    len(results),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, companyID, domain.TopicMetricsComputed, payload); err != nil {
		s.logger.Warn("failed to publish metrics event", "company_id", companyID, "error", err)
	}
}

// activeMonths returns the sorted distinct months covered by the ledger.
func activeMonths(txs []*domain.Transaction) []time.Time {
	seen := make(map[time.Time]struct{})
	for _, tx := range txs {
		m := tx.Month
		if m.IsZero() {
			m = domain.FirstOfMonth(tx.TxDate)
		}
		seen[m] = struct{}{}
	}

	months := make([]time.Time, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months
}

func sumByMonth(txs []*domain.Transaction, pred registry.Predicate) map[time.Time]float64 {
	byMonth := make(map[time.Time]float64)
	for _, tx := range txs {
		if !pred(tx) {
			continue
		}
		m := tx.Month
		if m.IsZero() {
			m = domain.FirstOfMonth(tx.TxDate)
		}
		byMonth[m] += tx.Amount
	}
	return byMonth
}
