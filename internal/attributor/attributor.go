// Package attributor explains anomalies by ranking the counterparties
// behind the metric's movement.
package attributor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/registry"
)

// unknownLabel groups transactions with no counterparty or description.
const unknownLabel = "Unknown"

// Service computes contributor sets for flagged anomalies.
type Service struct {
	repo     domain.Repository
	registry *registry.Registry
	bus      domain.EventBus
	cfg      domain.AttributorConfig
	logger   *slog.Logger
}

// New creates an attributor service. The event bus is optional.
func New(repo domain.Repository, reg *registry.Registry, bus domain.EventBus, cfg domain.AttributorConfig, logger *slog.Logger) *Service {
	if cfg.CoverageThreshold <= 0 || cfg.MaxContributors <= 0 {
		cfg = domain.DefaultAttributorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		registry: reg,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// ComputeForAnomaly replaces the contributor set for one anomaly and returns
// the number of contributors selected. A metric whose name resolves to no
// matching transactions yields an empty set, which is a valid result.
func (s *Service) ComputeForAnomaly(ctx context.Context, anomalyID string) (int, error) {
	anomaly, err := s.repo.GetAnomaly(ctx, anomalyID)
	if err != nil {
		return 0, err
	}
	return s.compute(ctx, anomaly)
}

// ComputeForCompany attributes every anomaly of the company that has no
// contributor set yet, newest months first. Anomalies fail independently;
// the returned count is how many were attributed in this run.
func (s *Service) ComputeForCompany(ctx context.Context, companyID string) (int, error) {
	if companyID == "" {
		return 0, fmt.Errorf("companyID is required")
	}

	// The repository pages pending anomalies; keep fetching until a page
	// brings nothing new. Anomalies that attribute to zero contributors
	// stay pending, so track what was already handled.
	var done, failed int
	processed := make(map[string]bool)
	for {
		pending, err := s.repo.ListAnomaliesWithoutContributors(ctx, companyID, 0)
		if err != nil {
			return done, fmt.Errorf("failed to list pending anomalies: %w", err)
		}

		progress := false
		for _, anomaly := range pending {
			if processed[anomaly.ID] {
				continue
			}
			processed[anomaly.ID] = true
			progress = true

			if _, err := s.compute(ctx, anomaly); err != nil {
				s.logger.Error("attribution failed",
					"company_id", companyID, "anomaly_id", anomaly.ID, "error", err)
				failed++
				continue
			}
			done++
		}
		if !progress {
			break
		}
	}

	s.logger.Info("attribution complete",
		"company_id", companyID,
		"attributed", done,
		"failed", failed,
	)

	return done, nil
}

func (s *Service) compute(ctx context.Context, anomaly *domain.Anomaly) (int, error) {
	pred := PredicateFor(s.registry, anomaly.MetricName)

	txs, err := s.repo.ListTransactionsByMonth(ctx, anomaly.CompanyID, anomaly.Month)
	if err != nil {
		return 0, fmt.Errorf("failed to load transactions: %w", err)
	}

	contributors := selectContributors(groupByLabel(txs, pred), s.cfg)
	if len(contributors) == 0 {
		s.logger.Info("no contributors resolved",
			"company_id", anomaly.CompanyID,
			"anomaly_id", anomaly.ID,
			"metric", anomaly.MetricName,
		)
	}

	n, err := s.repo.ReplaceContributors(ctx, anomaly.ID, contributors)
	if err != nil {
		return 0, fmt.Errorf("failed to store contributors: %w", err)
	}

	s.publishComputed(ctx, anomaly, n)
	return n, nil
}

// PredicateFor finds the transaction selector for a metric name. The
// registry is authoritative; the fallback table covers the derived totals
// that have no selector of their own; any other name degrades to an exact
// account-name match, which simply selects nothing for truly unknown names.
// The view assembler samples evidence rows through the same chain.
func PredicateFor(reg *registry.Registry, metricName string) registry.Predicate {
	if pred, ok := reg.Resolve(metricName); ok {
		return pred
	}
	if pred, ok := fallbackPredicate(reg, metricName); ok {
		return pred
	}
	return func(tx *domain.Transaction) bool {
		return tx.AccountName == metricName
	}
}

func fallbackPredicate(reg *registry.Registry, metricName string) (registry.Predicate, bool) {
	switch metricName {
	case domain.MetricTotalRevenue:
		return anyDefinition(reg, func(def *domain.MetricDefinition) bool {
			return def.IsRevenue && def.Name != domain.MetricReturns
		}), true
	case domain.MetricTotalExpenses:
		return anyDefinition(reg, func(def *domain.MetricDefinition) bool {
			return !def.IsRevenue
		}), true
	}
	return nil, false
}

// anyDefinition builds a predicate matching rows claimed by any registered
// definition that passes the filter.
func anyDefinition(reg *registry.Registry, filter func(*domain.MetricDefinition) bool) registry.Predicate {
	var preds []registry.Predicate
	for _, def := range reg.Definitions() {
		if !filter(def) {
			continue
		}
		if pred, ok := reg.Resolve(def.Name); ok {
			preds = append(preds, pred)
		}
	}
	return func(tx *domain.Transaction) bool {
		for _, pred := range preds {
			if pred(tx) {
				return true
			}
		}
		return false
	}
}

type labelSum struct {
	label  string
	amount float64
	count  int
}

func groupByLabel(txs []*domain.Transaction, pred registry.Predicate) []labelSum {
	byLabel := make(map[string]*labelSum)
	var order []string

	for _, tx := range txs {
		if !pred(tx) {
			continue
		}

		label := tx.CustomerName
		if label == "" {
			label = tx.Description
		}
		if label == "" {
			label = unknownLabel
		}

		ls, ok := byLabel[label]
		if !ok {
			ls = &labelSum{label: label}
			byLabel[label] = ls
			order = append(order, label)
		}
		ls.amount += tx.Amount
		ls.count++
	}

	sums := make([]labelSum, 0, len(order))
	for _, label := range order {
		sums = append(sums, *byLabel[label])
	}
	return sums
}

// selectContributors ranks labels by absolute amount and greedily takes them
// until the cumulative share of total magnitude reaches the coverage
// threshold or the count cap, whichever comes first.
func selectContributors(sums []labelSum, cfg domain.AttributorConfig) []*domain.Contributor {
	var total float64
	for _, ls := range sums {
		total += math.Abs(ls.amount)
	}
	if total == 0 {
		return nil
	}

	sort.Slice(sums, func(i, j int) bool {
		return math.Abs(sums[i].amount) > math.Abs(sums[j].amount)
	})

	var selected []*domain.Contributor
	var covered float64

	for _, ls := range sums {
		if len(selected) >= cfg.MaxContributors {
			break
		}

		share := math.Abs(ls.amount) / total
		selected = append(selected, &domain.Contributor{
			Label:        ls.label,
			Amount:       ls.amount,
			ShareOfTotal: share,
			TxCount:      ls.count,
		})

		covered += share
		if covered >= cfg.CoverageThreshold {
			break
		}
	}

	return selected
}

func (s *Service) publishComputed(ctx context.Context, anomaly *domain.Anomaly, count int) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"anomaly_id":   anomaly.ID,
		"company_id":   anomaly.CompanyID,
		"metric":       anomaly.MetricName,
		"contributors": count,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, anomaly.CompanyID, domain.TopicContributorsComputed, payload); err != nil {
		s.logger.Warn("failed to publish contributors event",
			"company_id", anomaly.CompanyID, "anomaly_id", anomaly.ID, "error", err)
	}
}
