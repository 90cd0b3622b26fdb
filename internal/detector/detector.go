// Package detector scans monthly metric series for anomalous movements.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Service runs multi-signal anomaly detection over a company's metric series.
type Service struct {
	repo   domain.Repository
	bus    domain.EventBus
	cfg    domain.DetectorConfig
	logger *slog.Logger
}

// New creates a detector service. The event bus is optional; when nil no
// events are published for flagged anomalies.
func New(repo domain.Repository, bus domain.EventBus, cfg domain.DetectorConfig, logger *slog.Logger) *Service {
	def := domain.DefaultDetectorConfig()
	if cfg.YoYThreshold <= 0 {
		cfg.YoYThreshold = def.YoYThreshold
	}
	if cfg.RollingThreshold <= 0 {
		cfg.RollingThreshold = def.RollingThreshold
	}
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = def.ZScoreThreshold
	}
	if cfg.ZScoreScale <= 0 {
		cfg.ZScoreScale = def.ZScoreScale
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Options overrides detection thresholds for a single run. Zero fields keep
// the service defaults.
type Options struct {
	YoYThreshold     float64
	RollingThreshold float64
}

// DetectAnomalies evaluates every materialized metric series for the company
// and upserts a record for each month where a signal fires. Existing records
// for months that no longer fire are left in place. Returns the number of
// anomalies flagged in this run.
//
// Metrics are scanned independently: an error in one series is logged and the
// remaining series proceed. Only a failure to enumerate the series at all is
// returned as an error.
func (s *Service) DetectAnomalies(ctx context.Context, companyID string, opts Options) (int, error) {
	if companyID == "" {
		return 0, fmt.Errorf("companyID is required")
	}
	if _, err := s.repo.GetCompany(ctx, companyID); err != nil {
		return 0, err
	}

	cfg := s.cfg
	if opts.YoYThreshold > 0 {
		cfg.YoYThreshold = opts.YoYThreshold
	}
	if opts.RollingThreshold > 0 {
		cfg.RollingThreshold = opts.RollingThreshold
	}

	names, err := s.repo.ListMetricNames(ctx, companyID)
	if err != nil {
		return 0, fmt.Errorf("failed to list metrics: %w", err)
	}

	var flagged, failed int
	for _, name := range names {
		n, err := s.detectMetric(ctx, companyID, name, cfg)
		flagged += n
		if err != nil {
			s.logger.Error("detection failed for metric",
				"company_id", companyID, "metric", name, "error", err)
			failed++
		}
	}

	s.logger.Info("anomaly detection complete",
		"company_id", companyID,
		"metrics", len(names),
		"flagged", flagged,
		"failed", failed,
	)

	return flagged, nil
}

func (s *Service) detectMetric(ctx context.Context, companyID, metricName string, cfg domain.DetectorConfig) (int, error) {
	points, err := s.repo.GetMetricSeries(ctx, companyID, metricName)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	ser := buildSeries(points)
	var flagged int

	for _, p := range points {
		sig := computeSignals(ser, p.Month)
		reason, severity := classify(sig, cfg)
		if reason == "" {
			continue
		}

		anomaly := &domain.Anomaly{
			CompanyID:       companyID,
			MetricName:      metricName,
			Month:           p.Month,
			CurrValue:       p.Value,
			PctChange:       sig.MoM,
			SeverityScore:   severity,
			DetectionReason: reason,
			Signals:         sig,
		}
		if prev, ok := ser[domain.MonthIndex(p.Month)-1]; ok {
			anomaly.PrevValue = &prev
		}

		saved, err := s.repo.UpsertAnomaly(ctx, anomaly)
		if err != nil {
			return flagged, err
		}
		flagged++

		s.publishFlagged(ctx, saved)
	}

	return flagged, nil
}

func (s *Service) publishFlagged(ctx context.Context, a *domain.Anomaly) {
	if s.bus == nil {
		return
	}

	event := domain.AnomalyEvent{
		AnomalyID:  a.ID,
		CompanyID:  a.CompanyID,
		MetricName: a.MetricName,
		Month:      a.Month,
		Severity:   a.SeverityScore,
		Reason:     a.DetectionReason,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal anomaly event", "anomaly_id", a.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, a.CompanyID, domain.TopicAnomalyFlagged, payload); err != nil {
		s.logger.Warn("failed to publish anomaly event",
			"company_id", a.CompanyID, "anomaly_id", a.ID, "error", err)
	}
}
