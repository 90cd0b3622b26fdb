package detector

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/repository"
)

func setupService(t *testing.T) (*Service, domain.Repository, string) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "merlin-det-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	company, err := repo.CreateCompany(context.Background(), &domain.Company{
		ExternalRef: "det-test",
		Name:        "Detect Co",
	})
	if err != nil {
		t.Fatalf("failed to create company: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := New(repo, nil, domain.DefaultDetectorConfig(), logger)
	return svc, repo, company.ID
}

func seedSeries(t *testing.T, repo domain.Repository, companyID, metric string, start time.Time, values ...float64) {
	t.Helper()

	points := make([]*domain.MetricPoint, 0, len(values))
	for i, v := range values {
		points = append(points, &domain.MetricPoint{
			CompanyID:  companyID,
			MetricName: metric,
			Month:      start.AddDate(0, i, 0),
			Value:      v,
		})
	}
	if _, err := repo.UpsertMetricPoints(context.Background(), companyID, points); err != nil {
		t.Fatalf("failed to seed series: %v", err)
	}
}

func TestDetectSteadyGrowthDoesNotFire(t *testing.T) {
	svc, repo, companyID := setupService(t)
	ctx := context.Background()

	// Gentle growth with no year of history: MoM under 30% every month,
	// rolling deviation small, z-score window unpopulated.
	seedSeries(t, repo, companyID, "net_sales", jan(2025), 100000, 105000, 110000)

	n, err := svc.DetectAnomalies(ctx, companyID, Options{})
	if err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no anomalies, got %d", n)
	}
}

func TestDetectSuddenJumpFires(t *testing.T) {
	svc, repo, companyID := setupService(t)
	ctx := context.Background()

	seedSeries(t, repo, companyID, "net_sales", jan(2025), 30000, 80000)

	n, err := svc.DetectAnomalies(ctx, companyID, Options{})
	if err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 anomaly, got %d", n)
	}

	anomalies, err := repo.ListAnomalies(ctx, companyID, domain.AnomalyFilter{})
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	a := anomalies[0]

	// Without a year of history only the partial rolling window can fire.
	if a.DetectionReason != domain.ReasonRolling {
		t.Errorf("expected reason rolling, got %s", a.DetectionReason)
	}
	approx(t, "PctChange", a.PctChange, 166.67)
	if a.PrevValue == nil || *a.PrevValue != 30000 {
		t.Errorf("expected prevValue 30000, got %v", a.PrevValue)
	}
	if a.CurrValue != 80000 {
		t.Errorf("expected currValue 80000, got %.2f", a.CurrValue)
	}
	if a.Status != domain.StatusOpen {
		t.Errorf("expected status open, got %s", a.Status)
	}
}

func TestDetectYoYWithRollingQuiet(t *testing.T) {
	svc, repo, companyID := setupService(t)
	ctx := context.Background()

	// Flat year, then a step up late in the year so the trailing 3-month
	// average has absorbed the new level before the anomalous month.
	values := []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 120, 120, 120, 135}
	seedSeries(t, repo, companyID, "payroll", jan(2024), values...)

	if _, err := svc.DetectAnomalies(ctx, companyID, Options{}); err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}

	anomalies, err := repo.ListAnomalies(ctx, companyID, domain.AnomalyFilter{Month: jan(2025)})
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected anomaly for 2025-01, got %d", len(anomalies))
	}
	a := anomalies[0]

	if a.DetectionReason != domain.ReasonYoY {
		t.Errorf("expected reason yoy, got %s", a.DetectionReason)
	}
	approx(t, "YoY signal", a.Signals.YoY, 35)
	// pct_change stays MoM even though YoY triggered the flag.
	approx(t, "PctChange", a.PctChange, 12.5)
	if a.SeverityScore < 35 {
		t.Errorf("expected severity at least the YoY magnitude, got %.2f", a.SeverityScore)
	}
}

func TestDetectThresholdMonotonicity(t *testing.T) {
	svc, repo, companyID := setupService(t)
	ctx := context.Background()

	// A steady linear ramp reaching 27% YoY: below the default 30 threshold,
	// above a lowered one, and too gradual for the rolling or z-score
	// signals to fire anywhere along the way.
	values := []float64{100, 102.25, 104.5, 106.75, 109, 111.25, 113.5, 115.75, 118, 120.25, 122.5, 124.75, 127}
	seedSeries(t, repo, companyID, "net_sales", jan(2024), values...)

	n, err := svc.DetectAnomalies(ctx, companyID, Options{})
	if err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no anomalies at default thresholds, got %d", n)
	}

	n, err = svc.DetectAnomalies(ctx, companyID, Options{YoYThreshold: 20})
	if err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected lowered threshold to flag a superset, got %d", n)
	}
}

func TestDetectRerunPreservesStatus(t *testing.T) {
	svc, repo, companyID := setupService(t)
	ctx := context.Background()

	seedSeries(t, repo, companyID, "net_sales", jan(2025), 30000, 80000)

	if _, err := svc.DetectAnomalies(ctx, companyID, Options{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	anomalies, err := repo.ListAnomalies(ctx, companyID, domain.AnomalyFilter{})
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if err := repo.UpdateAnomalyStatus(ctx, anomalies[0].ID, domain.StatusMuted); err != nil {
		t.Fatalf("UpdateAnomalyStatus failed: %v", err)
	}

	if _, err := svc.DetectAnomalies(ctx, companyID, Options{}); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	after, err := repo.ListAnomalies(ctx, companyID, domain.AnomalyFilter{})
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected rerun to upsert the same record, got %d", len(after))
	}
	if after[0].ID != anomalies[0].ID {
		t.Error("expected stable anomaly ID across reruns")
	}
	if after[0].Status != domain.StatusMuted {
		t.Errorf("expected muted status to survive rerun, got %s", after[0].Status)
	}
}

func TestDetectNeverRetracts(t *testing.T) {
	svc, repo, companyID := setupService(t)
	ctx := context.Background()

	seedSeries(t, repo, companyID, "net_sales", jan(2025), 30000, 80000)
	if _, err := svc.DetectAnomalies(ctx, companyID, Options{}); err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}

	// Upstream recomputation smooths the series; the old flag stays.
	seedSeries(t, repo, companyID, "net_sales", jan(2025), 30000, 31000)
	if _, err := svc.DetectAnomalies(ctx, companyID, Options{}); err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}

	anomalies, err := repo.ListAnomalies(ctx, companyID, domain.AnomalyFilter{})
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 {
		t.Errorf("expected stale anomaly to remain, got %d", len(anomalies))
	}
}

func TestDetectMultipleMetricsIndependent(t *testing.T) {
	svc, repo, companyID := setupService(t)
	ctx := context.Background()

	seedSeries(t, repo, companyID, "net_sales", jan(2025), 30000, 80000)
	seedSeries(t, repo, companyID, "payroll", jan(2025), 12000, 12100)

	n, err := svc.DetectAnomalies(ctx, companyID, Options{})
	if err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only net_sales to fire, got %d", n)
	}
}

func TestPartialConfigKeepsDefaultThresholds(t *testing.T) {
	_, repo, companyID := setupService(t)
	ctx := context.Background()

	// Only the YoY threshold configured: the rolling and z-score thresholds
	// must stay at their defaults, not collapse to zero and fire on any
	// defined signal.
	svc := New(repo, nil, domain.DetectorConfig{YoYThreshold: 40}, nil)

	seedSeries(t, repo, companyID, "net_sales", jan(2025), 100000, 110000)

	n, err := svc.DetectAnomalies(ctx, companyID, Options{})
	if err != nil {
		t.Fatalf("DetectAnomalies failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 10%% growth to stay quiet, got %d anomalies", n)
	}

	if svc.cfg.RollingThreshold != 25 || svc.cfg.ZScoreThreshold != 2.0 || svc.cfg.ZScoreScale != 15 {
		t.Errorf("expected default thresholds alongside the override, got %+v", svc.cfg)
	}
	if svc.cfg.YoYThreshold != 40 {
		t.Errorf("expected YoY threshold 40, got %f", svc.cfg.YoYThreshold)
	}
}

func TestDetectUnknownCompany(t *testing.T) {
	svc, _, _ := setupService(t)

	if _, err := svc.DetectAnomalies(context.Background(), "nonexistent", Options{}); err == nil {
		t.Error("expected error for unknown company")
	}
}
