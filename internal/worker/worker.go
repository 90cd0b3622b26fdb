// Package worker provides async attribution processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/opensource-finance/merlin/internal/attributor"
	"github.com/opensource-finance/merlin/internal/domain"
)

// Worker consumes flagged-anomaly events and computes contributors
// out-of-band, so detection latency never includes attribution.
type Worker struct {
	bus        domain.EventBus
	attributor *attributor.Service
	logger     *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// CompanyIDs is the list of companies to process.
	CompanyIDs []string
}

// NewWorker creates a new async attribution worker.
func NewWorker(bus domain.EventBus, attr *attributor.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		attributor: attr,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to anomaly events for the given companies.
func (w *Worker) Start(cfg Config) error {
	for _, companyID := range cfg.CompanyIDs {
		if err := w.startCompanyWorker(companyID); err != nil {
			w.logger.Error("failed to start worker for company",
				"company_id", companyID,
				"error", err,
			)
			continue
		}
	}

	w.logger.Info("attribution workers started",
		"company_count", len(cfg.CompanyIDs),
	)

	return nil
}

// Watch subscribes a single company's anomaly stream. Used when companies
// are registered at runtime.
func (w *Worker) Watch(companyID string) error {
	return w.startCompanyWorker(companyID)
}

func (w *Worker) startCompanyWorker(companyID string) error {
	sub, err := w.bus.Subscribe(w.ctx, companyID, domain.TopicAnomalyFlagged, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	w.logger.Info("company worker started",
		"company_id", companyID,
		"topic", domain.TopicAnomalyFlagged,
	)

	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var event domain.AnomalyEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.logger.Error("failed to decode anomaly event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	n, err := w.attributor.ComputeForAnomaly(ctx, event.AnomalyID)
	if err != nil {
		w.logger.Error("async attribution failed",
			"company_id", event.CompanyID,
			"anomaly_id", event.AnomalyID,
			"error", err,
		)
		return err
	}

	w.logger.Info("anomaly attributed",
		"company_id", event.CompanyID,
		"anomaly_id", event.AnomalyID,
		"metric", event.MetricName,
		"contributors", n,
	)

	return nil
}

// Stop cancels all subscriptions and waits for in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("attribution workers stopped")
	return nil
}
