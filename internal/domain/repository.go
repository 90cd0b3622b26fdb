// Package domain defines the core types and interfaces for Merlin.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. All methods are
// company-scoped: companyID is the isolation key on every query.
type Repository interface {
	// Company operations
	CreateCompany(ctx context.Context, c *Company) (*Company, error)
	GetCompany(ctx context.Context, companyID string) (*Company, error)
	GetCompanyByExternalRef(ctx context.Context, ref string) (*Company, error)

	// Transaction operations (append-only ledger)
	SaveTransactions(ctx context.Context, companyID string, txs []*Transaction) (int, error)
	ListTransactionsByMonth(ctx context.Context, companyID string, month time.Time) ([]*Transaction, error)
	ListTransactions(ctx context.Context, companyID string) ([]*Transaction, error)

	// Metric point operations
	UpsertMetricPoints(ctx context.Context, companyID string, points []*MetricPoint) (int, error)
	GetMetricSeries(ctx context.Context, companyID string, metricName string) ([]*MetricPoint, error)
	ListMetricPoints(ctx context.Context, companyID string, month time.Time) ([]*MetricPoint, error)
	ListMetricNames(ctx context.Context, companyID string) ([]string, error)
	ListMonths(ctx context.Context, companyID string) ([]time.Time, error)

	// Anomaly operations
	UpsertAnomaly(ctx context.Context, a *Anomaly) (*Anomaly, error)
	GetAnomaly(ctx context.Context, anomalyID string) (*Anomaly, error)
	ListAnomalies(ctx context.Context, companyID string, filter AnomalyFilter) ([]*Anomaly, error)
	ListAnomaliesWithoutContributors(ctx context.Context, companyID string, limit int) ([]*Anomaly, error)
	UpdateAnomalyStatus(ctx context.Context, anomalyID string, status string) error

	// Contributor operations
	ReplaceContributors(ctx context.Context, anomalyID string, contributors []*Contributor) (int, error)
	ListContributors(ctx context.Context, anomalyID string) ([]*Contributor, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
