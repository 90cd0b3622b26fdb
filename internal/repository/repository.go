// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// defaultListLimit caps unbounded anomaly listings.
const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// CreateCompany inserts a company keyed by its external reference. A racing
// concurrent insert is not an error: the conflicting row is read back and
// returned as the result.
func (r *SQLRepository) CreateCompany(ctx context.Context, c *domain.Company) (*domain.Company, error) {
	if c.ExternalRef == "" {
		return nil, fmt.Errorf("%w: externalRef is required", ErrInvalidInput)
	}

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO companies (id, external_ref, name, business_model, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (external_ref) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		id, c.ExternalRef, c.Name, c.BusinessModel, createdAt,
	)
	if err != nil {
		return nil, err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost the race; the committed row wins.
		return r.GetCompanyByExternalRef(ctx, c.ExternalRef)
	}

	return &domain.Company{
		ID:            id,
		ExternalRef:   c.ExternalRef,
		Name:          c.Name,
		BusinessModel: c.BusinessModel,
		CreatedAt:     createdAt,
	}, nil
}

// GetCompany retrieves a company by ID.
func (r *SQLRepository) GetCompany(ctx context.Context, companyID string) (*domain.Company, error) {
	return r.queryCompany(ctx, "id", companyID)
}

// GetCompanyByExternalRef retrieves a company by its source-system reference.
func (r *SQLRepository) GetCompanyByExternalRef(ctx context.Context, ref string) (*domain.Company, error) {
	return r.queryCompany(ctx, "external_ref", ref)
}

func (r *SQLRepository) queryCompany(ctx context.Context, column, value string) (*domain.Company, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: company identifier is required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		SELECT id, external_ref, name, business_model, created_at
		FROM companies
		WHERE %s = ?
	`, column)

	var c domain.Company
	var businessModel sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), value).Scan(
		&c.ID, &c.ExternalRef, &c.Name, &businessModel, &c.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.BusinessModel = businessModel.String
	return &c, nil
}

// SaveTransactions appends ledger rows for a company inside one transaction.
func (r *SQLRepository) SaveTransactions(ctx context.Context, companyID string, txs []*domain.Transaction) (int, error) {
	if companyID == "" {
		return 0, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}
	if len(txs) == 0 {
		return 0, nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback()

	query := r.rebind(`
		INSERT INTO transactions (
			id, company_id, tx_date, month, account_code, account_name,
			coa_code, coa_name, description, customer_name, amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	for _, tx := range txs {
		id := tx.ID
		if id == "" {
			id = uuid.New().String()
		}
		month := tx.Month
		if month.IsZero() {
			month = domain.FirstOfMonth(tx.TxDate)
		}
		createdAt := tx.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		if _, err := dbTx.ExecContext(ctx, query,
			id, companyID, tx.TxDate, month,
			tx.AccountCode, tx.AccountName, tx.CoaCode, tx.CoaName,
			tx.Description, tx.CustomerName, tx.Amount, createdAt,
		); err != nil {
			return 0, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return 0, err
	}
	return len(txs), nil
}

// ListTransactionsByMonth retrieves all ledger rows for one company month.
func (r *SQLRepository) ListTransactionsByMonth(ctx context.Context, companyID string, month time.Time) ([]*domain.Transaction, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, tx_date, month, account_code, account_name,
		       coa_code, coa_name, description, customer_name, amount, created_at
		FROM transactions
		WHERE company_id = ? AND month = ?
		ORDER BY tx_date
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID, domain.FirstOfMonth(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListTransactions retrieves the full ledger for a company ordered by date.
func (r *SQLRepository) ListTransactions(ctx context.Context, companyID string) ([]*domain.Transaction, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, company_id, tx_date, month, account_code, account_name,
		       coa_code, coa_name, description, customer_name, amount, created_at
		FROM transactions
		WHERE company_id = ?
		ORDER BY tx_date
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var coaCode, coaName, description, customerName sql.NullString

		if err := rows.Scan(
			&tx.ID, &tx.CompanyID, &tx.TxDate, &tx.Month,
			&tx.AccountCode, &tx.AccountName, &coaCode, &coaName,
			&description, &customerName, &tx.Amount, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}

		tx.CoaCode = coaCode.String
		tx.CoaName = coaName.String
		tx.Description = description.String
		tx.CustomerName = customerName.String
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

// UpsertMetricPoints writes aggregated KPI values inside one transaction.
// Re-running with unchanged inputs overwrites, never accumulates.
func (r *SQLRepository) UpsertMetricPoints(ctx context.Context, companyID string, points []*domain.MetricPoint) (int, error) {
	if companyID == "" {
		return 0, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}
	if len(points) == 0 {
		return 0, nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback()

	query := r.rebind(`
		INSERT INTO monthly_metrics (company_id, metric_name, month, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (company_id, metric_name, month) DO UPDATE SET
			value = excluded.value
	`)

	for _, p := range points {
		if _, err := dbTx.ExecContext(ctx, query,
			companyID, p.MetricName, domain.FirstOfMonth(p.Month), p.Value,
		); err != nil {
			return 0, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return 0, err
	}
	return len(points), nil
}

// GetMetricSeries retrieves one metric's points ordered by month ascending.
func (r *SQLRepository) GetMetricSeries(ctx context.Context, companyID string, metricName string) ([]*domain.MetricPoint, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT company_id, metric_name, month, value
		FROM monthly_metrics
		WHERE company_id = ? AND metric_name = ?
		ORDER BY month
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID, metricName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMetricPoints(rows)
}

// ListMetricPoints retrieves all metric points for one company month.
func (r *SQLRepository) ListMetricPoints(ctx context.Context, companyID string, month time.Time) ([]*domain.MetricPoint, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT company_id, metric_name, month, value
		FROM monthly_metrics
		WHERE company_id = ? AND month = ?
		ORDER BY metric_name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID, domain.FirstOfMonth(month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMetricPoints(rows)
}

func scanMetricPoints(rows *sql.Rows) ([]*domain.MetricPoint, error) {
	var points []*domain.MetricPoint
	for rows.Next() {
		var p domain.MetricPoint
		if err := rows.Scan(&p.CompanyID, &p.MetricName, &p.Month, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, &p)
	}
	return points, rows.Err()
}

// ListMetricNames returns the distinct metric names materialized for a company.
func (r *SQLRepository) ListMetricNames(ctx context.Context, companyID string) ([]string, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT DISTINCT metric_name
		FROM monthly_metrics
		WHERE company_id = ?
		ORDER BY metric_name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListMonths returns the months with materialized metrics, newest first.
func (r *SQLRepository) ListMonths(ctx context.Context, companyID string) ([]time.Time, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `
		SELECT DISTINCT month
		FROM monthly_metrics
		WHERE company_id = ?
		ORDER BY month DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var months []time.Time
	for rows.Next() {
		var m time.Time
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		months = append(months, m)
	}
	return months, rows.Err()
}

// UpsertAnomaly inserts or refreshes an anomaly keyed by
// (company, metric, month). On conflict the detection fields are updated but
// the original id, status, and created_at survive; the committed row is read
// back and returned so the caller always sees the canonical record.
func (r *SQLRepository) UpsertAnomaly(ctx context.Context, a *domain.Anomaly) (*domain.Anomaly, error) {
	if a.CompanyID == "" || a.MetricName == "" {
		return nil, fmt.Errorf("%w: companyID and metricName are required", ErrInvalidInput)
	}

	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := a.Status
	if status == "" {
		status = domain.StatusOpen
	}

	signals, err := json.Marshal(a.Signals)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signals: %w", err)
	}

	now := time.Now().UTC()
	month := domain.FirstOfMonth(a.Month)

	query := `
		INSERT INTO anomalies (
			id, company_id, metric_name, month,
			prev_value, curr_value, pct_change,
			severity_score, detection_reason, status, signals,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (company_id, metric_name, month) DO UPDATE SET
			prev_value = excluded.prev_value,
			curr_value = excluded.curr_value,
			pct_change = excluded.pct_change,
			severity_score = excluded.severity_score,
			detection_reason = excluded.detection_reason,
			signals = excluded.signals,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		id, a.CompanyID, a.MetricName, month,
		nullFloat(a.PrevValue), a.CurrValue, nullFloat(a.PctChange),
		a.SeverityScore, a.DetectionReason, status, string(signals),
		now, now,
	)
	if err != nil {
		return nil, err
	}

	return r.getAnomalyByKey(ctx, a.CompanyID, a.MetricName, month)
}

const anomalyColumns = `
	id, company_id, metric_name, month,
	prev_value, curr_value, pct_change,
	severity_score, detection_reason, status, signals,
	created_at, updated_at
`

// GetAnomaly retrieves an anomaly by ID.
func (r *SQLRepository) GetAnomaly(ctx context.Context, anomalyID string) (*domain.Anomaly, error) {
	if anomalyID == "" {
		return nil, fmt.Errorf("%w: anomalyID is required", ErrInvalidInput)
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), anomalyID)
	return scanAnomaly(row)
}

func (r *SQLRepository) getAnomalyByKey(ctx context.Context, companyID, metricName string, month time.Time) (*domain.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies
		WHERE company_id = ? AND metric_name = ? AND month = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), companyID, metricName, month)
	return scanAnomaly(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(row rowScanner) (*domain.Anomaly, error) {
	var a domain.Anomaly
	var prevValue, pctChange sql.NullFloat64
	var signals string

	err := row.Scan(
		&a.ID, &a.CompanyID, &a.MetricName, &a.Month,
		&prevValue, &a.CurrValue, &pctChange,
		&a.SeverityScore, &a.DetectionReason, &a.Status, &signals,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if prevValue.Valid {
		a.PrevValue = &prevValue.Float64
	}
	if pctChange.Valid {
		a.PctChange = &pctChange.Float64
	}
	if err := json.Unmarshal([]byte(signals), &a.Signals); err != nil {
		return nil, fmt.Errorf("failed to parse signals for %s: %w", a.ID, err)
	}

	return &a, nil
}

// ListAnomalies retrieves anomalies for a company with optional month and
// status filters, ordered by month descending then severity descending.
func (r *SQLRepository) ListAnomalies(ctx context.Context, companyID string, filter domain.AnomalyFilter) ([]*domain.Anomaly, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE company_id = ?`
	args := []any{companyID}

	if !filter.Month.IsZero() {
		query += ` AND month = ?`
		args = append(args, domain.FirstOfMonth(filter.Month))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY month DESC, severity_score DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*domain.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// ListAnomaliesWithoutContributors retrieves anomalies that have no
// contributor set yet, newest months first, for incremental attribution.
func (r *SQLRepository) ListAnomaliesWithoutContributors(ctx context.Context, companyID string, limit int) ([]*domain.Anomaly, error) {
	if companyID == "" {
		return nil, fmt.Errorf("%w: companyID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT a.id, a.company_id, a.metric_name, a.month,
		       a.prev_value, a.curr_value, a.pct_change,
		       a.severity_score, a.detection_reason, a.status, a.signals,
		       a.created_at, a.updated_at
		FROM anomalies a
		LEFT JOIN anomaly_contributors ac ON ac.anomaly_id = a.id
		WHERE a.company_id = ? AND ac.id IS NULL
		ORDER BY a.month DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var anomalies []*domain.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// UpdateAnomalyStatus sets the human-review status of an anomaly.
func (r *SQLRepository) UpdateAnomalyStatus(ctx context.Context, anomalyID string, status string) error {
	if anomalyID == "" {
		return fmt.Errorf("%w: anomalyID is required", ErrInvalidInput)
	}
	if !domain.ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	query := `UPDATE anomalies SET status = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), status, time.Now().UTC(), anomalyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceContributors swaps the contributor set for an anomaly atomically:
// delete then insert inside one transaction, never a merge.
func (r *SQLRepository) ReplaceContributors(ctx context.Context, anomalyID string, contributors []*domain.Contributor) (int, error) {
	if anomalyID == "" {
		return 0, fmt.Errorf("%w: anomalyID is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx,
		r.rebind(`DELETE FROM anomaly_contributors WHERE anomaly_id = ?`),
		anomalyID,
	); err != nil {
		return 0, err
	}

	insert := r.rebind(`
		INSERT INTO anomaly_contributors (id, anomaly_id, label, amount, share_of_total, tx_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	for _, c := range contributors {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := dbTx.ExecContext(ctx, insert,
			id, anomalyID, c.Label, c.Amount, c.ShareOfTotal, c.TxCount,
		); err != nil {
			return 0, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return 0, err
	}
	return len(contributors), nil
}

// ListContributors retrieves an anomaly's contributors ordered by descending
// absolute amount.
func (r *SQLRepository) ListContributors(ctx context.Context, anomalyID string) ([]*domain.Contributor, error) {
	if anomalyID == "" {
		return nil, fmt.Errorf("%w: anomalyID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, anomaly_id, label, amount, share_of_total, tx_count
		FROM anomaly_contributors
		WHERE anomaly_id = ?
		ORDER BY ABS(amount) DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), anomalyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contributors []*domain.Contributor
	for rows.Next() {
		var c domain.Contributor
		if err := rows.Scan(
			&c.ID, &c.AnomalyID, &c.Label, &c.Amount, &c.ShareOfTotal, &c.TxCount,
		); err != nil {
			return nil, err
		}
		contributors = append(contributors, &c)
	}
	return contributors, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
