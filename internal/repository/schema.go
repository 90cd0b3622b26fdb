package repository

// Schema definitions for the Merlin database.
// Compatible with both SQLite and PostgreSQL.

const schemaCompanies = `
CREATE TABLE IF NOT EXISTS companies (
    id TEXT PRIMARY KEY,
    external_ref TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    business_model TEXT,
    created_at TIMESTAMP NOT NULL
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL,
    tx_date TIMESTAMP NOT NULL,
    month TIMESTAMP NOT NULL,
    account_code TEXT NOT NULL,
    account_name TEXT NOT NULL,
    coa_code TEXT,
    coa_name TEXT,
    description TEXT,
    customer_name TEXT,
    amount REAL NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_company ON transactions(company_id);
CREATE INDEX IF NOT EXISTS idx_transactions_month ON transactions(company_id, month);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(company_id, account_name);
`

const schemaMonthlyMetrics = `
CREATE TABLE IF NOT EXISTS monthly_metrics (
    company_id TEXT NOT NULL,
    metric_name TEXT NOT NULL,
    month TIMESTAMP NOT NULL,
    value REAL NOT NULL,
    PRIMARY KEY (company_id, metric_name, month)
);

CREATE INDEX IF NOT EXISTS idx_monthly_metrics_month ON monthly_metrics(company_id, month);
`

const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
    id TEXT PRIMARY KEY,
    company_id TEXT NOT NULL,
    metric_name TEXT NOT NULL,
    month TIMESTAMP NOT NULL,
    prev_value REAL,
    curr_value REAL NOT NULL,
    pct_change REAL,
    severity_score REAL NOT NULL,
    detection_reason TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open',
    signals TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (company_id, metric_name, month)
);

CREATE INDEX IF NOT EXISTS idx_anomalies_company ON anomalies(company_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_month ON anomalies(company_id, month);
CREATE INDEX IF NOT EXISTS idx_anomalies_status ON anomalies(company_id, status);
`

const schemaContributors = `
CREATE TABLE IF NOT EXISTS anomaly_contributors (
    id TEXT PRIMARY KEY,
    anomaly_id TEXT NOT NULL,
    label TEXT NOT NULL,
    amount REAL NOT NULL,
    share_of_total REAL NOT NULL,
    tx_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_contributors_anomaly ON anomaly_contributors(anomaly_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCompanies,
		schemaTransactions,
		schemaMonthlyMetrics,
		schemaAnomalies,
		schemaContributors,
	}
}
