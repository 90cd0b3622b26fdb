package domain

import (
	"time"
)

// Anomaly statuses. Status is mutated by human review only; everything else
// on the record is owned by the detector.
const (
	StatusOpen      = "open"
	StatusMuted     = "muted"
	StatusConfirmed = "confirmed"
)

// Detection reasons, in precedence order when several signals fire for the
// same month.
const (
	ReasonYoYAndRolling = "yoy_and_rolling"
	ReasonYoY           = "yoy"
	ReasonRolling       = "rolling"
	ReasonZScore        = "zscore"
)

// ValidStatus reports whether s is a recognized anomaly status.
func ValidStatus(s string) bool {
	return s == StatusOpen || s == StatusMuted || s == StatusConfirmed
}

// Signals holds every deviation signal computed for one metric month.
// Nil pointers mean the signal was undefined for that month (insufficient
// history, zero baseline, or zero window variance). The full set is stored
// on the anomaly record so downstream consumers can explain the flag
// without recomputing windows.
type Signals struct {
	MoM        *float64 `json:"mom,omitempty"`
	YoY        *float64 `json:"yoy,omitempty"`
	RollingDev *float64 `json:"rollingDev,omitempty"`
	ZScore     *float64 `json:"zscore,omitempty"`

	// Window context behind RollingDev and ZScore.
	RollingMean *float64 `json:"rollingMean,omitempty"`
	WindowMean  *float64 `json:"windowMean,omitempty"`
	WindowStdev *float64 `json:"windowStdev,omitempty"`
}

// Anomaly is one flagged (company, metric, month) deviation. Unique on that
// key; re-detection upserts. PctChange is always the month-over-month change
// (the headline number), independent of which signal caused the flag.
type Anomaly struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"companyId"`
	MetricName string    `json:"metricName"`
	Month      time.Time `json:"month"`

	PrevValue *float64 `json:"prevValue"`
	CurrValue float64  `json:"currValue"`
	PctChange *float64 `json:"pctChange"`

	SeverityScore   float64 `json:"severityScore"`
	DetectionReason string  `json:"detectionReason"`
	Status          string  `json:"status"`

	Signals Signals `json:"signals"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contributor is a counterparty or label whose transactions materially
// explain an anomalous metric total. The set for one anomaly is replaced
// wholesale on every attribution run.
type Contributor struct {
	ID           string  `json:"id"`
	AnomalyID    string  `json:"anomalyId"`
	Label        string  `json:"label"`
	Amount       float64 `json:"amount"`
	ShareOfTotal float64 `json:"shareOfTotal"`
	TxCount      int     `json:"txCount"`
}

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	// Month, when non-zero, restricts to a single month.
	Month time.Time

	// Status, when non-empty, restricts to one review status.
	Status string

	// Limit caps the result set; zero means the repository default.
	Limit int
}

// AnomalyEvent is the bus payload published when the detector flags or
// refreshes an anomaly.
type AnomalyEvent struct {
	AnomalyID  string    `json:"anomalyId"`
	CompanyID  string    `json:"companyId"`
	MetricName string    `json:"metricName"`
	Month      time.Time `json:"month"`
	Severity   float64   `json:"severity"`
	Reason     string    `json:"reason"`
}
