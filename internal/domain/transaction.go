package domain

import (
	"time"
)

// Company is an organization whose ledger is analyzed.
type Company struct {
	ID            string    `json:"id"`
	ExternalRef   string    `json:"externalRef"`
	Name          string    `json:"name"`
	BusinessModel string    `json:"businessModel,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Transaction is a single normalized ledger line item.
type Transaction struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`

	// TxDate is the booking date; Month is the first day of its calendar
	// month and is the aggregation bucket for every downstream computation.
	TxDate time.Time `json:"txDate"`
	Month  time.Time `json:"month"`

	// Account classification
	AccountCode string `json:"accountCode"`
	AccountName string `json:"accountName"`
	CoaCode     string `json:"coaCode,omitempty"`
	CoaName     string `json:"coaName,omitempty"`

	// Counterparty / free text
	Description  string `json:"description,omitempty"`
	CustomerName string `json:"customerName,omitempty"`

	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// TransactionRow is the API payload for a single ledger row.
type TransactionRow struct {
	TxDate       string  `json:"txDate"`
	AccountCode  string  `json:"accountCode"`
	AccountName  string  `json:"accountName"`
	CoaCode      string  `json:"coaCode,omitempty"`
	CoaName      string  `json:"coaName,omitempty"`
	Description  string  `json:"description,omitempty"`
	CustomerName string  `json:"customerName,omitempty"`
	Amount       float64 `json:"amount"`
}

// ToTransaction converts an API row to a Transaction for the given company.
func (r *TransactionRow) ToTransaction(companyID string, txDate time.Time) *Transaction {
	return &Transaction{
		CompanyID:    companyID,
		TxDate:       txDate,
		Month:        FirstOfMonth(txDate),
		AccountCode:  r.AccountCode,
		AccountName:  r.AccountName,
		CoaCode:      r.CoaCode,
		CoaName:      r.CoaName,
		Description:  r.Description,
		CustomerName: r.CustomerName,
		Amount:       r.Amount,
		CreatedAt:    time.Now().UTC(),
	}
}

// FirstOfMonth truncates a date to the first day of its calendar month in UTC.
func FirstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthIndex maps a month to a monotonically increasing calendar index so
// window arithmetic stays aligned across year boundaries and series gaps.
func MonthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}
