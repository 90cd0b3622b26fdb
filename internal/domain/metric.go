package domain

import (
	"time"
)

// MetricDefinition declares how a named KPI is derived from the ledger.
// The Selector is a CEL expression over transaction fields that classifies
// a transaction as belonging to the metric. Definitions are immutable and
// injected into the aggregator and attributor at construction time.
type MetricDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Selector    string `json:"selector"`
	IsRevenue   bool   `json:"isRevenue"`
}

// Derived metric names. These are computed from base metric points, never
// from a selector, and run strictly after all base metrics in a run.
const (
	MetricTotalRevenue  = "total_revenue"
	MetricTotalExpenses = "total_expenses"

	// MetricReturns is contra-revenue and is excluded from total_revenue
	// even though it is tagged as a revenue metric.
	MetricReturns = "returns"
)

// MetricPoint is one aggregated KPI value: the sum of all matching
// transaction amounts for a (company, metric, month). Unique on that key;
// recomputation overwrites.
type MetricPoint struct {
	CompanyID  string    `json:"companyId"`
	MetricName string    `json:"metricName"`
	Month      time.Time `json:"month"`
	Value      float64   `json:"value"`
}

// DefaultMetricDefinitions returns the stock definition table. Deployments
// may replace it wholesale; nothing in the engine assumes these names except
// the attributor's fallback table, which mirrors them.
func DefaultMetricDefinitions() []*MetricDefinition {
	return []*MetricDefinition{
		// Revenue metrics (account codes under 1.*)
		{
			Name:        "net_sales",
			Description: "Net Sales (Local + Global)",
			Selector:    `account_code.startsWith("1.1")`,
			IsRevenue:   true,
		},
		{
			Name:        "local_sales",
			Description: "Local Sales",
			Selector:    `account_name == "Local Sales"`,
			IsRevenue:   true,
		},
		{
			Name:        "global_sales",
			Description: "Global Sales",
			Selector:    `account_name == "Global Sales"`,
			IsRevenue:   true,
		},
		{
			Name:        "returns",
			Description: "Sales Returns",
			Selector:    `account_name == "Returns (-)"`,
			IsRevenue:   true,
		},

		// Expense metrics (account codes under 2.*)
		{
			Name:        "advisory_expense",
			Description: "Advisory/Consulting Expenses",
			Selector:    `account_name == "Advisory" || coa_name.lowerAscii().contains("danisman")`,
		},
		{
			Name:        "software_expense",
			Description: "Software Expenses",
			Selector:    `account_name == "Software"`,
		},
		{
			Name:        "payroll",
			Description: "Payroll/Personnel Expenses",
			Selector:    `account_name == "Payroll" || account_name.lowerAscii().contains("personnel")`,
		},
		{
			Name:        "marketing",
			Description: "Marketing Expenses",
			Selector:    `account_name == "Marketing"`,
		},
		{
			Name:        "hospitality",
			Description: "Hospitality/Entertainment",
			Selector:    `account_name == "Hospitality"`,
		},
		{
			Name:        "office_rent",
			Description: "Office Rent",
			Selector:    `account_name == "Office Rent"`,
		},
		{
			Name:        "car_expenses",
			Description: "Car/Vehicle Expenses",
			Selector:    `account_name == "Car Expenses"`,
		},
		{
			Name:        "food_expenses",
			Description: "Food Expenses",
			Selector:    `account_name == "Food Expenses"`,
		},
		{
			Name:        "travel_expenses",
			Description: "Travel Expenses",
			Selector:    `account_name == "Travel"`,
		},

		// Interest / financial
		{
			Name:        "interest_income",
			Description: "Interest Income",
			Selector:    `account_name == "Commision & Interest Income"`,
			IsRevenue:   true,
		},
	}
}
