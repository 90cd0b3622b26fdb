//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Merlin analysis engine.
//
// These tests verify the COMPLETE pipeline against a running server:
//
//	Ledger rows → Monthly metrics → Anomaly detection → Attribution → Month view
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: One normalized ledger row (date, account, counterparty, amount)
//
// 2. METRIC: A named monthly aggregate. Each metric has a CEL selector that
//    decides which ledger rows it sums, e.g. local_sales sums rows where
//    account_name == "Local Sales".
//
// 3. ANOMALY: A metric month whose value deviates from its own history:
//    - Year-over-year change beyond ±30%
//    - Deviation from the 3-month rolling mean beyond ±25%
//    - Z-score against the trailing 6 months beyond ±2.0
//
// 4. CONTRIBUTOR: A counterparty (or description) ranked by how much of the
//    anomalous month's movement it explains, up to 80% cumulative share.
//
// 5. MONTH VIEW: The assembled report for one company month: metric table,
//    anomalies, contributors, and sampled evidence rows.
//
// The server needs no pre-seeded configuration; the stock metric definition
// table ships built in.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("MERLIN_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// ============================================================================
// API Request/Response Types (matching Merlin's API contract)
// ============================================================================

type Company struct {
	ID          string `json:"id"`
	ExternalRef string `json:"externalRef"`
	Name        string `json:"name"`
}

type TransactionRow struct {
	TxDate       string  `json:"txDate"`
	AccountCode  string  `json:"accountCode"`
	AccountName  string  `json:"accountName"`
	Description  string  `json:"description,omitempty"`
	CustomerName string  `json:"customerName,omitempty"`
	Amount       float64 `json:"amount"`
}

type Anomaly struct {
	ID              string   `json:"id"`
	MetricName      string   `json:"metricName"`
	Month           string   `json:"month"`
	PrevValue       *float64 `json:"prevValue"`
	CurrValue       float64  `json:"currValue"`
	PctChange       *float64 `json:"pctChange"`
	SeverityScore   float64  `json:"severityScore"`
	DetectionReason string   `json:"detectionReason"`
	Status          string   `json:"status"`
}

type Contributor struct {
	Label        string  `json:"label"`
	Amount       float64 `json:"amount"`
	ShareOfTotal float64 `json:"shareOfTotal"`
	TxCount      int     `json:"txCount"`
}

type MonthView struct {
	Company struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"company"`
	Metrics []struct {
		MetricName  string   `json:"metricName"`
		PrevValue   *float64 `json:"prevValue"`
		CurrValue   float64  `json:"currValue"`
		PctChange   *float64 `json:"pctChange"`
		IsAnomalous bool     `json:"isAnomalous"`
	} `json:"metrics"`
	Anomalies []struct {
		Anomaly      Anomaly       `json:"anomaly"`
		Contributors []Contributor `json:"contributors"`
		Evidence     []struct {
			AccountName  string  `json:"accountName"`
			CustomerName string  `json:"customerName"`
			Amount       float64 `json:"amount"`
		} `json:"evidence"`
	} `json:"anomalies"`
	Summary struct {
		MetricCount  int `json:"metricCount"`
		AnomalyCount int `json:"anomalyCount"`
	} `json:"summary"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func postJSON(t *testing.T, config TestConfig, path string, body any, out any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	resp, err := http.Post(config.BaseURL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody map[string]string
		json.NewDecoder(resp.Body).Decode(&errBody)
		t.Fatalf("POST %s returned %d: %s", path, resp.StatusCode, errBody["error"])
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s response: %v", path, err)
		}
	}
}

func getJSON(t *testing.T, config TestConfig, path string, out any) {
	t.Helper()

	resp, err := http.Get(config.BaseURL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s returned %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode %s response: %v", path, err)
	}
}

func createCompany(t *testing.T, config TestConfig, name string) Company {
	t.Helper()

	var company Company
	postJSON(t, config, "/companies", map[string]string{
		"externalRef": fmt.Sprintf("it-%s-%d", name, time.Now().UnixNano()),
		"name":        name,
	}, &company)
	if company.ID == "" {
		t.Fatal("expected company id")
	}
	return company
}

// seedHistory ingests one Local Sales row per month starting at the given
// month, plus a shocked final month split across two customers.
func seedHistory(t *testing.T, config TestConfig, companyID string, startYear int, baseline float64, months int, shockFactor float64) {
	t.Helper()

	var rows []TransactionRow
	start := time.Date(startYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	for m := 0; m < months-1; m++ {
		rows = append(rows, TransactionRow{
			TxDate:       start.AddDate(0, m, 14).Format("2006-01-02"),
			AccountCode:  "1.1.2",
			AccountName:  "Local Sales",
			CustomerName: "Steady Corp",
			Amount:       baseline,
		})
	}

	shocked := baseline * shockFactor
	last := start.AddDate(0, months-1, 0)
	rows = append(rows,
		TransactionRow{
			TxDate:       last.AddDate(0, 0, 9).Format("2006-01-02"),
			AccountCode:  "1.1.2",
			AccountName:  "Local Sales",
			CustomerName: "Spike Industries",
			Amount:       shocked * 0.7,
		},
		TransactionRow{
			TxDate:       last.AddDate(0, 0, 21).Format("2006-01-02"),
			AccountCode:  "1.1.2",
			AccountName:  "Local Sales",
			CustomerName: "Steady Corp",
			Amount:       shocked * 0.3,
		},
	)

	postJSON(t, config, "/companies/"+companyID+"/transactions", map[string]any{"transactions": rows}, nil)
}

// ============================================================================
// Tests
// ============================================================================

func TestHealthCheck(t *testing.T) {
	config := getTestConfig()

	var resp map[string]string
	getJSON(t, config, "/health", &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
}

// TestFullPipeline walks a ledger through every pipeline stage and checks
// that the shocked month is flagged and attributed to the right customer.
func TestFullPipeline(t *testing.T) {
	config := getTestConfig()
	company := createCompany(t, config, "Pipeline Co")

	// 11 steady months then a 2.5x December.
	seedHistory(t, config, company.ID, 2024, 40000, 12, 2.5)

	var computeResp struct {
		Metrics map[string]int `json:"metrics"`
	}
	postJSON(t, config, "/companies/"+company.ID+"/metrics/compute", nil, &computeResp)
	if computeResp.Metrics["local_sales"] != 12 {
		t.Errorf("expected 12 local_sales points, got %d", computeResp.Metrics["local_sales"])
	}

	var detectResp struct {
		Flagged int `json:"flagged"`
	}
	postJSON(t, config, "/companies/"+company.ID+"/anomalies/detect", nil, &detectResp)
	if detectResp.Flagged == 0 {
		t.Fatal("expected the December jump to be flagged")
	}

	var attrResp struct {
		Attributed int `json:"attributed"`
	}
	postJSON(t, config, "/companies/"+company.ID+"/contributors/compute", nil, &attrResp)
	if attrResp.Attributed == 0 {
		t.Fatal("expected pending anomalies to be attributed")
	}

	var listResp struct {
		Anomalies []Anomaly `json:"anomalies"`
		Count     int       `json:"count"`
	}
	getJSON(t, config, "/companies/"+company.ID+"/anomalies?month=2024-12", &listResp)

	var flagged *Anomaly
	for i := range listResp.Anomalies {
		if listResp.Anomalies[i].MetricName == "local_sales" {
			flagged = &listResp.Anomalies[i]
		}
	}
	if flagged == nil {
		t.Fatal("expected a local_sales anomaly in December")
	}
	if flagged.Status != "open" {
		t.Errorf("expected status open, got %s", flagged.Status)
	}
	if flagged.CurrValue != 100000 {
		t.Errorf("expected December value 100000, got %f", flagged.CurrValue)
	}

	var contribResp struct {
		Contributors []Contributor `json:"contributors"`
	}
	getJSON(t, config, "/anomalies/"+flagged.ID+"/contributors", &contribResp)
	if len(contribResp.Contributors) == 0 {
		t.Fatal("expected contributors")
	}
	if contribResp.Contributors[0].Label != "Spike Industries" {
		t.Errorf("expected Spike Industries first, got %s", contribResp.Contributors[0].Label)
	}
}

// TestMonthViewEndToEnd exercises the compute-on-read view path.
func TestMonthViewEndToEnd(t *testing.T) {
	config := getTestConfig()
	company := createCompany(t, config, "View Pipeline Co")

	seedHistory(t, config, company.ID, 2024, 25000, 6, 3.0)

	var mv MonthView
	getJSON(t, config, "/companies/"+company.ID+"/view/2024-06?compute=true", &mv)

	if mv.Company.ID != company.ID {
		t.Errorf("expected company %s, got %s", company.ID, mv.Company.ID)
	}
	if mv.Summary.AnomalyCount == 0 {
		t.Fatal("expected anomalies in the June view")
	}

	found := false
	for _, m := range mv.Metrics {
		if m.MetricName == "local_sales" && m.IsAnomalous {
			found = true
		}
	}
	if !found {
		t.Error("expected local_sales flagged in the metric table")
	}

	for _, d := range mv.Anomalies {
		if d.Anomaly.MetricName != "local_sales" {
			continue
		}
		if len(d.Contributors) == 0 {
			t.Error("expected contributors on the view detail")
		}
		if len(d.Evidence) == 0 {
			t.Error("expected evidence rows on the view detail")
		}
	}
}

// TestAnomalyReviewFlow mutes an anomaly and checks the status filter.
func TestAnomalyReviewFlow(t *testing.T) {
	config := getTestConfig()
	company := createCompany(t, config, "Review Co")

	seedHistory(t, config, company.ID, 2024, 30000, 4, 2.0)
	postJSON(t, config, "/companies/"+company.ID+"/metrics/compute", nil, nil)

	var detectResp struct {
		Flagged int `json:"flagged"`
	}
	postJSON(t, config, "/companies/"+company.ID+"/anomalies/detect", nil, &detectResp)
	if detectResp.Flagged == 0 {
		t.Fatal("expected the April jump to be flagged")
	}

	var listResp struct {
		Anomalies []Anomaly `json:"anomalies"`
	}
	getJSON(t, config, "/companies/"+company.ID+"/anomalies", &listResp)
	if len(listResp.Anomalies) == 0 {
		t.Fatal("expected anomalies")
	}
	target := listResp.Anomalies[0]

	// PATCH has no helper in net/http; build the request directly.
	body, _ := json.Marshal(map[string]string{"status": "muted"})
	req, err := http.NewRequest(http.MethodPatch, config.BaseURL+"/anomalies/"+target.ID+"/status", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH returned %d", resp.StatusCode)
	}

	var muted struct {
		Anomalies []Anomaly `json:"anomalies"`
	}
	getJSON(t, config, "/companies/"+company.ID+"/anomalies?status=muted", &muted)

	found := false
	for _, a := range muted.Anomalies {
		if a.ID == target.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected the muted anomaly in the status=muted listing")
	}

	// Re-running detection must not reopen it.
	postJSON(t, config, "/companies/"+company.ID+"/anomalies/detect", nil, nil)

	var after Anomaly
	getJSON(t, config, "/anomalies/"+target.ID, &after)
	if after.Status != "muted" {
		t.Errorf("expected status muted after re-detection, got %s", after.Status)
	}
}
