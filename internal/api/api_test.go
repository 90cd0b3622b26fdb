package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/merlin/internal/aggregator"
	"github.com/opensource-finance/merlin/internal/attributor"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/detector"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/registry"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/view"
)

// createTestServer wires a full stack over a temp sqlite file.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	reg, err := registry.NewWithDefaults()
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	lru := cache.NewLRUCache(128)

	cfg := domain.DefaultConfig()
	agg := aggregator.New(repo, reg, eventBus, nil)
	det := detector.New(repo, eventBus, cfg.Detector, nil)
	attr := attributor.New(repo, reg, eventBus, cfg.Attributor, nil)
	views := view.New(repo, reg, lru, agg, det, attr, nil)

	return NewServer(cfg.Server, repo, lru, eventBus, reg, agg, det, attr, views, "test-v1")
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func createCompany(t *testing.T, server *Server, ref, name string) *domain.Company {
	t.Helper()

	rr := doJSON(t, server, http.MethodPost, "/companies", CreateCompanyRequest{
		ExternalRef: ref,
		Name:        name,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var company domain.Company
	if err := json.Unmarshal(rr.Body.Bytes(), &company); err != nil {
		t.Fatalf("failed to parse company: %v", err)
	}
	return &company
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp["version"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	server := createTestServer(t)

	rr := doJSON(t, server, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestCompanyEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Create", func(t *testing.T) {
		company := createCompany(t, server, "acme-ltd", "Acme Ltd")
		if company.ID == "" {
			t.Error("expected company id in response")
		}
		if company.Name != "Acme Ltd" {
			t.Errorf("expected name Acme Ltd, got %s", company.Name)
		}
	})

	t.Run("CreateMissingName", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies", CreateCompanyRequest{
			ExternalRef: "no-name",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		company := createCompany(t, server, "globex-inc", "Globex Inc")

		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var fetched domain.Company
		if err := json.Unmarshal(rr.Body.Bytes(), &fetched); err != nil {
			t.Fatalf("failed to parse company: %v", err)
		}
		if fetched.ID != company.ID {
			t.Errorf("expected id %s, got %s", company.ID, fetched.ID)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/nonexistent", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestIngestTransactions(t *testing.T) {
	server := createTestServer(t)
	company := createCompany(t, server, "ingest-co", "Ingest Co")

	t.Run("Success", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/transactions", IngestRequest{
			Transactions: []domain.TransactionRow{
				{TxDate: "2024-03-05", AccountCode: "1.1.2", AccountName: "Local Sales", CustomerName: "Globex", Amount: 10000},
				{TxDate: "2024-03-18", AccountCode: "6.1.4", AccountName: "Advisory", Amount: 3000},
			},
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]int
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp["saved"] != 2 {
			t.Errorf("expected 2 saved, got %d", resp["saved"])
		}
	})

	t.Run("BadDate", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/transactions", IngestRequest{
			Transactions: []domain.TransactionRow{
				{TxDate: "03/05/2024", AccountCode: "1.1.2", AccountName: "Local Sales", Amount: 500},
			},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/transactions", IngestRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCompany", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies/nonexistent/transactions", IngestRequest{
			Transactions: []domain.TransactionRow{
				{TxDate: "2024-03-05", AccountCode: "1.1.2", AccountName: "Local Sales", Amount: 500},
			},
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestMetricsEndpoints(t *testing.T) {
	server := createTestServer(t)
	company := createCompany(t, server, "metrics-co", "Metrics Co")

	rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/transactions", IngestRequest{
		Transactions: []domain.TransactionRow{
			{TxDate: "2024-03-05", AccountCode: "1.1.2", AccountName: "Local Sales", CustomerName: "Globex", Amount: 10000},
			{TxDate: "2024-03-18", AccountCode: "6.1.4", AccountName: "Advisory", Amount: 3000},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to ingest: %s", rr.Body.String())
	}

	t.Run("Compute", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/metrics/compute", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Metrics map[string]int `json:"metrics"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if len(resp.Metrics) == 0 {
			t.Error("expected per-metric counts in response")
		}
	})

	t.Run("ListByMonth", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID+"/metrics?month=2024-03", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Metrics []*domain.MetricPoint `json:"metrics"`
			Count   int                   `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count == 0 {
			t.Fatal("expected metric points for 2024-03")
		}

		found := false
		for _, p := range resp.Metrics {
			if p.MetricName == "local_sales" && p.Value == 10000 {
				found = true
			}
		}
		if !found {
			t.Error("expected local_sales=10000 in 2024-03 points")
		}
	})

	t.Run("ListBadMonth", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID+"/metrics?month=March", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Months", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID+"/months", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Months []string `json:"months"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if len(resp.Months) != 1 || resp.Months[0] != "2024-03" {
			t.Errorf("expected months [2024-03], got %v", resp.Months)
		}
	})

	t.Run("Definitions", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/metrics/definitions", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Definitions []*domain.MetricDefinition `json:"definitions"`
			Count       int                        `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != len(domain.DefaultMetricDefinitions()) {
			t.Errorf("expected %d definitions, got %d", len(domain.DefaultMetricDefinitions()), resp.Count)
		}
	})
}

// seedMonths ingests one Local Sales transaction per month with the given
// amounts starting January 2024, then computes metrics.
func seedMonths(t *testing.T, server *Server, companyID string, amounts []float64) {
	t.Helper()

	rows := make([]domain.TransactionRow, 0, len(amounts))
	for i, amt := range amounts {
		month := i + 1
		rows = append(rows, domain.TransactionRow{
			TxDate:       fmt.Sprintf("2024-%02d-15", month),
			AccountCode:  "1.1.2",
			AccountName:  "Local Sales",
			CustomerName: "Globex",
			Amount:       amt,
		})
	}

	rr := doJSON(t, server, http.MethodPost, "/companies/"+companyID+"/transactions", IngestRequest{Transactions: rows})
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to ingest: %s", rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/companies/"+companyID+"/metrics/compute", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("failed to compute metrics: %s", rr.Body.String())
	}
}

func TestAnomalyEndpoints(t *testing.T) {
	server := createTestServer(t)
	company := createCompany(t, server, "anomaly-co", "Anomaly Co")

	// February jumps 166% over the rolling baseline.
	seedMonths(t, server, company.ID, []float64{30000, 80000})

	t.Run("Detect", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/anomalies/detect", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]int
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp["flagged"] == 0 {
			t.Error("expected at least one flagged anomaly")
		}
	})

	var anomalyID string

	t.Run("List", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID+"/anomalies?month=2024-02", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Anomalies []*domain.Anomaly `json:"anomalies"`
			Count     int               `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count == 0 {
			t.Fatal("expected anomalies for 2024-02")
		}

		for _, a := range resp.Anomalies {
			if a.MetricName == "local_sales" {
				anomalyID = a.ID
			}
		}
		if anomalyID == "" {
			t.Fatal("expected a local_sales anomaly")
		}
	})

	t.Run("ListBadStatus", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID+"/anomalies?status=bogus", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/anomalies/"+anomalyID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var anomaly domain.Anomaly
		if err := json.Unmarshal(rr.Body.Bytes(), &anomaly); err != nil {
			t.Fatalf("failed to parse anomaly: %v", err)
		}
		if anomaly.Status != domain.StatusOpen {
			t.Errorf("expected status open, got %s", anomaly.Status)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPatch, "/anomalies/"+anomalyID+"/status", StatusRequest{
			Status: domain.StatusMuted,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var anomaly domain.Anomaly
		if err := json.Unmarshal(rr.Body.Bytes(), &anomaly); err != nil {
			t.Fatalf("failed to parse anomaly: %v", err)
		}
		if anomaly.Status != domain.StatusMuted {
			t.Errorf("expected status muted, got %s", anomaly.Status)
		}
	})

	t.Run("UpdateStatusInvalid", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPatch, "/anomalies/"+anomalyID+"/status", StatusRequest{
			Status: "resolved",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Contributors", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/contributors/compute", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/anomalies/"+anomalyID+"/contributors", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Contributors []*domain.Contributor `json:"contributors"`
			Count        int                   `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count == 0 {
			t.Fatal("expected contributors")
		}
		if resp.Contributors[0].Label != "Globex" {
			t.Errorf("expected top contributor Globex, got %s", resp.Contributors[0].Label)
		}
	})

	t.Run("ContributorsUnknownAnomaly", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/anomalies/nonexistent/contributors", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestDetectWithThresholdOverride(t *testing.T) {
	server := createTestServer(t)
	company := createCompany(t, server, "override-co", "Override Co")

	// 20% rolling deviation: below the default 25 threshold.
	seedMonths(t, server, company.ID, []float64{50000, 60000})

	rr := doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/anomalies/detect", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]int
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["flagged"] != 0 {
		t.Fatalf("expected no anomalies at default thresholds, got %d", resp["flagged"])
	}

	rr = doJSON(t, server, http.MethodPost, "/companies/"+company.ID+"/anomalies/detect", DetectRequest{
		RollingThreshold: 15,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["flagged"] == 0 {
		t.Error("expected anomalies with lowered rolling threshold")
	}
}

func TestMonthViewEndpoint(t *testing.T) {
	server := createTestServer(t)
	company := createCompany(t, server, "view-co", "View Co")

	seedMonths(t, server, company.ID, []float64{30000, 80000})

	t.Run("WithCompute", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID+"/view/2024-02?compute=true", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var mv view.MonthView
		if err := json.Unmarshal(rr.Body.Bytes(), &mv); err != nil {
			t.Fatalf("failed to parse view: %v", err)
		}
		if mv.Company.ID != company.ID {
			t.Errorf("expected company %s, got %s", company.ID, mv.Company.ID)
		}
		if mv.Summary.AnomalyCount == 0 {
			t.Error("expected anomalies in the view summary")
		}
		if len(mv.Anomalies) == 0 {
			t.Fatal("expected anomaly details")
		}
		if len(mv.Anomalies[0].Contributors) == 0 {
			t.Error("expected contributors on the anomaly detail")
		}
	})

	t.Run("BadMonth", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/"+company.ID+"/view/Feb-2024", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownCompany", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/companies/nonexistent/view/2024-02", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}
