// Seed tool for exercising Merlin against a synthetic ledger.
//
// Usage:
//   go run cmd/seed/main.go -url http://localhost:8080 -months 18
//
// This tool:
//   1. Registers a company
//   2. Generates months of synthetic ledger rows with injected shocks
//   3. Runs the aggregate / detect / attribute pipeline over the API
//   4. Prints the flagged anomalies with their top contributors
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// accountProfile is one synthetic ledger account with a monthly base amount.
type accountProfile struct {
	AccountCode string
	AccountName string
	Base        float64
	Customers   []string
}

var profiles = []accountProfile{
	{"1.1.1", "Global Sales", 45000, []string{"Vandelay Export", "Initech GmbH", "Wayne Overseas"}},
	{"1.1.2", "Local Sales", 80000, []string{"Globex", "Initech", "Hooli", "Stark Industries"}},
	{"1.2.1", "Returns (-)", -4000, []string{"Globex", "Hooli"}},
	{"6.1.1", "Payroll", 52000, nil},
	{"6.1.4", "Advisory", 9000, nil},
	{"6.2.2", "Software & Licences", 6500, nil},
	{"6.3.1", "Marketing", 12000, nil},
	{"6.3.4", "Hospitality", 2500, nil},
	{"6.4.1", "Office Rent", 15000, nil},
	{"6.5.2", "Travel", 4000, nil},
}

// shock multiplies one account's amount in one month to force an anomaly.
type shock struct {
	monthOffset int
	accountName string
	factor      float64
}

type companyResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type transactionRow struct {
	TxDate       string  `json:"txDate"`
	AccountCode  string  `json:"accountCode"`
	AccountName  string  `json:"accountName"`
	Description  string  `json:"description,omitempty"`
	CustomerName string  `json:"customerName,omitempty"`
	Amount       float64 `json:"amount"`
}

type anomalyRecord struct {
	ID            string   `json:"id"`
	MetricName    string   `json:"metricName"`
	Month         string   `json:"month"`
	SeverityScore float64  `json:"severityScore"`
	Reason        string   `json:"detectionReason"`
	PctChange     *float64 `json:"pctChange"`
}

type contributorRecord struct {
	Label        string  `json:"label"`
	Amount       float64 `json:"amount"`
	ShareOfTotal float64 `json:"shareOfTotal"`
	TxCount      int     `json:"txCount"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Merlin base URL")
	name := flag.String("name", "Seed Demo Ltd", "Company name")
	months := flag.Int("months", 18, "Months of ledger history to generate")
	seed := flag.Int64("seed", 42, "Random seed")
	rowsPerMonth := flag.Int("rows", 6, "Ledger rows per account per month")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║            MERLIN SEED - Synthetic Ledger Pipeline            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nMerlin URL:  %s\n", *baseURL)
	fmt.Printf("Company:     %s\n", *name)
	fmt.Printf("Months:      %d\n", *months)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Merlin not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Merlin is running:")
		fmt.Println("  go run cmd/merlin/main.go")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))

	// Shocks in the last quarter so the rolling window has history.
	shocks := []shock{
		{*months - 2, "Local Sales", 2.1},
		{*months - 1, "Advisory", 3.5},
		{*months - 1, "Returns (-)", 4.0},
	}

	company, err := createCompany(*baseURL, *name, *seed)
	if err != nil {
		fmt.Printf("ERROR: failed to create company: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Company registered: %s (%s)\n", company.Name, company.ID)

	rows := generateLedger(rng, *months, *rowsPerMonth, shocks)
	fmt.Printf("Generated %d ledger rows\n", len(rows))

	if err := postJSON(*baseURL+"/companies/"+company.ID+"/transactions", map[string]any{"transactions": rows}, nil); err != nil {
		fmt.Printf("ERROR: failed to ingest transactions: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()

	var computeResp struct {
		Metrics map[string]int `json:"metrics"`
	}
	if err := postJSON(*baseURL+"/companies/"+company.ID+"/metrics/compute", nil, &computeResp); err != nil {
		fmt.Printf("ERROR: metric aggregation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Aggregated %d metric series\n", len(computeResp.Metrics))

	var detectResp struct {
		Flagged int `json:"flagged"`
	}
	if err := postJSON(*baseURL+"/companies/"+company.ID+"/anomalies/detect", nil, &detectResp); err != nil {
		fmt.Printf("ERROR: anomaly detection failed: %v\n", err)
		os.Exit(1)
	}

	var attrResp struct {
		Attributed int `json:"attributed"`
	}
	if err := postJSON(*baseURL+"/companies/"+company.ID+"/contributors/compute", nil, &attrResp); err != nil {
		fmt.Printf("ERROR: attribution failed: %v\n", err)
		os.Exit(1)
	}

	elapsed := time.Since(start)

	var listResp struct {
		Anomalies []anomalyRecord `json:"anomalies"`
	}
	if err := getJSON(*baseURL+"/companies/"+company.ID+"/anomalies", &listResp); err != nil {
		fmt.Printf("ERROR: failed to list anomalies: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("═══════════════════════ RESULTS ═══════════════════════")
	fmt.Printf("Pipeline time:  %v\n", elapsed)
	fmt.Printf("Flagged:        %d anomalies\n", detectResp.Flagged)
	fmt.Printf("Attributed:     %d anomalies\n", attrResp.Attributed)
	fmt.Println()

	for _, a := range listResp.Anomalies {
		pct := "n/a"
		if a.PctChange != nil {
			pct = fmt.Sprintf("%+.1f%%", *a.PctChange)
		}
		fmt.Printf("  %-18s %s  severity=%.1f  reason=%s  mom=%s\n",
			a.MetricName, a.Month[:7], a.SeverityScore, a.Reason, pct)

		var contribResp struct {
			Contributors []contributorRecord `json:"contributors"`
		}
		if err := getJSON(*baseURL+"/anomalies/"+a.ID+"/contributors", &contribResp); err != nil {
			continue
		}
		for _, c := range contribResp.Contributors {
			fmt.Printf("      %-24s %12.2f  share=%.2f  txs=%d\n",
				c.Label, c.Amount, c.ShareOfTotal, c.TxCount)
		}
	}
	fmt.Println()
}

// generateLedger produces rows for each account in each month, with noise
// and the configured shocks applied.
func generateLedger(rng *rand.Rand, months, rowsPerMonth int, shocks []shock) []transactionRow {
	start := time.Date(time.Now().Year()-2, time.January, 1, 0, 0, 0, 0, time.UTC)

	var rows []transactionRow
	for m := 0; m < months; m++ {
		monthStart := start.AddDate(0, m, 0)

		for _, p := range profiles {
			total := p.Base * (0.9 + rng.Float64()*0.2)
			for _, s := range shocks {
				if s.monthOffset == m && s.accountName == p.AccountName {
					total *= s.factor
				}
			}

			for i := 0; i < rowsPerMonth; i++ {
				day := 1 + rng.Intn(27)
				row := transactionRow{
					TxDate:      monthStart.AddDate(0, 0, day).Format("2006-01-02"),
					AccountCode: p.AccountCode,
					AccountName: p.AccountName,
					Amount:      total / float64(rowsPerMonth),
				}
				if len(p.Customers) > 0 {
					row.CustomerName = p.Customers[rng.Intn(len(p.Customers))]
				} else {
					row.Description = fmt.Sprintf("%s invoice %d", p.AccountName, rng.Intn(9000)+1000)
				}
				rows = append(rows, row)
			}
		}
	}
	return rows
}

func createCompany(baseURL, name string, seed int64) (*companyResponse, error) {
	var company companyResponse
	err := postJSON(baseURL+"/companies", map[string]string{
		"externalRef": fmt.Sprintf("seed-%d-%d", seed, time.Now().UnixNano()),
		"name":        name,
	}, &company)
	if err != nil {
		return nil, err
	}
	return &company, nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

func postJSON(url string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody map[string]string
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, errBody["error"])
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func getJSON(url string, out any) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
