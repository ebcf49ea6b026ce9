// Benchmark tool for measuring Kestrel against labelled synthetic anomalies.
//
// Usage:
//
//	go run ./cmd/benchmark -url http://localhost:8080 -rows 5000
//
// This tool:
//  1. Generates a Benford-conforming population with injected splitting,
//     duplicate, outlier and sequence-gap anomalies
//  2. Uploads it and runs a synchronous analysis
//  3. Compares rows with risk_score >= threshold against the injected labels
//  4. Prints precision, recall, F1-score, the confusion matrix and per-kind recall
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	// Per injected kind: rows caught and rows injected.
	Caught   map[string]int
	Injected map[string]int
}

type client struct {
	http     *http.Client
	baseURL  string
	tenantID string
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	rows := flag.Int("rows", 5000, "Background rows to generate")
	vendors := flag.Int("vendors", 1000, "Distinct background vendors")
	splits := flag.Int("splits", 5, "Vendors with an injected split purchase")
	dups := flag.Int("duplicates", 20, "Injected duplicate invoices")
	outliers := flag.Int("outliers", 10, "Injected amount outliers")
	gaps := flag.Int("gaps", 5, "Injected sequence gaps")
	threshold := flag.Float64("threshold", 15, "Risk score counted as a detection")
	seed := flag.Uint64("seed", 42, "Generator and isolation forest seed")
	verbose := flag.Bool("verbose", false, "Print each missed or false row")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        KESTREL BENCHMARK - Synthetic Audit Anomalies          ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Threshold:   %.1f\n", *threshold)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	c := &client{http: &http.Client{Timeout: 5 * time.Minute}, baseURL: *baseURL, tenantID: *tenantID}

	if err := c.checkHealth(); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	syn := Generate(GenOptions{
		Rows:       *rows,
		Vendors:    *vendors,
		Splits:     *splits,
		Duplicates: *dups,
		Outliers:   *outliers,
		Gaps:       *gaps,
		Seed:       *seed,
	})
	fmt.Printf("✓ Generated %d rows, %d labelled anomalous\n", len(syn.Request.Rows), len(syn.Labels))

	start := time.Now()
	popID, err := c.upload(syn)
	if err != nil {
		fmt.Printf("ERROR: upload failed: %v\n", err)
		os.Exit(1)
	}
	uploaded := time.Since(start)
	fmt.Printf("✓ Uploaded population %s in %v\n", popID, uploaded.Round(time.Millisecond))

	start = time.Now()
	analysis, err := c.analyze(popID, *seed)
	if err != nil {
		fmt.Printf("ERROR: analysis failed: %v\n", err)
		os.Exit(1)
	}
	analyzed := time.Since(start)
	fmt.Printf("✓ Analysis %s finished in %v\n", analysis.ID, analyzed.Round(time.Millisecond))

	scored, err := c.scoredRows(popID, *threshold)
	if err != nil {
		fmt.Printf("ERROR: failed to fetch scored rows: %v\n", err)
		os.Exit(1)
	}

	m := Score(syn, scored, *threshold)
	if *verbose {
		printMisses(syn, scored, *threshold)
	}
	printResults(m, analysis, len(syn.Request.Rows), analyzed)
}

func (c *client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.tenantID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) checkHealth() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

func (c *client) upload(syn *Synthetic) (string, error) {
	var pop domain.Population
	if err := c.do(http.MethodPost, "/populations", syn.Request, &pop); err != nil {
		return "", err
	}
	return pop.ID, nil
}

func (c *client) analyze(popID string, seed uint64) (*domain.Analysis, error) {
	var a domain.Analysis
	path := fmt.Sprintf("/populations/%s/analyze?force=true&seed=%d", popID, seed)
	if err := c.do(http.MethodPost, path, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *client) scoredRows(popID string, threshold float64) (map[string]*domain.Row, error) {
	var resp struct {
		Rows []*domain.Row `json:"rows"`
	}
	path := fmt.Sprintf("/populations/%s/rows?minScore=%g", popID, threshold)
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]*domain.Row, len(resp.Rows))
	for _, r := range resp.Rows {
		out[r.ID] = r
	}
	return out, nil
}

// Score builds the confusion matrix of detections against labels.
func Score(syn *Synthetic, scored map[string]*domain.Row, threshold float64) *Metrics {
	m := &Metrics{Caught: map[string]int{}, Injected: map[string]int{}}
	for _, row := range syn.Request.Rows {
		kind, actual := syn.Labels[row.ID]
		r, ok := scored[row.ID]
		predicted := ok && r.RiskScore >= threshold

		if actual {
			m.Injected[kind]++
			if predicted {
				m.Caught[kind]++
			}
		}

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}
	return m
}

// Precision, Recall and F1 return 0 when undefined.
func (m *Metrics) Precision() float64 { return ratio(m.TruePositives, m.TruePositives+m.FalsePositives) }
func (m *Metrics) Recall() float64    { return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives) }
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func printMisses(syn *Synthetic, scored map[string]*domain.Row, threshold float64) {
	fmt.Println()
	for _, row := range syn.Request.Rows {
		kind, actual := syn.Labels[row.ID]
		r, ok := scored[row.ID]
		predicted := ok && r.RiskScore >= threshold
		switch {
		case actual && !predicted:
			fmt.Printf("✗ missed %-12s %-14s amount=%-12v vendor=%s\n", row.ID, kind, row.Raw["amount"], row.Raw["vendor"])
		case predicted && !actual:
			fmt.Printf("✗ false  %-12s score=%-6.2f factors=%v\n", row.ID, r.RiskScore, r.RiskFactors)
		}
	}
}

func printResults(m *Metrics, a *domain.Analysis, total int, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Rows Analyzed:    %d\n", a.Report.RowsAnalyzed)
	fmt.Printf("   Rows Flagged:     %d\n", a.Report.FlaggedRows)
	fmt.Printf("   Persisted:        %d (failed %d)\n", a.Persisted, len(a.Failed))

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FLAG        PASS")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           N  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", m.Precision())
	fmt.Printf("   Recall:     %.4f\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", m.F1())

	fmt.Printf("\n🔍 RECALL BY ANOMALY KIND\n")
	kinds := make([]string, 0, len(m.Injected))
	for k := range m.Injected {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("   %-14s %4d / %-4d (%.1f%%)\n", k, m.Caught[k], m.Injected[k], 100*ratio(m.Caught[k], m.Injected[k]))
	}

	fmt.Printf("\n🧪 DETECTOR STATUS\n")
	for _, name := range domain.DetectorOrder {
		if status, ok := a.Report.DetectorStatus[name]; ok {
			fmt.Printf("   %-16s %s\n", name, status)
		}
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Analysis:         %v\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Throughput:       %.0f rows/sec\n", float64(total)/duration.Seconds())
	}
	fmt.Println()
}
