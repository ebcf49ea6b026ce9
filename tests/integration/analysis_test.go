//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel.
//
// These tests exercise the complete analysis pipeline:
//
//	Upload population → Analyze → Persisted scores → Report
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The target defaults to http://localhost:8080; set KESTREL_TEST_URL to
// point elsewhere. Each test uses its own tenant so runs do not interfere.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type testClient struct {
	baseURL  string
	tenantID string
	http     *http.Client
}

func newClient(t *testing.T) *testClient {
	t.Helper()

	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := &testClient{
		baseURL:  baseURL,
		tenantID: "it-" + uuid.NewString()[:8],
		http:     &http.Client{Timeout: time.Minute},
	}

	resp, err := c.http.Get(baseURL + "/health")
	if err != nil {
		t.Skipf("kestrel not reachable at %s: %v", baseURL, err)
	}
	resp.Body.Close()
	return c
}

func (c *testClient) do(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.tenantID)

	resp, err := c.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "body: %s", respBody)

	if out != nil {
		require.NoError(t, json.Unmarshal(respBody, out), "body: %s", respBody)
	}
}

func (c *testClient) upload(t *testing.T, mapping domain.ColumnMapping, rows []api.RowInput) string {
	t.Helper()
	var pop domain.Population
	c.do(t, http.MethodPost, "/populations", api.CreatePopulationRequest{
		Name:    t.Name(),
		Mapping: mapping,
		Rows:    rows,
	}, http.StatusCreated, &pop)
	require.Equal(t, len(rows), pop.RowCount)
	return pop.ID
}

func (c *testClient) analyze(t *testing.T, popID string) *domain.Analysis {
	t.Helper()
	var a domain.Analysis
	c.do(t, http.MethodPost, "/populations/"+popID+"/analyze?force=true", nil, http.StatusOK, &a)
	return &a
}

func (c *testClient) rows(t *testing.T, popID string) map[string]*domain.Row {
	t.Helper()
	var resp struct {
		Rows []*domain.Row `json:"rows"`
	}
	c.do(t, http.MethodGet, "/populations/"+popID+"/rows", nil, http.StatusOK, &resp)
	out := make(map[string]*domain.Row, len(resp.Rows))
	for _, r := range resp.Rows {
		out[r.ID] = r
	}
	return out
}

func hasFactor(r *domain.Row, prefix string) bool {
	for _, f := range r.RiskFactors {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

// ============================================================================
// SCENARIO 1: Purchase splitting
// ============================================================================

func TestSplittingAcrossThreshold(t *testing.T) {
	// 995 unrelated $50 payments, plus six $900 payments to one vendor in
	// three days. Their $5,400 total crosses the $5,000 threshold.
	c := newClient(t)
	base := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	var rows []api.RowInput
	for i := range 995 {
		rows = append(rows, api.RowInput{ID: fmt.Sprintf("bg%d", i), Raw: map[string]any{
			"amount": 50.0,
			"vendor": fmt.Sprintf("vendor-%d", i),
			"date":   base.AddDate(0, 0, i%90).Format("2006-01-02"),
		}})
	}
	for i := range 6 {
		rows = append(rows, api.RowInput{ID: fmt.Sprintf("acme%d", i), Raw: map[string]any{
			"amount": "$900.00",
			"vendor": "ACME",
			"date":   base.AddDate(0, 0, i%3).Format("2006-01-02"),
		}})
	}

	popID := c.upload(t, domain.ColumnMapping{MonetaryValue: "amount", Vendor: "vendor", Date: "date"}, rows)
	a := c.analyze(t, popID)

	require.NotNil(t, a.Report.Splitting)
	assert.Equal(t, 1, a.Report.Splitting.SuspiciousVendors)
	assert.Equal(t, 6, a.Report.Splitting.TotalSuspiciousTransactions)

	scored := c.rows(t, popID)
	for i := range 6 {
		r := scored[fmt.Sprintf("acme%d", i)]
		require.NotNil(t, r)
		assert.True(t, hasFactor(r, "splitting:ACME"), "factors: %v", r.RiskFactors)
		assert.GreaterOrEqual(t, r.RiskScore, 40.0)
	}
	assert.False(t, hasFactor(scored["bg0"], "splitting:"))
}

// ============================================================================
// SCENARIO 2: Sequence gaps and duplicates
// ============================================================================

func TestSequenceGapAndDuplicates(t *testing.T) {
	c := newClient(t)

	var rows []api.RowInput
	for i, doc := range []string{"0001", "0002", "0020", "0021"} {
		rows = append(rows, api.RowInput{ID: fmt.Sprintf("d%d", i), Raw: map[string]any{
			"doc":     "FAC-" + doc,
			"invoice": "INV-" + doc,
		}})
	}
	rows = append(rows, api.RowInput{ID: "dup", Raw: map[string]any{"doc": "FAC-0022", "invoice": "INV-0001"}})

	popID := c.upload(t, domain.ColumnMapping{UniqueID: "invoice", SequentialID: "doc"}, rows)
	a := c.analyze(t, popID)

	require.NotNil(t, a.Report.Sequential)
	assert.Equal(t, 1, a.Report.Sequential.HighRiskGaps)
	require.NotNil(t, a.Report.Duplicates)
	assert.Equal(t, 1, a.Report.Duplicates.Clusters)
	assert.Equal(t, domain.StatusSkippedMapping, a.Report.DetectorStatus[domain.DetectorOutlier])

	scored := c.rows(t, popID)
	assert.Contains(t, scored["d2"].RiskFactors, "sequential_gap:17")
	assert.True(t, hasFactor(scored["dup"], "duplicate"))
	assert.True(t, hasFactor(scored["d0"], "duplicate"))
}

// ============================================================================
// SCENARIO 3: Custom rules and tenant isolation
// ============================================================================

func TestCustomRuleIsTenantScoped(t *testing.T) {
	c := newClient(t)
	other := &testClient{baseURL: c.baseURL, tenantID: c.tenantID + "-other", http: c.http}

	c.do(t, http.MethodPost, "/rules", api.CreateRuleRequest{
		ID:         "weekend-large",
		Name:       "Weekend large entries",
		Expression: "(weekday == 0 || weekday == 6) && amount > 10000.0",
		Weight:     30,
		Enabled:    true,
	}, http.StatusCreated, nil)

	rows := []api.RowInput{
		{ID: "sat", Raw: map[string]any{"amount": "12,500.00", "date": "2024-06-08"}},
		{ID: "mon", Raw: map[string]any{"amount": "12,500.00", "date": "2024-06-10"}},
	}
	mapping := domain.ColumnMapping{MonetaryValue: "amount", Date: "date"}

	popID := c.upload(t, mapping, rows)
	a := c.analyze(t, popID)
	require.NotNil(t, a.Report.CustomRules)
	assert.Equal(t, 1, a.Report.CustomRules.Rules[0].Fired)
	assert.Contains(t, c.rows(t, popID)["sat"].RiskFactors, "rule:weekend-large")

	// The other tenant has no rules and cannot see the first population.
	other.do(t, http.MethodGet, "/populations/"+popID, nil, http.StatusNotFound, nil)
	otherPop := other.upload(t, mapping, rows)
	b := other.analyze(t, otherPop)
	assert.Nil(t, b.Report.CustomRules)
	assert.Equal(t, domain.StatusSkippedInsufficient, b.Report.DetectorStatus[domain.DetectorCustomRules])
}

// ============================================================================
// SCENARIO 4: Determinism and caching
// ============================================================================

func TestRepeatedRunsAreDeterministic(t *testing.T) {
	c := newClient(t)

	var rows []api.RowInput
	for i := range 300 {
		rows = append(rows, api.RowInput{ID: fmt.Sprintf("r%03d", i), Raw: map[string]any{
			"amount":   fmt.Sprintf("%d.%02d", 100+(i*37)%900, i%100),
			"category": []string{"travel", "office", "it"}[i%3],
		}})
	}
	popID := c.upload(t, domain.ColumnMapping{MonetaryValue: "amount", Category: "category"}, rows)

	first := c.analyze(t, popID)
	firstRows := c.rows(t, popID)
	second := c.analyze(t, popID)
	secondRows := c.rows(t, popID)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Report.IsolationForest, second.Report.IsolationForest)
	for id, r := range firstRows {
		assert.Equal(t, r.RiskScore, secondRows[id].RiskScore, "row %s", id)
	}

	var cached domain.Analysis
	c.do(t, http.MethodPost, "/populations/"+popID+"/analyze", nil, http.StatusOK, &cached)
	assert.True(t, cached.Cached)

	var latest domain.Analysis
	c.do(t, http.MethodGet, "/populations/"+popID+"/analysis", nil, http.StatusOK, &latest)
	assert.Equal(t, second.ID, latest.ID)
}
