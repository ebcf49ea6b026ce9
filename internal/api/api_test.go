package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

const testTenant = "tenant-001"

type testEnv struct {
	server *Server
	bus    *bus.ChannelBus
}

func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ruleEngine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	lru := cache.NewLRUCache(10)
	eventBus := bus.NewChannelBus(10)
	t.Cleanup(func() { eventBus.Close() })

	p := pipeline.New(pipeline.Deps{
		Store:  repo,
		Engine: engine.New(domain.DefaultAnalysisConfig(), ruleEngine),
		Cache:  lru,
		Bus:    eventBus,
		Rules:  ruleEngine,
	})

	handler := NewHandler(repo, lru, eventBus, ruleEngine, p, "test-v1")
	return &testEnv{
		server: NewServer(ServerOptions{Host: "localhost", Port: 8080}, handler),
		bus:    eventBus,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, testTenant)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

func populationRequest(id string, n int) CreatePopulationRequest {
	req := CreatePopulationRequest{
		ID:   id,
		Name: "FY24 payables",
		Mapping: domain.ColumnMapping{
			UniqueID:      "invoice",
			MonetaryValue: "amount",
			Vendor:        "vendor",
			Date:          "posted",
		},
	}
	for i := range n {
		req.Rows = append(req.Rows, RowInput{
			ID: fmt.Sprintf("row-%03d", i),
			Raw: map[string]any{
				"invoice": fmt.Sprintf("INV-%04d", i),
				"amount":  fmt.Sprintf("%d.%02d", 120+i%9*13, i%100),
				"vendor":  fmt.Sprintf("V%d", i%4),
				"posted":  fmt.Sprintf("2024-03-%02d", 1+i%28),
			},
		})
	}
	req.Rows = append(req.Rows, RowInput{
		ID:  "row-huge",
		Raw: map[string]any{"invoice": "INV-HUGE", "amount": "$1,250,000.00", "vendor": "V9", "posted": "2024-03-30"},
	})
	return req
}

func TestPopulationEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Create", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/populations", populationRequest("pop-1", 40))
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		pop := decode[domain.Population](t, rr)
		if pop.RowCount != 41 {
			t.Errorf("expected 41 rows, got %d", pop.RowCount)
		}
	})

	t.Run("CreateConflict", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/populations", populationRequest("pop-1", 1))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("CreateValidation", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/populations", "not-json"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for invalid JSON, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodPost, "/populations", CreatePopulationRequest{Name: "empty"}); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without rows, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/populations/pop-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if pop := decode[domain.Population](t, rr); pop.Mapping.Vendor != "vendor" {
			t.Errorf("expected mapping to round-trip, got %+v", pop.Mapping)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/populations/nope", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("AnalysisBeforeRun", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/populations/pop-1/analysis", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("AnalyzeSync", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/populations/pop-1/analyze?seed=7", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		a := decode[domain.Analysis](t, rr)
		if a.Seed != 7 {
			t.Errorf("expected seed 7, got %d", a.Seed)
		}
		if a.Report.RowsAnalyzed != 41 {
			t.Errorf("expected 41 rows analyzed, got %d", a.Report.RowsAnalyzed)
		}
		if a.Report.DetectorStatus[domain.DetectorOutlier] != domain.StatusCompleted {
			t.Errorf("expected outlier detector to complete, got %v", a.Report.DetectorStatus)
		}
		if a.Report.DetectorStatus[domain.DetectorEntropy] != domain.StatusSkippedMapping {
			t.Errorf("expected entropy to be skipped without category, got %s", a.Report.DetectorStatus[domain.DetectorEntropy])
		}
	})

	t.Run("ScoredRows", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/populations/pop-1/rows?minScore=15", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[struct {
			Count int           `json:"count"`
			Rows  []*domain.Row `json:"rows"`
		}](t, rr)
		var huge bool
		for _, row := range resp.Rows {
			if row.RiskScore < 15 {
				t.Errorf("row %s below minScore: %v", row.ID, row.RiskScore)
			}
			huge = huge || row.ID == "row-huge"
		}
		if resp.Count != len(resp.Rows) || !huge {
			t.Fatalf("expected row-huge among scored rows, got %+v", resp.Rows)
		}

		if rr := env.do(t, http.MethodGet, "/populations/pop-1/rows?minScore=abc", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad minScore, got %d", rr.Code)
		}
	})

	t.Run("LatestAnalysis", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/populations/pop-1/analysis", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("AnalyzeCachedThenForced", func(t *testing.T) {
		cached := decode[domain.Analysis](t, env.do(t, http.MethodPost, "/populations/pop-1/analyze?seed=7", nil))
		if !cached.Cached {
			t.Error("expected second run to come from cache")
		}
		forced := decode[domain.Analysis](t, env.do(t, http.MethodPost, "/populations/pop-1/analyze?seed=7&force=true", nil))
		if forced.Cached {
			t.Error("expected forced run to bypass cache")
		}
	})

	t.Run("AnalyzeAsync", func(t *testing.T) {
		got := make(chan domain.AnalysisRequest, 1)
		env.bus.Subscribe(context.Background(), testTenant, domain.TopicAnalysisRequested, func(ctx context.Context, msg *domain.Message) error {
			var req domain.AnalysisRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				return err
			}
			got <- req
			return nil
		})

		rr := env.do(t, http.MethodPost, "/populations/pop-1/analyze?async=true&force=1", nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case req := <-got:
			if req.PopulationID != "pop-1" || !req.Force || req.TenantID != testTenant {
				t.Errorf("unexpected queued request: %+v", req)
			}
		case <-time.After(time.Second):
			t.Fatal("analysis request was not published")
		}
	})

	t.Run("AnalyzeBadParams", func(t *testing.T) {
		for _, q := range []string{"seed=-1", "force=maybe", "async=sure"} {
			if rr := env.do(t, http.MethodPost, "/populations/pop-1/analyze?"+q, nil); rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", q, rr.Code)
			}
		}
		if rr := env.do(t, http.MethodPost, "/populations/missing/analyze", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for missing population, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)

	rule := CreateRuleRequest{
		ID:         "huge-amount",
		Name:       "Huge amount",
		Expression: "amount > 1000000.0",
		Weight:     25,
		Enabled:    true,
	}

	t.Run("CreateActivatesRule", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		list := decode[struct {
			Count int `json:"count"`
		}](t, env.do(t, http.MethodGet, "/rules", nil))
		if list.Count != 1 {
			t.Errorf("expected 1 loaded rule, got %d", list.Count)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		bad := rule
		bad.ID = "bad"
		bad.Expression = "amount >"
		if rr := env.do(t, http.MethodPost, "/rules", bad); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		if rr := env.do(t, http.MethodPost, "/rules", CreateRuleRequest{ID: "x"}); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/rules/huge-amount", nil); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodGet, "/rules/nope", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if resp := decode[map[string]any](t, rr); resp["count"] != float64(1) {
			t.Errorf("expected count 1, got %v", resp["count"])
		}
	})

	t.Run("RuleFiresInAnalysis", func(t *testing.T) {
		env.do(t, http.MethodPost, "/populations", populationRequest("pop-r", 20))

		a := decode[domain.Analysis](t, env.do(t, http.MethodPost, "/populations/pop-r/analyze", nil))
		if a.Report.CustomRules == nil || len(a.Report.CustomRules.Rules) != 1 || a.Report.CustomRules.Rules[0].Fired != 1 {
			t.Fatalf("expected the rule to fire once, got %+v", a.Report.CustomRules)
		}

		rows := decode[struct {
			Rows []*domain.Row `json:"rows"`
		}](t, env.do(t, http.MethodGet, "/populations/pop-r/rows?minScore=1", nil))
		var found bool
		for _, r := range rows.Rows {
			for _, f := range r.RiskFactors {
				if f == "rule:huge-amount" {
					if r.ID != "row-huge" {
						t.Errorf("rule fired on unexpected row %s", r.ID)
					}
					found = true
				}
			}
		}
		if !found {
			t.Error("expected rule:huge-amount on row-huge")
		}
	})
}

func TestServiceEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[map[string]string](t, rr)
		if resp["status"] != "healthy" || resp["version"] != "test-v1" {
			t.Errorf("unexpected health response: %v", resp)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodGet, "/populations/unknown", nil)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte("kestrel_http_requests_total")) {
			t.Error("expected kestrel_http_requests_total in metrics output")
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rules", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header")
		}
	})

	t.Run("IncomingTraceParent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(TraceIDHeader); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
			t.Errorf("expected caller trace id to be kept, got %q", got)
		}
	})

	t.Run("Preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/populations", nil)
		req.Header.Set("Origin", "https://audit.example.com")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://audit.example.com" {
			t.Error("expected origin to be echoed")
		}
	})
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}

func TestBuildRows(t *testing.T) {
	mapping := domain.ColumnMapping{UniqueID: "doc", MonetaryValue: "amt"}
	rows := BuildRows(mapping, []RowInput{
		{ID: "a", Raw: map[string]any{"doc": 1042.0, "amt": "(1,200.50)"}},
		{Raw: map[string]any{"doc": "X-1"}},
		{},
		{ID: "d", Raw: map[string]any{"doc": "X-2", "amt": "n/a"}},
		{ID: "e", Raw: map[string]any{"doc": "X-3", "amt": nil}},
	})

	if rows[0].UniqueID != "1042" {
		t.Errorf("expected numeric id to be rendered as 1042, got %q", rows[0].UniqueID)
	}
	if rows[0].MonetaryValue == nil {
		t.Fatal("expected parsed monetary value")
	}
	if rows[1].MonetaryValue != nil {
		t.Error("expected nil monetary value when the field is absent")
	}
	if rows[2].Raw == nil {
		t.Error("expected empty raw map for empty input")
	}
	if rows[3].MonetaryValue == nil || *rows[3].MonetaryValue != 0 {
		t.Errorf("expected unparsable amount to read as 0, got %v", rows[3].MonetaryValue)
	}
	if rows[4].MonetaryValue != nil {
		t.Error("expected nil monetary value when the field is null")
	}
}
