package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
)

const tenant = "tenant-001"

type fixture struct {
	repo     domain.Repository
	cache    *cache.LRUCache
	bus      *bus.ChannelBus
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(10)
	eventBus := bus.NewChannelBus(10)
	t.Cleanup(func() { eventBus.Close() })

	p := New(Deps{
		Store:    repo,
		Engine:   engine.New(domain.DefaultAnalysisConfig(), nil),
		Cache:    lru,
		Bus:      eventBus,
		Persist:  domain.PersistConfig{ChunkSize: 40, RetryWait: time.Millisecond},
		Pipeline: domain.PipelineConfig{FlagThreshold: 15},
	})
	return &fixture{repo: repo, cache: lru, bus: eventBus, pipeline: p}
}

func seed(t *testing.T, repo domain.Repository, popID string, n int) {
	t.Helper()

	rows := make([]*domain.Row, 0, n+2)
	for i := range n {
		rows = append(rows, &domain.Row{
			ID:  fmt.Sprintf("row-%03d", i),
			Raw: map[string]any{"doc": fmt.Sprintf("INV-%03d", i), "amount": 100 + float64(i%7)*3.5},
		})
	}
	// One outlier and one duplicate of the first document.
	rows = append(rows,
		&domain.Row{ID: "row-big", Raw: map[string]any{"doc": "INV-BIG", "amount": "$250,000.00"}},
		&domain.Row{ID: "row-dup", Raw: map[string]any{"doc": "INV-000", "amount": 100.0}},
	)

	pop := &domain.Population{
		ID:      popID,
		Name:    "test population",
		Mapping: domain.ColumnMapping{UniqueID: "doc", MonetaryValue: "amount"},
	}
	require.NoError(t, repo.SavePopulation(context.Background(), tenant, pop, rows))
}

func TestRunPersistsScoresAndReport(t *testing.T) {
	f := newFixture(t)
	seed(t, f.repo, "pop-1", 60)
	ctx := context.Background()

	completed := make(chan domain.AnalysisEvent, 2)
	flagged := make(chan domain.FlaggedEvent, 1)
	_, err := f.bus.Subscribe(ctx, tenant, domain.TopicAnalysisCompleted, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.AnalysisEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		completed <- ev
		return nil
	})
	require.NoError(t, err)
	_, err = f.bus.Subscribe(ctx, tenant, domain.TopicAnalysisFlagged, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.FlaggedEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		flagged <- ev
		return nil
	})
	require.NoError(t, err)

	a, err := f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "pop-1"})
	require.NoError(t, err)

	assert.False(t, a.Cached)
	assert.Equal(t, 62, a.RowsScored)
	assert.Equal(t, 62, a.Persisted)
	assert.Empty(t, a.Failed)
	assert.Equal(t, uint64(42), a.Seed)
	require.NotNil(t, a.Report.Outliers)
	require.NotNil(t, a.Report.Duplicates)
	assert.Equal(t, 1, a.Report.Duplicates.DuplicatesCount)
	assert.Equal(t, 1, a.Report.Duplicates.Clusters)

	scored, err := f.repo.ListScoredRows(ctx, tenant, "pop-1", 15)
	require.NoError(t, err)
	ids := make(map[string][]string)
	for _, r := range scored {
		ids[r.ID] = r.RiskFactors
	}
	assert.Contains(t, ids["row-big"], "outlier")
	assert.Contains(t, ids["row-dup"], "duplicate")
	assert.Contains(t, ids["row-000"], "duplicate")

	latest, err := f.repo.GetLatestAnalysis(ctx, tenant, "pop-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, latest.ID)

	select {
	case ev := <-completed:
		assert.Equal(t, a.ID, ev.AnalysisID)
		assert.Equal(t, 62, ev.RowsAnalyzed)
	case <-time.After(time.Second):
		t.Fatal("no completed event")
	}
	select {
	case ev := <-flagged:
		assert.Equal(t, 15.0, ev.Threshold)
		require.NotEmpty(t, ev.Rows)
		for i := 1; i < len(ev.Rows); i++ {
			assert.GreaterOrEqual(t, ev.Rows[i-1].RiskScore, ev.Rows[i].RiskScore)
		}
	case <-time.After(time.Second):
		t.Fatal("no flagged event")
	}
}

func TestRunUsesCacheUnlessForced(t *testing.T) {
	f := newFixture(t)
	seed(t, f.repo, "pop-1", 30)
	ctx := context.Background()
	req := domain.AnalysisRequest{TenantID: tenant, PopulationID: "pop-1"}

	first, err := f.pipeline.Run(ctx, req)
	require.NoError(t, err)

	second, err := f.pipeline.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Report.FlaggedRows, second.Report.FlaggedRows)

	req.Force = true
	forced, err := f.pipeline.Run(ctx, req)
	require.NoError(t, err)
	assert.False(t, forced.Cached)
	assert.NotEqual(t, first.ID, forced.ID)
	assert.Equal(t, first.Report.FlaggedRows, forced.Report.FlaggedRows)

	other := uint64(7)
	reseeded, err := f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "pop-1", Seed: &other})
	require.NoError(t, err)
	assert.False(t, reseeded.Cached, "a different seed must miss the cache")
	assert.Equal(t, other, reseeded.Seed)
}

func TestRunCacheFollowsLatestAnalysis(t *testing.T) {
	f := newFixture(t)
	seed(t, f.repo, "pop-1", 40)
	ctx := context.Background()

	scores := func() map[string]float64 {
		rows, err := f.repo.FetchRows(ctx, tenant, "pop-1")
		require.NoError(t, err)
		out := make(map[string]float64, len(rows))
		for _, r := range rows {
			out[r.ID] = r.RiskScore
		}
		return out
	}

	seed42, seed7 := uint64(42), uint64(7)
	first, err := f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "pop-1", Seed: &seed42})
	require.NoError(t, err)
	firstScores := scores()

	_, err = f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "pop-1", Seed: &seed7})
	require.NoError(t, err)

	again, err := f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "pop-1", Seed: &seed42})
	require.NoError(t, err)
	assert.False(t, again.Cached, "a report superseded by another run must not be served")
	assert.NotEqual(t, first.ID, again.ID)
	assert.Equal(t, seed42, again.Seed)
	assert.Equal(t, firstScores, scores())

	latest, err := f.repo.GetLatestAnalysis(ctx, tenant, "pop-1")
	require.NoError(t, err)
	assert.Equal(t, again.ID, latest.ID)

	// Nothing ran in between, so the fresh report is served from cache.
	cached, err := f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "pop-1", Seed: &seed42})
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, again.ID, cached.ID)
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "missing"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, f.repo.SavePopulation(ctx, tenant, &domain.Population{ID: "empty"}, nil))
	_, err = f.pipeline.Run(ctx, domain.AnalysisRequest{TenantID: tenant, PopulationID: "empty"})
	assert.ErrorIs(t, err, ErrEmptyPopulation)
}

type staticRules []*domain.RuleConfig

func (s staticRules) GetLoadedRules(string) []*domain.RuleConfig { return s }

func TestFingerprint(t *testing.T) {
	eng := engine.New(domain.DefaultAnalysisConfig(), nil)
	mapping := domain.ColumnMapping{MonetaryValue: "amount"}

	plain := New(Deps{Engine: eng})
	withRules := New(Deps{Engine: eng, Rules: staticRules{{ID: "r1", Expression: "amount > 1.0", Version: "1"}}})

	base := plain.Fingerprint(tenant, mapping, 42)
	assert.Equal(t, base, plain.Fingerprint(tenant, mapping, 42))
	assert.NotEqual(t, base, plain.Fingerprint(tenant, mapping, 43))
	assert.NotEqual(t, base, plain.Fingerprint(tenant, domain.ColumnMapping{MonetaryValue: "total"}, 42))
	assert.NotEqual(t, base, withRules.Fingerprint(tenant, mapping, 42))
}

func TestHighRisk(t *testing.T) {
	updates := []domain.RiskUpdate{
		{ID: "a", RiskScore: 10},
		{ID: "b", RiskScore: 80},
		{ID: "c", RiskScore: 50},
		{ID: "d", RiskScore: 80},
	}

	got := HighRisk(updates, 50)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "d", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Empty(t, HighRisk(updates, 90))
}
