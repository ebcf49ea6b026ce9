// Package pipeline runs one analysis end to end: fetch, detect, persist,
// record and announce.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/persist"
)

var tracer = otel.Tracer("kestrel-pipeline")

// ErrEmptyPopulation is returned when a population has no rows.
var ErrEmptyPopulation = errors.New("population has no rows")

// Store is the storage the pipeline reads from and writes to.
type Store interface {
	domain.RowStore
	GetPopulation(ctx context.Context, tenantID string, populationID string) (*domain.Population, error)
	GetLatestAnalysis(ctx context.Context, tenantID string, populationID string) (*domain.Analysis, error)
	SaveAnalysis(ctx context.Context, tenantID string, analysis *domain.Analysis) error
}

// RuleLister exposes the custom rules of a tenant for cache fingerprinting.
type RuleLister interface {
	GetLoadedRules(tenantID string) []*domain.RuleConfig
}

// Pipeline wires the engine to storage, cache and bus.
// Cache, bus and rules are optional.
type Pipeline struct {
	store     Store
	engine    *engine.Engine
	writer    *persist.Writer
	cache     domain.Cache
	bus       domain.EventBus
	rules     RuleLister
	cfg       domain.PipelineConfig
	reportTTL time.Duration
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     Store
	Engine    *engine.Engine
	Cache     domain.Cache
	Bus       domain.EventBus
	Rules     RuleLister
	Persist   domain.PersistConfig
	Pipeline  domain.PipelineConfig
	ReportTTL time.Duration
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	cfg := d.Pipeline
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = 50
	}
	if cfg.MaxFlaggedEvent <= 0 {
		cfg.MaxFlaggedEvent = 500
	}
	ttl := d.ReportTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Pipeline{
		store:     d.Store,
		engine:    d.Engine,
		writer:    persist.NewWriter(d.Store, d.Persist),
		cache:     d.Cache,
		bus:       d.Bus,
		rules:     d.Rules,
		cfg:       cfg,
		reportTTL: ttl,
	}
}

// Run analyzes one population. Unless req.Force is set, a cached report for
// the same population, configuration, seed and rule set is returned as is.
func (p *Pipeline) Run(ctx context.Context, req domain.AnalysisRequest) (*domain.Analysis, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("population_id", req.PopulationID),
			attribute.Bool("force", req.Force),
		),
	)
	defer span.End()

	analysis, err := p.run(ctx, req, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.AnalysisRunsTotal.WithLabelValues("failed").Inc()
		slog.Error("analysis failed",
			"tenant_id", req.TenantID,
			"population_id", req.PopulationID,
			"error", err,
		)
		return nil, err
	}

	outcome := "completed"
	if analysis.Cached {
		outcome = "cached"
	}
	metrics.AnalysisRunsTotal.WithLabelValues(outcome).Inc()
	metrics.AnalysisDurationSeconds.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("flagged_rows", analysis.Report.FlaggedRows))
	return analysis, nil
}

func (p *Pipeline) run(ctx context.Context, req domain.AnalysisRequest, start time.Time) (*domain.Analysis, error) {
	pop, err := p.store.GetPopulation(ctx, req.TenantID, req.PopulationID)
	if err != nil {
		return nil, fmt.Errorf("load population: %w", err)
	}

	seed := p.engine.Config().Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	fp := p.Fingerprint(req.TenantID, pop.Mapping, seed)
	key := cache.AnalysisKey(pop.ID, fp)

	if !req.Force {
		if cached := p.lookup(ctx, req.TenantID, pop.ID, key); cached != nil {
			slog.Info("analysis served from cache",
				"tenant_id", req.TenantID,
				"population_id", pop.ID,
				"analysis_id", cached.ID,
			)
			p.publishCompleted(ctx, req.TenantID, cached)
			return cached, nil
		}
	}

	rows, err := p.store.FetchRows(ctx, req.TenantID, pop.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyPopulation
	}

	res, err := p.engine.Analyze(ctx, rows, pop.Mapping, engine.Options{TenantID: req.TenantID, Seed: &seed})
	if err != nil {
		return nil, err
	}

	for i := range res.Updates {
		if res.Updates[i].PopulationID == "" {
			res.Updates[i].PopulationID = pop.ID
		}
	}

	written, err := p.writer.Write(ctx, req.TenantID, res.Updates)
	if err != nil {
		return nil, fmt.Errorf("persist risk scores: %w", err)
	}

	analysis := &domain.Analysis{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		PopulationID: pop.ID,
		Seed:         res.Seed,
		Fingerprint:  fp,
		Report:       res.Report,
		RowsScored:   len(res.Updates),
		Persisted:    written.Written,
		Failed:       written.Failed,
		DurationMs:   time.Since(start).Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.SaveAnalysis(ctx, req.TenantID, analysis); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	// A report with unwritten rows would hide them on the next run.
	if p.cache != nil && len(analysis.Failed) == 0 {
		if err := p.cache.SetAnalysis(ctx, req.TenantID, key, analysis, p.reportTTL); err != nil {
			slog.Warn("failed to cache analysis", "analysis_id", analysis.ID, "error", err)
		}
	}

	slog.Info("analysis completed",
		"tenant_id", req.TenantID,
		"population_id", pop.ID,
		"analysis_id", analysis.ID,
		"rows", len(rows),
		"flagged_rows", analysis.Report.FlaggedRows,
		"persist_failures", len(analysis.Failed),
		"seed", strconv.FormatUint(analysis.Seed, 10),
		"duration_ms", analysis.DurationMs,
	)

	p.publishCompleted(ctx, req.TenantID, analysis)
	p.publishFlagged(ctx, req.TenantID, analysis, res.Updates)
	return analysis, nil
}

// lookup returns the cached report for key, but only while it is still the
// latest analysis of the population. Any later run has rewritten the row
// scores, so an older report no longer describes them.
func (p *Pipeline) lookup(ctx context.Context, tenantID, populationID, key string) *domain.Analysis {
	if p.cache == nil {
		return nil
	}
	cached, err := p.cache.GetAnalysis(ctx, tenantID, key)
	if err != nil {
		slog.Warn("cache lookup failed", "key", key, "error", err)
		cached = nil
	}
	if cached == nil {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	latest, err := p.store.GetLatestAnalysis(ctx, tenantID, populationID)
	if err != nil || latest.ID != cached.ID {
		slog.Debug("cached analysis superseded", "key", key, "analysis_id", cached.ID, "error", err)
		metrics.CacheLookupsTotal.WithLabelValues("stale").Inc()
		return nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	cached.Cached = true
	return cached
}

// Fingerprint identifies everything besides the rows that shapes a report:
// detector configuration, mapping, seed and the tenant's rule set.
func (p *Pipeline) Fingerprint(tenantID string, mapping domain.ColumnMapping, seed uint64) string {
	cfg := p.engine.Config()
	cfg.Seed = seed

	var rules []*domain.RuleConfig
	if p.rules != nil {
		rules = p.rules.GetLoadedRules(tenantID)
	}

	h := xxhash.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(cfg)
	_ = enc.Encode(mapping)
	_ = enc.Encode(rules)
	return strconv.FormatUint(h.Sum64(), 16)
}

func (p *Pipeline) publishCompleted(ctx context.Context, tenantID string, a *domain.Analysis) {
	p.publish(ctx, tenantID, domain.TopicAnalysisCompleted, domain.AnalysisEvent{
		AnalysisID:      a.ID,
		PopulationID:    a.PopulationID,
		RowsAnalyzed:    a.Report.RowsAnalyzed,
		FlaggedRows:     a.Report.FlaggedRows,
		PersistFailures: len(a.Failed),
		Cached:          a.Cached,
	})
}

func (p *Pipeline) publishFlagged(ctx context.Context, tenantID string, a *domain.Analysis, updates []domain.RiskUpdate) {
	flagged := HighRisk(updates, p.cfg.FlagThreshold)
	if len(flagged) == 0 {
		return
	}
	event := domain.FlaggedEvent{
		AnalysisID:   a.ID,
		PopulationID: a.PopulationID,
		Threshold:    p.cfg.FlagThreshold,
		Total:        len(flagged),
		Rows:         flagged[:min(len(flagged), p.cfg.MaxFlaggedEvent)],
	}
	p.publish(ctx, tenantID, domain.TopicAnalysisFlagged, event)
}

func (p *Pipeline) publish(ctx context.Context, tenantID, topic string, event any) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"topic", topic,
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

// HighRisk returns the updates scoring at least threshold, highest first.
// Ties keep population order.
func HighRisk(updates []domain.RiskUpdate, threshold float64) []domain.RiskUpdate {
	var out []domain.RiskUpdate
	for _, u := range updates {
		if u.RiskScore >= threshold {
			out = append(out, u)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.RiskUpdate) int {
		switch {
		case a.RiskScore > b.RiskScore:
			return -1
		case a.RiskScore < b.RiskScore:
			return 1
		}
		return 0
	})
	return out
}
