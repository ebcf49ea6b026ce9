// Package engine runs the forensic detectors over a population and merges
// their findings into per-row risk scores and one population report.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/forensics"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var tracer = otel.Tracer("kestrel-engine")

// RuleSource provides the custom rule detector of a tenant.
type RuleSource interface {
	Detector(tenantID string) forensics.Detector
}

// Engine dispatches detectors and aggregates their results.
// It performs no I/O.
type Engine struct {
	cfg       domain.AnalysisConfig
	detectors []forensics.Detector
	rules     RuleSource
}

// Options tune a single Analyze call.
type Options struct {
	TenantID string

	// Seed overrides AnalysisConfig.Seed when set.
	Seed *uint64
}

// Result is the output of one analysis.
type Result struct {
	Seed    uint64
	Updates []domain.RiskUpdate
	Report  domain.AdvancedAnalysis
}

// New creates an engine running the built-in detectors plus, when rules is
// non-nil, the tenant's custom audit rules.
func New(cfg domain.AnalysisConfig, rules RuleSource) *Engine {
	return NewWithDetectors(cfg, rules, forensics.All()...)
}

// NewWithDetectors creates an engine with an explicit detector set.
func NewWithDetectors(cfg domain.AnalysisConfig, rules RuleSource, detectors ...forensics.Detector) *Engine {
	return &Engine{cfg: cfg, detectors: detectors, rules: rules}
}

// Config returns the analysis configuration.
func (e *Engine) Config() domain.AnalysisConfig { return e.cfg }

// Analyze runs every eligible detector over rows and aggregates the results.
// A failing detector is reported as failed; it never aborts the run.
func (e *Engine) Analyze(ctx context.Context, rows []*domain.Row, mapping domain.ColumnMapping, opts Options) (*Result, error) {
	seed := e.cfg.Seed
	if opts.Seed != nil {
		seed = *opts.Seed
	}

	ctx, span := tracer.Start(ctx, "engine.Analyze",
		trace.WithAttributes(
			attribute.String("tenant_id", opts.TenantID),
			attribute.Int("rows", len(rows)),
			attribute.Int64("seed", int64(seed)),
		),
	)
	defer span.End()

	in := forensics.NewInput(rows, mapping, e.cfg, seed)

	detectors := e.detectors
	if e.rules != nil {
		detectors = append(append([]forensics.Detector(nil), e.detectors...), e.rules.Detector(opts.TenantID))
	}

	results := make([]*forensics.Result, len(detectors))
	failures := make(map[string]string)
	errs := make([]error, len(detectors))

	var g errgroup.Group
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}

	for idx, d := range detectors {
		if !d.Eligible(mapping) {
			results[idx] = forensics.Skipped(d.Name(), domain.StatusSkippedMapping)
			continue
		}
		g.Go(func() error {
			results[idx], errs[idx] = runDetector(ctx, d, in)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("analysis cancelled: %w", err)
	}

	for idx, err := range errs {
		if err != nil {
			failures[detectors[idx].Name()] = err.Error()
		}
	}

	for _, r := range results {
		metrics.DetectorRunsTotal.WithLabelValues(r.Detector, string(r.Status)).Inc()
	}

	updates, report := Aggregate(in, results)
	if len(failures) > 0 {
		report.DetectorErrors = failures
	}

	metrics.RowsScoredTotal.Add(float64(report.RowsAnalyzed))
	metrics.RowsFlaggedTotal.Add(float64(report.FlaggedRows))
	span.SetAttributes(attribute.Int("flagged_rows", report.FlaggedRows))

	return &Result{Seed: seed, Updates: updates, Report: report}, nil
}

// runDetector runs one detector, turning errors and panics into a failed result.
func runDetector(ctx context.Context, d forensics.Detector, in *forensics.Input) (res *forensics.Result, err error) {
	name := d.Name()
	ctx, span := tracer.Start(ctx, "detector."+name)
	defer span.End()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
		if err == nil && res == nil {
			err = fmt.Errorf("detector returned no result")
		}
		if err != nil {
			slog.Error("detector failed",
				"detector", name,
				"error", err,
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			res = forensics.Skipped(name, domain.StatusFailed)
		}
		res.Detector = name
		metrics.DetectorDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.String("status", string(res.Status)),
			attribute.Int("findings", len(res.Findings)),
		)
	}()

	return d.Run(ctx, in)
}
