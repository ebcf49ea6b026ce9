// Package rules provides the CEL-Go based custom audit rule engine.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/forensics"
)

// Engine is the CEL-based rule evaluation engine.
// Rules are held per tenant.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      map[string]map[string]*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Outcome is the result of one rule on one row.
type Outcome struct {
	RuleID     string
	Score      float64
	SubRuleRef string
	Reason     string
	Fired      bool
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Row variables available to every expression
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("unique_id", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("subcategory", cel.StringType),
		cel.Variable("vendor", cel.StringType),
		cel.Variable("user", cel.StringType),
		// -1 when the row has no parsable date / clock time
		cel.Variable("weekday", cel.IntType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		rules:      make(map[string]map[string]*CompiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule for its tenant.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	if e.rules[cfg.TenantID] == nil {
		e.rules[cfg.TenantID] = make(map[string]*CompiledRule)
	}
	e.rules[cfg.TenantID][cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces all rules of a tenant.
// Nothing changes if any rule fails to compile.
func (e *Engine) ReloadRules(tenantID string, configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.rules[tenantID] = newRules
	return nil
}

// RulesCount returns the number of rules loaded for a tenant.
func (e *Engine) RulesCount(tenantID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules[tenantID])
}

// GetLoadedRules returns the rule configurations of a tenant, sorted by id.
func (e *Engine) GetLoadedRules(tenantID string) []*domain.RuleConfig {
	compiled := e.snapshot(tenantID)
	out := make([]*domain.RuleConfig, len(compiled))
	for i, r := range compiled {
		out[i] = r.Config
	}
	return out
}

func (e *Engine) snapshot(tenantID string) []*CompiledRule {
	e.mu.RLock()
	loaded := make([]*CompiledRule, 0, len(e.rules[tenantID]))
	for _, rule := range e.rules[tenantID] {
		loaded = append(loaded, rule)
	}
	e.mu.RUnlock()

	sort.Slice(loaded, func(a, b int) bool { return loaded[a].Config.ID < loaded[b].Config.ID })
	return loaded
}

// Activation builds the CEL variables for row i.
func Activation(in *forensics.Input, i int) map[string]any {
	record := in.Rows[i].Raw
	if record == nil {
		record = map[string]any{}
	}

	weekday, hour := int64(-1), int64(-1)
	if s := in.Stamp(i); s.OK {
		weekday = int64(s.Time.Weekday())
		if s.HasClock {
			hour = int64(s.Time.Hour())
		}
	}

	return map[string]any{
		"record":      record,
		"amount":      in.Amount(i),
		"unique_id":   in.UniqueID(i),
		"category":    in.Text(domain.RoleCategory, i),
		"subcategory": in.Text(domain.RoleSubcategory, i),
		"vendor":      in.Text(domain.RoleVendor, i),
		"user":        in.Text(domain.RoleUser, i),
		"weekday":     weekday,
		"hour":        hour,
	}
}

// Evaluate runs one compiled rule against an activation.
func (e *Engine) Evaluate(rule *CompiledRule, activation map[string]any) (Outcome, error) {
	result := Outcome{RuleID: rule.Config.ID}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.SubRuleRef = domain.RuleOutcomeError
		result.Reason = fmt.Sprintf("evaluation error: %v", err)
		return result, err
	}

	result.Score = toScore(out)
	if len(rule.Config.Bands) == 0 {
		result.SubRuleRef, result.Reason = domain.RuleOutcomePass, "no bands"
		result.Fired = result.Score > 0
		if result.Fired {
			result.SubRuleRef, result.Reason = domain.RuleOutcomeFail, "expression matched"
		}
		return result, nil
	}

	result.SubRuleRef, result.Reason = matchBand(result.Score, rule.Config.Bands)
	result.Fired = result.SubRuleRef == domain.RuleOutcomeFail || result.SubRuleRef == domain.RuleOutcomeReview
	return result, nil
}

// EvaluatePopulation runs every rule of a tenant over all rows.
// Rules run in parallel, bounded by maxWorkers. A row whose evaluation
// fails is counted and skipped for that rule only.
func (e *Engine) EvaluatePopulation(ctx context.Context, tenantID string, in *forensics.Input) (*forensics.Result, error) {
	loaded := e.snapshot(tenantID)
	if len(loaded) == 0 {
		return forensics.Skipped(domain.DetectorCustomRules, domain.StatusSkippedInsufficient), nil
	}

	activations := make([]map[string]any, in.Len())
	for i := range activations {
		activations[i] = Activation(in, i)
	}

	// Parallel evaluation using worker pool pattern
	hits := make([]domain.RuleHitSet, len(loaded))
	findings := make([][]forensics.Finding, len(loaded))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for idx, rule := range loaded {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			hits[idx], findings[idx] = e.evaluateRule(ctx, r, activations)
		}(idx, rule)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []forensics.Finding
	for _, f := range findings {
		all = append(all, f...)
	}
	return &forensics.Result{
		Detector: domain.DetectorCustomRules,
		Status:   domain.StatusCompleted,
		Findings: all,
		Summary:  &domain.RuleSummary{RulesEvaluated: len(loaded), Rules: hits},
	}, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *CompiledRule, activations []map[string]any) (domain.RuleHitSet, []forensics.Finding) {
	hit := domain.RuleHitSet{RuleID: rule.Config.ID}
	label := "rule:" + rule.Config.ID
	var findings []forensics.Finding

	for i, activation := range activations {
		if i%1024 == 0 && ctx.Err() != nil {
			break
		}
		outcome, err := e.Evaluate(rule, activation)
		if err != nil {
			hit.Errors++
			continue
		}
		if outcome.Fired {
			hit.Fired++
			findings = append(findings, forensics.Finding{Row: i, Contribution: rule.Config.Weight, Label: label})
		}
	}
	return hit, findings
}

// Detector returns the custom rules of one tenant as a detector.
func (e *Engine) Detector(tenantID string) forensics.Detector {
	return &tenantRules{engine: e, tenantID: tenantID}
}

type tenantRules struct {
	engine   *Engine
	tenantID string
}

func (t *tenantRules) Name() string { return domain.DetectorCustomRules }

// Eligible is always true: rules read whatever fields they reference.
func (t *tenantRules) Eligible(domain.ColumnMapping) bool { return true }

func (t *tenantRules) Run(ctx context.Context, in *forensics.Input) (*forensics.Result, error) {
	return t.engine.EvaluatePopulation(ctx, t.tenantID, in)
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]map[string]*CompiledRule)
	return nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the matching band for a score.
// Bands are evaluated in order. Use lower inclusive, upper exclusive,
// except when upper is nil (meaning infinity).
func matchBand(score float64, bands []domain.RuleBand) (string, string) {
	for _, band := range bands {
		lower := 0.0
		if band.LowerLimit != nil {
			lower = *band.LowerLimit
		}
		if score < lower {
			continue
		}
		if band.UpperLimit == nil || score < *band.UpperLimit {
			return band.SubRuleRef, band.Reason
		}
	}

	// Default to pass if no band matches
	return domain.RuleOutcomePass, "no matching band"
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
