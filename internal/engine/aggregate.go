package engine

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/forensics"
)

const maxRiskScore = 100.0

// Aggregate folds detector results into per-row risk updates and the
// population report. Results are applied in domain.DetectorOrder whatever
// order they arrive in; within a row the first factor with a given label
// wins and later duplicates add nothing.
func Aggregate(in *forensics.Input, results []*forensics.Result) ([]domain.RiskUpdate, domain.AdvancedAnalysis) {
	n := in.Len()
	report := domain.AdvancedAnalysis{
		RowsAnalyzed:   n,
		DetectorStatus: make(map[string]domain.DetectorStatus, len(results)),
	}

	factors := make([][]string, n)
	sums := make([]float64, n)
	seen := make([]map[string]struct{}, n)

	for _, r := range ordered(results) {
		report.DetectorStatus[r.Detector] = r.Status
		attachSummary(&report, r.Summary)

		for _, f := range r.Findings {
			if f.Row < 0 || f.Row >= n {
				continue
			}
			if seen[f.Row] == nil {
				seen[f.Row] = make(map[string]struct{})
			}
			if _, dup := seen[f.Row][f.Label]; dup {
				continue
			}
			seen[f.Row][f.Label] = struct{}{}
			factors[f.Row] = append(factors[f.Row], f.Label)
			sums[f.Row] += f.Contribution
		}
	}

	monetary := in.Mapping.Has(domain.RoleMonetaryValue)
	updates := make([]domain.RiskUpdate, n)
	for i, row := range in.Rows {
		score := forensics.Round2(math.Min(maxRiskScore, sums[i]))
		if score > 0 {
			report.FlaggedRows++
		}
		if monetary && forensics.IsRoundAmount(in.Amount(i)) {
			report.RoundNumbersCount++
		}

		rowFactors := factors[i]
		if rowFactors == nil {
			rowFactors = []string{}
		}
		updates[i] = domain.RiskUpdate{
			ID:           row.Key(),
			PopulationID: row.PopulationID,
			RiskScore:    score,
			RiskFactors:  rowFactors,
		}
	}

	return updates, report
}

// ordered returns results sorted by the fixed detector order.
// Unknown detectors keep their relative order after the known ones.
func ordered(results []*forensics.Result) []*forensics.Result {
	rank := make(map[string]int, len(domain.DetectorOrder))
	for i, name := range domain.DetectorOrder {
		rank[name] = i
	}

	out := make([]*forensics.Result, 0, len(results))
	for _, name := range domain.DetectorOrder {
		for _, r := range results {
			if r != nil && r.Detector == name {
				out = append(out, r)
			}
		}
	}
	for _, r := range results {
		if r == nil {
			continue
		}
		if _, known := rank[r.Detector]; !known {
			out = append(out, r)
		}
	}
	return out
}

func attachSummary(report *domain.AdvancedAnalysis, summary any) {
	switch s := summary.(type) {
	case *domain.EntropySummary:
		report.Entropy = s
	case *domain.SplittingSummary:
		report.Splitting = s
	case *domain.SequentialSummary:
		report.Sequential = s
	case *domain.OutlierSummary:
		report.Outliers = s
	case *domain.DuplicateSummary:
		report.Duplicates = s
	case *domain.BenfordSummary:
		report.Benford = s
	case *domain.EnhancedBenfordSummary:
		report.EnhancedBenford = s
	case *domain.IsolationSummary:
		report.IsolationForest = s
	case *domain.ActorSummary:
		report.ActorProfiling = s
	case *domain.RuleSummary:
		report.CustomRules = s
	}
}
