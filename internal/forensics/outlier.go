package forensics

import (
	"context"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const outlierContribution = 15.0

// OutlierDetector flags amounts above the Tukey upper fence Q3 + 1.5·IQR.
type OutlierDetector struct{}

func (OutlierDetector) Name() string { return domain.DetectorOutlier }

func (OutlierDetector) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleMonetaryValue)
}

func (d OutlierDetector) Run(ctx context.Context, in *Input) (*Result, error) {
	rows, values := in.Positives()
	if len(values) < in.Config.OutlierMinSamples || len(values) == 0 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q1 := Percentile(sorted, 25)
	q3 := Percentile(sorted, 75)
	upper := UpperFence(q1, q3)

	summary := &domain.OutlierSummary{OutliersThreshold: upper, Q1: q1, Q3: q3}
	var findings []Finding
	for k, v := range values {
		if v > upper {
			summary.OutliersCount++
			findings = append(findings, Finding{Row: rows[k], Contribution: outlierContribution, Label: "outlier"})
		}
	}
	return completed(d.Name(), findings, summary), nil
}

// UpperFence returns Q3 + 1.5·(Q3 - Q1).
func UpperFence(q1, q3 float64) float64 {
	return q3 + 1.5*(q3-q1)
}
