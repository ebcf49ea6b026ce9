package forensics

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const notApplicable = "N/A"

// EntropyAnalyzer measures how much information the category field carries
// about the subcategory and flags rare category/subcategory combinations.
type EntropyAnalyzer struct{}

func (EntropyAnalyzer) Name() string { return domain.DetectorEntropy }

func (EntropyAnalyzer) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleCategory)
}

func (d EntropyAnalyzer) Run(ctx context.Context, in *Input) (*Result, error) {
	n := in.Len()
	if n == 0 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	combos := make([]string, n)
	comboCount := make(map[string]int)
	catCount := make(map[string]int)
	subCount := make(map[string]int)
	joint := make(map[string]map[string]int)

	for i := 0; i < n; i++ {
		cat := in.Text(domain.RoleCategory, i)
		if cat == "" {
			cat = notApplicable
		}
		sub := in.Text(domain.RoleSubcategory, i)
		if sub == "" {
			sub = notApplicable
		}

		key := cat + "|" + sub
		combos[i] = key
		comboCount[key]++
		catCount[cat]++
		subCount[sub]++
		if joint[cat] == nil {
			joint[cat] = make(map[string]int)
		}
		joint[cat][sub]++
	}

	hx := ShannonEntropy(catCount, n)
	hy := ShannonEntropy(subCount, n)

	hyx := 0.0
	for _, cat := range sortedKeys(joint) {
		px := float64(catCount[cat]) / float64(n)
		hyx += px * ShannonEntropy(joint[cat], catCount[cat])
	}

	mi := math.Max(0, hy-hyx)
	mi = math.Min(mi, math.Min(hx, hy))

	summary := &domain.EntropySummary{
		CategoryEntropy:    hx,
		SubcategoryEntropy: hyx,
		MutualInformation:  mi,
		TotalCombinations:  len(comboCount),
	}

	anomalous := make(map[string]bool, len(comboCount))
	for key, count := range comboCount {
		unique := count == 1
		freq := float64(count) / float64(n)
		if unique {
			summary.HighRiskCombinations++
		}
		if unique || freq < in.Config.EntropyAnomalyThreshold {
			anomalous[key] = true
			summary.AnomalousCount++
		}
	}

	var findings []Finding
	for i, key := range combos {
		if !anomalous[key] {
			continue
		}
		contribution := 10.0
		if comboCount[key] == 1 {
			contribution = 20
		}
		findings = append(findings, Finding{Row: i, Contribution: contribution, Label: "entropy:" + key})
	}

	return completed(d.Name(), findings, summary), nil
}
