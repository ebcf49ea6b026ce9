package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestGenerateIsDeterministic(t *testing.T) {
	opts := GenOptions{Rows: 200, Vendors: 10, Splits: 2, Duplicates: 5, Outliers: 3, Gaps: 2, Seed: 7}

	a, b := Generate(opts), Generate(opts)
	require.Equal(t, len(a.Request.Rows), len(b.Request.Rows))
	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.Request.Rows[10].Raw, b.Request.Rows[10].Raw)
}

func TestGenerateLabels(t *testing.T) {
	syn := Generate(GenOptions{Rows: 100, Vendors: 5, Splits: 2, Outliers: 3, Gaps: 4, Seed: 1})

	kinds := map[string]int{}
	for _, k := range syn.Labels {
		kinds[k]++
	}
	assert.Equal(t, 12, kinds[KindSplitting])
	assert.Equal(t, 3, kinds[KindOutlier])
	assert.Equal(t, 4, kinds[KindGap])
	assert.Len(t, syn.Request.Rows, 100+12+3+4)

	for _, row := range syn.Request.Rows[:100] {
		assert.NotContains(t, syn.Labels, row.ID)
	}
}

func TestScore(t *testing.T) {
	syn := &Synthetic{Labels: map[string]string{"a": KindOutlier, "b": KindDuplicate}}
	for _, id := range []string{"a", "b", "c", "d"} {
		syn.Request.Rows = append(syn.Request.Rows, rowInput(id))
	}
	scored := map[string]*domain.Row{
		"a": {ID: "a", RiskScore: 40},
		"c": {ID: "c", RiskScore: 20},
		"d": {ID: "d", RiskScore: 5},
	}

	m := Score(syn, scored, 15)
	assert.Equal(t, 1, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.Equal(t, 1, m.TrueNegatives)
	assert.InDelta(t, 0.5, m.Precision(), 1e-9)
	assert.InDelta(t, 0.5, m.Recall(), 1e-9)
	assert.InDelta(t, 0.5, m.F1(), 1e-9)
	assert.Equal(t, 1, m.Caught[KindOutlier])
	assert.Equal(t, 0, m.Caught[KindDuplicate])
}

func TestEmptyMetrics(t *testing.T) {
	m := &Metrics{}
	assert.Zero(t, m.Precision())
	assert.Zero(t, m.Recall())
	assert.Zero(t, m.F1())
}

func rowInput(id string) api.RowInput { return api.RowInput{ID: id} }
