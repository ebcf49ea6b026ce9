package forensics

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var fullMapping = domain.ColumnMapping{
	UniqueID:      "id",
	MonetaryValue: "amount",
	Category:      "cat",
	Subcategory:   "sub",
	Vendor:        "vendor",
	Date:          "date",
	User:          "user",
	SequentialID:  "doc",
}

func rowOf(id string, raw map[string]any) *domain.Row {
	raw["id"] = id
	return &domain.Row{ID: id, UniqueID: id, Raw: raw}
}

func amountRows(values ...float64) []*domain.Row {
	rows := make([]*domain.Row, len(values))
	for i, v := range values {
		rows[i] = rowOf(fmt.Sprintf("r%d", i), map[string]any{"amount": v})
	}
	return rows
}

func newInput(rows []*domain.Row, m domain.ColumnMapping) *Input {
	cfg := domain.DefaultAnalysisConfig()
	return NewInput(rows, m, cfg, cfg.Seed)
}

func findingRows(r *Result) map[int]float64 {
	out := make(map[int]float64)
	for _, f := range r.Findings {
		out[f.Row] += f.Contribution
	}
	return out
}
