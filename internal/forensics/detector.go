// Package forensics implements the population-level anomaly detectors.
//
// Every detector reads an Input and returns row findings plus a summary
// block. Detectors never mutate rows; the engine turns findings into
// risk factors.
package forensics

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Finding is one risk factor raised by a detector for one row.
type Finding struct {
	Row          int
	Contribution float64
	Label        string
}

// Result is the output of one detector run.
// Summary holds the detector's typed summary pointer (e.g. *domain.EntropySummary).
type Result struct {
	Detector string
	Status   domain.DetectorStatus
	Findings []Finding
	Summary  any
}

// Detector is a population-level anomaly test.
type Detector interface {
	// Name returns the detector identifier.
	Name() string

	// Eligible reports whether the mapping carries every role the detector needs.
	Eligible(m domain.ColumnMapping) bool

	// Run evaluates the detector over the whole population.
	Run(ctx context.Context, in *Input) (*Result, error)
}

// Skipped returns a result with no findings and the given status.
func Skipped(name string, status domain.DetectorStatus) *Result {
	return &Result{Detector: name, Status: status}
}

func completed(name string, findings []Finding, summary any) *Result {
	return &Result{Detector: name, Status: domain.StatusCompleted, Findings: findings, Summary: summary}
}

// Input is the read-only view of a population shared by all detectors.
// Field values are extracted once up front so concurrent detectors never
// touch the raw maps.
type Input struct {
	Rows    []*domain.Row
	Mapping domain.ColumnMapping
	Config  domain.AnalysisConfig
	Seed    uint64

	amounts []float64
	stamps  []Stamp
	texts   map[domain.Role][]string
}

var textRoles = []domain.Role{
	domain.RoleUniqueID,
	domain.RoleCategory,
	domain.RoleSubcategory,
	domain.RoleVendor,
	domain.RoleUser,
	domain.RoleSequentialID,
}

// NewInput extracts mapped fields from rows. A row whose fields cannot be
// read keeps zero values and is logged; it never aborts the run.
func NewInput(rows []*domain.Row, mapping domain.ColumnMapping, cfg domain.AnalysisConfig, seed uint64) *Input {
	in := &Input{
		Rows:    make([]*domain.Row, len(rows)),
		Mapping: mapping,
		Config:  cfg,
		Seed:    seed,
		amounts: make([]float64, len(rows)),
		stamps:  make([]Stamp, len(rows)),
		texts:   make(map[domain.Role][]string, len(textRoles)),
	}
	for _, role := range textRoles {
		if mapping.Field(role) != "" || role == domain.RoleUniqueID {
			in.texts[role] = make([]string, len(rows))
		}
	}

	for i, row := range rows {
		if row == nil {
			row = &domain.Row{}
		}
		in.Rows[i] = row
		in.loadRow(i, row)
	}
	return in
}

func (in *Input) loadRow(i int, row *domain.Row) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("skipping unreadable row fields",
				"row_id", row.Key(),
				"index", i,
				"panic", r,
			)
		}
	}()

	switch {
	case row.MonetaryValue != nil:
		in.amounts[i] = finite(*row.MonetaryValue)
	case in.Mapping.MonetaryValue != "":
		in.amounts[i] = ParseValue(row.Raw[in.Mapping.MonetaryValue])
	}

	if f := in.Mapping.Date; f != "" {
		in.stamps[i] = ParseTime(row.Raw[f])
	}

	for role, values := range in.texts {
		field := in.Mapping.Field(role)
		if field != "" {
			values[i] = Text(row.Raw[field])
		}
		if role == domain.RoleUniqueID && values[i] == "" {
			values[i] = row.UniqueID
		}
	}
}

// Len returns the number of rows.
func (in *Input) Len() int { return len(in.Rows) }

// Amount returns the parsed monetary value of row i.
func (in *Input) Amount(i int) float64 { return in.amounts[i] }

// Stamp returns the parsed date of row i.
func (in *Input) Stamp(i int) Stamp { return in.stamps[i] }

// Text returns the string value of a mapped role for row i.
func (in *Input) Text(role domain.Role, i int) string {
	values, ok := in.texts[role]
	if !ok {
		return ""
	}
	return values[i]
}

// UniqueID returns the business id of row i, from the mapped field or the row itself.
func (in *Input) UniqueID(i int) string { return in.Text(domain.RoleUniqueID, i) }

// Positives returns the row indices and values of all strictly positive amounts.
func (in *Input) Positives() (rows []int, values []float64) {
	for i, v := range in.amounts {
		if v > 0 {
			rows = append(rows, i)
			values = append(values, v)
		}
	}
	return rows, values
}

// RiskLevel classifies a 0-100 score against high and medium cut-offs.
func RiskLevel(score, high, medium float64) string {
	switch {
	case score >= high:
		return domain.RiskHigh
	case score >= medium:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// All returns the built-in detectors in aggregation order.
func All() []Detector {
	return []Detector{
		EntropyAnalyzer{},
		SplittingDetector{},
		SequentialAnalyzer{},
		OutlierDetector{},
		DuplicateDetector{},
		BenfordAnalyzer{},
		EnhancedBenfordAnalyzer{},
		IsolationForest{},
		ActorProfiler{},
	}
}
