package forensics

import (
	"context"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const duplicateContribution = 20.0

// Duplicate key strategies.
const (
	StrategyIDAmount   = "id+amount"
	StrategyIDCategory = "id+category"
	StrategyID         = "id"
)

// DuplicateDetector groups rows by a composite key and flags every member
// of a group with more than one row.
type DuplicateDetector struct{}

func (DuplicateDetector) Name() string { return domain.DetectorDuplicate }

func (DuplicateDetector) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleUniqueID)
}

func (d DuplicateDetector) Run(ctx context.Context, in *Input) (*Result, error) {
	set := DuplicateMembers(in)

	var findings []Finding
	for i, member := range set.Member {
		if member {
			findings = append(findings, Finding{Row: i, Contribution: duplicateContribution, Label: "duplicate"})
		}
	}

	summary := &domain.DuplicateSummary{
		DuplicatesCount: set.Extra,
		Clusters:        set.Clusters,
		Strategy:        set.Strategy,
	}
	return completed(d.Name(), findings, summary), nil
}

// DuplicateSet is the duplicate membership of a population.
type DuplicateSet struct {
	Member   []bool
	Clusters int
	Extra    int // members beyond the first of each cluster
	Strategy string
}

// DuplicateStrategy picks the grouping key from the mapped roles.
func DuplicateStrategy(m domain.ColumnMapping) string {
	switch {
	case m.Has(domain.RoleMonetaryValue):
		return StrategyIDAmount
	case m.Has(domain.RoleCategory):
		return StrategyIDCategory
	default:
		return StrategyID
	}
}

// DuplicateMembers computes duplicate membership. It is a pure function of
// the input and is shared by the duplicate detector and the actor profiler.
// Rows without a unique id never belong to a cluster.
func DuplicateMembers(in *Input) DuplicateSet {
	set := DuplicateSet{
		Member:   make([]bool, in.Len()),
		Strategy: DuplicateStrategy(in.Mapping),
	}

	groups := make(map[string][]int)
	var order []string
	for i := 0; i < in.Len(); i++ {
		id := in.UniqueID(i)
		if id == "" {
			continue
		}
		key := id
		switch set.Strategy {
		case StrategyIDAmount:
			key += "\x1f" + strconv.FormatFloat(in.Amount(i), 'f', -1, 64)
		case StrategyIDCategory:
			key += "\x1f" + in.Text(domain.RoleCategory, i) + "\x1f" + in.Text(domain.RoleSubcategory, i)
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, key := range order {
		members := groups[key]
		if len(members) < 2 {
			continue
		}
		set.Clusters++
		set.Extra += len(members) - 1
		for _, i := range members {
			set.Member[i] = true
		}
	}
	return set
}
