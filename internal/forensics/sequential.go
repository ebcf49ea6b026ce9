package forensics

import (
	"context"
	"sort"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const maxReportedGaps = 20

// SequentialAnalyzer checks the integrity of a document numbering sequence.
type SequentialAnalyzer struct{}

func (SequentialAnalyzer) Name() string { return domain.DetectorSequential }

func (SequentialAnalyzer) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleSequentialID)
}

type seqEntry struct {
	num int64
	row int
}

func (d SequentialAnalyzer) Run(ctx context.Context, in *Input) (*Result, error) {
	var entries []seqEntry
	for i := 0; i < in.Len(); i++ {
		if num, ok := SequenceNumber(in.Text(domain.RoleSequentialID, i)); ok {
			entries = append(entries, seqEntry{num: num, row: i})
		}
	}
	if len(entries) < 2 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	sort.Slice(entries, func(a, b int) bool {
		if entries[a].num != entries[b].num {
			return entries[a].num < entries[b].num
		}
		return entries[a].row < entries[b].row
	})

	cfg := in.Config
	summary := &domain.SequentialSummary{FieldAnalyzed: in.Mapping.SequentialID}
	sizeCount := make(map[int64]int)
	var findings []Finding

	for k := 1; k < len(entries); k++ {
		prev, next := entries[k-1].num, entries[k].num
		gap := next - prev - 1
		if gap <= 0 {
			continue
		}

		level := domain.RiskLow
		switch {
		case gap >= cfg.HighRiskGapSize:
			level = domain.RiskHigh
		case gap >= cfg.MediumRiskGapSize:
			level = domain.RiskMedium
		}

		summary.TotalGaps++
		summary.TotalMissingDocuments += gap
		if gap > summary.LargestGap {
			summary.LargestGap = gap
		}
		sizeCount[gap]++
		summary.Gaps = append(summary.Gaps, domain.SeqGap{After: prev, Before: next, Size: gap, RiskLevel: level})

		if level != domain.RiskHigh {
			continue
		}
		summary.HighRiskGaps++
		label := "sequential_gap:" + strconv.FormatInt(gap, 10)
		for j := k; j < len(entries) && entries[j].num == next; j++ {
			findings = append(findings, Finding{Row: entries[j].row, Contribution: cfg.SequentialGapContribution, Label: label})
		}
	}

	for _, count := range sizeCount {
		if count >= 2 {
			summary.SuspiciousPatterns++
		}
	}

	sort.SliceStable(summary.Gaps, func(a, b int) bool {
		if summary.Gaps[a].Size != summary.Gaps[b].Size {
			return summary.Gaps[a].Size > summary.Gaps[b].Size
		}
		return summary.Gaps[a].After < summary.Gaps[b].After
	})
	if len(summary.Gaps) > maxReportedGaps {
		summary.Gaps = summary.Gaps[:maxReportedGaps]
	}

	return completed(d.Name(), findings, summary), nil
}

// SequenceNumber extracts the last run of digits of a document number,
// so "FAC-001234" yields 1234. It returns false when there is none.
func SequenceNumber(s string) (int64, bool) {
	end := -1
	for i := len(s) - 1; i >= 0; i-- {
		if isDigit(s[i]) {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return 0, false
	}
	start := end - 1
	for start > 0 && isDigit(s[start-1]) {
		start--
	}
	n, err := strconv.ParseInt(s[start:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
