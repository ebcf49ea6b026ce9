package forensics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	splitBaseScore      = 30.0
	splitLowCVBonus     = 15.0
	splitBurstBonus     = 20.0
	splitNearBonus      = 10.0
	splitHighScore      = 40.0
	splitMaxRowScore    = 40.0
	splitCVLimit        = 0.10
	splitBurstSpan      = 7 * 24 * time.Hour
	splitNearTolerance  = 0.05
	splitMaxFraction    = 0.9
	splitMaxGroupReport = 50
)

// SplittingDetector looks for purchases fractioned below an approval
// threshold: several payments to one vendor in a short window whose total
// crosses a threshold while each stays clearly under it.
type SplittingDetector struct{}

func (SplittingDetector) Name() string { return domain.DetectorSplitting }

func (SplittingDetector) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleMonetaryValue, domain.RoleVendor, domain.RoleDate)
}

type vendorTxn struct {
	row    int
	at     time.Time
	amount float64
}

type splitWindow struct {
	start, end int // [start, end) into the vendor's sorted txns
	score      float64
	threshold  float64
	total      float64
}

func (d SplittingDetector) Run(ctx context.Context, in *Input) (*Result, error) {
	thresholds := append([]float64(nil), in.Config.SplittingThresholds...)
	sort.Float64s(thresholds)
	window := time.Duration(in.Config.TimeWindowDays) * 24 * time.Hour
	if window <= 0 || len(thresholds) == 0 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	byVendor := make(map[string][]vendorTxn)
	for i := 0; i < in.Len(); i++ {
		vendor := in.Text(domain.RoleVendor, i)
		amount := in.Amount(i)
		stamp := in.Stamp(i)
		if vendor == "" || amount <= 0 || !stamp.OK {
			continue
		}
		byVendor[vendor] = append(byVendor[vendor], vendorTxn{row: i, at: stamp.Time, amount: amount})
	}

	summary := &domain.SplittingSummary{}
	rowBest := make(map[int]float64)
	suspectRows := make(map[int]bool)
	scoreSum := 0.0

	for _, vendor := range sortedKeys(byVendor) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		txns := byVendor[vendor]
		sort.SliceStable(txns, func(a, b int) bool {
			if txns[a].at.Equal(txns[b].at) {
				return txns[a].row < txns[b].row
			}
			return txns[a].at.Before(txns[b].at)
		})

		windows := scanWindows(txns, window, thresholds)
		var best *splitWindow
		for k := range windows {
			w := &windows[k]
			if best == nil || w.score > best.score {
				best = w
			}
		}
		if best == nil {
			continue
		}

		summary.SuspiciousVendors++
		scoreSum += best.score
		if best.score >= splitHighScore {
			summary.HighRiskGroups++
		}
		summary.Groups = append(summary.Groups, domain.SplittingGroup{
			Vendor:       vendor,
			Score:        best.score,
			RiskLevel:    RiskLevel(best.score, splitHighScore, in.Config.SplittingMediumScore),
			Threshold:    best.threshold,
			Total:        Round2(best.total),
			Transactions: best.end - best.start,
			WindowStart:  txns[best.start].at,
			WindowEnd:    txns[best.end-1].at,
		})

		coverWindows(txns, windows, func(row int, score float64) {
			suspectRows[row] = true
			if score >= in.Config.SplittingMediumScore && score > rowBest[row] {
				rowBest[row] = score
			}
		})
	}

	summary.TotalSuspiciousTransactions = len(suspectRows)
	if summary.SuspiciousVendors > 0 {
		summary.AverageRiskScore = Round2(scoreSum / float64(summary.SuspiciousVendors))
	}
	sort.SliceStable(summary.Groups, func(a, b int) bool {
		if summary.Groups[a].Score != summary.Groups[b].Score {
			return summary.Groups[a].Score > summary.Groups[b].Score
		}
		return summary.Groups[a].Vendor < summary.Groups[b].Vendor
	})
	if len(summary.Groups) > splitMaxGroupReport {
		summary.Groups = summary.Groups[:splitMaxGroupReport]
	}

	var findings []Finding
	for i := 0; i < in.Len(); i++ {
		score, ok := rowBest[i]
		if !ok {
			continue
		}
		findings = append(findings, Finding{
			Row:          i,
			Contribution: math.Min(score, splitMaxRowScore),
			Label:        "splitting:" + in.Text(domain.RoleVendor, i),
		})
	}

	return completed(d.Name(), findings, summary), nil
}

// scanWindows scores every window [t_i, t_i + span) of a date-sorted
// vendor sequence and returns the fractioning-suspect ones.
func scanWindows(txns []vendorTxn, span time.Duration, thresholds []float64) []splitWindow {
	n := len(txns)
	sum := make([]float64, n+1)
	sumSq := make([]float64, n+1)
	near := make([]int, n+1)
	for i, t := range txns {
		sum[i+1] = sum[i] + t.amount
		sumSq[i+1] = sumSq[i] + t.amount*t.amount
		near[i+1] = near[i]
		if nearThreshold(t.amount, thresholds) {
			near[i+1]++
		}
	}

	// burst[i] is set when txns i..i+2 fall within splitBurstSpan.
	burst := make([]int, n+1)
	for i := 0; i < n; i++ {
		burst[i+1] = burst[i]
		if i+2 < n && txns[i+2].at.Sub(txns[i].at) <= splitBurstSpan {
			burst[i+1]++
		}
	}

	var out []splitWindow
	var maxq []int // indices with decreasing amounts
	end := 0
	for start := 0; start < n; start++ {
		limit := txns[start].at.Add(span)
		for end < n && txns[end].at.Before(limit) {
			for len(maxq) > 0 && txns[maxq[len(maxq)-1]].amount <= txns[end].amount {
				maxq = maxq[:len(maxq)-1]
			}
			maxq = append(maxq, end)
			end++
		}
		for len(maxq) > 0 && maxq[0] < start {
			maxq = maxq[1:]
		}

		count := end - start
		if count < 2 {
			continue
		}
		total := sum[end] - sum[start]
		largest := txns[maxq[0]].amount

		tau := 0.0
		for _, t := range thresholds {
			if total > t && largest < splitMaxFraction*t {
				tau = t
			}
		}
		if tau == 0 {
			continue
		}

		score := splitBaseScore
		mean := total / float64(count)
		variance := (sumSq[end]-sumSq[start])/float64(count) - mean*mean
		if variance < 0 {
			variance = 0
		}
		if math.Sqrt(variance)/mean < splitCVLimit {
			score += splitLowCVBonus
		}
		if count >= 3 && burst[end-2]-burst[start] > 0 {
			score += splitBurstBonus
		}
		if near[end]-near[start] > 0 {
			score += splitNearBonus
		}

		out = append(out, splitWindow{start: start, end: end, score: score, threshold: tau, total: total})
	}
	return out
}

// coverWindows calls fn once per covered transaction with the best score of
// the windows covering it. Window starts and ends are both non-decreasing,
// so a max-deque over windows sweeps them in one pass.
func coverWindows(txns []vendorTxn, windows []splitWindow, fn func(row int, score float64)) {
	var q []int
	next := 0
	for pos := range txns {
		for next < len(windows) && windows[next].start == pos {
			for len(q) > 0 && windows[q[len(q)-1]].score <= windows[next].score {
				q = q[:len(q)-1]
			}
			q = append(q, next)
			next++
		}
		for len(q) > 0 && windows[q[0]].end <= pos {
			q = q[1:]
		}
		if len(q) > 0 {
			fn(txns[pos].row, windows[q[0]].score)
		}
	}
}

func nearThreshold(amount float64, thresholds []float64) bool {
	for _, t := range thresholds {
		if math.Abs(amount-t)/t <= splitNearTolerance {
			return true
		}
	}
	return false
}
