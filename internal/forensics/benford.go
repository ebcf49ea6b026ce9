package forensics

import (
	"context"
	"math"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	benfordSuspiciousPP  = 5.0
	benfordContribution  = 5.0
	patternSuspiciousPP  = 2.0
	patternHighRiskPP    = 5.0
	madClose             = 0.6
	madAcceptable        = 1.2
	madMarginal          = 1.5
	madSignificant       = 1.2
	conformityClose      = "close"
	conformityAcceptable = "acceptable"
	conformityMarginal   = "marginal"
	conformityNone       = "nonconforming"
)

// Expected digit frequencies in percent.
var (
	expectedFirst  [10]float64
	expectedSecond [10]float64
)

func init() {
	for d := 1; d <= 9; d++ {
		expectedFirst[d] = 100 * math.Log10(1+1/float64(d))
	}
	for d2 := 0; d2 <= 9; d2++ {
		p := 0.0
		for d1 := 1; d1 <= 9; d1++ {
			p += math.Log10(1 + 1/float64(10*d1+d2))
		}
		expectedSecond[d2] = 100 * p
	}
}

// ExpectedFirstDigit returns Benford's first-digit probability in percent.
func ExpectedFirstDigit(d int) float64 { return expectedFirst[d] }

// ExpectedSecondDigit returns Benford's second-digit probability in percent.
func ExpectedSecondDigit(d int) float64 { return expectedSecond[d] }

// Digits returns the first and second significant digits of a positive
// finite value. Single-digit mantissas have a second digit of 0.
func Digits(v float64) (first, second int) {
	s := strconv.FormatFloat(v, 'e', -1, 64)
	first = int(s[0] - '0')
	if len(s) > 2 && s[1] == '.' && isDigit(s[2]) {
		second = int(s[2] - '0')
	}
	return first, second
}

// BenfordAnalyzer is the first-digit Benford test.
type BenfordAnalyzer struct{}

func (BenfordAnalyzer) Name() string { return domain.DetectorBenford }

func (BenfordAnalyzer) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleMonetaryValue)
}

func (d BenfordAnalyzer) Run(ctx context.Context, in *Input) (*Result, error) {
	rows, values := in.Positives()
	if len(values) < in.Config.BenfordMinSamples || len(values) == 0 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	firsts := make([]int, len(values))
	var counts [10]int
	for k, v := range values {
		f, _ := Digits(v)
		firsts[k] = f
		counts[f]++
	}

	summary := &domain.BenfordSummary{SampleSize: len(values)}
	var suspicious [10]bool
	for digit := 1; digit <= 9; digit++ {
		row := digitRow(digit, counts[digit], len(values), expectedFirst[digit])
		row.IsSuspicious = math.Abs(row.Actual-row.Expected) > benfordSuspiciousPP
		if row.IsSuspicious {
			suspicious[digit] = true
			summary.SuspiciousDigits++
		}
		summary.Digits = append(summary.Digits, row)
	}

	var findings []Finding
	if in.Config.BenfordRowFactors && summary.SuspiciousDigits > 0 {
		for k, f := range firsts {
			if suspicious[f] {
				findings = append(findings, Finding{
					Row:          rows[k],
					Contribution: benfordContribution,
					Label:        "benford_digit:" + strconv.Itoa(f),
				})
			}
		}
	}
	return completed(d.Name(), findings, summary), nil
}

// EnhancedBenfordAnalyzer tests first and second digits together and
// classifies conformity by mean absolute deviation.
type EnhancedBenfordAnalyzer struct{}

func (EnhancedBenfordAnalyzer) Name() string { return domain.DetectorEnhancedBenford }

func (EnhancedBenfordAnalyzer) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleMonetaryValue)
}

func (d EnhancedBenfordAnalyzer) Run(ctx context.Context, in *Input) (*Result, error) {
	_, values := in.Positives()
	if len(values) < in.Config.EnhancedBenfordMinSamples || len(values) == 0 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	var firstCounts, secondCounts [10]int
	for _, v := range values {
		f, s := Digits(v)
		firstCounts[f]++
		secondCounts[s]++
	}

	n := len(values)
	summary := &domain.EnhancedBenfordSummary{SampleSize: n}

	var firstAct, firstExp, secondAct, secondExp []float64
	for digit := 1; digit <= 9; digit++ {
		row := digitRow(digit, firstCounts[digit], n, expectedFirst[digit])
		countPattern(summary, &row)
		summary.FirstDigits = append(summary.FirstDigits, row)
		firstAct = append(firstAct, row.Actual)
		firstExp = append(firstExp, row.Expected)
	}
	for digit := 0; digit <= 9; digit++ {
		row := digitRow(digit, secondCounts[digit], n, expectedSecond[digit])
		countPattern(summary, &row)
		summary.SecondDigits = append(summary.SecondDigits, row)
		secondAct = append(secondAct, row.Actual)
		secondExp = append(secondExp, row.Expected)
	}

	summary.FirstDigitDeviation = MeanAbsDeviation(firstAct, firstExp)
	summary.SecondDigitDeviation = MeanAbsDeviation(secondAct, secondExp)
	summary.OverallDeviation = (summary.FirstDigitDeviation + summary.SecondDigitDeviation) / 2
	summary.IsFirstDigitSignificant = summary.FirstDigitDeviation >= madSignificant
	summary.IsSecondDigitSignificant = summary.SecondDigitDeviation >= madSignificant
	summary.ConformityLevel, summary.ConformityRiskLevel = Conformity(summary.OverallDeviation)

	return completed(d.Name(), nil, summary), nil
}

// Conformity maps an overall MAD (percentage points) to a conformity level
// and its risk level.
func Conformity(mad float64) (level, risk string) {
	switch {
	case mad < madClose:
		return conformityClose, domain.RiskLow
	case mad < madAcceptable:
		return conformityAcceptable, domain.RiskLow
	case mad <= madMarginal:
		return conformityMarginal, domain.RiskMedium
	default:
		return conformityNone, domain.RiskHigh
	}
}

func digitRow(digit, count, total int, expected float64) domain.DigitRow {
	return domain.DigitRow{
		Digit:    digit,
		Expected: expected,
		Actual:   100 * float64(count) / float64(total),
		Count:    count,
	}
}

func countPattern(summary *domain.EnhancedBenfordSummary, row *domain.DigitRow) {
	dev := math.Abs(row.Actual - row.Expected)
	if dev > patternSuspiciousPP {
		row.IsSuspicious = true
		summary.SuspiciousPatterns++
	}
	if dev > patternHighRiskPP {
		summary.HighRiskPatterns++
	}
}
