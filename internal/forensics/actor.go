package forensics

import (
	"context"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Behaviour pattern names.
const (
	PatternWeekend     = "weekend_activity"
	PatternOffHours    = "off_hours_activity"
	PatternConsecutive = "consecutive_days"
	PatternRoundAmount = "round_amounts"
	PatternDuplicates  = "duplicate_entries"
)

const (
	actorHighScore      = 50.0
	actorMediumScore    = 25.0
	actorMaxReported    = 50
	weekendRatioLimit   = 0.30
	offHoursRatioLimit  = 0.40
	consecutiveDayLimit = 5
	roundRatioLimit     = 0.50
	duplicateRatioLimit = 0.30
)

// ActorProfiler scores each user on behaviour patterns typical of
// manipulated entries.
type ActorProfiler struct{}

func (ActorProfiler) Name() string { return domain.DetectorActorProfiling }

func (ActorProfiler) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleUser, domain.RoleMonetaryValue, domain.RoleDate)
}

func (d ActorProfiler) Run(ctx context.Context, in *Input) (*Result, error) {
	byUser := make(map[string][]int)
	for i := 0; i < in.Len(); i++ {
		if user := in.Text(domain.RoleUser, i); user != "" {
			byUser[user] = append(byUser[user], i)
		}
	}
	if len(byUser) == 0 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	var dup DuplicateSet
	if in.Mapping.Has(domain.RoleUniqueID) {
		dup = DuplicateMembers(in)
	}

	summary := &domain.ActorSummary{}
	patterns := make(map[string]bool)
	scores := make(map[string]float64)
	scoreSum := 0.0

	for _, user := range sortedKeys(byUser) {
		profile := profileActor(in, user, byUser[user], dup.Member)
		if profile.Score <= 0 {
			continue
		}
		scores[user] = profile.Score
		summary.TotalSuspiciousActors++
		scoreSum += profile.Score
		if profile.Score >= actorHighScore {
			summary.HighRiskActors++
		}
		for _, p := range profile.Patterns {
			patterns[p] = true
		}
		summary.Actors = append(summary.Actors, profile)
	}

	summary.BehaviorPatterns = len(patterns)
	if summary.TotalSuspiciousActors > 0 {
		summary.AverageRiskScore = Round2(scoreSum / float64(summary.TotalSuspiciousActors))
	}
	sort.SliceStable(summary.Actors, func(a, b int) bool {
		if summary.Actors[a].Score != summary.Actors[b].Score {
			return summary.Actors[a].Score > summary.Actors[b].Score
		}
		return summary.Actors[a].User < summary.Actors[b].User
	})
	if len(summary.Actors) > actorMaxReported {
		summary.Actors = summary.Actors[:actorMaxReported]
	}

	var findings []Finding
	for i := 0; i < in.Len(); i++ {
		user := in.Text(domain.RoleUser, i)
		score, ok := scores[user]
		if !ok {
			continue
		}
		findings = append(findings, Finding{
			Row:          i,
			Contribution: Round2(score * in.Config.ActorContributionScale),
			Label:        "actor:" + user,
		})
	}
	return completed(d.Name(), findings, summary), nil
}

func profileActor(in *Input, user string, rows []int, dupMember []bool) domain.ActorProfile {
	cfg := in.Config
	var dated, weekend, clocked, offHours, round, dups int
	days := make(map[int64]struct{})

	for _, i := range rows {
		if IsRoundAmount(in.Amount(i)) {
			round++
		}
		if dupMember != nil && dupMember[i] {
			dups++
		}

		s := in.Stamp(i)
		if !s.OK {
			continue
		}
		dated++
		days[s.Day()] = struct{}{}
		if wd := s.Time.Weekday(); wd == time.Saturday || wd == time.Sunday {
			weekend++
		}
		if s.HasClock {
			clocked++
			if h := s.Time.Hour(); h < cfg.BusinessHourStart || h >= cfg.BusinessHourEnd {
				offHours++
			}
		}
	}

	p := domain.ActorProfile{
		User:             user,
		Transactions:     len(rows),
		WeekendRatio:     ratio(weekend, dated),
		OffHoursRatio:    ratio(offHours, clocked),
		ConsecutiveDays:  longestRun(days),
		RoundAmountRatio: ratio(round, len(rows)),
		DuplicateRatio:   ratio(dups, len(rows)),
		Patterns:         []string{},
	}

	if p.WeekendRatio > weekendRatioLimit {
		p.Score += 15
		p.Patterns = append(p.Patterns, PatternWeekend)
	}
	if p.OffHoursRatio > offHoursRatioLimit {
		p.Score += 20
		p.Patterns = append(p.Patterns, PatternOffHours)
	}
	if p.ConsecutiveDays > consecutiveDayLimit {
		p.Score += 10
		p.Patterns = append(p.Patterns, PatternConsecutive)
	}
	if p.RoundAmountRatio > roundRatioLimit {
		p.Score += 15
		p.Patterns = append(p.Patterns, PatternRoundAmount)
	}
	if p.DuplicateRatio > duplicateRatioLimit {
		p.Score += 25
		p.Patterns = append(p.Patterns, PatternDuplicates)
	}
	p.RiskLevel = RiskLevel(p.Score, actorHighScore, actorMediumScore)
	return p
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func longestRun(days map[int64]struct{}) int {
	if len(days) == 0 {
		return 0
	}
	sorted := make([]int64, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })

	best, run := 1, 1
	for k := 1; k < len(sorted); k++ {
		if sorted[k] == sorted[k-1]+1 {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}
