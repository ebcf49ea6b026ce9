package domain

import (
	"time"
)

// Detector names, in the order the aggregator applies them.
const (
	DetectorEntropy         = "entropy"
	DetectorSplitting       = "splitting"
	DetectorSequential      = "sequential"
	DetectorOutlier         = "outlier"
	DetectorDuplicate       = "duplicate"
	DetectorBenford         = "benford"
	DetectorEnhancedBenford = "enhancedBenford"
	DetectorIsolationForest = "isolationForest"
	DetectorActorProfiling  = "actorProfiling"
	DetectorCustomRules     = "customRules"
)

// DetectorOrder is the fixed factor insertion order.
var DetectorOrder = []string{
	DetectorEntropy,
	DetectorSplitting,
	DetectorSequential,
	DetectorOutlier,
	DetectorDuplicate,
	DetectorBenford,
	DetectorEnhancedBenford,
	DetectorIsolationForest,
	DetectorActorProfiling,
	DetectorCustomRules,
}

// DetectorStatus records whether a detector ran for a population.
type DetectorStatus string

const (
	StatusCompleted           DetectorStatus = "completed"
	StatusSkippedMapping      DetectorStatus = "skipped_missing_mapping"
	StatusSkippedInsufficient DetectorStatus = "skipped_insufficient_data"
	StatusFailed              DetectorStatus = "failed"
)

// Risk levels used across summaries.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// AdvancedAnalysis is the population-level report of one analysis run.
// A nil block means the detector did not run; see DetectorStatus for why.
type AdvancedAnalysis struct {
	RowsAnalyzed      int `json:"rowsAnalyzed"`
	FlaggedRows       int `json:"flaggedRows"`
	RoundNumbersCount int `json:"roundNumbersCount"`

	Entropy         *EntropySummary         `json:"entropy,omitempty"`
	Splitting       *SplittingSummary       `json:"splitting,omitempty"`
	Sequential      *SequentialSummary      `json:"sequential,omitempty"`
	Outliers        *OutlierSummary         `json:"outliers,omitempty"`
	Duplicates      *DuplicateSummary       `json:"duplicates,omitempty"`
	Benford         *BenfordSummary         `json:"benford,omitempty"`
	EnhancedBenford *EnhancedBenfordSummary `json:"enhancedBenford,omitempty"`
	IsolationForest *IsolationSummary       `json:"isolationForest,omitempty"`
	ActorProfiling  *ActorSummary           `json:"actorProfiling,omitempty"`
	CustomRules     *RuleSummary            `json:"customRules,omitempty"`

	DetectorStatus map[string]DetectorStatus `json:"detectorStatus"`
	DetectorErrors map[string]string         `json:"detectorErrors,omitempty"`
}

// EntropySummary describes category/subcategory information content.
type EntropySummary struct {
	CategoryEntropy      float64 `json:"categoryEntropy"`
	SubcategoryEntropy   float64 `json:"subcategoryEntropy"`
	MutualInformation    float64 `json:"mutualInformation"`
	AnomalousCount       int     `json:"anomalousCount"`
	HighRiskCombinations int     `json:"highRiskCombinations"`
	TotalCombinations    int     `json:"totalCombinations"`
}

// SplittingSummary describes fractioning suspicion per vendor.
type SplittingSummary struct {
	SuspiciousVendors           int              `json:"suspiciousVendors"`
	HighRiskGroups              int              `json:"highRiskGroups"`
	TotalSuspiciousTransactions int              `json:"totalSuspiciousTransactions"`
	AverageRiskScore            float64          `json:"averageRiskScore"`
	Groups                      []SplittingGroup `json:"groups,omitempty"`
}

// SplittingGroup is the best-scoring window of one vendor.
type SplittingGroup struct {
	Vendor       string    `json:"vendor"`
	Score        float64   `json:"score"`
	RiskLevel    string    `json:"riskLevel"`
	Threshold    float64   `json:"threshold"`
	Total        float64   `json:"total"`
	Transactions int       `json:"transactions"`
	WindowStart  time.Time `json:"windowStart"`
	WindowEnd    time.Time `json:"windowEnd"`
}

// SequentialSummary describes gaps in a document numbering sequence.
type SequentialSummary struct {
	TotalGaps             int      `json:"totalGaps"`
	HighRiskGaps          int      `json:"highRiskGaps"`
	LargestGap            int64    `json:"largestGap"`
	TotalMissingDocuments int64    `json:"totalMissingDocuments"`
	SuspiciousPatterns    int      `json:"suspiciousPatterns"`
	FieldAnalyzed         string   `json:"fieldAnalyzed"`
	Gaps                  []SeqGap `json:"gaps,omitempty"`
}

// SeqGap is one missing range in the sequence.
type SeqGap struct {
	After     int64  `json:"after"`
	Before    int64  `json:"before"`
	Size      int64  `json:"size"`
	RiskLevel string `json:"riskLevel"`
}

// OutlierSummary describes the IQR fence.
type OutlierSummary struct {
	OutliersCount     int     `json:"outliersCount"`
	OutliersThreshold float64 `json:"outliersThreshold"`
	Q1                float64 `json:"q1"`
	Q3                float64 `json:"q3"`
}

// DuplicateSummary describes duplicate clusters.
type DuplicateSummary struct {
	DuplicatesCount int    `json:"duplicatesCount"`
	Clusters        int    `json:"clusters"`
	Strategy        string `json:"strategy"`
}

// DigitRow is one line of a Benford table. Percentages are 0-100.
type DigitRow struct {
	Digit        int     `json:"digit"`
	Expected     float64 `json:"expected"`
	Actual       float64 `json:"actual"`
	Count        int     `json:"count"`
	IsSuspicious bool    `json:"isSuspicious"`
}

// BenfordSummary is the first-digit test.
type BenfordSummary struct {
	SampleSize       int        `json:"sampleSize"`
	Digits           []DigitRow `json:"digits"`
	SuspiciousDigits int        `json:"suspiciousDigits"`
}

// EnhancedBenfordSummary is the first+second digit conformity test.
// Deviations are mean absolute deviations in percentage points.
type EnhancedBenfordSummary struct {
	SampleSize               int        `json:"sampleSize"`
	FirstDigitDeviation      float64    `json:"firstDigitDeviation"`
	SecondDigitDeviation     float64    `json:"secondDigitDeviation"`
	OverallDeviation         float64    `json:"overallDeviation"`
	ConformityLevel          string     `json:"conformityLevel"`
	ConformityRiskLevel      string     `json:"conformityRiskLevel"`
	IsFirstDigitSignificant  bool       `json:"isFirstDigitSignificant"`
	IsSecondDigitSignificant bool       `json:"isSecondDigitSignificant"`
	HighRiskPatterns         int        `json:"highRiskPatterns"`
	SuspiciousPatterns       int        `json:"suspiciousPatterns"`
	FirstDigits              []DigitRow `json:"firstDigits"`
	SecondDigits             []DigitRow `json:"secondDigits"`
}

// IsolationSummary describes the isolation forest run.
type IsolationSummary struct {
	TotalAnomalies      int     `json:"totalAnomalies"`
	HighRiskAnomalies   int     `json:"highRiskAnomalies"`
	MediumRiskAnomalies int     `json:"mediumRiskAnomalies"`
	LowRiskAnomalies    int     `json:"lowRiskAnomalies"`
	AveragePathLength   float64 `json:"averagePathLength"`
	AnomalyThreshold    float64 `json:"anomalyThreshold"`
	Trees               int     `json:"trees"`
	SampleSize          int     `json:"sampleSize"`
	Seed                uint64  `json:"seed"`
}

// ActorSummary describes per-user behaviour profiling.
type ActorSummary struct {
	TotalSuspiciousActors int            `json:"totalSuspiciousActors"`
	HighRiskActors        int            `json:"highRiskActors"`
	AverageRiskScore      float64        `json:"averageRiskScore"`
	BehaviorPatterns      int            `json:"behaviorPatterns"`
	Actors                []ActorProfile `json:"actors,omitempty"`
}

// ActorProfile is the behaviour profile of one suspicious user.
type ActorProfile struct {
	User             string   `json:"user"`
	Transactions     int      `json:"transactions"`
	Score            float64  `json:"score"`
	RiskLevel        string   `json:"riskLevel"`
	WeekendRatio     float64  `json:"weekendRatio"`
	OffHoursRatio    float64  `json:"offHoursRatio"`
	ConsecutiveDays  int      `json:"consecutiveDays"`
	RoundAmountRatio float64  `json:"roundAmountRatio"`
	DuplicateRatio   float64  `json:"duplicateRatio"`
	Patterns         []string `json:"patterns"`
}

// RuleSummary describes custom audit rule hits.
type RuleSummary struct {
	RulesEvaluated int          `json:"rulesEvaluated"`
	Rules          []RuleHitSet `json:"rules"`
}

// RuleHitSet is the outcome of one custom rule over the population.
type RuleHitSet struct {
	RuleID string `json:"ruleId"`
	Fired  int    `json:"fired"`
	Errors int    `json:"errors"`
}

// Analysis is the persisted record of one analysis run.
type Analysis struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenantId"`
	PopulationID string           `json:"populationId"`
	Seed         uint64           `json:"seed"`
	Fingerprint  string           `json:"fingerprint"`
	Report       AdvancedAnalysis `json:"report"`
	RowsScored   int              `json:"rowsScored"`
	Persisted    int              `json:"persisted"`
	Failed       []ItemError      `json:"failed,omitempty"`
	DurationMs   int64            `json:"durationMs"`
	CreatedAt    time.Time        `json:"createdAt"`

	// Cached is set when the run was served from the report cache.
	Cached bool `json:"cached,omitempty"`
}

// AnalysisEvent is the payload of TopicAnalysisCompleted.
type AnalysisEvent struct {
	AnalysisID      string `json:"analysisId"`
	PopulationID    string `json:"populationId"`
	RowsAnalyzed    int    `json:"rowsAnalyzed"`
	FlaggedRows     int    `json:"flaggedRows"`
	PersistFailures int    `json:"persistFailures"`
	Cached          bool   `json:"cached"`
}

// FlaggedEvent is the payload of TopicAnalysisFlagged: the rows at or above
// the flag threshold, highest score first.
type FlaggedEvent struct {
	AnalysisID   string       `json:"analysisId"`
	PopulationID string       `json:"populationId"`
	Threshold    float64      `json:"threshold"`
	Total        int          `json:"total"`
	Rows         []RiskUpdate `json:"rows"`
}
