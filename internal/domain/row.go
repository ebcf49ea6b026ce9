package domain

import (
	"time"
)

// Row is one transaction of an audit population.
// The engine reads UniqueID, MonetaryValue and Raw; RiskScore and
// RiskFactors are written back through the persistence adapter.
type Row struct {
	// ID is the row-store key. Falls back to UniqueID when empty.
	ID           string `json:"id"`
	PopulationID string `json:"populationId,omitempty"`

	// UniqueID is the caller-supplied business id. It may repeat inside a
	// population, which is exactly what the duplicate detector looks for.
	UniqueID      string         `json:"uniqueId"`
	MonetaryValue *float64       `json:"monetaryValue,omitempty"`
	Raw           map[string]any `json:"raw"`

	RiskScore   float64  `json:"riskScore"`
	RiskFactors []string `json:"riskFactors,omitempty"`
}

// Key returns the identifier used for risk writes.
func (r *Row) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.UniqueID
}

// RiskUpdate is the per-row output of an analysis run.
type RiskUpdate struct {
	ID           string   `json:"id"`
	PopulationID string   `json:"populationId"`
	RiskScore    float64  `json:"riskScore"`
	RiskFactors  []string `json:"riskFactors"`
}

// BatchResult reports the outcome of a WriteRiskBatch call.
// Failed lists items that were not written; everything else was.
type BatchResult struct {
	Written int         `json:"written"`
	Failed  []ItemError `json:"failed,omitempty"`
}

// ItemError describes a single row that could not be written.
type ItemError struct {
	ID        string `json:"id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Population is one uploaded audit data set.
type Population struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Name      string        `json:"name"`
	Mapping   ColumnMapping `json:"mapping"`
	RowCount  int           `json:"rowCount"`
	CreatedAt time.Time     `json:"createdAt"`
}
