// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// RowStore is the contract the analysis pipeline needs from storage.
type RowStore interface {
	// FetchRows returns every row of a population, in insertion order.
	FetchRows(ctx context.Context, tenantID string, populationID string) ([]*Row, error)

	// WriteRiskBatch upserts risk scores by row id. Per-item failures are
	// listed in the result. A non-nil error stops the batch; a result returned
	// alongside it covers the leading updates processed before the stop.
	WriteRiskBatch(ctx context.Context, tenantID string, updates []RiskUpdate) (*BatchResult, error)
}

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	RowStore

	// Population operations
	SavePopulation(ctx context.Context, tenantID string, pop *Population, rows []*Row) error
	GetPopulation(ctx context.Context, tenantID string, populationID string) (*Population, error)
	ListScoredRows(ctx context.Context, tenantID string, populationID string, minScore float64) ([]*Row, error)

	// Analysis reports
	SaveAnalysis(ctx context.Context, tenantID string, analysis *Analysis) error
	GetLatestAnalysis(ctx context.Context, tenantID string, populationID string) (*Analysis, error)

	// Custom audit rule operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// ListRuleTenants returns every tenant that has at least one enabled rule.
	ListRuleTenants(ctx context.Context) ([]string, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `envconfig:"DRIVER"`

	// SQLite specific
	SQLitePath string `envconfig:"SQLITE_PATH"`

	// PostgreSQL specific
	PostgresHost     string `envconfig:"PG_HOST"`
	PostgresPort     int    `envconfig:"PG_PORT"`
	PostgresUser     string `envconfig:"PG_USER"`
	PostgresPassword string `envconfig:"PG_PASSWORD"`
	PostgresDB       string `envconfig:"PG_DB"`
	PostgresSSLMode  string `envconfig:"PG_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME"`
}
