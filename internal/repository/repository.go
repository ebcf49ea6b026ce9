// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePopulation stores a population and its rows in one transaction.
// Rows without an id get a generated one; the business id stays in unique_id.
func (r *SQLRepository) SavePopulation(ctx context.Context, tenantID string, pop *domain.Population, rows []*domain.Row) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if pop == nil || pop.ID == "" {
		return fmt.Errorf("%w: population id is required", ErrInvalidInput)
	}

	mapping, _ := json.Marshal(pop.Mapping)
	pop.TenantID = tenantID
	pop.RowCount = len(rows)
	if pop.CreatedAt.IsZero() {
		pop.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO populations (id, tenant_id, name, mapping, row_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), pop.ID, tenantID, pop.Name, string(mapping), pop.RowCount, pop.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert population: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO audit_rows (
			tenant_id, population_id, id, position, unique_id,
			monetary_value, raw, risk_score, risk_factors
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for pos, row := range rows {
		if row == nil {
			return fmt.Errorf("%w: row %d is null", ErrInvalidInput, pos)
		}
		if row.ID == "" {
			row.ID = uuid.New().String()
		}
		row.PopulationID = pop.ID

		raw, err := json.Marshal(row.Raw)
		if err != nil || row.Raw == nil {
			raw = []byte("{}")
		}
		factors, _ := json.Marshal(nonNil(row.RiskFactors))

		var monetary sql.NullFloat64
		if row.MonetaryValue != nil {
			monetary = sql.NullFloat64{Float64: *row.MonetaryValue, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			tenantID, pop.ID, row.ID, pos, row.UniqueID,
			monetary, string(raw), row.RiskScore, string(factors),
		); err != nil {
			return fmt.Errorf("failed to insert row %s: %w", row.ID, err)
		}
	}

	return tx.Commit()
}

// GetPopulation retrieves a population with tenant isolation.
func (r *SQLRepository) GetPopulation(ctx context.Context, tenantID string, populationID string) (*domain.Population, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, mapping, row_count, created_at
		FROM populations
		WHERE tenant_id = ? AND id = ?
	`

	var pop domain.Population
	var mapping string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, populationID).Scan(
		&pop.ID, &pop.TenantID, &pop.Name, &mapping, &pop.RowCount, &pop.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(mapping), &pop.Mapping); err != nil {
		return nil, fmt.Errorf("failed to parse column mapping: %w", err)
	}

	return &pop, nil
}

// FetchRows returns every row of a population in upload order.
func (r *SQLRepository) FetchRows(ctx context.Context, tenantID string, populationID string) ([]*domain.Row, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, population_id, unique_id, monetary_value, raw, risk_score, risk_factors
		FROM audit_rows
		WHERE tenant_id = ? AND population_id = ?
		ORDER BY position
	`
	return r.queryRows(ctx, query, tenantID, populationID)
}

// ListScoredRows returns rows with risk_score >= minScore, riskiest first.
func (r *SQLRepository) ListScoredRows(ctx context.Context, tenantID string, populationID string, minScore float64) ([]*domain.Row, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, population_id, unique_id, monetary_value, raw, risk_score, risk_factors
		FROM audit_rows
		WHERE tenant_id = ? AND population_id = ? AND risk_score >= ?
		ORDER BY risk_score DESC, position
	`
	return r.queryRows(ctx, query, tenantID, populationID, minScore)
}

func (r *SQLRepository) queryRows(ctx context.Context, query string, args ...any) ([]*domain.Row, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Row
	for rows.Next() {
		var row domain.Row
		var monetary sql.NullFloat64
		var raw, factors string

		if err := rows.Scan(
			&row.ID, &row.PopulationID, &row.UniqueID, &monetary,
			&raw, &row.RiskScore, &factors,
		); err != nil {
			return nil, err
		}

		if monetary.Valid {
			v := monetary.Float64
			row.MonetaryValue = &v
		}
		// Unreadable raw records come back empty; detectors treat them as missing fields.
		if err := json.Unmarshal([]byte(raw), &row.Raw); err != nil || row.Raw == nil {
			row.Raw = map[string]any{}
		}
		json.Unmarshal([]byte(factors), &row.RiskFactors)

		out = append(out, &row)
	}

	return out, rows.Err()
}

// WriteRiskBatch updates risk scores by row id. Each item is written on
// its own; failures are reported per item and never roll back the others.
// The error return is reserved for a cancelled context.
func (r *SQLRepository) WriteRiskBatch(ctx context.Context, tenantID string, updates []domain.RiskUpdate) (*domain.BatchResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := r.rebind(`
		UPDATE audit_rows
		SET risk_score = ?, risk_factors = ?
		WHERE tenant_id = ? AND population_id = ? AND id = ?
	`)

	result := &domain.BatchResult{}
	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		factors, _ := json.Marshal(nonNil(u.RiskFactors))
		res, err := r.db.ExecContext(ctx, query, u.RiskScore, string(factors), tenantID, u.PopulationID, u.ID)
		if err != nil {
			result.Failed = append(result.Failed, domain.ItemError{
				ID:        u.ID,
				Error:     err.Error(),
				Retryable: r.retryable(err),
			})
			continue
		}

		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			result.Failed = append(result.Failed, domain.ItemError{ID: u.ID, Error: ErrNotFound.Error()})
			continue
		}
		result.Written++
	}

	return result, nil
}

// SaveAnalysis stores an analysis run with tenant isolation.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, analysis *domain.Analysis) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	report, err := json.Marshal(analysis.Report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	failed, _ := json.Marshal(nonNil(analysis.Failed))

	query := `
		INSERT INTO analyses (
			id, tenant_id, population_id, seed, fingerprint, report,
			rows_scored, persisted, failed, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		analysis.ID, tenantID, analysis.PopulationID,
		strconv.FormatUint(analysis.Seed, 10), analysis.Fingerprint, string(report),
		analysis.RowsScored, analysis.Persisted, string(failed),
		analysis.DurationMs, analysis.CreatedAt,
	)
	return err
}

// GetLatestAnalysis retrieves the most recent analysis of a population.
func (r *SQLRepository) GetLatestAnalysis(ctx context.Context, tenantID string, populationID string) (*domain.Analysis, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, population_id, seed, fingerprint, report,
			   rows_scored, persisted, failed, duration_ms, created_at
		FROM analyses
		WHERE tenant_id = ? AND population_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var a domain.Analysis
	var seed, report, failed string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, populationID).Scan(
		&a.ID, &a.TenantID, &a.PopulationID, &seed, &a.Fingerprint, &report,
		&a.RowsScored, &a.Persisted, &failed, &a.DurationMs, &a.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Seed, _ = strconv.ParseUint(seed, 10, 64)
	if err := json.Unmarshal([]byte(report), &a.Report); err != nil {
		return nil, fmt.Errorf("failed to parse analysis report: %w", err)
	}
	json.Unmarshal([]byte(failed), &a.Failed)

	return &a, nil
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(rule.Bands)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, bands, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			bands = excluded.bands,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, string(bands), rule.Weight, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves the latest enabled version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id, version
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// ListRuleTenants returns the tenants owning enabled rules, sorted.
func (r *SQLRepository) ListRuleTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM rule_configs WHERE enabled = 1 ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var bands string
	var enabled int

	if err := s.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &bands, &cfg.Weight, &enabled,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(bands), &cfg.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse bands of rule %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// retryable reports whether a failed write may succeed if tried again.
func (r *SQLRepository) retryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if r.driver == "postgres" {
		return isPostgresTransient(err)
	}
	return isSQLiteBusy(err)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
