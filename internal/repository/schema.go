package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaPopulations = `
CREATE TABLE IF NOT EXISTS populations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    mapping TEXT NOT NULL,
    row_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_populations_tenant ON populations(tenant_id);
`

// schemaRows holds one record per audited transaction.
// position keeps the upload order so detectors see rows as submitted.
const schemaRows = `
CREATE TABLE IF NOT EXISTS audit_rows (
    tenant_id TEXT NOT NULL,
    population_id TEXT NOT NULL,
    id TEXT NOT NULL,
    position INTEGER NOT NULL,
    unique_id TEXT NOT NULL DEFAULT '',
    monetary_value REAL,
    raw TEXT NOT NULL DEFAULT '{}',
    risk_score REAL NOT NULL DEFAULT 0,
    risk_factors TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (tenant_id, population_id, id)
);

CREATE INDEX IF NOT EXISTS idx_audit_rows_position ON audit_rows(tenant_id, population_id, position);
CREATE INDEX IF NOT EXISTS idx_audit_rows_score ON audit_rows(tenant_id, population_id, risk_score);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    population_id TEXT NOT NULL,
    seed TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    report TEXT NOT NULL,
    rows_scored INTEGER NOT NULL,
    persisted INTEGER NOT NULL,
    failed TEXT NOT NULL DEFAULT '[]',
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_population ON analyses(tenant_id, population_id, created_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPopulations,
		schemaRows,
		schemaAnalyses,
		schemaRuleConfigs,
	}
}
