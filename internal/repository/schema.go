package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTableSets = `
CREATE TABLE IF NOT EXISTS table_sets (
    version TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    last_updated TIMESTAMP NOT NULL,
    loaded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_table_sets_loaded ON table_sets(loaded_at);
`

const schemaSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    region TEXT NOT NULL,
    country_code TEXT NOT NULL,
    psp_id TEXT,
    metric TEXT NOT NULL,
    dispute_ratio REAL NOT NULL,
    domestic_mix INTEGER NOT NULL,
    as_of_date TIMESTAMP NOT NULL,
    currency_code TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_tenant ON snapshots(tenant_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_merchant ON snapshots(tenant_id, merchant_id);
`

const schemaClassifications = `
CREATE TABLE IF NOT EXISTS classifications (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    snapshot_id TEXT NOT NULL,
    merchant_id TEXT NOT NULL,
    tier TEXT NOT NULL,
    regime TEXT NOT NULL,
    exemption_applied INTEGER NOT NULL,
    exemption_reason TEXT,
    psp_risk_label TEXT,
    penalty_amount TEXT,
    penalty_currency TEXT,
    penalty_available INTEGER NOT NULL,
    audit_trail TEXT NOT NULL,
    advisories TEXT,
    tables_version TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_classifications_tenant ON classifications(tenant_id);
CREATE INDEX IF NOT EXISTS idx_classifications_merchant ON classifications(tenant_id, merchant_id);
CREATE INDEX IF NOT EXISTS idx_classifications_snapshot ON classifications(tenant_id, snapshot_id);
CREATE INDEX IF NOT EXISTS idx_classifications_evaluated ON classifications(tenant_id, evaluated_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTableSets,
		schemaSnapshots,
		schemaClassifications,
	}
}
