// Package repository provides persistence for table sets, snapshots, and
// classification results. A single database/sql implementation serves both
// SQLite (community edition) and PostgreSQL (pro edition).
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput is returned for invalid input parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a repository based on the provided configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply connection pool settings
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
	if repo.driver == "" {
		repo.driver = "sqlite"
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// migrate creates the schema if it doesn't exist.
func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
		} else {
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}

// --- Table sets ---

// SaveTableSet stores a versioned table-set document. The payload is kept
// as the full JSON document so older versions replay exactly as published.
func (r *SQLRepository) SaveTableSet(ctx context.Context, tables *domain.TableSet) error {
	if tables == nil || tables.Version == "" {
		return fmt.Errorf("%w: table set with version is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("failed to marshal table set: %w", err)
	}

	lastUpdated := tables.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}

	query := r.rebind(`
		INSERT INTO table_sets (version, payload, last_updated, loaded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			payload = excluded.payload,
			last_updated = excluded.last_updated,
			loaded_at = excluded.loaded_at`)

	_, err = r.db.ExecContext(ctx, query,
		tables.Version, string(payload), lastUpdated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save table set: %w", err)
	}
	return nil
}

// GetTableSet retrieves one stored table-set version.
func (r *SQLRepository) GetTableSet(ctx context.Context, version string) (*domain.TableSet, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidInput)
	}

	query := r.rebind(`SELECT payload FROM table_sets WHERE version = ?`)

	var payload string
	err := r.db.QueryRowContext(ctx, query, version).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table set: %w", err)
	}

	return unmarshalTableSet(payload)
}

// GetLatestTableSet retrieves the most recently loaded table set.
func (r *SQLRepository) GetLatestTableSet(ctx context.Context) (*domain.TableSet, error) {
	query := `SELECT payload FROM table_sets ORDER BY loaded_at DESC LIMIT 1`

	var payload string
	err := r.db.QueryRowContext(ctx, query).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest table set: %w", err)
	}

	return unmarshalTableSet(payload)
}

// ListTableSetVersions lists stored versions, newest first.
func (r *SQLRepository) ListTableSetVersions(ctx context.Context) ([]domain.TableSetVersion, error) {
	query := `SELECT version, last_updated, loaded_at FROM table_sets ORDER BY loaded_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list table set versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.TableSetVersion
	for rows.Next() {
		var v domain.TableSetVersion
		if err := rows.Scan(&v.Version, &v.LastUpdated, &v.LoadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan table set version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func unmarshalTableSet(payload string) (*domain.TableSet, error) {
	var tables domain.TableSet
	if err := json.Unmarshal([]byte(payload), &tables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal table set: %w", err)
	}
	return &tables, nil
}

// --- Snapshots ---

// SaveSnapshot stores a merchant metrics snapshot.
func (r *SQLRepository) SaveSnapshot(ctx context.Context, tenantID string, snap *domain.MerchantMetricsSnapshot) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant ID is required", ErrInvalidInput)
	}
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("%w: snapshot with ID is required", ErrInvalidInput)
	}

	query := r.rebind(`
		INSERT INTO snapshots (
			id, tenant_id, merchant_id, region, country_code, psp_id,
			metric, dispute_ratio, domestic_mix, as_of_date, currency_code, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		snap.ID, tenantID, snap.MerchantID,
		string(snap.Region), snap.CountryCode, snap.PSPID,
		string(snap.Metric), snap.DisputeRatio, boolToInt(snap.DomesticMix),
		snap.AsOfDate, snap.CurrencyCode, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by ID, scoped to the tenant.
func (r *SQLRepository) GetSnapshot(ctx context.Context, tenantID string, snapID string) (*domain.MerchantMetricsSnapshot, error) {
	if tenantID == "" || snapID == "" {
		return nil, fmt.Errorf("%w: tenant ID and snapshot ID are required", ErrInvalidInput)
	}

	query := r.rebind(`
		SELECT id, tenant_id, merchant_id, region, country_code, psp_id,
		       metric, dispute_ratio, domestic_mix, as_of_date, currency_code
		FROM snapshots WHERE tenant_id = ? AND id = ?`)

	var snap domain.MerchantMetricsSnapshot
	var region, metric string
	var domesticMix int

	err := r.db.QueryRowContext(ctx, query, tenantID, snapID).Scan(
		&snap.ID, &snap.TenantID, &snap.MerchantID,
		&region, &snap.CountryCode, &snap.PSPID,
		&metric, &snap.DisputeRatio, &domesticMix,
		&snap.AsOfDate, &snap.CurrencyCode)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	snap.Region = domain.Region(region)
	snap.Metric = domain.Metric(metric)
	snap.DomesticMix = domesticMix != 0
	return &snap, nil
}

// --- Classifications ---

// SaveClassification stores a classification result including the full
// audit trail and any fired advisories.
func (r *SQLRepository) SaveClassification(ctx context.Context, tenantID string, result *domain.ClassificationResult) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant ID is required", ErrInvalidInput)
	}
	if result == nil || result.ID == "" {
		return fmt.Errorf("%w: classification with ID is required", ErrInvalidInput)
	}

	auditJSON, err := json.Marshal(result.AuditTrail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit trail: %w", err)
	}

	advisoriesJSON := "[]"
	if len(result.Advisories) > 0 {
		b, err := json.Marshal(result.Advisories)
		if err != nil {
			return fmt.Errorf("failed to marshal advisories: %w", err)
		}
		advisoriesJSON = string(b)
	}

	query := r.rebind(`
		INSERT INTO classifications (
			id, tenant_id, snapshot_id, merchant_id, tier, regime,
			exemption_applied, exemption_reason, psp_risk_label,
			penalty_amount, penalty_currency, penalty_available,
			audit_trail, advisories, tables_version, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		result.ID, tenantID, result.SnapshotID, result.MerchantID,
		string(result.Tier), string(result.Regime),
		boolToInt(result.ExemptionApplied), result.ExemptionReason, result.PSPRiskLabel,
		result.PenaltyEstimate.Amount.String(), result.PenaltyEstimate.CurrencyCode,
		boolToInt(result.PenaltyEstimate.Available),
		string(auditJSON), advisoriesJSON,
		result.TablesVersion, result.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to save classification: %w", err)
	}
	return nil
}

// GetClassification retrieves a classification by ID, scoped to the tenant.
func (r *SQLRepository) GetClassification(ctx context.Context, tenantID string, resultID string) (*domain.ClassificationResult, error) {
	if tenantID == "" || resultID == "" {
		return nil, fmt.Errorf("%w: tenant ID and classification ID are required", ErrInvalidInput)
	}

	query := r.rebind(classificationSelect + ` WHERE tenant_id = ? AND id = ?`)

	row := r.db.QueryRowContext(ctx, query, tenantID, resultID)
	result, err := scanClassification(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get classification: %w", err)
	}
	return result, nil
}

// ListClassificationsByMerchant retrieves a merchant's classification
// history since the given time, newest first.
func (r *SQLRepository) ListClassificationsByMerchant(ctx context.Context, tenantID string, merchantID string, since time.Time) ([]*domain.ClassificationResult, error) {
	if tenantID == "" || merchantID == "" {
		return nil, fmt.Errorf("%w: tenant ID and merchant ID are required", ErrInvalidInput)
	}

	query := r.rebind(classificationSelect + `
		WHERE tenant_id = ? AND merchant_id = ? AND evaluated_at >= ?
		ORDER BY evaluated_at DESC`)

	rows, err := r.db.QueryContext(ctx, query, tenantID, merchantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list classifications: %w", err)
	}
	defer rows.Close()

	var results []*domain.ClassificationResult
	for rows.Next() {
		result, err := scanClassification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan classification: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

const classificationSelect = `
	SELECT id, tenant_id, snapshot_id, merchant_id, tier, regime,
	       exemption_applied, exemption_reason, psp_risk_label,
	       penalty_amount, penalty_currency, penalty_available,
	       audit_trail, advisories, tables_version, evaluated_at
	FROM classifications`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanClassification(row rowScanner) (*domain.ClassificationResult, error) {
	var result domain.ClassificationResult
	var tier, regime string
	var exemptionApplied, penaltyAvailable int
	var penaltyAmount, penaltyCurrency string
	var auditJSON, advisoriesJSON string

	err := row.Scan(
		&result.ID, &result.TenantID, &result.SnapshotID, &result.MerchantID,
		&tier, &regime,
		&exemptionApplied, &result.ExemptionReason, &result.PSPRiskLabel,
		&penaltyAmount, &penaltyCurrency, &penaltyAvailable,
		&auditJSON, &advisoriesJSON,
		&result.TablesVersion, &result.EvaluatedAt)
	if err != nil {
		return nil, err
	}

	result.Tier = domain.RiskTier(tier)
	result.Regime = domain.RegimeKind(regime)
	result.ExemptionApplied = exemptionApplied != 0

	amount, err := decimal.NewFromString(penaltyAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid penalty amount %q: %w", penaltyAmount, err)
	}
	result.PenaltyEstimate = domain.PenaltyEstimate{
		Amount:       amount,
		CurrencyCode: penaltyCurrency,
		Available:    penaltyAvailable != 0,
	}

	if err := json.Unmarshal([]byte(auditJSON), &result.AuditTrail); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit trail: %w", err)
	}
	if advisoriesJSON != "" && advisoriesJSON != "[]" {
		if err := json.Unmarshal([]byte(advisoriesJSON), &result.Advisories); err != nil {
			return nil, fmt.Errorf("failed to unmarshal advisories: %w", err)
		}
	}

	return &result, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
