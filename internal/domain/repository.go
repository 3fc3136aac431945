package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation,
// except table sets, which are global configuration.
type Repository interface {
	// Table set operations (versioned configuration documents)
	SaveTableSet(ctx context.Context, tables *TableSet) error
	GetTableSet(ctx context.Context, version string) (*TableSet, error)
	GetLatestTableSet(ctx context.Context) (*TableSet, error)
	ListTableSetVersions(ctx context.Context) ([]TableSetVersion, error)

	// Snapshot operations
	SaveSnapshot(ctx context.Context, tenantID string, snap *MerchantMetricsSnapshot) error
	GetSnapshot(ctx context.Context, tenantID string, snapID string) (*MerchantMetricsSnapshot, error)

	// Classification results
	SaveClassification(ctx context.Context, tenantID string, result *ClassificationResult) error
	GetClassification(ctx context.Context, tenantID string, resultID string) (*ClassificationResult, error)
	ListClassificationsByMerchant(ctx context.Context, tenantID string, merchantID string, since time.Time) ([]*ClassificationResult, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// TableSetVersion summarizes one stored table-set document.
type TableSetVersion struct {
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	LoadedAt    time.Time `json:"loadedAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
