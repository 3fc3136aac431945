package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetClassification retrieves a cached classification result.
	GetClassification(ctx context.Context, tenantID string, key string) (*ClassificationResult, error)

	// SetClassification caches a classification result so the bot layer
	// can re-render a merchant's last assessment without recomputing.
	SetClassification(ctx context.Context, tenantID string, key string, result *ClassificationResult, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for windowed evaluation counts per tenant.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community edition)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro edition)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}

// ClassificationCacheKey builds the cache key for a merchant's result at a
// given as-of date and metric.
func ClassificationCacheKey(merchantID string, metric Metric, asOf time.Time) string {
	return "cls:" + merchantID + ":" + string(metric) + ":" + asOf.Format("2006-01-02")
}
