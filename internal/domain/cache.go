package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching analysis reports.
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

	// GetAnalysis retrieves a cached analysis run.
	// Returns nil, nil if key not found.
	GetAnalysis(ctx context.Context, tenantID string, key string) (*Analysis, error)

	// SetAnalysis caches an analysis run.
	SetAnalysis(ctx context.Context, tenantID string, key string, analysis *Analysis, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `envconfig:"TYPE"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `envconfig:"LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `envconfig:"LOCAL_TTL"`

	// ReportTTL is how long a finished analysis stays cached
	ReportTTL time.Duration `envconfig:"REPORT_TTL"`

	// Redis settings (Pro tier)
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`

	// Two-phase settings
	EnableTwoPhase bool `envconfig:"TWO_PHASE"` // If true, check local first, then Redis
}
