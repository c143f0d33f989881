package domain

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value store with per-entry TTL. A miss is
// reported as (nil, nil), never as an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and sizes the chain event cache.
type CacheConfig struct {
	Type string `json:"type"` // memory | redis

	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTTL"`

	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDB"`
	// EnableTwoPhase fronts Redis with the local LRU.
	EnableTwoPhase bool `json:"enableTwoPhase"`

	ChainEventTTL time.Duration `json:"chainEventTTL"`
}
