package cache

import (
	"context"
	"fmt"
	"time"

	"stocktester/internal/logger"
)

// Backend names accepted by NewCache
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Settings selects and sizes a cache backend
type Settings struct {
	Backend string        `yaml:"backend"`
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   Config        `yaml:"redis"`
}

// NewCache creates the configured backend. When Redis is unreachable it
// falls back to an in-memory cache so runs can proceed without it.
func NewCache(ctx context.Context, settings Settings, log logger.Logger) (Cache, error) {
	switch settings.Backend {
	case "", BackendMemory:
		return NewMemoryCache(settings.MaxSize), nil
	case BackendRedis:
		rc, err := NewRedisCache(ctx, &settings.Redis)
		if err != nil {
			if log != nil {
				log.Warn("Redis unavailable, falling back to memory cache", "addr", settings.Redis.Addr, "error", err)
			}
			return NewMemoryCache(settings.MaxSize), nil
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", settings.Backend)
	}
}
