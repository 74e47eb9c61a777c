package cache

import (
	"context"
	"time"

	apperrors "stocktester/internal/errors"
)

// Cache defines the byte-oriented operations shared by all backends
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss is returned by Get when a key is absent or expired
var ErrCacheMiss = apperrors.NewAppError(apperrors.ErrCodeCacheMiss, "cache miss", nil)

// IsMiss reports whether err signals a cache miss
func IsMiss(err error) bool {
	return apperrors.IsCode(err, apperrors.ErrCodeCacheMiss)
}
