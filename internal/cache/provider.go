package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stocktester/internal/logger"
	"stocktester/internal/market"
)

// HitRecorder receives cache hit/miss events
type HitRecorder interface {
	RecordCacheResult(hit bool)
}

// CachedProvider serves price series from a cache in front of an upstream
// provider. Cache failures are logged and never fail a request.
type CachedProvider struct {
	next     market.PriceProvider
	cache    Cache
	ttl      time.Duration
	log      logger.Logger
	recorder HitRecorder
}

// NewCachedProvider wraps next with cache
func NewCachedProvider(next market.PriceProvider, cache Cache, ttl time.Duration, log logger.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &CachedProvider{next: next, cache: cache, ttl: ttl, log: log}
}

// WithRecorder attaches a hit/miss recorder
func (p *CachedProvider) WithRecorder(r HitRecorder) *CachedProvider {
	p.recorder = r
	return p
}

// PriceKey builds the cache key of a ticker/range request
func PriceKey(ticker string, start, end time.Time) string {
	return fmt.Sprintf("prices:%s:%s:%s", strings.ToUpper(ticker),
		market.Day(start).Format("20060102"), market.Day(end).Format("20060102"))
}

// GetPrices implements market.PriceProvider
func (p *CachedProvider) GetPrices(ctx context.Context, ticker string, start, end time.Time) (*market.PriceSeries, error) {
	key := PriceKey(ticker, start, end)

	data, err := p.cache.Get(ctx, key)
	switch {
	case err == nil:
		var series market.PriceSeries
		if err := json.Unmarshal(data, &series); err == nil {
			p.record(true)
			return &series, nil
		}
		p.log.Warn("Discarding corrupt cache entry", "key", key)
	case !IsMiss(err):
		p.log.Warn("Cache read failed", "key", key, "error", err)
	}
	p.record(false)

	series, err := p.next.GetPrices(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(series); err == nil {
		if err := p.cache.Set(ctx, key, data, p.ttl); err != nil {
			p.log.Warn("Cache write failed", "key", key, "error", err)
		}
	}
	return series, nil
}

func (p *CachedProvider) record(hit bool) {
	if p.recorder != nil {
		p.recorder.RecordCacheResult(hit)
	}
}
