package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/market"
	"stocktester/internal/testutils"
)

func TestMemoryCache(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	cache := NewMemoryCache(2)
	defer cache.Close()
	ctx := context.Background()

	t.Run("basic operations", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		value, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(value) != "value1" {
			t.Errorf("Expected 'value1', got '%s'", value)
		}

		if err := cache.Delete(ctx, "key1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := cache.Get(ctx, "key1"); !IsMiss(err) {
			t.Errorf("Expected cache miss after delete, got %v", err)
		}
	})

	t.Run("expiration", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "short", []byte("x"), time.Millisecond))
		time.Sleep(5 * time.Millisecond)
		_, err := cache.Get(ctx, "short")
		assert.True(t, IsMiss(err))
	})

	t.Run("lru eviction", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "a", []byte("1"), time.Minute))
		time.Sleep(time.Millisecond)
		require.NoError(t, cache.Set(ctx, "b", []byte("2"), time.Minute))
		time.Sleep(time.Millisecond)
		_, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, cache.Set(ctx, "c", []byte("3"), time.Minute))

		assert.Equal(t, 2, cache.Size())
		_, err = cache.Get(ctx, "b")
		assert.True(t, IsMiss(err), "least recently used key should be evicted")
		assert.EqualValues(t, 1, cache.GetStats().EvictionCount)
	})

	assert.NoError(t, cache.Close())
	assert.NoError(t, cache.Close())
}

func TestRedisCache(t *testing.T) {
	client, mock := redismock.NewClientMock()
	rc := NewRedisCacheWithClient(client, "test:")
	ctx := context.Background()

	mock.ExpectSet("test:k", []byte("v"), time.Minute).SetVal("OK")
	require.NoError(t, rc.Set(ctx, "k", []byte("v"), time.Minute))

	mock.ExpectGet("test:k").SetVal("v")
	value, err := rc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(value))

	mock.ExpectGet("test:missing").RedisNil()
	_, err = rc.Get(ctx, "missing")
	assert.True(t, IsMiss(err))

	mock.ExpectGet("test:broken").SetErr(errors.New("connection reset"))
	_, err = rc.Get(ctx, "broken")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCacheOperation))

	mock.ExpectDel("test:k").SetVal(1)
	require.NoError(t, rc.Delete(ctx, "k"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewCache(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()
	ctx := context.Background()

	c, err := NewCache(ctx, Settings{Backend: BackendMemory}, suite.Logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)
	c.Close()

	// 无法连接的Redis回退到内存缓存
	c, err = NewCache(ctx, Settings{Backend: BackendRedis, Redis: Config{Addr: "127.0.0.1:1"}}, suite.Logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)
	c.Close()

	_, err = NewCache(ctx, Settings{Backend: "memcached"}, suite.Logger)
	assert.Error(t, err)
}

type countingRecorder struct{ hits, misses int }

func (r *countingRecorder) RecordCacheResult(hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func TestCachedProvider(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	days := testutils.TradingDays(testutils.Date("2024-01-02"), 10)
	calls := 0
	upstream := market.ProviderFunc(func(ctx context.Context, ticker string, start, end time.Time) (*market.PriceSeries, error) {
		calls++
		return testutils.LinearSeries(ticker, days, 100, 1).Between(start, end), nil
	})

	mem := NewMemoryCache(100)
	defer mem.Close()
	rec := &countingRecorder{}
	p := NewCachedProvider(upstream, mem, time.Hour, suite.Logger).WithRecorder(rec)
	ctx := context.Background()

	first, err := p.GetPrices(ctx, "AAPL", days[0], days[5])
	require.NoError(t, err)
	second, err := p.GetPrices(ctx, "AAPL", days[0], days[5])
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Len(), second.Len())
	assert.True(t, first.Bars[0].Date.Equal(second.Bars[0].Date))
	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 1, rec.misses)

	// 不同区间使用不同的键
	_, err = p.GetPrices(ctx, "AAPL", days[0], days[8])
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// 损坏的缓存条目回源
	require.NoError(t, mem.Set(ctx, PriceKey("MSFT", days[0], days[5]), []byte("{"), time.Hour))
	s, err := p.GetPrices(ctx, "MSFT", days[0], days[5])
	require.NoError(t, err)
	assert.Equal(t, 5, s.Len())
	cached, err := mem.Get(ctx, PriceKey("MSFT", days[0], days[5]))
	require.NoError(t, err)
	assert.True(t, json.Valid(cached))
}

func TestCachedProviderPropagatesUpstreamErrors(t *testing.T) {
	upstream := market.ProviderFunc(func(ctx context.Context, ticker string, start, end time.Time) (*market.PriceSeries, error) {
		return nil, market.ErrNoData(ticker)
	})
	mem := NewMemoryCache(10)
	defer mem.Close()

	p := NewCachedProvider(upstream, mem, 0, nil)
	_, err := p.GetPrices(context.Background(), "NOPE", time.Now(), time.Now())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMarketDataUnavailable))
	assert.Equal(t, 0, mem.Size())
}
