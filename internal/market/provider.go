package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "stocktester/internal/errors"
)

// PriceProvider supplies deterministic daily history. Implementations return
// bars with start <= date < end in ascending order and must not mutate
// series they have already handed out.
type PriceProvider interface {
	GetPrices(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error)
}

// ProviderFunc adapts a function to PriceProvider
type ProviderFunc func(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error)

// GetPrices implements PriceProvider
func (f ProviderFunc) GetPrices(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
	return f(ctx, ticker, start, end)
}

// ErrNoData builds the error returned when a ticker has no history
func ErrNoData(ticker string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeMarketDataUnavailable,
		"no price data", ticker, nil).WithContext("ticker", ticker)
}

// MemoryProvider serves series held in memory
type MemoryProvider struct {
	mu     sync.RWMutex
	series map[string]*PriceSeries
}

// NewMemoryProvider creates a provider over the given series
func NewMemoryProvider(series ...*PriceSeries) *MemoryProvider {
	p := &MemoryProvider{series: make(map[string]*PriceSeries)}
	for _, s := range series {
		p.Add(s)
	}
	return p
}

// Add registers or replaces a series, sorting its bars by date
func (p *MemoryProvider) Add(s *PriceSeries) {
	bars := append([]Bar(nil), s.Bars...)
	for i := range bars {
		bars[i].Date = Day(bars[i].Date)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.series[strings.ToUpper(s.Ticker)] = &PriceSeries{Ticker: s.Ticker, Bars: bars}
}

// Tickers lists registered tickers
func (p *MemoryProvider) Tickers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tickers := make([]string, 0, len(p.series))
	for _, s := range p.series {
		tickers = append(tickers, s.Ticker)
	}
	sort.Strings(tickers)
	return tickers
}

// GetPrices implements PriceProvider
func (p *MemoryProvider) GetPrices(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	s, ok := p.series[strings.ToUpper(ticker)]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNoData(ticker)
	}
	return s.Between(start, end), nil
}

// LoadCalendar fetches the index series and derives the trading calendar
func LoadCalendar(ctx context.Context, provider PriceProvider, indexTicker string, start, end time.Time) (*PriceSeries, Calendar, error) {
	series, err := provider.GetPrices(ctx, indexTicker, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load index %s: %w", indexTicker, err)
	}
	if series.Len() == 0 {
		return nil, nil, ErrNoData(indexTicker)
	}
	if err := series.Validate(); err != nil {
		return nil, nil, apperrors.NewAppError(apperrors.ErrCodeMarketDataInvalid, "invalid index series", err)
	}
	return series, NewCalendar(series), nil
}

// Snapshot fetches every ticker over [start, end) once and serves the
// result from memory. Per-ticker failures are returned in missing and
// leave the ticker out of the snapshot; only cancellation is fatal.
func Snapshot(ctx context.Context, provider PriceProvider, tickers []string, start, end time.Time) (*MemoryProvider, map[string]error, error) {
	snap := NewMemoryProvider()
	missing := make(map[string]error)
	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		series, err := provider.GetPrices(ctx, ticker, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			missing[ticker] = err
			continue
		}
		if series.Ticker == "" {
			series.Ticker = ticker
		}
		snap.Add(series)
	}
	return snap, missing, nil
}
