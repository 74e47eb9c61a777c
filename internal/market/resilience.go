package market

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	apperrors "stocktester/internal/errors"
)

// RateLimitedProvider throttles calls to an upstream provider
type RateLimitedProvider struct {
	next    PriceProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps next with a token bucket of rps requests per
// second and the given burst. A non-positive rps disables limiting.
func NewRateLimitedProvider(next PriceProvider, rps float64, burst int) *RateLimitedProvider {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedProvider{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// GetPrices implements PriceProvider
func (p *RateLimitedProvider) GetPrices(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeRateLimit, "price request throttled", err)
	}
	return p.next.GetPrices(ctx, ticker, start, end)
}

// BreakerConfig controls when the circuit opens
type BreakerConfig struct {
	Name                string        `yaml:"name"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// BreakerProvider stops calling a failing upstream until it recovers.
// Missing data for a ticker is an answer, not a failure, so it never
// counts against the breaker.
type BreakerProvider struct {
	next PriceProvider
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps next with a circuit breaker
func NewBreakerProvider(next PriceProvider, cfg BreakerConfig) *BreakerProvider {
	if cfg.Name == "" {
		cfg.Name = "price-provider"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
	}
	failures := cfg.ConsecutiveFailures
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= failures }
	st.IsSuccessful = func(err error) bool {
		return err == nil ||
			apperrors.IsCode(err, apperrors.ErrCodeMarketDataUnavailable) ||
			errors.Is(err, context.Canceled)
	}
	return &BreakerProvider{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State reports the breaker state name
func (p *BreakerProvider) State() string {
	return p.cb.State().String()
}

// GetPrices implements PriceProvider
func (p *BreakerProvider) GetPrices(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
	res, err := p.cb.Execute(func() (interface{}, error) {
		return p.next.GetPrices(ctx, ticker, start, end)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.NewAppError(apperrors.ErrCodeCircuitOpen, "price provider unavailable", err).
				WithContext("ticker", ticker)
		}
		return nil, err
	}
	return res.(*PriceSeries), nil
}
