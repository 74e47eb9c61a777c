package market

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stocktester/internal/errors"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func sampleSeries() *PriceSeries {
	return &PriceSeries{
		Ticker: "AAPL",
		Bars: []Bar{
			{Date: date("2024-01-02"), Close: 100},
			{Date: date("2024-01-03"), Close: 101},
			{Date: date("2024-01-05"), Close: 103},
			{Date: date("2024-01-08"), Close: 104},
		},
	}
}

func TestPriceSeriesLookups(t *testing.T) {
	s := sampleSeries()

	assert.Equal(t, 2, s.IndexOf(date("2024-01-05")))
	assert.Equal(t, -1, s.IndexOf(date("2024-01-04")))

	px, ok := s.CloseOn(date("2024-01-03").Add(15 * time.Hour))
	assert.True(t, ok)
	assert.Equal(t, 101.0, px)

	sub := s.Between(date("2024-01-03"), date("2024-01-08"))
	require.Equal(t, 2, sub.Len())
	assert.Equal(t, date("2024-01-03"), sub.Bars[0].Date)
	assert.Equal(t, date("2024-01-05"), sub.Bars[1].Date)

	// 返回副本，修改不影响原序列
	sub.Bars[0].Close = 0
	assert.Equal(t, 101.0, s.Bars[1].Close)

	assert.Equal(t, 0, s.Between(date("2025-01-01"), date("2026-01-01")).Len())
}

func TestPriceSeriesValidate(t *testing.T) {
	assert.NoError(t, sampleSeries().Validate())

	bad := sampleSeries()
	bad.Bars[2].Date = bad.Bars[1].Date
	assert.Error(t, bad.Validate())

	bad = sampleSeries()
	bad.Bars[0].Close = -1
	assert.Error(t, bad.Validate())
}

func TestCalendar(t *testing.T) {
	cal := NewCalendar(sampleSeries())

	assert.Equal(t, 2, cal.Search(date("2024-01-04")))
	assert.Equal(t, -1, cal.IndexOf(date("2024-01-04")))
	assert.Equal(t, 3, cal.IndexOf(date("2024-01-08")))
	assert.Len(t, cal.Between(date("2024-01-01"), date("2024-01-05")), 2)
	assert.Equal(t, date("2024-01-09"), cal.DateAt(len(cal)))
	assert.Nil(t, cal.Between(date("2024-01-08"), date("2024-01-02")))
}

func TestMemoryProvider(t *testing.T) {
	p := NewMemoryProvider(sampleSeries())
	ctx := context.Background()

	s, err := p.GetPrices(ctx, "aapl", date("2024-01-01"), date("2024-01-04"))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	_, err = p.GetPrices(ctx, "MSFT", date("2024-01-01"), date("2024-02-01"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMarketDataUnavailable))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.GetPrices(cancelled, "AAPL", date("2024-01-01"), date("2024-02-01"))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"AAPL"}, p.Tickers())
}

func TestParseCSV(t *testing.T) {
	input := `Date,Open,High,Low,Close,Adj Close,Volume
2024-01-02,99,101,98,100,99.5,1000
2024-01-03,100,102,99,,100,1100
2024-01-04,101,103,100,102,101.5,1200
`
	s, err := ParseCSV("MSFT", strings.NewReader(input), "2006-01-02")
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
	assert.Equal(t, 102.0, s.Bars[1].Close)
	assert.Equal(t, 1200.0, s.Bars[1].Volume)

	_, err = ParseCSV("MSFT", strings.NewReader("Open,Close\n1,2\n"), "2006-01-02")
	assert.Error(t, err)

	_, err = ParseCSV("MSFT", strings.NewReader("Date,Close\n2024-01-02,abc\n"), "2006-01-02")
	assert.Error(t, err)
}

func TestCSVProvider(t *testing.T) {
	dir := t.TempDir()
	content := "Date,Close\n2024-01-02,4700\n2024-01-03,4710\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "GSPC.csv"), []byte(content), 0o644))

	p := NewCSVProvider(dir)
	index, cal, err := LoadCalendar(context.Background(), p, "^GSPC", date("2024-01-01"), date("2024-12-31"))
	require.NoError(t, err)
	assert.Equal(t, 2, index.Len())
	assert.Len(t, cal, 2)

	_, err = p.GetPrices(context.Background(), "NOPE", date("2024-01-01"), date("2024-12-31"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMarketDataUnavailable))
}

func TestRateLimitedProvider(t *testing.T) {
	calls := 0
	upstream := ProviderFunc(func(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
		calls++
		return sampleSeries(), nil
	})

	p := NewRateLimitedProvider(upstream, 0, 0)
	for i := 0; i < 3; i++ {
		_, err := p.GetPrices(context.Background(), "AAPL", date("2024-01-01"), date("2024-02-01"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)

	slow := NewRateLimitedProvider(upstream, 0.001, 1)
	_, err := slow.GetPrices(context.Background(), "AAPL", date("2024-01-01"), date("2024-02-01"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.GetPrices(ctx, "AAPL", date("2024-01-01"), date("2024-02-01"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRateLimit))
}

func TestBreakerProvider(t *testing.T) {
	failing := ProviderFunc(func(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
		if ticker == "MISSING" {
			return nil, ErrNoData(ticker)
		}
		return nil, errors.New("upstream down")
	})

	p := NewBreakerProvider(failing, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.GetPrices(ctx, "MISSING", date("2024-01-01"), date("2024-02-01"))
		require.Error(t, err)
	}
	assert.Equal(t, "closed", p.State())

	for i := 0; i < 2; i++ {
		_, err := p.GetPrices(ctx, "AAPL", date("2024-01-01"), date("2024-02-01"))
		require.EqualError(t, err, "upstream down")
	}
	assert.Equal(t, "open", p.State())

	_, err := p.GetPrices(ctx, "AAPL", date("2024-01-01"), date("2024-02-01"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCircuitOpen))
}

func TestSnapshot(t *testing.T) {
	calls := map[string]int{}
	upstream := ProviderFunc(func(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
		calls[ticker]++
		if ticker == "GONE" {
			return nil, ErrNoData(ticker)
		}
		s := sampleSeries()
		s.Ticker = ticker
		return s.Between(start, end), nil
	})

	snap, missing, err := Snapshot(context.Background(), upstream, []string{"AAPL", "GONE"}, date("2024-01-01"), date("2024-02-01"))
	require.NoError(t, err)
	assert.Contains(t, missing, "GONE")
	assert.Equal(t, []string{"AAPL"}, snap.Tickers())

	for i := 0; i < 3; i++ {
		s, err := snap.GetPrices(context.Background(), "AAPL", date("2024-01-03"), date("2024-01-06"))
		require.NoError(t, err)
		assert.Equal(t, 2, s.Len())
	}
	assert.Equal(t, 1, calls["AAPL"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = Snapshot(ctx, upstream, []string{"AAPL"}, date("2024-01-01"), date("2024-02-01"))
	assert.ErrorIs(t, err, context.Canceled)
}
