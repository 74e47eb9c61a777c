package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "stocktester/internal/errors"
)

// CSVProvider reads <dir>/<TICKER>.csv files with a
// Date,Open,High,Low,Close,Volume header. Parsed files are kept in memory.
type CSVProvider struct {
	dir    string
	layout string

	mu     sync.Mutex
	loaded map[string]*PriceSeries
}

// NewCSVProvider creates a provider rooted at dir
func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{
		dir:    dir,
		layout: "2006-01-02",
		loaded: make(map[string]*PriceSeries),
	}
}

// GetPrices implements PriceProvider
func (p *CSVProvider) GetPrices(ctx context.Context, ticker string, start, end time.Time) (*PriceSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	series, ok := p.loaded[ticker]
	p.mu.Unlock()

	if !ok {
		var err error
		series, err = p.load(ticker)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.loaded[ticker] = series
		p.mu.Unlock()
	}
	return series.Between(start, end), nil
}

func (p *CSVProvider) load(ticker string) (*PriceSeries, error) {
	path := filepath.Join(p.dir, fileName(ticker))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoData(ticker)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	series, err := ParseCSV(ticker, f, p.layout)
	if err != nil {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeMarketDataInvalid, "invalid price file", path, err)
	}
	return series, nil
}

// fileName maps index symbols such as ^GSPC to a file-system friendly name
func fileName(ticker string) string {
	return strings.ToUpper(strings.TrimPrefix(ticker, "^")) + ".csv"
}

// ParseCSV parses OHLCV rows. Columns are located by header name so
// extra columns (e.g. Adj Close) are ignored.
func ParseCSV(ticker string, r io.Reader, layout string) (*PriceSeries, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"date", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing %q column", required)
		}
	}

	series := &PriceSeries{Ticker: ticker}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		date, err := time.Parse(layout, strings.TrimSpace(record[cols["date"]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad date: %w", line, err)
		}
		bar := Bar{Date: Day(date)}
		fields := map[string]*float64{
			"open": &bar.Open, "high": &bar.High, "low": &bar.Low,
			"close": &bar.Close, "volume": &bar.Volume,
		}
		for name, dst := range fields {
			idx, ok := cols[name]
			if !ok || idx >= len(record) {
				continue
			}
			raw := strings.TrimSpace(record[idx])
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad %s: %w", line, name, err)
			}
			*dst = v
		}
		// 收盘价缺失的行跳过，由模拟器按缺失价格处理
		if bar.Close <= 0 {
			continue
		}
		series.Bars = append(series.Bars, bar)
	}

	if err := series.Validate(); err != nil {
		return nil, err
	}
	return series, nil
}
