package scoring

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/market"
	"stocktester/internal/strategy/weights"
)

// CategoryScores holds one normalized score in [-100, 100] per category
type CategoryScores [weights.NumCategories]float64

// FactorSource provides the category scores known on a date
type FactorSource interface {
	CategoryScores(ctx context.Context, ticker string, date time.Time) (CategoryScores, error)
}

type factorRow struct {
	date   time.Time
	scores CategoryScores
}

// FactorStore is an in-memory as-of table of category scores
type FactorStore struct {
	rows   map[string][]factorRow
	maxAge time.Duration
}

// NewFactorStore creates an empty store. Rows older than maxAge are not
// used; zero disables the limit.
func NewFactorStore(maxAge time.Duration) *FactorStore {
	return &FactorStore{rows: make(map[string][]factorRow), maxAge: maxAge}
}

// Add records the scores published for ticker on date
func (s *FactorStore) Add(ticker string, date time.Time, scores CategoryScores) {
	key := strings.ToUpper(ticker)
	rows := s.rows[key]
	row := factorRow{date: market.Day(date), scores: scores}
	i := sort.Search(len(rows), func(i int) bool { return !rows[i].date.Before(row.date) })
	if i < len(rows) && rows[i].date.Equal(row.date) {
		rows[i] = row
		return
	}
	rows = append(rows, factorRow{})
	copy(rows[i+1:], rows[i:])
	rows[i] = row
	s.rows[key] = rows
}

// Tickers lists the tickers present in the store
func (s *FactorStore) Tickers() []string {
	out := make([]string, 0, len(s.rows))
	for k := range s.rows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CategoryScores returns the latest row dated on or before date
func (s *FactorStore) CategoryScores(ctx context.Context, ticker string, date time.Time) (CategoryScores, error) {
	if err := ctx.Err(); err != nil {
		return CategoryScores{}, err
	}
	rows := s.rows[strings.ToUpper(ticker)]
	day := market.Day(date)
	i := sort.Search(len(rows), func(i int) bool { return rows[i].date.After(day) })
	if i == 0 {
		return CategoryScores{}, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeScoringFailed,
			"no factor scores", fmt.Sprintf("%s as of %s", ticker, day.Format("2006-01-02")), nil)
	}
	row := rows[i-1]
	if s.maxAge > 0 && day.Sub(row.date) > s.maxAge {
		return CategoryScores{}, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeScoringFailed,
			"factor scores are stale", fmt.Sprintf("%s last updated %s", ticker, row.date.Format("2006-01-02")), nil)
	}
	return row.scores, nil
}

// LoadFactorFile reads a factor CSV from path
func LoadFactorFile(path string, maxAge time.Duration) (*FactorStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open factor file: %w", err)
	}
	defer f.Close()
	return LoadFactorCSV(f, maxAge)
}

// LoadFactorCSV parses rows of date,ticker followed by one column per
// category name
func LoadFactorCSV(r io.Reader, maxAge time.Duration) (*FactorStore, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read factor header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range []string{"date", "ticker"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("factor file missing %q column", name)
		}
	}
	for _, c := range weights.Categories() {
		if _, ok := cols[c.String()]; !ok {
			return nil, fmt.Errorf("factor file missing %q column", c)
		}
	}

	store := NewFactorStore(maxAge)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		date, err := time.Parse("2006-01-02", strings.TrimSpace(record[cols["date"]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad date: %w", line, err)
		}
		var scores CategoryScores
		for _, c := range weights.Categories() {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[cols[c.String()]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad %s score: %w", line, c, err)
			}
			if v < -100 || v > 100 {
				return nil, fmt.Errorf("line %d: %s score %g outside [-100, 100]", line, c, v)
			}
			scores[c] = v
		}
		store.Add(strings.TrimSpace(record[cols["ticker"]]), date, scores)
	}
	return store, nil
}
