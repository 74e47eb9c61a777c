package regime

import (
	"fmt"
	"sort"
	"time"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/market"
)

// Label is the market regime on a date
type Label string

const (
	Bull      Label = "BULL"
	Bear      Label = "BEAR"
	Undefined Label = "UNDEFINED"
)

// DefaultLookback is the moving-average window in trading days
const DefaultLookback = 200

// Point is the classification of one index bar
type Point struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
	SMA   float64   `json:"sma,omitempty"`
	Label Label     `json:"label"`
}

// Series holds regime labels for consecutive index dates
type Series struct {
	Lookback int
	points   []Point
}

// Classify labels every bar of an index series. The label of bar i uses
// closes up to and including i: BULL when the close is above its simple
// moving average, BEAR otherwise, UNDEFINED until lookback bars exist.
func Classify(series *market.PriceSeries, lookback int) (*Series, error) {
	if lookback <= 0 {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"regime lookback must be positive", fmt.Sprint(lookback), nil)
	}
	if err := series.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeMarketDataInvalid, "invalid index series", err)
	}

	out := &Series{Lookback: lookback, points: make([]Point, series.Len())}
	sum := 0.0
	for i, bar := range series.Bars {
		sum += bar.Close
		if i >= lookback {
			sum -= series.Bars[i-lookback].Close
		}
		p := Point{Date: bar.Date, Close: bar.Close, Label: Undefined}
		if i >= lookback-1 {
			p.SMA = sum / float64(lookback)
			if bar.Close > p.SMA {
				p.Label = Bull
			} else {
				p.Label = Bear
			}
		}
		out.points[i] = p
	}
	return out, nil
}

// Len returns the number of classified dates
func (s *Series) Len() int {
	return len(s.points)
}

// Points returns a copy of the classified points
func (s *Series) Points() []Point {
	return append([]Point(nil), s.points...)
}

// At returns the label of the latest classified date on or before date.
// Dates before the series start are UNDEFINED.
func (s *Series) At(date time.Time) Label {
	day := market.Day(date)
	i := sort.Search(len(s.points), func(i int) bool { return s.points[i].Date.After(day) })
	if i == 0 {
		return Undefined
	}
	return s.points[i-1].Label
}

// between returns the points with from <= date < to
func (s *Series) between(from, to time.Time) []Point {
	from, to = market.Day(from), market.Day(to)
	lo := sort.Search(len(s.points), func(i int) bool { return !s.points[i].Date.Before(from) })
	hi := sort.Search(len(s.points), func(i int) bool { return !s.points[i].Date.Before(to) })
	if lo >= hi {
		return nil
	}
	return s.points[lo:hi]
}

// Period is a maximal run of one label; End is the last date of the run
type Period struct {
	Label Label     `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

// Periods splits [from, to) into contiguous runs of the same label.
// UNDEFINED dates are skipped.
func (s *Series) Periods(from, to time.Time) []Period {
	var periods []Period
	for _, p := range s.between(from, to) {
		if p.Label == Undefined {
			continue
		}
		if n := len(periods); n > 0 && periods[n-1].Label == p.Label {
			periods[n-1].End = p.Date
			periods[n-1].Days++
			continue
		}
		periods = append(periods, Period{Label: p.Label, Start: p.Date, End: p.Date, Days: 1})
	}
	return periods
}

// Stats summarizes the regimes of a date range
type Stats struct {
	TotalDays       int     `json:"total_days"`
	BullDays        int     `json:"bull_days"`
	BearDays        int     `json:"bear_days"`
	UndefinedDays   int     `json:"undefined_days"`
	BullPct         float64 `json:"bull_pct"`
	BearPct         float64 `json:"bear_pct"`
	RegimeChanges   int     `json:"regime_changes"`
	AvgDurationDays float64 `json:"avg_duration_days"`
	Current         Label   `json:"current"`
}

// Stats computes regime statistics over [from, to). Percentages are of the
// classified (non-UNDEFINED) days.
func (s *Series) Stats(from, to time.Time) Stats {
	st := Stats{Current: Undefined}
	for _, p := range s.between(from, to) {
		st.TotalDays++
		switch p.Label {
		case Bull:
			st.BullDays++
		case Bear:
			st.BearDays++
		default:
			st.UndefinedDays++
		}
		st.Current = p.Label
	}

	periods := s.Periods(from, to)
	if len(periods) > 1 {
		st.RegimeChanges = len(periods) - 1
	}
	if defined := st.BullDays + st.BearDays; defined > 0 {
		st.BullPct = float64(st.BullDays) / float64(defined) * 100
		st.BearPct = float64(st.BearDays) / float64(defined) * 100
		st.AvgDurationDays = float64(defined) / float64(len(periods))
	}
	return st
}
