package market

import (
	"fmt"
	"sort"
	"time"
)

// Bar represents one daily OHLCV observation
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// PriceSeries is an ascending sequence of daily bars for one ticker
type PriceSeries struct {
	Ticker string `json:"ticker"`
	Bars   []Bar  `json:"bars"`
}

// Day truncates a timestamp to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Len returns the number of bars
func (s *PriceSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Bars)
}

// Dates returns the bar dates in order
func (s *PriceSeries) Dates() []time.Time {
	dates := make([]time.Time, s.Len())
	for i, b := range s.Bars {
		dates[i] = b.Date
	}
	return dates
}

// Closes returns the closing prices in order
func (s *PriceSeries) Closes() []float64 {
	closes := make([]float64, s.Len())
	for i, b := range s.Bars {
		closes[i] = b.Close
	}
	return closes
}

// IndexOf returns the position of the bar dated exactly on date, or -1.
func (s *PriceSeries) IndexOf(date time.Time) int {
	if s.Len() == 0 {
		return -1
	}
	day := Day(date)
	i := sort.Search(len(s.Bars), func(i int) bool { return !s.Bars[i].Date.Before(day) })
	if i < len(s.Bars) && s.Bars[i].Date.Equal(day) {
		return i
	}
	return -1
}

// CloseOn returns the close on date and whether a bar exists for it
func (s *PriceSeries) CloseOn(date time.Time) (float64, bool) {
	i := s.IndexOf(date)
	if i < 0 {
		return 0, false
	}
	return s.Bars[i].Close, true
}

// Between returns a copy restricted to start <= date < end
func (s *PriceSeries) Between(start, end time.Time) *PriceSeries {
	out := &PriceSeries{Ticker: s.Ticker}
	if s.Len() == 0 {
		return out
	}
	start, end = Day(start), Day(end)
	lo := sort.Search(len(s.Bars), func(i int) bool { return !s.Bars[i].Date.Before(start) })
	hi := sort.Search(len(s.Bars), func(i int) bool { return !s.Bars[i].Date.Before(end) })
	if lo < hi {
		out.Bars = append([]Bar(nil), s.Bars[lo:hi]...)
	}
	return out
}

// Validate checks ordering and price sanity
func (s *PriceSeries) Validate() error {
	for i, b := range s.Bars {
		if b.Close <= 0 {
			return fmt.Errorf("%s: non-positive close %g on %s", s.Ticker, b.Close, b.Date.Format("2006-01-02"))
		}
		if i > 0 && !b.Date.After(s.Bars[i-1].Date) {
			return fmt.Errorf("%s: bars not strictly ascending at %s", s.Ticker, b.Date.Format("2006-01-02"))
		}
	}
	return nil
}

// Calendar is the ordered list of trading days shared by a run.
type Calendar []time.Time

// NewCalendar builds a calendar from a series' bar dates.
func NewCalendar(series *PriceSeries) Calendar {
	return Calendar(series.Dates())
}

// Search returns the first index whose date is on or after t.
func (c Calendar) Search(t time.Time) int {
	day := Day(t)
	return sort.Search(len(c), func(i int) bool { return !c[i].Before(day) })
}

// IndexOf returns the index of an exact trading day, or -1.
func (c Calendar) IndexOf(t time.Time) int {
	i := c.Search(t)
	if i < len(c) && c[i].Equal(Day(t)) {
		return i
	}
	return -1
}

// Between returns the trading days with start <= day < end.
func (c Calendar) Between(start, end time.Time) Calendar {
	lo, hi := c.Search(start), c.Search(end)
	if lo >= hi {
		return nil
	}
	return c[lo:hi]
}

// DateAt returns the trading day at index i, or the day after the last
// trading day when i == len(c) so that it can serve as an exclusive bound.
func (c Calendar) DateAt(i int) time.Time {
	if i < len(c) {
		return c[i]
	}
	if len(c) == 0 {
		return time.Time{}
	}
	return c[len(c)-1].AddDate(0, 0, 1)
}
