package testutils

import (
	"math"
	"time"

	"stocktester/internal/market"
)

// Date parses a YYYY-MM-DD literal and panics on bad input
func Date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// TradingDays returns n consecutive weekdays starting on or after start
func TradingDays(start time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := market.Day(start)
	for len(days) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return days
}

// SeriesFromCloses builds a series with one bar per date
func SeriesFromCloses(ticker string, dates []time.Time, closes []float64) *market.PriceSeries {
	n := len(dates)
	if len(closes) < n {
		n = len(closes)
	}
	s := &market.PriceSeries{Ticker: ticker, Bars: make([]market.Bar, n)}
	for i := 0; i < n; i++ {
		c := closes[i]
		s.Bars[i] = market.Bar{Date: dates[i], Open: c, High: c, Low: c, Close: c, Volume: 1e6}
	}
	return s
}

// LinearSeries rises by step each day from start
func LinearSeries(ticker string, dates []time.Time, start, step float64) *market.PriceSeries {
	closes := make([]float64, len(dates))
	for i := range closes {
		closes[i] = start + step*float64(i)
	}
	return SeriesFromCloses(ticker, dates, closes)
}

// GeometricSeries compounds at rate per day from start
func GeometricSeries(ticker string, dates []time.Time, start, rate float64) *market.PriceSeries {
	closes := make([]float64, len(dates))
	for i := range closes {
		closes[i] = start * math.Pow(1+rate, float64(i))
	}
	return SeriesFromCloses(ticker, dates, closes)
}

// PiecewiseSeries is linear between consecutive (index, price) knots
func PiecewiseSeries(ticker string, dates []time.Time, knots [][2]float64) *market.PriceSeries {
	closes := make([]float64, len(dates))
	for i := range closes {
		closes[i] = knots[len(knots)-1][1]
		for k := 1; k < len(knots); k++ {
			i0, p0 := knots[k-1][0], knots[k-1][1]
			i1, p1 := knots[k][0], knots[k][1]
			if float64(i) <= i1 {
				if float64(i) <= i0 {
					closes[i] = p0
				} else {
					closes[i] = p0 + (p1-p0)*(float64(i)-i0)/(i1-i0)
				}
				break
			}
		}
	}
	return SeriesFromCloses(ticker, dates, closes)
}
