package backtest

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// MetricsConfig carries the parameters needed to annualize per-trade returns
type MetricsConfig struct {
	HoldingPeriod      int     `yaml:"holding_period" json:"holding_period"`
	RebalanceFrequency int     `yaml:"rebalance_frequency" json:"rebalance_frequency"`
	TradingDaysPerYear float64 `yaml:"trading_days_per_year" json:"trading_days_per_year"`
	// RiskFreeRate is the annual rate in percent
	RiskFreeRate float64 `yaml:"risk_free_rate" json:"risk_free_rate"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		HoldingPeriod:      60,
		RebalanceFrequency: 30,
		TradingDaysPerYear: 252,
	}
}

// Cycle returns the trading days between consecutive entries of one ticker:
// the holding period rounded up to a whole number of rebalance intervals.
func (c MetricsConfig) Cycle() int {
	h, r := c.HoldingPeriod, c.RebalanceFrequency
	if h <= 0 {
		h = 1
	}
	if r <= 0 {
		r = 1
	}
	return (h + r - 1) / r * r
}

// AnnualizationFactor returns the number of trade cycles per year
func (c MetricsConfig) AnnualizationFactor() float64 {
	days := c.TradingDaysPerYear
	if days <= 0 {
		days = 252
	}
	return days / float64(c.Cycle())
}

// Metrics aggregates the performance of a set of trades. Returns are in
// percent per trade; ratios are annualized with the config's factor.
type Metrics struct {
	TotalTrades     int `json:"total_trades"`
	Winners         int `json:"winners"`
	Losers          int `json:"losers"`
	TruncatedTrades int `json:"truncated_trades"`

	WinRate      Metric `json:"win_rate"`
	MeanReturn   Metric `json:"mean_return"`
	MedianReturn Metric `json:"median_return"`

	Sharpe               Metric `json:"sharpe"`
	Sortino              Metric `json:"sortino"`
	MaxDrawdown          Metric `json:"max_drawdown"`
	Calmar               Metric `json:"calmar"`
	AnnualizedReturn     Metric `json:"annualized_return"`
	AnnualizedVolatility Metric `json:"annualized_volatility"`

	AvgWinner      Metric `json:"avg_winner"`
	AvgLoser       Metric `json:"avg_loser"`
	BestTrade      Metric `json:"best_trade"`
	WorstTrade     Metric `json:"worst_trade"`
	AvgHoldingDays Metric `json:"avg_holding_days"`
}

const (
	reasonNoTrades      = "no trades"
	reasonTooFewTrades  = "fewer than 2 trades"
	reasonZeroVariance  = "zero variance"
	reasonNoDownside    = "no downside returns"
	reasonZeroDrawdown  = "zero drawdown"
	reasonNoWinners     = "no winners"
	reasonNoLosers      = "no losers"
	reasonUndefinedBase = "undefined input"
)

// Compute calculates metrics for trades
func Compute(trades []TradeRecord, cfg MetricsConfig) *Metrics {
	m := &Metrics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		none := Undefined(reasonNoTrades)
		m.WinRate, m.MeanReturn, m.MedianReturn = none, none, none
		m.Sharpe, m.Sortino, m.MaxDrawdown, m.Calmar = none, none, none, none
		m.AnnualizedReturn, m.AnnualizedVolatility = none, none
		m.AvgWinner, m.AvgLoser, m.BestTrade, m.WorstTrade, m.AvgHoldingDays = none, none, none, none, none
		return m
	}

	returns := Returns(trades)
	var wins, losses []float64
	holding := 0.0
	best, worst := math.Inf(-1), math.Inf(1)
	for i, r := range returns {
		if r > 0 {
			wins = append(wins, r)
		} else {
			losses = append(losses, r)
		}
		best = math.Max(best, r)
		worst = math.Min(worst, r)
		holding += float64(trades[i].HoldingDays)
		if trades[i].Truncated {
			m.TruncatedTrades++
		}
	}
	m.Winners, m.Losers = len(wins), len(losses)

	n := float64(len(returns))
	mean := stat.Mean(returns, nil)
	m.WinRate = Value(float64(len(wins)) / n * 100)
	m.MeanReturn = Value(mean)
	m.MedianReturn = Value(median(returns))
	m.BestTrade, m.WorstTrade = Value(best), Value(worst)
	m.AvgHoldingDays = Value(holding / n)
	m.AvgWinner = meanOrUndefined(wins, reasonNoWinners)
	m.AvgLoser = meanOrUndefined(losses, reasonNoLosers)

	f := cfg.AnnualizationFactor()
	m.AnnualizedReturn = annualizedReturn(mean, f)
	m.Sharpe = sharpe(returns, mean, cfg.RiskFreeRate, f)
	m.Sortino = sortino(returns, mean, cfg.RiskFreeRate, f)
	if len(returns) < 2 {
		m.AnnualizedVolatility = Undefined(reasonTooFewTrades)
	} else {
		m.AnnualizedVolatility = Value(stat.StdDev(returns, nil) * math.Sqrt(f))
	}

	m.MaxDrawdown = MaxDrawdown(trades)
	m.Calmar = calmar(m.AnnualizedReturn, m.MaxDrawdown)
	return m
}

func meanOrUndefined(xs []float64, reason string) Metric {
	if len(xs) == 0 {
		return Undefined(reason)
	}
	return Value(stat.Mean(xs, nil))
}

// median averages the two middle values for even counts
func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func annualizedReturn(meanPct, f float64) Metric {
	growth := 1 + meanPct/100
	if growth <= 0 {
		return Undefined("mean return at or below -100%")
	}
	return Value((math.Pow(growth, f) - 1) * 100)
}

func sharpe(returns []float64, mean, rf, f float64) Metric {
	if len(returns) < 2 {
		return Undefined(reasonTooFewTrades)
	}
	sd := stat.StdDev(returns, nil)
	if sd == 0 {
		return Undefined(reasonZeroVariance)
	}
	return Value((mean - rf/f) / sd * math.Sqrt(f))
}

// sortino uses the sample deviation of the losing returns as the downside risk
func sortino(returns []float64, mean, rf, f float64) Metric {
	if len(returns) < 2 {
		return Undefined(reasonTooFewTrades)
	}
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) < 2 {
		return Undefined(reasonNoDownside)
	}
	dd := stat.StdDev(downside, nil)
	if dd == 0 {
		return Undefined(reasonZeroVariance)
	}
	return Value((mean - rf/f) / dd * math.Sqrt(f))
}

func calmar(annualized, maxDD Metric) Metric {
	switch {
	case !annualized.Defined || !maxDD.Defined:
		return Undefined(reasonUndefinedBase)
	case maxDD.Value == 0:
		return Undefined(reasonZeroDrawdown)
	}
	return Value(annualized.Value / maxDD.Value)
}

// SortByExit returns a copy of trades ordered by exit date, then entry date,
// then ticker
func SortByExit(trades []TradeRecord) []TradeRecord {
	sorted := append([]TradeRecord(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.ExitDate.Equal(b.ExitDate) {
			return a.ExitDate.Before(b.ExitDate)
		}
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		return a.Ticker < b.Ticker
	})
	return sorted
}

// EquityCurve compounds trades in exit order from a starting equity of 1
func EquityCurve(trades []TradeRecord) []float64 {
	sorted := SortByExit(trades)
	curve := make([]float64, len(sorted))
	equity := 1.0
	for i, t := range sorted {
		equity *= 1 + t.ReturnPct/100
		curve[i] = equity
	}
	return curve
}

// MaxDrawdown returns the largest peak-to-trough decline of the equity
// curve in percent
func MaxDrawdown(trades []TradeRecord) Metric {
	if len(trades) == 0 {
		return Undefined(reasonNoTrades)
	}
	return Value(MaxDrawdownOf(EquityCurve(trades)))
}

// MaxDrawdownOf computes the maximum drawdown in percent of an equity curve
// that starts from 1
func MaxDrawdownOf(curve []float64) float64 {
	peak, maxDD := 1.0, 0.0
	for _, equity := range curve {
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak * 100; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// MeanOfDefined averages the defined metrics and ignores the rest
func MeanOfDefined(values []Metric) Metric {
	sum, n := 0.0, 0
	for _, v := range values {
		if v.Defined {
			sum += v.Value
			n++
		}
	}
	if n == 0 {
		return Undefined("no defined values")
	}
	return Value(sum / float64(n))
}

// AverageMetrics averages each metric across periods, skipping undefined
// values. Counts are summed.
func AverageMetrics(all []*Metrics) *Metrics {
	out := &Metrics{}
	pick := func(get func(*Metrics) Metric) Metric {
		values := make([]Metric, 0, len(all))
		for _, m := range all {
			if m != nil {
				values = append(values, get(m))
			}
		}
		return MeanOfDefined(values)
	}
	for _, m := range all {
		if m == nil {
			continue
		}
		out.TotalTrades += m.TotalTrades
		out.Winners += m.Winners
		out.Losers += m.Losers
		out.TruncatedTrades += m.TruncatedTrades
	}
	out.WinRate = pick(func(m *Metrics) Metric { return m.WinRate })
	out.MeanReturn = pick(func(m *Metrics) Metric { return m.MeanReturn })
	out.MedianReturn = pick(func(m *Metrics) Metric { return m.MedianReturn })
	out.Sharpe = pick(func(m *Metrics) Metric { return m.Sharpe })
	out.Sortino = pick(func(m *Metrics) Metric { return m.Sortino })
	out.MaxDrawdown = pick(func(m *Metrics) Metric { return m.MaxDrawdown })
	out.Calmar = pick(func(m *Metrics) Metric { return m.Calmar })
	out.AnnualizedReturn = pick(func(m *Metrics) Metric { return m.AnnualizedReturn })
	out.AnnualizedVolatility = pick(func(m *Metrics) Metric { return m.AnnualizedVolatility })
	out.AvgWinner = pick(func(m *Metrics) Metric { return m.AvgWinner })
	out.AvgLoser = pick(func(m *Metrics) Metric { return m.AvgLoser })
	out.BestTrade = pick(func(m *Metrics) Metric { return m.BestTrade })
	out.WorstTrade = pick(func(m *Metrics) Metric { return m.WorstTrade })
	out.AvgHoldingDays = pick(func(m *Metrics) Metric { return m.AvgHoldingDays })
	return out
}
