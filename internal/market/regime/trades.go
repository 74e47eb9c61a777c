package regime

import (
	"time"

	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/weights"
)

// FilterTrades keeps the trades whose entry date carries label
func FilterTrades(trades []backtest.TradeRecord, s *Series, label Label) []backtest.TradeRecord {
	var out []backtest.TradeRecord
	for _, t := range trades {
		if s.At(t.EntryDate) == label {
			out = append(out, t)
		}
	}
	return out
}

// EntryFilter only allows entries on dates labelled label
func EntryFilter(s *Series, label Label) backtest.EntryFilter {
	return func(_ string, date time.Time) bool {
		return s.At(date) == label
	}
}

// Breakdown computes metrics for the trades entered in each regime, in
// BULL, BEAR, UNDEFINED order
func Breakdown(trades []backtest.TradeRecord, s *Series, cfg backtest.MetricsConfig) []backtest.GroupMetrics {
	out := make([]backtest.GroupMetrics, 0, 3)
	for _, label := range []Label{Bull, Bear, Undefined} {
		group := FilterTrades(trades, s, label)
		if label == Undefined && len(group) == 0 {
			continue
		}
		out = append(out, backtest.GroupMetrics{Group: string(label), Metrics: backtest.Compute(group, cfg)})
	}
	return out
}

// RegimeWeights selects the bull or bear vector by the regime on each
// rebalance date. UNDEFINED dates use Fallback.
type RegimeWeights struct {
	Series   *Series        `json:"-"`
	Bull     weights.Vector `json:"bull_market" yaml:"bull_market"`
	Bear     weights.Vector `json:"bear_market" yaml:"bear_market"`
	Fallback weights.Vector `json:"fallback" yaml:"fallback"`
}

// WeightsFor implements backtest.WeightSelector
func (r RegimeWeights) WeightsFor(date time.Time) weights.Vector {
	switch r.Series.At(date) {
	case Bull:
		return r.Bull
	case Bear:
		return r.Bear
	default:
		return r.Fallback
	}
}
