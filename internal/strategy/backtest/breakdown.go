package backtest

import "sort"

// ScoreRange is a half-open score bucket [Min, Max)
type ScoreRange struct {
	Name string  `json:"name" yaml:"name"`
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
}

// DefaultScoreRanges matches the signal thresholds of the composite scorer
func DefaultScoreRanges() []ScoreRange {
	return []ScoreRange{
		{Name: "Strong Sell", Min: -10, Max: -6},
		{Name: "Sell/Avoid", Min: -6, Max: -3},
		{Name: "Neutral", Min: -3, Max: 3},
		{Name: "Buy", Min: 3, Max: 6},
		{Name: "Strong Buy", Min: 6, Max: 10.1},
	}
}

// GroupMetrics is the metrics of one group of trades
type GroupMetrics struct {
	Group   string   `json:"group"`
	Metrics *Metrics `json:"metrics"`
}

// ByScoreRange computes metrics for every range, including empty ones
func ByScoreRange(trades []TradeRecord, ranges []ScoreRange, cfg MetricsConfig) []GroupMetrics {
	out := make([]GroupMetrics, 0, len(ranges))
	for _, r := range ranges {
		var bucket []TradeRecord
		for _, t := range trades {
			if t.Score >= r.Min && t.Score < r.Max {
				bucket = append(bucket, t)
			}
		}
		out = append(out, GroupMetrics{Group: r.Name, Metrics: Compute(bucket, cfg)})
	}
	return out
}

// BySignal computes metrics per signal label that has trades
func BySignal(trades []TradeRecord, cfg MetricsConfig) []GroupMetrics {
	return GroupBy(trades, func(t TradeRecord) string { return string(t.Signal) }, cfg)
}

// ByTicker computes metrics per ticker
func ByTicker(trades []TradeRecord, cfg MetricsConfig) []GroupMetrics {
	return GroupBy(trades, func(t TradeRecord) string { return t.Ticker }, cfg)
}

// GroupBy partitions trades by key and computes metrics for each group,
// ordered by key
func GroupBy(trades []TradeRecord, key func(TradeRecord) string, cfg MetricsConfig) []GroupMetrics {
	groups := make(map[string][]TradeRecord)
	for _, t := range trades {
		k := key(t)
		groups[k] = append(groups[k], t)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]GroupMetrics, 0, len(keys))
	for _, k := range keys {
		out = append(out, GroupMetrics{Group: k, Metrics: Compute(groups[k], cfg)})
	}
	return out
}
