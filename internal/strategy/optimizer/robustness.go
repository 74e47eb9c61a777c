package optimizer

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/weights"
)

// MinEfficiencyRatio is the out-of-sample to in-sample Sharpe ratio a
// period must reach to count as consistent
const MinEfficiencyRatio = 0.7

// Robustness summarizes how well in-sample results carried out of sample
type Robustness struct {
	// Efficiency is the median test/train Sharpe ratio over periods where
	// both are positive
	Efficiency backtest.Metric `json:"efficiency"`
	// Consistency is the share of those periods reaching MinEfficiencyRatio
	Consistency backtest.Metric `json:"consistency"`
	Score       backtest.Metric `json:"score"`
	// Decay is the mean relative drop from train to test Sharpe
	Decay backtest.Metric `json:"decay"`
	// WeightStability is 1/(1+std) of each chosen category weight across
	// periods; 1 means the same weight every period
	WeightStability map[string]float64 `json:"weight_stability"`
	ComparedPeriods int                `json:"compared_periods"`
}

// AssessRobustness compares each period's train and test Sharpe and the
// stability of the chosen weights
func AssessRobustness(periods []PeriodResult) *Robustness {
	r := &Robustness{WeightStability: make(map[string]float64)}

	var ratios, decays []float64
	var chosen []weights.Vector
	for _, p := range periods {
		if p.NoSignal || p.Optimization == nil || p.Optimization.TrainMetrics == nil {
			continue
		}
		chosen = append(chosen, p.Optimization.Weights)
		train, test := p.Optimization.TrainMetrics.Sharpe, p.TestMetrics.Sharpe
		if !train.Defined || !test.Defined || train.Value <= 0 {
			continue
		}
		decays = append(decays, (train.Value-test.Value)/train.Value)
		if test.Value > 0 {
			ratios = append(ratios, test.Value/train.Value)
		}
	}
	r.ComparedPeriods = len(decays)

	if len(decays) > 0 {
		r.Decay = backtest.Value(stat.Mean(decays, nil))
	} else {
		r.Decay = backtest.Undefined("no comparable periods")
	}

	if len(ratios) == 0 {
		r.Efficiency = backtest.Undefined("no periods with positive train and test Sharpe")
		r.Consistency = r.Efficiency
		r.Score = r.Efficiency
	} else {
		sort.Float64s(ratios)
		median := ratios[len(ratios)/2]
		if len(ratios)%2 == 0 {
			median = (ratios[len(ratios)/2-1] + ratios[len(ratios)/2]) / 2
		}
		consistent := 0
		for _, ratio := range ratios {
			if ratio >= MinEfficiencyRatio {
				consistent++
			}
		}
		consistency := float64(consistent) / float64(len(ratios))
		r.Efficiency = backtest.Value(median)
		r.Consistency = backtest.Value(consistency)
		r.Score = backtest.Value(median * consistency)
	}

	for _, c := range weights.Categories() {
		values := make([]float64, len(chosen))
		for i, v := range chosen {
			values[i] = v.Get(c)
		}
		r.WeightStability[c.String()] = stability(values)
	}
	return r
}

// stability maps dispersion to (0, 1]; fewer than two values are stable
func stability(values []float64) float64 {
	if len(values) < 2 {
		return 1
	}
	sd := stat.StdDev(values, nil)
	if math.IsNaN(sd) {
		return 1
	}
	return 1 / (1 + sd)
}
