package validation

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"

	"stocktester/internal/strategy/backtest"
)

// Interval is a bootstrap confidence interval of the mean return
type Interval struct {
	Status     Status          `json:"status"`
	N          int             `json:"n"`
	Mean       backtest.Metric `json:"mean"`
	Lower      backtest.Metric `json:"lower"`
	Upper      backtest.Metric `json:"upper"`
	Confidence float64         `json:"confidence"`
	Resamples  int             `json:"resamples"`
}

// Width returns Upper - Lower, or 0 when undefined
func (i *Interval) Width() float64 {
	if !i.Lower.Defined || !i.Upper.Defined {
		return 0
	}
	return i.Upper.Value - i.Lower.Value
}

// BootstrapCI resamples returns with replacement, recomputes the mean of
// each resample and reports percentile bounds
func (v *Validator) BootstrapCI(returns []float64, confidence float64, resamples int) (*Interval, error) {
	if confidence <= 0 || confidence >= 1 {
		return nil, invalid("confidence must be in (0, 1)", confidence)
	}
	if resamples < MinResamples {
		return nil, invalid(fmt.Sprintf("resamples must be at least %d", MinResamples), resamples)
	}
	n := len(returns)
	out := &Interval{N: n, Confidence: confidence, Resamples: resamples}
	if n < v.cfg.MinSamples {
		none := backtest.Undefined(fmt.Sprintf("need at least %d samples", v.cfg.MinSamples))
		out.Status = StatusInsufficientData
		out.Mean, out.Lower, out.Upper = none, none, none
		if n > 0 {
			out.Mean = backtest.Value(stat.Mean(returns, nil))
		}
		return out, nil
	}

	rng := v.rand()
	means := make([]float64, resamples)
	for r := range means {
		sum := 0.0
		for range n {
			sum += returns[rng.IntN(n)]
		}
		means[r] = sum / float64(n)
	}
	sort.Float64s(means)

	alpha := 1 - confidence
	out.Status = StatusOK
	out.Mean = backtest.Value(stat.Mean(returns, nil))
	out.Lower = backtest.Value(percentile(means, alpha/2*100))
	out.Upper = backtest.Value(percentile(means, (1-alpha/2)*100))
	return out, nil
}

// MonteCarloResult summarizes simulated trade sequences. Totals are sums of
// resampled returns in percent; drawdowns come from random orderings of the
// observed trades.
type MonteCarloResult struct {
	Status       Status          `json:"status"`
	Iterations   int             `json:"iterations"`
	N            int             `json:"n"`
	Mean         backtest.Metric `json:"mean_simulated_return"`
	Median       backtest.Metric `json:"median_simulated_return"`
	StdDev       backtest.Metric `json:"std_simulated_return"`
	PctPositive  backtest.Metric `json:"pct_positive_outcomes"`
	Worst        backtest.Metric `json:"worst_case"`
	Best         backtest.Metric `json:"best_case"`
	Percentile5  backtest.Metric `json:"percentile_5"`
	Percentile95 backtest.Metric `json:"percentile_95"`

	ObservedDrawdown     backtest.Metric `json:"observed_max_drawdown"`
	MedianDrawdown       backtest.Metric `json:"median_max_drawdown"`
	Drawdown95           backtest.Metric `json:"max_drawdown_95"`
	WorstDrawdown        backtest.Metric `json:"worst_max_drawdown"`
	PctWorseThanObserved backtest.Metric `json:"pct_drawdown_worse_than_observed"`
}

// MonteCarlo draws iterations sequences of len(returns) trades with
// replacement and, separately, iterations random orderings of the observed
// trades. It is a robustness picture rather than a hypothesis test.
func (v *Validator) MonteCarlo(returns []float64, iterations int) (*MonteCarloResult, error) {
	if iterations < MinResamples {
		return nil, invalid(fmt.Sprintf("iterations must be at least %d", MinResamples), iterations)
	}
	n := len(returns)
	out := &MonteCarloResult{Iterations: iterations, N: n}
	if n < v.cfg.MinSamples {
		none := backtest.Undefined(fmt.Sprintf("need at least %d samples", v.cfg.MinSamples))
		out.Status = StatusInsufficientData
		out.Mean, out.Median, out.StdDev, out.PctPositive = none, none, none, none
		out.Worst, out.Best, out.Percentile5, out.Percentile95 = none, none, none, none
		out.ObservedDrawdown, out.MedianDrawdown, out.Drawdown95, out.WorstDrawdown = none, none, none, none
		out.PctWorseThanObserved = none
		return out, nil
	}

	rng := v.rand()
	totals := make([]float64, iterations)
	positive := 0
	for i := range totals {
		sum := 0.0
		for range n {
			sum += returns[rng.IntN(n)]
		}
		totals[i] = sum
		if sum > 0 {
			positive++
		}
	}
	sort.Float64s(totals)
	_, sd := stat.PopMeanStdDev(totals, nil)

	out.Status = StatusOK
	out.Mean = backtest.Value(stat.Mean(totals, nil))
	out.Median = backtest.Value(percentile(totals, 50))
	out.StdDev = backtest.Value(sd)
	out.PctPositive = backtest.Value(float64(positive) / float64(iterations) * 100)
	out.Worst = backtest.Value(totals[0])
	out.Best = backtest.Value(totals[len(totals)-1])
	out.Percentile5 = backtest.Value(percentile(totals, 5))
	out.Percentile95 = backtest.Value(percentile(totals, 95))

	observed := drawdownOf(returns)
	drawdowns := shuffledDrawdowns(rng, returns, iterations)
	worse := 0
	for _, dd := range drawdowns {
		if dd > observed {
			worse++
		}
	}
	sort.Float64s(drawdowns)
	out.ObservedDrawdown = backtest.Value(observed)
	out.MedianDrawdown = backtest.Value(percentile(drawdowns, 50))
	out.Drawdown95 = backtest.Value(percentile(drawdowns, 95))
	out.WorstDrawdown = backtest.Value(drawdowns[len(drawdowns)-1])
	out.PctWorseThanObserved = backtest.Value(float64(worse) / float64(iterations) * 100)
	return out, nil
}

func shuffledDrawdowns(rng *rand.Rand, returns []float64, iterations int) []float64 {
	order := append([]float64(nil), returns...)
	out := make([]float64, iterations)
	for i := range out {
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
		out[i] = drawdownOf(order)
	}
	return out
}

// drawdownOf compounds percent returns in the given order
func drawdownOf(returns []float64) float64 {
	curve := make([]float64, len(returns))
	equity := 1.0
	for i, r := range returns {
		equity *= 1 + r/100
		curve[i] = equity
	}
	return backtest.MaxDrawdownOf(curve)
}

// percentile interpolates linearly between closest ranks of sorted data,
// p in [0, 100]
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
}
