package validation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"stocktester/internal/strategy/backtest"
)

// Comparison is the outcome of a two-sample or paired test
type Comparison struct {
	Test           string          `json:"test"`
	Status         Status          `json:"status"`
	NameA          string          `json:"name_a"`
	NameB          string          `json:"name_b"`
	NA             int             `json:"n_a"`
	NB             int             `json:"n_b"`
	MeanA          backtest.Metric `json:"mean_a"`
	MeanB          backtest.Metric `json:"mean_b"`
	StdA           backtest.Metric `json:"std_a"`
	StdB           backtest.Metric `json:"std_b"`
	MeanDifference backtest.Metric `json:"mean_difference"`
	Statistic      backtest.Metric `json:"statistic"`
	PValue         backtest.Metric `json:"p_value"`
	Significant    bool            `json:"significant"`
	Conclusion     string          `json:"conclusion"`
}

func summarize(xs []float64) (mean, sd backtest.Metric) {
	switch len(xs) {
	case 0:
		return backtest.Undefined("no samples"), backtest.Undefined("no samples")
	case 1:
		return backtest.Value(xs[0]), backtest.Undefined("single sample")
	}
	m, s := stat.MeanStdDev(xs, nil)
	return backtest.Value(m), backtest.Value(s)
}

// CompareStrategies runs a pooled-variance two-sample t-test of mean
// returns (two-sided)
func (v *Validator) CompareStrategies(a, b []float64, nameA, nameB string) Comparison {
	c := Comparison{Test: "two_sample_t", NameA: nameA, NameB: nameB, NA: len(a), NB: len(b)}
	c.MeanA, c.StdA = summarize(a)
	c.MeanB, c.StdB = summarize(b)
	if c.MeanA.Defined && c.MeanB.Defined {
		c.MeanDifference = backtest.Value(c.MeanA.Value - c.MeanB.Value)
	} else {
		c.MeanDifference = backtest.Undefined("no samples")
	}

	if len(a) < v.cfg.MinSamples || len(b) < v.cfg.MinSamples {
		none := backtest.Undefined(fmt.Sprintf("need at least %d samples per group", v.cfg.MinSamples))
		c.Status = StatusInsufficientData
		c.Statistic, c.PValue = none, none
		c.Conclusion = fmt.Sprintf("Insufficient data to compare %s (%d) and %s (%d)", nameA, len(a), nameB, len(b))
		return c
	}

	na, nb := float64(len(a)), float64(len(b))
	df := na + nb - 2
	pooled := ((na-1)*c.StdA.Value*c.StdA.Value + (nb-1)*c.StdB.Value*c.StdB.Value) / df
	se := math.Sqrt(pooled * (1/na + 1/nb))
	if se == 0 {
		return zeroVariance(c)
	}
	t, p := tTest(c.MeanDifference.Value, se, df)
	c.Status = StatusOK
	c.Statistic = backtest.Value(t)
	c.PValue = backtest.Value(p)
	c.Significant = p < v.cfg.Alpha
	c.Conclusion = compareConclusion(c)
	return c
}

// CompareRegimes compares bull-market against bear-market returns
func (v *Validator) CompareRegimes(bull, bear []float64) Comparison {
	return v.CompareStrategies(bull, bear, "Bull Market", "Bear Market")
}

// PairedComparison runs a paired t-test of after - before over matched
// observations. The slices must have equal length.
func (v *Validator) PairedComparison(before, after []float64, beforeName, afterName string) (Comparison, error) {
	if len(before) != len(after) {
		return Comparison{}, invalid("paired samples must have equal length",
			fmt.Sprintf("%d != %d", len(before), len(after)))
	}
	c := Comparison{Test: "paired_t", NameA: afterName, NameB: beforeName, NA: len(after), NB: len(before)}
	c.MeanA, c.StdA = summarize(after)
	c.MeanB, c.StdB = summarize(before)

	diffs := make([]float64, len(after))
	for i := range after {
		diffs[i] = after[i] - before[i]
	}
	if len(diffs) < v.cfg.MinSamples {
		none := backtest.Undefined(fmt.Sprintf("need at least %d pairs", v.cfg.MinSamples))
		c.Status = StatusInsufficientData
		c.MeanDifference, c.Statistic, c.PValue = none, none, none
		if len(diffs) > 0 {
			c.MeanDifference = backtest.Value(diffs[0])
		}
		c.Conclusion = fmt.Sprintf("Insufficient data (%d pairs)", len(diffs))
		return c, nil
	}

	mean, sd := stat.MeanStdDev(diffs, nil)
	c.MeanDifference = backtest.Value(mean)
	if sd == 0 {
		return zeroVariance(c), nil
	}
	t, p := tTest(mean, sd/math.Sqrt(float64(len(diffs))), float64(len(diffs)-1))
	c.Status = StatusOK
	c.Statistic = backtest.Value(t)
	c.PValue = backtest.Value(p)
	c.Significant = p < v.cfg.Alpha
	c.Conclusion = compareConclusion(c)
	return c, nil
}

func zeroVariance(c Comparison) Comparison {
	none := backtest.Undefined("zero variance")
	c.Status = StatusZeroVariance
	c.Statistic, c.PValue = none, none
	c.Conclusion = fmt.Sprintf("No variance to compare %s and %s", c.NameA, c.NameB)
	return c
}

func compareConclusion(c Comparison) string {
	a := fmt.Sprintf("%s (%+.2f%%)", c.NameA, c.MeanA.Value)
	b := fmt.Sprintf("%s (%+.2f%%)", c.NameB, c.MeanB.Value)
	switch {
	case !c.Significant:
		return fmt.Sprintf("No significant difference between %s and %s", a, b)
	case c.MeanDifference.Value > 0:
		return fmt.Sprintf("%s significantly outperforms %s", a, b)
	default:
		return fmt.Sprintf("%s significantly outperforms %s", b, a)
	}
}
