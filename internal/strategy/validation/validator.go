// Package validation tests whether out-of-sample trade results are
// distinguishable from chance.
package validation

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/strategy/backtest"
)

// Status describes whether a test could be evaluated
type Status string

const (
	StatusOK               Status = "ok"
	StatusInsufficientData Status = "insufficient_data"
	StatusZeroVariance     Status = "zero_variance"
)

// Config 统计检验参数
type Config struct {
	// Alpha is the significance level
	Alpha float64 `yaml:"alpha" json:"alpha"`
	// Confidence is the level of every reported interval
	Confidence float64 `yaml:"confidence" json:"confidence"`
	// WinRateBaseline is a fraction, 0.5 for a coin flip
	WinRateBaseline float64 `yaml:"win_rate_baseline" json:"win_rate_baseline"`
	// ReturnBaseline is in percent per trade
	ReturnBaseline       float64 `yaml:"return_baseline" json:"return_baseline"`
	BootstrapResamples   int     `yaml:"bootstrap_resamples" json:"bootstrap_resamples"`
	MonteCarloIterations int     `yaml:"monte_carlo_iterations" json:"monte_carlo_iterations"`
	Seed                 uint64  `yaml:"seed" json:"seed"`
	MinSamples           int     `yaml:"min_samples" json:"min_samples"`
}

// MinResamples is the lower bound on bootstrap and Monte Carlo iterations
const MinResamples = 1000

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Alpha:                0.05,
		Confidence:           0.95,
		WinRateBaseline:      0.5,
		ReturnBaseline:       0,
		BootstrapResamples:   10000,
		MonteCarloIterations: 1000,
		Seed:                 42,
		MinSamples:           2,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.Alpha <= 0 || c.Alpha >= 1:
		return invalid("alpha must be in (0, 1)", c.Alpha)
	case c.Confidence <= 0 || c.Confidence >= 1:
		return invalid("confidence must be in (0, 1)", c.Confidence)
	case c.WinRateBaseline <= 0 || c.WinRateBaseline >= 1:
		return invalid("win rate baseline must be in (0, 1)", c.WinRateBaseline)
	case c.BootstrapResamples < MinResamples:
		return invalid(fmt.Sprintf("bootstrap resamples must be at least %d", MinResamples), c.BootstrapResamples)
	case c.MonteCarloIterations < MinResamples:
		return invalid(fmt.Sprintf("monte carlo iterations must be at least %d", MinResamples), c.MonteCarloIterations)
	case c.MinSamples < 2:
		return invalid("min samples must be at least 2", c.MinSamples)
	}
	return nil
}

func invalid(msg string, v interface{}) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid, msg, fmt.Sprint(v), nil)
}

// SignificanceResult is the outcome of a one-sample test
type SignificanceResult struct {
	Test        string          `json:"test"`
	Status      Status          `json:"status"`
	N           int             `json:"n"`
	Observed    float64         `json:"observed"`
	Baseline    float64         `json:"baseline"`
	Statistic   backtest.Metric `json:"statistic"`
	PValue      backtest.Metric `json:"p_value"`
	Significant bool            `json:"significant"`
	Confidence  float64         `json:"confidence"`
	CILower     backtest.Metric `json:"ci_lower"`
	CIUpper     backtest.Metric `json:"ci_upper"`
	Conclusion  string          `json:"conclusion"`
}

// Validator runs significance tests. Every randomized procedure draws from
// a fresh generator seeded with Config.Seed, so results do not depend on
// call order.
type Validator struct {
	cfg Config
	log logger.Logger
}

// NewValidator creates a validator
func NewValidator(cfg Config, log logger.Logger) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Validator{cfg: cfg, log: log}, nil
}

// Config returns the configuration in use
func (v *Validator) Config() Config {
	return v.cfg
}

func (v *Validator) rand() *rand.Rand {
	return rand.New(rand.NewPCG(v.cfg.Seed, v.cfg.Seed^0x9e3779b97f4a7c15))
}

func (v *Validator) insufficient(test string, n int, observed, baseline float64) SignificanceResult {
	none := backtest.Undefined(fmt.Sprintf("need at least %d samples", v.cfg.MinSamples))
	return SignificanceResult{
		Test:       test,
		Status:     StatusInsufficientData,
		N:          n,
		Observed:   observed,
		Baseline:   baseline,
		Statistic:  none,
		PValue:     none,
		Confidence: v.cfg.Confidence,
		CILower:    none,
		CIUpper:    none,
		Conclusion: fmt.Sprintf("Insufficient data (%d samples)", n),
	}
}

// WinRateSignificance runs a one-sided exact binomial test of wins out of
// n against baseline, P(X >= wins). Rates are fractions; the interval is
// the Wilson score interval.
func (v *Validator) WinRateSignificance(wins, n int, baseline float64) (SignificanceResult, error) {
	if wins < 0 || n < 0 || wins > n {
		return SignificanceResult{}, invalid("wins must be within [0, n]", fmt.Sprintf("%d/%d", wins, n))
	}
	if baseline <= 0 || baseline >= 1 {
		return SignificanceResult{}, invalid("baseline must be in (0, 1)", baseline)
	}
	observed := 0.0
	if n > 0 {
		observed = float64(wins) / float64(n)
	}
	if n < v.cfg.MinSamples {
		return v.insufficient("win_rate_binomial", n, observed, baseline), nil
	}

	p := 1.0
	if wins > 0 {
		dist := distuv.Binomial{N: float64(n), P: baseline}
		p = 1 - dist.CDF(float64(wins-1))
	}
	p = clamp01(p)

	lo, hi := wilson(observed, n, zScore(v.cfg.Confidence))
	res := SignificanceResult{
		Test:        "win_rate_binomial",
		Status:      StatusOK,
		N:           n,
		Observed:    observed,
		Baseline:    baseline,
		Statistic:   backtest.Value(float64(wins)),
		PValue:      backtest.Value(p),
		Significant: p < v.cfg.Alpha,
		Confidence:  v.cfg.Confidence,
		CILower:     backtest.Value(lo),
		CIUpper:     backtest.Value(hi),
	}
	if res.Significant {
		res.Conclusion = fmt.Sprintf("Win rate (%.1f%%) is significantly above %.1f%%", observed*100, baseline*100)
	} else {
		res.Conclusion = fmt.Sprintf("Win rate (%.1f%%) is not significantly above %.1f%%", observed*100, baseline*100)
	}
	return res, nil
}

// MeanReturnSignificance runs a two-sided one-sample t-test of the mean
// return against baseline, with a t-based confidence interval of the mean
func (v *Validator) MeanReturnSignificance(returns []float64, baseline float64) SignificanceResult {
	n := len(returns)
	if n < v.cfg.MinSamples {
		mean := 0.0
		if n > 0 {
			mean = stat.Mean(returns, nil)
		}
		return v.insufficient("mean_return_t", n, mean, baseline)
	}
	mean, sd := stat.MeanStdDev(returns, nil)
	res := SignificanceResult{
		Test:       "mean_return_t",
		Status:     StatusOK,
		N:          n,
		Observed:   mean,
		Baseline:   baseline,
		Confidence: v.cfg.Confidence,
	}
	if sd == 0 || math.IsNaN(sd) {
		none := backtest.Undefined("zero variance")
		res.Status = StatusZeroVariance
		res.Statistic, res.PValue = none, none
		res.CILower, res.CIUpper = backtest.Value(mean), backtest.Value(mean)
		res.Conclusion = fmt.Sprintf("All %d returns equal %+.2f%%", n, mean)
		return res
	}

	t, p := tTest(mean-baseline, sd/math.Sqrt(float64(n)), float64(n-1))
	half := tQuantile(v.cfg.Confidence, float64(n-1)) * sd / math.Sqrt(float64(n))
	res.Statistic = backtest.Value(t)
	res.PValue = backtest.Value(p)
	res.Significant = p < v.cfg.Alpha
	res.CILower = backtest.Value(mean - half)
	res.CIUpper = backtest.Value(mean + half)
	res.Conclusion = describe(res.Significant, mean > baseline,
		fmt.Sprintf("Mean return (%+.2f%%)", mean), fmt.Sprintf("%+.2f%%", baseline))
	return res
}

func describe(significant, above bool, subject, baseline string) string {
	switch {
	case significant && above:
		return fmt.Sprintf("%s is significantly better than %s", subject, baseline)
	case significant:
		return fmt.Sprintf("%s is significantly worse than %s", subject, baseline)
	default:
		return fmt.Sprintf("%s is not significantly different from %s", subject, baseline)
	}
}

// tTest returns the t statistic and two-sided p-value of diff/se with df
// degrees of freedom
func tTest(diff, se, df float64) (float64, float64) {
	t := diff / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * (1 - dist.CDF(math.Abs(t)))
	return t, clamp01(p)
}

func tQuantile(confidence, df float64) float64 {
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Quantile((1 + confidence) / 2)
}

func zScore(confidence float64) float64 {
	return distuv.UnitNormal.Quantile((1 + confidence) / 2)
}

// wilson 计算 Wilson 置信区间
func wilson(p float64, n int, z float64) (float64, float64) {
	nf := float64(n)
	z2 := z * z
	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	half := z / denom * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	return math.Max(0, center-half), math.Min(1, center+half)
}

func clamp01(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
