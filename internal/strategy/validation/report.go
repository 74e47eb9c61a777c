package validation

import (
	"stocktester/internal/strategy/backtest"
)

// Report bundles the tests run on a set of out-of-sample trades
type Report struct {
	Trades     int                `json:"trades"`
	Winners    int                `json:"winners"`
	WinRate    SignificanceResult `json:"win_rate"`
	MeanReturn SignificanceResult `json:"mean_return"`
	Bootstrap  *Interval          `json:"bootstrap"`
	MonteCarlo *MonteCarloResult  `json:"monte_carlo"`
	// Regimes is set by callers that have regime labels for the trades
	Regimes *Comparison `json:"regimes,omitempty"`
}

// Significant reports whether both the win rate and the mean return beat
// their baselines
func (r *Report) Significant() bool {
	return r.WinRate.Significant && r.MeanReturn.Significant && r.MeanReturn.Observed > r.MeanReturn.Baseline
}

// Validate runs every test with the configured baselines and iteration
// counts. Returns are taken in exit-date order, the order the pooled
// equity curve compounds in.
func (v *Validator) Validate(trades []backtest.TradeRecord) (*Report, error) {
	returns := backtest.Returns(backtest.SortByExit(trades))
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}

	rep := &Report{Trades: len(trades), Winners: wins}
	var err error
	if rep.WinRate, err = v.WinRateSignificance(wins, len(trades), v.cfg.WinRateBaseline); err != nil {
		return nil, err
	}
	rep.MeanReturn = v.MeanReturnSignificance(returns, v.cfg.ReturnBaseline)
	if rep.Bootstrap, err = v.BootstrapCI(returns, v.cfg.Confidence, v.cfg.BootstrapResamples); err != nil {
		return nil, err
	}
	if rep.MonteCarlo, err = v.MonteCarlo(returns, v.cfg.MonteCarloIterations); err != nil {
		return nil, err
	}

	v.log.Info("Validation complete",
		"trades", rep.Trades,
		"win_rate_p", rep.WinRate.PValue.String(),
		"mean_return_p", rep.MeanReturn.PValue.String(),
		"bootstrap_lower", rep.Bootstrap.Lower.String(),
		"bootstrap_upper", rep.Bootstrap.Upper.String())
	return rep, nil
}
