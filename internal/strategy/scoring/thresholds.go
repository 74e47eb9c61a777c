package scoring

import (
	"fmt"

	"stocktester/internal/strategy/backtest"
)

// Thresholds map a composite score in [-10, 10] to a signal label
type Thresholds struct {
	StrongBuy  float64 `yaml:"strong_buy" json:"strong_buy"`
	Buy        float64 `yaml:"buy" json:"buy"`
	NeutralLow float64 `yaml:"neutral_low" json:"neutral_low"`
	Sell       float64 `yaml:"sell" json:"sell"`
}

// DefaultThresholds 默认信号阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		StrongBuy:  6,
		Buy:        3,
		NeutralLow: -3,
		Sell:       -6,
	}
}

// Validate checks that thresholds are strictly descending
func (t Thresholds) Validate() error {
	if !(t.StrongBuy > t.Buy && t.Buy > t.NeutralLow && t.NeutralLow > t.Sell) {
		return fmt.Errorf("signal thresholds must be descending: strong_buy=%g buy=%g neutral_low=%g sell=%g",
			t.StrongBuy, t.Buy, t.NeutralLow, t.Sell)
	}
	return nil
}

// Classify returns the signal for score. Buy thresholds are inclusive,
// sell thresholds exclusive.
func (t Thresholds) Classify(score float64) backtest.Signal {
	switch {
	case score >= t.StrongBuy:
		return backtest.SignalStrongBuy
	case score >= t.Buy:
		return backtest.SignalBuy
	case score > t.NeutralLow:
		return backtest.SignalNeutral
	case score > t.Sell:
		return backtest.SignalSell
	default:
		return backtest.SignalStrongSell
	}
}
