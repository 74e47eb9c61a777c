package backtest

import (
	"context"
	"time"

	"stocktester/internal/strategy/weights"
)

// Signal is the label attached to a composite score
type Signal string

const (
	SignalStrongBuy  Signal = "STRONG BUY"
	SignalBuy        Signal = "BUY"
	SignalNeutral    Signal = "NEUTRAL / HOLD"
	SignalSell       Signal = "SELL / AVOID"
	SignalStrongSell Signal = "STRONG SELL"
)

// Signals lists every label from most bullish to most bearish
func Signals() []Signal {
	return []Signal{SignalStrongBuy, SignalBuy, SignalNeutral, SignalSell, SignalStrongSell}
}

// IsBuy reports whether the signal opens a position
func (s Signal) IsBuy() bool {
	return s == SignalStrongBuy || s == SignalBuy
}

// Score is the output of a scoring function for one ticker and date
type Score struct {
	Value  float64 `json:"value"`
	Signal Signal  `json:"signal"`
}

// Scorer computes a score from information available on date only
type Scorer interface {
	Score(ctx context.Context, ticker string, date time.Time, w weights.Vector) (Score, error)
}

// ScorerFunc adapts a function to Scorer
type ScorerFunc func(ctx context.Context, ticker string, date time.Time, w weights.Vector) (Score, error)

// Score implements Scorer
func (f ScorerFunc) Score(ctx context.Context, ticker string, date time.Time, w weights.Vector) (Score, error) {
	return f(ctx, ticker, date, w)
}

// WeightSelector picks the weight vector used on a rebalance date
type WeightSelector interface {
	WeightsFor(date time.Time) weights.Vector
}

// StaticWeights uses the same vector on every date
type StaticWeights weights.Vector

// WeightsFor implements WeightSelector
func (s StaticWeights) WeightsFor(time.Time) weights.Vector {
	return weights.Vector(s)
}

// EntryFilter restricts the dates on which a ticker may be entered
type EntryFilter func(ticker string, date time.Time) bool

// Window is a half-open date range [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// TradeRecord is one completed position
type TradeRecord struct {
	Ticker      string    `json:"ticker"`
	EntryDate   time.Time `json:"entry_date"`
	ExitDate    time.Time `json:"exit_date"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	ReturnPct   float64   `json:"return_pct"`
	Score       float64   `json:"score"`
	Signal      Signal    `json:"signal"`
	HoldingDays int       `json:"holding_days"`
	Truncated   bool      `json:"truncated"`
}

// Diagnostic stages
const (
	StagePrices = "prices"
	StageScore  = "score"
	StageEntry  = "entry"
	StageExit   = "exit"
)

// Diagnostic records a ticker or trade skipped during simulation
type Diagnostic struct {
	Ticker  string    `json:"ticker"`
	Date    time.Time `json:"date,omitempty"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// Returns extracts return_pct in input order
func Returns(trades []TradeRecord) []float64 {
	out := make([]float64, len(trades))
	for i, t := range trades {
		out[i] = t.ReturnPct
	}
	return out
}
