package scoring

import (
	"context"
	"math"
	"time"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/weights"
)

// MaxScore bounds the composite score
const MaxScore = 10.0

// Combine weights the category scores and rescales the sum from
// [-100, 100] to [-10, 10]
func Combine(scores CategoryScores, w weights.Vector) float64 {
	total := 0.0
	for _, c := range weights.Categories() {
		total += w.Get(c) * scores[c]
	}
	return math.Max(-MaxScore, math.Min(MaxScore, total/10))
}

// CompositeScorer implements backtest.Scorer on top of a FactorSource
type CompositeScorer struct {
	source     FactorSource
	thresholds Thresholds
}

// NewCompositeScorer creates a scorer
func NewCompositeScorer(source FactorSource, thresholds Thresholds) (*CompositeScorer, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid, "invalid signal thresholds", err)
	}
	return &CompositeScorer{source: source, thresholds: thresholds}, nil
}

// Score implements backtest.Scorer
func (s *CompositeScorer) Score(ctx context.Context, ticker string, date time.Time, w weights.Vector) (backtest.Score, error) {
	if err := w.Validate(); err != nil {
		return backtest.Score{}, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid, "invalid weights", err)
	}
	scores, err := s.source.CategoryScores(ctx, ticker, date)
	if err != nil {
		return backtest.Score{}, err
	}
	value := Combine(scores, w)
	return backtest.Score{Value: value, Signal: s.thresholds.Classify(value)}, nil
}
