package optimizer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"stocktester/internal/market/regime"
	"stocktester/internal/strategy/weights"
)

// RegimeResult holds independent searches restricted to bull and bear
// entry dates
type RegimeResult struct {
	Lookback int                 `json:"lookback"`
	Bull     *OptimizationResult `json:"bull_market"`
	Bear     *OptimizationResult `json:"bear_market"`
}

// OptimizeByRegime runs one search on BULL entry dates and one on BEAR
// entry dates of the same window
func (o *Optimizer) OptimizeByRegime(ctx context.Context, window TrainWindow, gen CandidateGenerator, objective Objective, series *regime.Series) (*RegimeResult, error) {
	out := &RegimeResult{Lookback: series.Lookback}

	g, gctx := errgroup.WithContext(ctx)
	run := func(label regime.Label, dst **OptimizationResult) {
		g.Go(func() error {
			w := window
			w.Filter = regime.EntryFilter(series, label)
			if window.Filter != nil {
				outer, inner := window.Filter, w.Filter
				w.Filter = func(ticker string, date time.Time) bool {
					return outer(ticker, date) && inner(ticker, date)
				}
			}
			res, err := o.GridSearch(gctx, w, gen, objective)
			if err != nil {
				return err
			}
			*dst = res
			return nil
		})
	}
	run(regime.Bull, &out.Bull)
	run(regime.Bear, &out.Bear)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Selector builds the scoring-time weight selector. A regime whose search
// found no signal, and UNDEFINED dates, use fallback.
func (r *RegimeResult) Selector(series *regime.Series, fallback weights.Vector) regime.RegimeWeights {
	sel := regime.RegimeWeights{Series: series, Bull: fallback, Bear: fallback, Fallback: fallback}
	if r.Bull != nil && !r.Bull.NoSignal {
		sel.Bull = r.Bull.Weights
	}
	if r.Bear != nil && !r.Bear.NoSignal {
		sel.Bear = r.Bear.Weights
	}
	return sel
}

// NoSignal reports whether neither regime produced a trade
func (r *RegimeResult) NoSignal() bool {
	return (r.Bull == nil || r.Bull.NoSignal) && (r.Bear == nil || r.Bear.NoSignal)
}
