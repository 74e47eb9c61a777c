package optimizer

import (
	"context"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/weights"
)

// Config configures a grid search
type Config struct {
	Tickers            []string
	Scorer             backtest.Scorer
	HoldingPeriod      int
	RebalanceFrequency int
	Metrics            backtest.MetricsConfig
	// Workers bounds concurrent candidate evaluations; zero uses NumCPU
	Workers int
	// TopN is the number of ranked candidates kept in a result
	TopN int
}

// Observer receives timing of completed work units
type Observer interface {
	ObserveCandidate(duration time.Duration, trades int)
	ObservePeriod(duration time.Duration, noSignal bool)
}

// TrainWindow is the window a search simulates on, with an optional
// restriction of entry dates
type TrainWindow struct {
	backtest.Window
	Filter backtest.EntryFilter
}

// CandidateResult is the evaluation of one weight vector
type CandidateResult struct {
	Index       int               `json:"index"`
	Weights     weights.Vector    `json:"weights"`
	Objective   backtest.Metric   `json:"objective"`
	Metrics     *backtest.Metrics `json:"metrics"`
	Diagnostics int               `json:"diagnostics"`
}

// OptimizationResult is the outcome of one grid search
type OptimizationResult struct {
	Weights             weights.Vector    `json:"weights"`
	Objective           Objective         `json:"objective"`
	ObjectiveValue      backtest.Metric   `json:"objective_value"`
	TrainMetrics        *backtest.Metrics `json:"train_metrics,omitempty"`
	CandidatesEvaluated int               `json:"candidates_evaluated"`
	NoSignal            bool              `json:"no_signal"`
	Top                 []CandidateResult `json:"top,omitempty"`
}

// Optimizer searches category weights on a training window
type Optimizer struct {
	sim      *backtest.Simulator
	cfg      Config
	log      logger.Logger
	perf     *logger.PerformanceLogger
	observer Observer
}

// NewOptimizer creates an optimizer
func NewOptimizer(sim *backtest.Simulator, cfg Config, log logger.Logger) *Optimizer {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Optimizer{
		sim:  sim,
		cfg:  cfg,
		log:  log,
		perf: logger.NewPerformanceLogger(log),
	}
}

// WithObserver attaches an observer
func (o *Optimizer) WithObserver(obs Observer) *Optimizer {
	o.observer = obs
	return o
}

// GridSearch evaluates every candidate on the training window and returns
// the best one. When no candidate produces a trade the result is marked
// NoSignal and carries no weights.
func (o *Optimizer) GridSearch(ctx context.Context, window TrainWindow, gen CandidateGenerator, objective Objective) (*OptimizationResult, error) {
	seq, err := gen.Candidates()
	if err != nil {
		return nil, err
	}
	var candidates []weights.Vector
	for v := range seq {
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeParameterInvalid, "no candidates to evaluate", nil)
	}

	done := o.perf.Track("grid_search", map[string]interface{}{
		"candidates": len(candidates),
		"objective":  string(objective),
		"start":      window.Start.Format("2006-01-02"),
		"end":        window.End.Format("2006-01-02"),
	})
	defer done()

	results := make([]*CandidateResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i, v := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := o.evaluate(gctx, window, i, v, objective)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ranked := make([]*CandidateResult, len(results))
	copy(ranked, results)
	sort.Slice(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })

	out := &OptimizationResult{
		Objective:           objective,
		CandidatesEvaluated: len(results),
	}
	for i := 0; i < len(ranked) && i < o.cfg.TopN; i++ {
		out.Top = append(out.Top, *ranked[i])
	}

	best := ranked[0]
	if best.Metrics.TotalTrades == 0 {
		out.NoSignal = true
		out.ObjectiveValue = backtest.Undefined("no candidate produced a trade")
		o.log.Warn("No candidate produced a trade", "start", window.Start, "end", window.End, "candidates", len(results))
		return out, nil
	}
	out.Weights = best.Weights
	out.ObjectiveValue = best.Objective
	out.TrainMetrics = best.Metrics
	o.log.Debug("Grid search finished", "weights", best.Weights.String(), "objective", best.Objective.String(), "trades", best.Metrics.TotalTrades)
	return out, nil
}

func (o *Optimizer) evaluate(ctx context.Context, window TrainWindow, index int, v weights.Vector, objective Objective) (*CandidateResult, error) {
	start := time.Now()
	sim, err := o.sim.Run(ctx, backtest.SimulationRequest{
		Tickers:            o.cfg.Tickers,
		Scorer:             o.cfg.Scorer,
		Weights:            backtest.StaticWeights(v),
		HoldingPeriod:      o.cfg.HoldingPeriod,
		RebalanceFrequency: o.cfg.RebalanceFrequency,
		Window:             window.Window,
		Filter:             window.Filter,
	})
	if err != nil {
		return nil, err
	}
	m := backtest.Compute(sim.Trades, o.cfg.Metrics)
	if o.observer != nil {
		o.observer.ObserveCandidate(time.Since(start), m.TotalTrades)
	}
	return &CandidateResult{
		Index:       index,
		Weights:     v,
		Objective:   objective.Evaluate(m),
		Metrics:     m,
		Diagnostics: len(sim.Diagnostics),
	}, nil
}

// better reports whether a ranks strictly ahead of b. Candidates without
// trades rank last and undefined objectives rank below defined ones; ties
// go to higher win rate, lower drawdown, fewer trades, then lower index.
func better(a, b *CandidateResult) bool {
	aTrades, bTrades := a.Metrics.TotalTrades > 0, b.Metrics.TotalTrades > 0
	if aTrades != bTrades {
		return aTrades
	}
	if !aTrades {
		return a.Index < b.Index
	}
	if a.Objective.Defined != b.Objective.Defined {
		return a.Objective.Defined
	}
	if a.Objective.Defined && a.Objective.Value != b.Objective.Value {
		return a.Objective.Value > b.Objective.Value
	}
	if aw, bw := a.Metrics.WinRate.Or(-1), b.Metrics.WinRate.Or(-1); aw != bw {
		return aw > bw
	}
	if ad, bd := a.Metrics.MaxDrawdown.Or(101), b.Metrics.MaxDrawdown.Or(101); ad != bd {
		return ad < bd
	}
	if a.Metrics.TotalTrades != b.Metrics.TotalTrades {
		return a.Metrics.TotalTrades < b.Metrics.TotalTrades
	}
	return a.Index < b.Index
}
