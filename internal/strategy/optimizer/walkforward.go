package optimizer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/market"
	"stocktester/internal/market/regime"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/weights"
)

// EngineConfig configures a walk-forward run
type EngineConfig struct {
	Periods            PeriodConfig
	HoldingPeriod      int
	RebalanceFrequency int
	Objective          Objective
	Metrics            backtest.MetricsConfig
	// CandidateWorkers bounds parallel candidates inside one search
	CandidateWorkers int
	// PeriodWorkers bounds parallel periods
	PeriodWorkers int
	// RegimeAware runs separate bull and bear searches per period
	RegimeAware bool
	// OptimizationLookback labels training entry dates for regime searches
	OptimizationLookback int
	// ReportingLookback labels test trades for the regime breakdown
	ReportingLookback int
	TopN              int
}

// DefaultEngineConfig returns the default configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Periods:              DefaultPeriodConfig(),
		HoldingPeriod:        60,
		RebalanceFrequency:   30,
		Objective:            ObjectiveSharpe,
		Metrics:              backtest.DefaultMetricsConfig(),
		OptimizationLookback: regime.DefaultLookback,
		ReportingLookback:    regime.DefaultLookback,
	}
}

// RunRequest is the input of one walk-forward run
type RunRequest struct {
	Tickers    []string
	Scorer     backtest.Scorer
	Candidates CandidateGenerator
	// Index provides the trading calendar and the regime series
	Index *market.PriceSeries
}

// PeriodResult is the outcome of one period
type PeriodResult struct {
	Period       Period                 `json:"period"`
	Optimization *OptimizationResult    `json:"optimization"`
	Regime       *RegimeResult          `json:"regime,omitempty"`
	TestMetrics  *backtest.Metrics      `json:"test_metrics"`
	TestTrades   []backtest.TradeRecord `json:"test_trades"`
	Diagnostics  []backtest.Diagnostic  `json:"diagnostics,omitempty"`
	NoSignal     bool                   `json:"no_signal"`
	Duration     time.Duration          `json:"duration"`
}

// WalkForwardResult is the outcome of a run
type WalkForwardResult struct {
	Periods         []PeriodResult          `json:"periods"`
	DroppedTail     *DroppedTail            `json:"dropped_tail,omitempty"`
	Pooled          *backtest.Metrics       `json:"pooled"`
	PeriodAverage   *backtest.Metrics       `json:"period_average"`
	RegimeBreakdown []backtest.GroupMetrics `json:"regime_breakdown"`
	ScoreBreakdown  []backtest.GroupMetrics `json:"score_breakdown"`
	RegimeStats     regime.Stats            `json:"regime_stats"`
	NoSignalPeriods []int                   `json:"no_signal_periods"`
	MissingTickers  map[string]string       `json:"missing_tickers,omitempty"`
	Robustness      *Robustness             `json:"robustness"`
}

// Trades returns every out-of-sample trade in period order
func (r *WalkForwardResult) Trades() []backtest.TradeRecord {
	var all []backtest.TradeRecord
	for _, p := range r.Periods {
		all = append(all, p.TestTrades...)
	}
	return all
}

// LatestWeights returns the weights chosen by the most recent period with a
// signal
func (r *WalkForwardResult) LatestWeights() (*PeriodResult, bool) {
	for i := len(r.Periods) - 1; i >= 0; i-- {
		if !r.Periods[i].NoSignal {
			return &r.Periods[i], true
		}
	}
	return nil, false
}

// Engine runs walk-forward optimization
type Engine struct {
	provider market.PriceProvider
	cfg      EngineConfig
	log      logger.Logger
	perf     *logger.PerformanceLogger
	observer Observer
}

// NewEngine creates an engine
func NewEngine(provider market.PriceProvider, cfg EngineConfig, log logger.Logger) *Engine {
	if cfg.PeriodWorkers <= 0 {
		cfg.PeriodWorkers = runtime.NumCPU()
	}
	if cfg.OptimizationLookback <= 0 {
		cfg.OptimizationLookback = regime.DefaultLookback
	}
	if cfg.ReportingLookback <= 0 {
		cfg.ReportingLookback = regime.DefaultLookback
	}
	if cfg.Metrics.HoldingPeriod == 0 {
		cfg.Metrics.HoldingPeriod = cfg.HoldingPeriod
	}
	if cfg.Metrics.RebalanceFrequency == 0 {
		cfg.Metrics.RebalanceFrequency = cfg.RebalanceFrequency
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		log:      log,
		perf:     logger.NewPerformanceLogger(log),
	}
}

// WithObserver attaches an observer to the engine and its searches
func (e *Engine) WithObserver(obs Observer) *Engine {
	e.observer = obs
	return e
}

// Run executes every period and pools the out-of-sample results. A
// cancelled run returns the context error and no partial aggregate.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*WalkForwardResult, error) {
	if req.Scorer == nil || req.Candidates == nil || req.Index.Len() == 0 || len(req.Tickers) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput,
			"run requires tickers, a scorer, candidates and an index series", nil)
	}
	if _, err := req.Candidates.Candidates(); err != nil {
		return nil, err
	}

	cal := market.NewCalendar(req.Index)
	periods, tail, err := GeneratePeriods(cal, e.cfg.Periods)
	if err != nil {
		return nil, err
	}

	reporting, err := regime.Classify(req.Index, e.cfg.ReportingLookback)
	if err != nil {
		return nil, err
	}
	optimizing := reporting
	if e.cfg.RegimeAware && e.cfg.OptimizationLookback != e.cfg.ReportingLookback {
		if optimizing, err = regime.Classify(req.Index, e.cfg.OptimizationLookback); err != nil {
			return nil, err
		}
	}

	done := e.perf.Track("walk_forward", map[string]interface{}{
		"periods": len(periods),
		"tickers": len(req.Tickers),
	})
	defer done()

	// 一次性加载全部价格，各周期只读共享
	snapshot, missing, err := market.Snapshot(ctx, e.provider, req.Tickers, cal[0], cal.DateAt(len(cal)))
	if err != nil {
		return nil, err
	}
	result := &WalkForwardResult{DroppedTail: tail}
	if len(missing) > 0 {
		result.MissingTickers = make(map[string]string, len(missing))
		for t, err := range missing {
			result.MissingTickers[t] = err.Error()
			e.log.Warn("Ticker excluded from run", "ticker", t, "error", err)
		}
	}
	if tail != nil {
		e.log.Info("Dropping partial trailing period", "from", tail.From.Format("2006-01-02"), "days", tail.AvailableDays)
	}

	sim := backtest.NewSimulator(snapshot, cal, e.log)
	opt := NewOptimizer(sim, Config{
		Tickers:            req.Tickers,
		Scorer:             req.Scorer,
		HoldingPeriod:      e.cfg.HoldingPeriod,
		RebalanceFrequency: e.cfg.RebalanceFrequency,
		Metrics:            e.cfg.Metrics,
		Workers:            e.cfg.CandidateWorkers,
		TopN:               e.cfg.TopN,
	}, e.log).WithObserver(e.observer)

	results := make([]PeriodResult, len(periods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PeriodWorkers)
	for i, p := range periods {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.runPeriod(gctx, sim, opt, req, p, optimizing)
			if err != nil {
				return fmt.Errorf("period %d: %w", p.Index, err)
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Periods = results
	e.aggregate(result, reporting)
	return result, nil
}

func (e *Engine) runPeriod(ctx context.Context, sim *backtest.Simulator, opt *Optimizer, req RunRequest, p Period, series *regime.Series) (*PeriodResult, error) {
	start := time.Now()
	res := &PeriodResult{Period: p}
	log := e.log.WithContext(logger.ContextWithPeriod(ctx, p.Index))

	train := TrainWindow{Window: p.TrainWindow()}
	optResult, err := opt.GridSearch(ctx, train, req.Candidates, e.cfg.Objective)
	if err != nil {
		return nil, err
	}
	res.Optimization = optResult

	var selector backtest.WeightSelector = backtest.StaticWeights(optResult.Weights)
	if e.cfg.RegimeAware && !optResult.NoSignal {
		rr, err := opt.OptimizeByRegime(ctx, train, req.Candidates, e.cfg.Objective, series)
		if err != nil {
			return nil, err
		}
		res.Regime = rr
		selector = rr.Selector(series, optResult.Weights)
	}

	if optResult.NoSignal {
		res.NoSignal = true
		res.TestMetrics = backtest.Compute(nil, e.cfg.Metrics)
		log.Warn("Period has no signal in training window", "train_to", p.TrainTo.Format("2006-01-02"))
	} else {
		sr, err := sim.Run(ctx, backtest.SimulationRequest{
			Tickers:            req.Tickers,
			Scorer:             req.Scorer,
			Weights:            selector,
			HoldingPeriod:      e.cfg.HoldingPeriod,
			RebalanceFrequency: e.cfg.RebalanceFrequency,
			Window:             p.TestWindow(),
		})
		if err != nil {
			return nil, err
		}
		res.TestTrades = sr.Trades
		res.Diagnostics = sr.Diagnostics
		res.TestMetrics = backtest.Compute(sr.Trades, e.cfg.Metrics)
		log.Info("Period complete",
			"weights", optResult.Weights.String(),
			"train_objective", optResult.ObjectiveValue.String(),
			"test_trades", res.TestMetrics.TotalTrades,
			"test_win_rate", res.TestMetrics.WinRate.String(),
			"test_sharpe", res.TestMetrics.Sharpe.String())
	}

	res.Duration = time.Since(start)
	if e.observer != nil {
		e.observer.ObservePeriod(res.Duration, res.NoSignal)
	}
	return res, nil
}

func (e *Engine) aggregate(result *WalkForwardResult, reporting *regime.Series) {
	all := result.Trades()
	perPeriod := make([]*backtest.Metrics, 0, len(result.Periods))
	for _, p := range result.Periods {
		perPeriod = append(perPeriod, p.TestMetrics)
		if p.NoSignal {
			result.NoSignalPeriods = append(result.NoSignalPeriods, p.Period.Index)
		}
	}
	result.Pooled = backtest.Compute(all, e.cfg.Metrics)
	result.PeriodAverage = backtest.AverageMetrics(perPeriod)
	result.RegimeBreakdown = regime.Breakdown(all, reporting, e.cfg.Metrics)
	result.ScoreBreakdown = backtest.ByScoreRange(all, backtest.DefaultScoreRanges(), e.cfg.Metrics)
	if len(result.Periods) > 0 {
		first := result.Periods[0].Period
		last := result.Periods[len(result.Periods)-1].Period
		result.RegimeStats = reporting.Stats(first.TestFrom, last.TestTo)
	}
	result.Robustness = AssessRobustness(result.Periods)

	if len(result.NoSignalPeriods) > 0 {
		e.log.Warn("Periods without signal", "periods", result.NoSignalPeriods)
	}
}

// ChosenWeights lists the weights picked by each period with a signal
func (r *WalkForwardResult) ChosenWeights() []weights.Vector {
	var out []weights.Vector
	for _, p := range r.Periods {
		if !p.NoSignal && p.Optimization != nil {
			out = append(out, p.Optimization.Weights)
		}
	}
	return out
}
