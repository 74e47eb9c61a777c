package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stocktester/internal/database"
	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/market"
	"stocktester/internal/market/regime"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
	"stocktester/internal/strategy/validation"
)

// Store persists runs. database.RunStore and MemoryStore implement it.
type Store interface {
	CreateRun(ctx context.Context, run *database.RunRecord) error
	MarkRunning(ctx context.Context, id string) error
	SaveResult(ctx context.Context, id string, result *optimizer.WalkForwardResult) error
	CompleteRun(ctx context.Context, id string, summary, validation any) error
	FailRun(ctx context.Context, id string, cause error) error
	GetRun(ctx context.Context, id string) (*database.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]database.RunRecord, error)
	ListTrades(ctx context.Context, id string) ([]backtest.TradeRecord, error)
}

// Recorder receives run level metrics
type Recorder interface {
	RunStarted()
	RunFinished(kind, status string, duration time.Duration)
	RecordRunMetrics(kind string, pooled *backtest.Metrics)
	RecordPValue(test string, p backtest.Metric)
}

type noopRecorder struct{}

func (noopRecorder) RunStarted()                                {}
func (noopRecorder) RunFinished(string, string, time.Duration)  {}
func (noopRecorder) RecordRunMetrics(string, *backtest.Metrics) {}
func (noopRecorder) RecordPValue(string, backtest.Metric)       {}

// RunnerConfig holds the defaults applied to every run
type RunnerConfig struct {
	IndexTicker string
	Tickers     []string
	Start       time.Time
	End         time.Time
	// ReportingLookback classifies trades for the bull/bear comparison
	ReportingLookback int
	// WeightsOutput receives the latest chosen weights when set
	WeightsOutput string
	MaxConcurrent int
	Params        any
}

// RunParams overrides the defaults of one run
type RunParams struct {
	Tickers []string  `json:"tickers,omitempty"`
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`
	Trigger string    `json:"trigger,omitempty"`
}

// Summary is the persisted digest of a walk-forward result
type Summary struct {
	Periods         int                     `json:"periods"`
	NoSignalPeriods []int                   `json:"no_signal_periods"`
	Pooled          *backtest.Metrics       `json:"pooled"`
	PeriodAverage   *backtest.Metrics       `json:"period_average"`
	RegimeBreakdown []backtest.GroupMetrics `json:"regime_breakdown"`
	ScoreBreakdown  []backtest.GroupMetrics `json:"score_breakdown"`
	RegimeStats     regime.Stats            `json:"regime_stats"`
	Robustness      *optimizer.Robustness   `json:"robustness"`
	DroppedTail     *optimizer.DroppedTail  `json:"dropped_tail,omitempty"`
	MissingTickers  map[string]string       `json:"missing_tickers,omitempty"`
	LatestWeights   *optimizer.WeightsFile  `json:"latest_weights,omitempty"`
}

// Outcome is the in-memory result of one run
type Outcome struct {
	RunID    string
	Result   *optimizer.WalkForwardResult
	Report   *validation.Report
	Summary  *Summary
	Duration time.Duration
}

// Runner executes walk-forward runs, validates their out-of-sample trades
// and persists the outcome
type Runner struct {
	provider   market.PriceProvider
	engine     *optimizer.Engine
	validator  *validation.Validator
	scorer     backtest.Scorer
	candidates optimizer.CandidateGenerator
	store      Store
	recorder   Recorder
	cfg        RunnerConfig
	log        logger.Logger

	workerPool chan struct{}
	mu         sync.Mutex
	active     map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a runner
func NewRunner(provider market.PriceProvider, engine *optimizer.Engine, validator *validation.Validator,
	scorer backtest.Scorer, candidates optimizer.CandidateGenerator, store Store, cfg RunnerConfig, log logger.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.ReportingLookback <= 0 {
		cfg.ReportingLookback = regime.DefaultLookback
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Runner{
		provider:   provider,
		engine:     engine,
		validator:  validator,
		scorer:     scorer,
		candidates: candidates,
		store:      store,
		recorder:   noopRecorder{},
		cfg:        cfg,
		log:        log,
		workerPool: make(chan struct{}, cfg.MaxConcurrent),
		active:     make(map[string]context.CancelFunc),
	}
}

// WithRecorder attaches a metrics recorder
func (r *Runner) WithRecorder(rec Recorder) *Runner {
	if rec != nil {
		r.recorder = rec
	}
	return r
}

// Store returns the run store
func (r *Runner) Store() Store {
	return r.store
}

func (r *Runner) resolve(params RunParams) (RunParams, error) {
	if len(params.Tickers) == 0 {
		params.Tickers = r.cfg.Tickers
	}
	if params.Start.IsZero() {
		params.Start = r.cfg.Start
	}
	if params.End.IsZero() {
		params.End = r.cfg.End
	}
	if params.End.IsZero() {
		params.End = market.Day(time.Now()).AddDate(0, 0, 1)
	}
	if len(params.Tickers) == 0 {
		return params, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "run requires at least one ticker", nil)
	}
	if !params.Start.IsZero() && !params.End.After(params.Start) {
		return params, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
			"end must be after start", fmt.Sprintf("%s - %s", params.Start.Format(time.DateOnly), params.End.Format(time.DateOnly)), nil)
	}
	return params, nil
}

func (r *Runner) create(ctx context.Context, params RunParams) (*database.RunRecord, RunParams, error) {
	params, err := r.resolve(params)
	if err != nil {
		return nil, params, err
	}
	raw, err := json.Marshal(struct {
		RunParams
		Engine any `json:"engine,omitempty"`
	}{params, r.cfg.Params})
	if err != nil {
		return nil, params, fmt.Errorf("failed to marshal run params: %w", err)
	}

	run := &database.RunRecord{
		ID:      uuid.NewString(),
		Kind:    database.RunKindWalkForward,
		Status:  database.RunStatusPending,
		Tickers: params.Tickers,
		Params:  raw,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, params, err
	}
	return run, params, nil
}

// Execute creates a run and executes it synchronously
func (r *Runner) Execute(ctx context.Context, params RunParams) (*Outcome, error) {
	run, params, err := r.create(ctx, params)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, run.ID, params)
}

// Submit creates a pending run and executes it in the background once a
// worker slot is free
func (r *Runner) Submit(ctx context.Context, params RunParams) (*database.RunRecord, error) {
	run, params, err := r.create(ctx, params)
	if err != nil {
		return nil, err
	}

	// 后台运行不继承请求上下文的取消
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.active[run.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(run.ID)

		select {
		case r.workerPool <- struct{}{}:
			defer func() { <-r.workerPool }()
		case <-runCtx.Done():
			r.fail(context.WithoutCancel(runCtx), run.ID, runCtx.Err())
			return
		}

		if _, err := r.execute(runCtx, run.ID, params); err != nil {
			r.log.Warn("Background run failed", "run_id", run.ID, "error", err)
		}
	}()

	return run, nil
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.active[id]; ok {
		cancel()
		delete(r.active, id)
	}
}

// Cancel stops a pending or running background run
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of background runs not yet finished
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Wait blocks until every background run has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels background runs and waits for them
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) execute(ctx context.Context, id string, params RunParams) (*Outcome, error) {
	ctx = logger.ContextWithRunID(ctx, id)
	log := r.log.WithContext(ctx)
	start := time.Now()

	if err := r.store.MarkRunning(ctx, id); err != nil {
		r.fail(context.WithoutCancel(ctx), id, err)
		log.Error("Failed to mark run as running", "error", err)
		return nil, err
	}
	r.recorder.RunStarted()
	log.Info("Run started", "tickers", len(params.Tickers), "trigger", params.Trigger)

	out, err := r.run(ctx, id, params)
	duration := time.Since(start)
	if err != nil {
		r.fail(context.WithoutCancel(ctx), id, err)
		r.recorder.RunFinished(database.RunKindWalkForward, database.RunStatusFailed, duration)
		log.Error("Run failed", "error", err, "duration", duration.String())
		return nil, err
	}
	out.Duration = duration

	// 结果写入不受取消影响
	persistCtx := context.WithoutCancel(ctx)
	if err := r.store.SaveResult(persistCtx, id, out.Result); err != nil {
		r.fail(persistCtx, id, err)
		r.recorder.RunFinished(database.RunKindWalkForward, database.RunStatusFailed, duration)
		return nil, err
	}
	if err := r.store.CompleteRun(persistCtx, id, out.Summary, out.Report); err != nil {
		r.fail(persistCtx, id, err)
		r.recorder.RunFinished(database.RunKindWalkForward, database.RunStatusFailed, duration)
		return nil, err
	}

	r.recorder.RunFinished(database.RunKindWalkForward, database.RunStatusCompleted, duration)
	r.recorder.RecordRunMetrics(database.RunKindWalkForward, out.Result.Pooled)
	r.recorder.RecordPValue("win_rate", out.Report.WinRate.PValue)
	r.recorder.RecordPValue("mean_return", out.Report.MeanReturn.PValue)
	if out.Report.Regimes != nil {
		r.recorder.RecordPValue("regimes", out.Report.Regimes.PValue)
	}

	log.Info("Run completed",
		"periods", len(out.Result.Periods),
		"trades", out.Report.Trades,
		"significant", out.Report.Significant(),
		"duration", duration.String())
	return out, nil
}

func (r *Runner) run(ctx context.Context, id string, params RunParams) (*Outcome, error) {
	index, _, err := market.LoadCalendar(ctx, r.provider, r.cfg.IndexTicker, params.Start, params.End)
	if err != nil {
		return nil, err
	}

	result, err := r.engine.Run(ctx, optimizer.RunRequest{
		Tickers:    params.Tickers,
		Scorer:     r.scorer,
		Candidates: r.candidates,
		Index:      index,
	})
	if err != nil {
		return nil, err
	}

	trades := result.Trades()
	report, err := r.validator.Validate(trades)
	if err != nil {
		return nil, err
	}
	series, err := regime.Classify(index, r.cfg.ReportingLookback)
	if err != nil {
		return nil, err
	}
	cmp := r.validator.CompareRegimes(
		backtest.Returns(regime.FilterTrades(trades, series, regime.Bull)),
		backtest.Returns(regime.FilterTrades(trades, series, regime.Bear)))
	report.Regimes = &cmp

	summary := summarize(result)
	if summary.LatestWeights != nil && r.cfg.WeightsOutput != "" {
		if err := optimizer.WriteWeightsFile(r.cfg.WeightsOutput, *summary.LatestWeights); err != nil {
			return nil, err
		}
		r.log.Info("Weights written", "run_id", id, "path", r.cfg.WeightsOutput)
	}

	return &Outcome{RunID: id, Result: result, Report: report, Summary: summary}, nil
}

func (r *Runner) fail(ctx context.Context, id string, cause error) {
	if err := r.store.FailRun(ctx, id, cause); err != nil {
		r.log.Error("Failed to record run failure", "run_id", id, "error", err)
	}
}

func summarize(result *optimizer.WalkForwardResult) *Summary {
	s := &Summary{
		Periods:         len(result.Periods),
		NoSignalPeriods: result.NoSignalPeriods,
		Pooled:          result.Pooled,
		PeriodAverage:   result.PeriodAverage,
		RegimeBreakdown: result.RegimeBreakdown,
		ScoreBreakdown:  result.ScoreBreakdown,
		RegimeStats:     result.RegimeStats,
		Robustness:      result.Robustness,
		DroppedTail:     result.DroppedTail,
		MissingTickers:  result.MissingTickers,
	}
	if latest, ok := result.LatestWeights(); ok {
		f := optimizer.ExportFor(latest)
		s.LatestWeights = &f
	}
	return s
}

// Get returns a run by id
func (r *Runner) Get(ctx context.Context, id string) (*database.RunRecord, error) {
	return r.store.GetRun(ctx, id)
}

// List returns recent runs
func (r *Runner) List(ctx context.Context, limit int) ([]database.RunRecord, error) {
	return r.store.ListRuns(ctx, limit)
}

// Trades returns the stored out-of-sample trades of a run
func (r *Runner) Trades(ctx context.Context, id string) ([]backtest.TradeRecord, error) {
	return r.store.ListTrades(ctx, id)
}
