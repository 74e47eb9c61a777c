package optimizer

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/market"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/weights"
	"stocktester/internal/testutils"
)

var (
	trendHeavy  = weights.Vector{0.6, 0.1, 0.1, 0.1, 0.1}
	volumeHeavy = weights.Vector{0.1, 0.6, 0.1, 0.1, 0.1}
)

// dateRecorder collects scorer call dates from concurrent workers
type dateRecorder struct {
	mu    sync.Mutex
	dates []time.Time
}

func (r *dateRecorder) add(d time.Time) {
	r.mu.Lock()
	r.dates = append(r.dates, d)
	r.mu.Unlock()
}

func (r *dateRecorder) max() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var m time.Time
	for _, d := range r.dates {
		if d.After(m) {
			m = d
		}
	}
	return m
}

// weightScorer buys UP when trend weight dominates and DOWN when volume
// weight dominates. Dates before quietUntil are always neutral.
func weightScorer(rec *dateRecorder, quietUntil time.Time) backtest.Scorer {
	return backtest.ScorerFunc(func(ctx context.Context, ticker string, date time.Time, w weights.Vector) (backtest.Score, error) {
		if rec != nil {
			rec.add(date)
		}
		if date.Before(quietUntil) {
			return backtest.Score{Signal: backtest.SignalNeutral}, nil
		}
		switch {
		case ticker == "UP" && w.Get(weights.TrendMomentum) >= 0.3:
			return backtest.Score{Value: 7, Signal: backtest.SignalStrongBuy}, nil
		case ticker == "DOWN" && w.Get(weights.Volume) >= 0.3:
			return backtest.Score{Value: 4, Signal: backtest.SignalBuy}, nil
		}
		return backtest.Score{Value: 0, Signal: backtest.SignalNeutral}, nil
	})
}

func fixture(n int) (market.Calendar, *market.PriceSeries, *market.MemoryProvider) {
	days := testutils.TradingDays(testutils.Date("2015-01-01"), n)
	index := testutils.GeometricSeries("^GSPC", days, 2000, 0.0004)
	provider := market.NewMemoryProvider(
		index,
		testutils.GeometricSeries("UP", days, 50, 0.001),
		testutils.GeometricSeries("DOWN", days, 80, -0.001),
	)
	return market.Calendar(days), index, provider
}

func TestGridGenerator(t *testing.T) {
	seq, err := DefaultGrid().Candidates()
	require.NoError(t, err)

	seen := map[string]bool{}
	count := 0
	for v := range seq {
		count++
		require.NoError(t, v.Validate())
		for _, w := range v {
			assert.GreaterOrEqual(t, w, 0.0)
		}
		assert.InDelta(t, 1.0, v.Sum(), weights.SumTolerance)
		assert.False(t, seen[v.Key()], "duplicate candidate %s", v)
		seen[v.Key()] = true
	}
	assert.Greater(t, count, 0)
	assert.LessOrEqual(t, count, DefaultMaxCandidates)

	small := DefaultGrid()
	small.MaxCandidates = 3
	_, err = small.Candidates()
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeParameterInvalid))

	empty := &GridGenerator{}
	_, err = empty.Candidates()
	assert.Error(t, err)

	g, err := GridFromMap(map[string][]float64{
		"trend_momentum": {0.5}, "volume": {0.5, 1.0}, "fundamental": {0},
		"market_context": {0}, "advanced": {0},
	}, 0.02, 10)
	require.NoError(t, err)
	seq, err = g.Candidates()
	require.NoError(t, err)
	var got []weights.Vector
	for v := range seq {
		got = append(got, v)
	}
	assert.Equal(t, []weights.Vector{{0.5, 0.5, 0, 0, 0}}, got)

	_, err = GridFromMap(map[string][]float64{"momentum": {1}}, 0, 0)
	assert.Error(t, err)
}

func TestListGenerator(t *testing.T) {
	_, err := ListGenerator{}.Candidates()
	assert.Error(t, err)
	_, err = ListGenerator{{0.5, 0.5, 0.5, 0, 0}}.Candidates()
	assert.Error(t, err)
	seq, err := ListGenerator{trendHeavy}.Candidates()
	require.NoError(t, err)
	for v := range seq {
		assert.Equal(t, trendHeavy, v)
	}
}

func TestObjectives(t *testing.T) {
	o, err := ParseObjective("")
	require.NoError(t, err)
	assert.Equal(t, ObjectiveSharpe, o)
	_, err = ParseObjective("profit")
	assert.Error(t, err)

	m := &backtest.Metrics{WinRate: backtest.Value(60), Sharpe: backtest.Undefined("x"), Calmar: backtest.Value(2)}
	assert.Equal(t, 60.0, ObjectiveWinRate.Evaluate(m).Value)
	assert.False(t, ObjectiveSharpe.Evaluate(m).Defined)
	assert.Equal(t, 2.0, ObjectiveCalmar.Evaluate(m).Value)
}

func TestRanking(t *testing.T) {
	mk := func(idx, trades int, obj backtest.Metric, win, dd float64) *CandidateResult {
		return &CandidateResult{
			Index:     idx,
			Objective: obj,
			Metrics: &backtest.Metrics{
				TotalTrades: trades,
				WinRate:     backtest.Value(win),
				MaxDrawdown: backtest.Value(dd),
			},
		}
	}
	zero := mk(0, 0, backtest.Undefined("no trades"), 0, 0)
	undefined := mk(1, 5, backtest.Undefined("zero variance"), 100, 0)
	low := mk(2, 5, backtest.Value(-3), 20, 40)

	// 零交易永远最差，即使目标值未定义的候选也排在其前
	assert.True(t, better(undefined, zero))
	assert.True(t, better(low, undefined))
	assert.False(t, better(zero, low))

	a := mk(3, 10, backtest.Value(1), 60, 10)
	b := mk(4, 10, backtest.Value(1), 70, 10)
	assert.True(t, better(b, a), "higher win rate wins ties")

	c := mk(5, 10, backtest.Value(1), 70, 5)
	assert.True(t, better(c, b), "lower drawdown wins ties")

	d := mk(6, 8, backtest.Value(1), 70, 5)
	assert.True(t, better(d, c), "fewer trades wins ties")

	e := mk(7, 8, backtest.Value(1), 70, 5)
	assert.True(t, better(d, e), "lower index wins full ties")
	assert.False(t, better(e, d))
}

func newOptimizer(t *testing.T, scorer backtest.Scorer) (*Optimizer, market.Calendar) {
	suite := testutils.NewTestSuite(t, nil)
	t.Cleanup(suite.TearDown)

	cal, _, provider := fixture(300)
	sim := backtest.NewSimulator(provider, cal, suite.Logger)
	opt := NewOptimizer(sim, Config{
		Tickers:            []string{"UP", "DOWN"},
		Scorer:             scorer,
		HoldingPeriod:      20,
		RebalanceFrequency: 10,
		Metrics:            backtest.MetricsConfig{HoldingPeriod: 20, RebalanceFrequency: 10, TradingDaysPerYear: 252},
		Workers:            3,
	}, suite.Logger)
	return opt, cal
}

func TestGridSearchPicksBestCandidate(t *testing.T) {
	opt, cal := newOptimizer(t, weightScorer(nil, time.Time{}))
	window := TrainWindow{Window: backtest.Window{Start: cal[0], End: cal[200]}}

	res, err := opt.GridSearch(context.Background(), window,
		ListGenerator{weights.Equal(), volumeHeavy, trendHeavy}, ObjectiveMeanReturn)
	require.NoError(t, err)

	assert.False(t, res.NoSignal)
	assert.Equal(t, trendHeavy, res.Weights)
	assert.Equal(t, 3, res.CandidatesEvaluated)
	assert.True(t, res.ObjectiveValue.Value > 0)
	require.Len(t, res.Top, 3)
	assert.Equal(t, 2, res.Top[0].Index)
	assert.Equal(t, 1, res.Top[1].Index)
	assert.Equal(t, 0, res.Top[2].Index)
	assert.Equal(t, 0, res.Top[2].Metrics.TotalTrades)

	// 所有交易都在训练窗口内结束
	for _, c := range res.Top {
		assert.True(t, c.Metrics.TotalTrades == 0 || c.Metrics.AvgHoldingDays.Value <= 20)
	}
}

func TestGridSearchNoSignal(t *testing.T) {
	opt, cal := newOptimizer(t, weightScorer(nil, time.Time{}))
	window := TrainWindow{Window: backtest.Window{Start: cal[0], End: cal[200]}}

	res, err := opt.GridSearch(context.Background(), window, ListGenerator{weights.Equal()}, ObjectiveSharpe)
	require.NoError(t, err)
	assert.True(t, res.NoSignal)
	assert.Equal(t, weights.Vector{}, res.Weights)
	assert.False(t, res.ObjectiveValue.Defined)
	assert.Nil(t, res.TrainMetrics)
}

func TestGridSearchCancellation(t *testing.T) {
	opt, cal := newOptimizer(t, weightScorer(nil, time.Time{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := opt.GridSearch(ctx, TrainWindow{Window: backtest.Window{Start: cal[0], End: cal[200]}},
		ListGenerator{trendHeavy, volumeHeavy}, ObjectiveSharpe)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeneratePeriods(t *testing.T) {
	cal := market.Calendar(testutils.TradingDays(testutils.Date("2010-01-01"), 1300))
	periods, tail, err := GeneratePeriods(cal, DefaultPeriodConfig())
	require.NoError(t, err)
	require.Len(t, periods, 3)

	for k, p := range periods {
		assert.Equal(t, k, p.Index)
		assert.Equal(t, 0, p.TrainStart)
		assert.Equal(t, 504+252*k, p.TrainEnd)
		assert.GreaterOrEqual(t, p.TestStart, p.TrainEnd)
		assert.Equal(t, p.TestStart+252, p.TestEnd)
		assert.False(t, p.TestFrom.Before(p.TrainTo))
		if k > 0 {
			assert.GreaterOrEqual(t, p.TrainEnd, periods[k-1].TrainEnd)
			assert.GreaterOrEqual(t, p.TestStart, periods[k-1].TestEnd)
		}
	}
	require.NotNil(t, tail)
	assert.Equal(t, 1260, tail.TrainEnd)
	assert.Equal(t, 40, tail.AvailableDays)

	exact, tail, err := GeneratePeriods(cal[:1260], DefaultPeriodConfig())
	require.NoError(t, err)
	assert.Len(t, exact, 3)
	assert.Nil(t, tail)

	_, _, err = GeneratePeriods(cal, PeriodConfig{InitialTrainSpan: 504, TestSpan: 252, Step: 100})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeParameterInvalid))

	_, _, err = GeneratePeriods(cal[:600], DefaultPeriodConfig())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientData))
}

func TestValidatePeriodsRejectsLookAhead(t *testing.T) {
	ok := []Period{
		{Index: 0, TrainStart: 0, TrainEnd: 252, TestStart: 252, TestEnd: 378},
		{Index: 1, TrainStart: 0, TrainEnd: 378, TestStart: 378, TestEnd: 504},
	}
	require.NoError(t, ValidatePeriods(ok))

	cases := map[string][]Period{
		"test before train end": {{Index: 0, TrainStart: 0, TrainEnd: 252, TestStart: 200, TestEnd: 300}},
		"shrinking train": {
			{Index: 0, TrainStart: 0, TrainEnd: 300, TestStart: 300, TestEnd: 350},
			{Index: 1, TrainStart: 0, TrainEnd: 250, TestStart: 400, TestEnd: 450},
		},
		"overlapping tests": {
			{Index: 0, TrainStart: 0, TrainEnd: 252, TestStart: 252, TestEnd: 378},
			{Index: 1, TrainStart: 0, TrainEnd: 300, TestStart: 300, TestEnd: 426},
		},
		"empty window": {{Index: 0, TrainStart: 0, TrainEnd: 0, TestStart: 0, TestEnd: 10}},
	}
	for name, periods := range cases {
		err := ValidatePeriods(periods)
		if !apperrors.IsCode(err, apperrors.ErrCodeLookAhead) {
			t.Errorf("%s: expected LOOK_AHEAD_VIOLATION, got %v", name, err)
		}
	}
}

func engineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Periods = PeriodConfig{InitialTrainSpan: 252, TestSpan: 126, Step: 126}
	cfg.HoldingPeriod = 20
	cfg.RebalanceFrequency = 10
	cfg.Metrics = backtest.MetricsConfig{TradingDaysPerYear: 252}
	cfg.Objective = ObjectiveMeanReturn
	cfg.PeriodWorkers = 2
	cfg.CandidateWorkers = 2
	return cfg
}

func TestEngineRespectsPeriodBoundaries(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	cal, index, provider := fixture(500)
	rec := &dateRecorder{}
	engine := NewEngine(provider, engineConfig(), suite.Logger)

	res, err := engine.Run(context.Background(), RunRequest{
		Tickers:    []string{"UP", "DOWN", "MISSING"},
		Scorer:     weightScorer(rec, time.Time{}),
		Candidates: ListGenerator{weights.Equal(), volumeHeavy, trendHeavy},
		Index:      index,
	})
	require.NoError(t, err)

	// train=[0,252), test=[252,378)，剩余天数不足一个测试窗口
	require.Len(t, res.Periods, 1)
	p := res.Periods[0]
	assert.Equal(t, cal[0], p.Period.TrainFrom)
	assert.Equal(t, cal[252], p.Period.TrainTo)
	assert.Equal(t, cal[252], p.Period.TestFrom)
	assert.Equal(t, cal[378], p.Period.TestTo)
	require.NotNil(t, res.DroppedTail)
	assert.Equal(t, 122, res.DroppedTail.AvailableDays)

	assert.Equal(t, trendHeavy, p.Optimization.Weights)
	require.NotEmpty(t, p.TestTrades)
	for _, tr := range p.TestTrades {
		assert.False(t, tr.EntryDate.Before(cal[252]), "test trade entered before test window")
		assert.True(t, tr.ExitDate.Before(cal[378]), "test trade used data after test window")
	}
	assert.True(t, rec.max().Before(cal[378]), "scorer saw a date after the last test window")

	assert.Contains(t, res.MissingTickers, "MISSING")
	assert.Equal(t, len(p.TestTrades), res.Pooled.TotalTrades)
	assert.Empty(t, res.NoSignalPeriods)
	assert.NotEmpty(t, res.RegimeBreakdown)
	assert.Len(t, res.ScoreBreakdown, 5)
	assert.NotNil(t, res.Robustness)
}

func TestEngineNoSignalPeriod(t *testing.T) {
	cal, index, provider := fixture(700)
	engine := NewEngine(provider, engineConfig(), nil)

	res, err := engine.Run(context.Background(), RunRequest{
		Tickers:    []string{"UP", "DOWN"},
		Scorer:     weightScorer(nil, cal[300]),
		Candidates: ListGenerator{volumeHeavy, trendHeavy},
		Index:      index,
	})
	require.NoError(t, err)

	require.Len(t, res.Periods, 3)
	assert.Equal(t, []int{0}, res.NoSignalPeriods)
	assert.True(t, res.Periods[0].NoSignal)
	assert.Empty(t, res.Periods[0].TestTrades)
	assert.Equal(t, weights.Vector{}, res.Periods[0].Optimization.Weights)
	assert.False(t, res.Periods[1].NoSignal)

	latest, ok := res.LatestWeights()
	require.True(t, ok)
	assert.Equal(t, 2, latest.Period.Index)
	assert.Len(t, res.ChosenWeights(), 2)

	// 无信号周期的未定义指标不影响平均值
	assert.True(t, res.PeriodAverage.MeanReturn.Defined)
	assert.False(t, math.IsNaN(res.PeriodAverage.MeanReturn.Value))
}

func TestEngineRegimeAware(t *testing.T) {
	days := testutils.TradingDays(testutils.Date("2015-01-01"), 500)
	index := testutils.PiecewiseSeries("^GSPC", days, [][2]float64{{0, 1000}, {150, 1500}, {300, 900}, {499, 1400}})
	provider := market.NewMemoryProvider(
		index,
		testutils.GeometricSeries("UP", days, 50, 0.001),
		testutils.GeometricSeries("DOWN", days, 80, -0.001),
	)

	cfg := engineConfig()
	cfg.RegimeAware = true
	cfg.OptimizationLookback = 50
	cfg.ReportingLookback = 100
	res, err := NewEngine(provider, cfg, nil).Run(context.Background(), RunRequest{
		Tickers:    []string{"UP", "DOWN"},
		Scorer:     weightScorer(nil, time.Time{}),
		Candidates: ListGenerator{volumeHeavy, trendHeavy},
		Index:      index,
	})
	require.NoError(t, err)
	require.Len(t, res.Periods, 1)

	rr := res.Periods[0].Regime
	require.NotNil(t, rr)
	assert.Equal(t, 50, rr.Lookback)
	require.NotNil(t, rr.Bull)
	require.NotNil(t, rr.Bear)
	assert.False(t, rr.NoSignal())
	assert.Equal(t, trendHeavy, rr.Bull.Weights)

	export := ExportFor(&res.Periods[0])
	require.NotNil(t, export.Optimized)
	assert.NoError(t, export.Validate())
}

func TestEngineCancellation(t *testing.T) {
	_, index, provider := fixture(500)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewEngine(provider, engineConfig(), nil).Run(ctx, RunRequest{
		Tickers:    []string{"UP"},
		Scorer:     weightScorer(nil, time.Time{}),
		Candidates: ListGenerator{trendHeavy},
		Index:      index,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestEngineValidation(t *testing.T) {
	_, index, provider := fixture(300)
	engine := NewEngine(provider, engineConfig(), nil)

	_, err := engine.Run(context.Background(), RunRequest{Tickers: []string{"UP"}, Index: index})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = engine.Run(context.Background(), RunRequest{
		Tickers:    []string{"UP"},
		Scorer:     weightScorer(nil, time.Time{}),
		Candidates: ListGenerator{trendHeavy},
		Index:      index,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientData))
}

func TestAssessRobustness(t *testing.T) {
	period := func(train, test float64, w weights.Vector) PeriodResult {
		return PeriodResult{
			Optimization: &OptimizationResult{
				Weights:      w,
				TrainMetrics: &backtest.Metrics{Sharpe: backtest.Value(train)},
			},
			TestMetrics: &backtest.Metrics{Sharpe: backtest.Value(test)},
		}
	}
	r := AssessRobustness([]PeriodResult{
		period(2, 1.8, trendHeavy),
		period(2, 1, trendHeavy),
		period(1, -1, trendHeavy),
		{NoSignal: true},
	})
	assert.Equal(t, 3, r.ComparedPeriods)
	assert.InDelta(t, 0.7, r.Efficiency.Value, 1e-9)
	assert.InDelta(t, 0.5, r.Consistency.Value, 1e-9)
	assert.InDelta(t, 0.35, r.Score.Value, 1e-9)
	assert.InDelta(t, (0.1+0.5+2)/3, r.Decay.Value, 1e-9)
	assert.InDelta(t, 1.0, r.WeightStability["trend_momentum"], 1e-12)

	empty := AssessRobustness(nil)
	assert.False(t, empty.Efficiency.Defined)
	assert.False(t, empty.Decay.Defined)
}

func TestExportWeights(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	path := suite.TempDir + "/out/weights.yaml"
	w := trendHeavy
	require.NoError(t, WriteWeightsFile(path, WeightsFile{Weights: &w}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "weights:")
	assert.Contains(t, string(data), "trend_momentum: 0.6")

	loaded, err := LoadWeightsFile(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Weights)
	assert.Equal(t, trendHeavy, *loaded.Weights)

	regimePath := suite.TempDir + "/regime.yaml"
	require.NoError(t, WriteWeightsFile(regimePath, WeightsFile{Optimized: &RegimeVectors{BullMarket: trendHeavy, BearMarket: volumeHeavy}}))
	loaded, err = LoadWeightsFile(regimePath)
	require.NoError(t, err)
	assert.Equal(t, volumeHeavy, loaded.Optimized.BearMarket)
	data, err = os.ReadFile(regimePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "optimized_weights:")

	assert.Error(t, WriteWeightsFile(path, WeightsFile{}))
	bad := weights.Vector{1, 1, 0, 0, 0}
	assert.Error(t, WriteWeightsFile(path, WeightsFile{Weights: &bad}))
}
