package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocktester/internal/config"
	apperrors "stocktester/internal/errors"
	"stocktester/internal/market"
	"stocktester/internal/orchestrator"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
	"stocktester/internal/strategy/weights"
	"stocktester/internal/testutils"
)

func TestRunOverridesParams(t *testing.T) {
	params, err := runOverrides{tickers: " aapl, msft,,nvda ", start: "2018-01-02", end: "2020-01-01"}.params("cli")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, params.Tickers)
	assert.Equal(t, testutils.Date("2018-01-02"), params.Start)
	assert.Equal(t, testutils.Date("2020-01-01"), params.End)
	assert.Equal(t, "cli", params.Trigger)

	params, err = runOverrides{}.params("cli")
	require.NoError(t, err)
	assert.Empty(t, params.Tickers)
	assert.True(t, params.Start.IsZero())

	_, err = runOverrides{start: "01/02/2018"}.params("cli")
	assert.Error(t, err)
}

func TestWriteOptimization(t *testing.T) {
	best := weights.Vector{0.3, 0.15, 0.22, 0.18, 0.15}
	res := &optimizer.OptimizationResult{
		Weights:             best,
		Objective:           optimizer.ObjectiveSharpe,
		ObjectiveValue:      backtest.Value(1.25),
		CandidatesEvaluated: 3,
		Top: []optimizer.CandidateResult{{
			Weights:   best,
			Objective: backtest.Value(1.25),
			Metrics:   &backtest.Metrics{TotalTrades: 12, WinRate: backtest.Value(58.3)},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, writeOptimization(&buf, "text", res, nil))
	assert.Contains(t, buf.String(), "ALL DATES (3 candidates, objective sharpe)")
	assert.Contains(t, buf.String(), "1.2500")

	buf.Reset()
	require.NoError(t, writeOptimization(&buf, "json", res, nil))
	assert.Contains(t, buf.String(), `"candidates_evaluated": 3`)

	assert.Error(t, writeOptimization(&buf, "xml", res, nil))

	buf.Reset()
	require.NoError(t, writeOptimization(&buf, "text", &optimizer.OptimizationResult{NoSignal: true, Objective: optimizer.ObjectiveSharpe}, nil))
	assert.Contains(t, buf.String(), "no candidate produced a trade")
}

func TestAppRunnerRejectsUnknownObjective(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	c := config.Default()
	c.Optimizer.Objective = "profit"
	a := &app{cfg: c, log: suite.Logger, provider: market.NewMemoryProvider()}

	runner, err := a.runner(orchestrator.NewMemoryStore(), runOverrides{})
	require.Error(t, err)
	assert.Nil(t, runner)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeParameterInvalid))
	assert.Contains(t, err.Error(), `"profit"`)
}
