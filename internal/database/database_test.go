package database

import (
	"context"
	"database/sql/driver"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
	"stocktester/internal/strategy/weights"
	"stocktester/internal/testutils"
)

func TestConnectionString(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: 5432, User: "stock", Password: "secret", DBName: "runs", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=stock password=secret dbname=runs sslmode=disable", cfg.ConnectionString())

	cfg.DSN = "postgres://stock@db/runs"
	assert.Equal(t, "postgres://stock@db/runs", cfg.ConnectionString())
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{MaxOpen: 10}
	cfg.applyDefaults()

	assert.Equal(t, 10, cfg.MaxOpen)
	assert.Equal(t, 5, cfg.MaxIdle)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 15*time.Minute, cfg.ConnMaxIdleTime)
}

func newMockStore(t *testing.T) (*RunStore, sqlmock.Sqlmock) {
	suite := testutils.NewTestSuite(t, nil)
	t.Cleanup(suite.TearDown)

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return NewRunStore(sqlx.NewDb(mockDB, "postgres"), time.Second, suite.Logger), mock
}

var runRowColumns = []string{"id", "kind", "status", "tickers", "params", "summary",
	"validation", "error", "created_at", "started_at", "finished_at"}

func TestRunStoreCreateRun(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO runs").
		WithArgs("run-1", RunKindWalkForward, RunStatusPending, sqlmock.AnyArg(), "{}").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	run := &RunRecord{ID: "run-1", Tickers: []string{"AAPL", "MSFT"}}
	require.NoError(t, store.CreateRun(context.Background(), run))

	assert.Equal(t, RunStatusPending, run.Status)
	assert.Equal(t, RunKindWalkForward, run.Kind)
	assert.Equal(t, created, run.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRun(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runRowColumns).AddRow(
			"run-1", RunKindWalkForward, RunStatusRunning, "{AAPL,MSFT}", []byte(`{"objective":"sharpe"}`),
			nil, nil, "", created, started, nil))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT"}, run.Tickers)
	assert.JSONEq(t, `{"objective":"sharpe"}`, string(run.Params))
	assert.Nil(t, run.Summary)
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, started, *run.StartedAt)
	assert.Nil(t, run.FinishedAt)
	assert.False(t, run.Terminal())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRunNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM runs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(runRowColumns))

	_, err := store.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestRunStoreStatusTransitions(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE runs SET status").
		WithArgs(RunStatusRunning, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET status").
		WithArgs(RunStatusCompleted, jsonContains(`"periods":3`), nil, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkRunning(ctx, "run-1"))
	require.NoError(t, store.CompleteRun(ctx, "run-1", map[string]int{"periods": 3}, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreFailRunNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE runs SET status").
		WithArgs(RunStatusFailed, "[NO_SIGNAL] no data", "run-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.FailRun(context.Background(), "run-2", apperrors.NewAppError(apperrors.ErrCodeNoSignal, "no data", nil))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// jsonContains matches a JSON argument containing a fragment
type jsonContains string

func (a jsonContains) Match(v driver.Value) bool {
	str, ok := v.(string)
	return ok && strings.Contains(str, string(a))
}

func sampleResult() *optimizer.WalkForwardResult {
	day := func(d int) time.Time { return time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC) }
	return &optimizer.WalkForwardResult{
		Periods: []optimizer.PeriodResult{
			{
				Period: optimizer.Period{Index: 0, TrainFrom: day(1), TrainTo: day(10), TestFrom: day(11), TestTo: day(20)},
				Optimization: &optimizer.OptimizationResult{
					Weights:        weights.Vector{0.4, 0.2, 0.2, 0.1, 0.1},
					ObjectiveValue: backtest.Value(1.25),
				},
				TestMetrics: &backtest.Metrics{TotalTrades: 2},
				TestTrades: []backtest.TradeRecord{
					{Ticker: "AAPL", EntryDate: day(11), ExitDate: day(15), EntryPrice: 100, ExitPrice: 104,
						ReturnPct: 4, Score: 8.1, Signal: backtest.SignalStrongBuy, HoldingDays: 4},
					{Ticker: "MSFT", EntryDate: day(11), ExitDate: day(20), EntryPrice: 50, ExitPrice: 49,
						ReturnPct: -2, Score: 6.2, Signal: backtest.SignalBuy, HoldingDays: 9, Truncated: true},
				},
			},
			{
				Period:       optimizer.Period{Index: 1, TrainFrom: day(1), TrainTo: day(20), TestFrom: day(21), TestTo: day(30)},
				Optimization: &optimizer.OptimizationResult{NoSignal: true, ObjectiveValue: backtest.Undefined("no trades")},
				TestMetrics:  &backtest.Metrics{},
				NoSignal:     true,
			},
		},
	}
}

func TestRunStoreSaveResult(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	periods := mock.ExpectPrepare("INSERT INTO run_periods")
	trades := mock.ExpectPrepare("INSERT INTO run_trades")
	periods.ExpectExec().
		WithArgs("run-1", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			jsonContains(`"trend_momentum":0.4`), nil, 1.25, false, jsonContains(`"total_trades":2`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	trades.ExpectExec().
		WithArgs("run-1", 0, "AAPL", sqlmock.AnyArg(), sqlmock.AnyArg(), 100.0, 104.0, 4.0, 8.1,
			string(backtest.SignalStrongBuy), 4, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	trades.ExpectExec().
		WithArgs("run-1", 0, "MSFT", sqlmock.AnyArg(), sqlmock.AnyArg(), 50.0, 49.0, -2.0, 6.2,
			string(backtest.SignalBuy), 9, true).
		WillReturnResult(sqlmock.NewResult(2, 1))
	// 无信号周期不写权重与目标值
	periods.ExpectExec().
		WithArgs("run-1", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			nil, nil, nil, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveResult(context.Background(), "run-1", sampleResult()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreSaveResultRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	periods := mock.ExpectPrepare("INSERT INTO run_periods")
	mock.ExpectPrepare("INSERT INTO run_trades")
	periods.ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.SaveResult(context.Background(), "run-1", sampleResult())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDBQuery))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRunsAndTrades(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM runs ORDER BY created_at DESC LIMIT").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(runRowColumns).
			AddRow("run-2", RunKindOptimize, RunStatusCompleted, "{}", []byte("{}"), []byte(`{"periods":1}`),
				nil, "", created.Add(time.Hour), created, created.Add(2*time.Hour)).
			AddRow("run-1", RunKindWalkForward, RunStatusFailed, "{AAPL}", []byte("{}"), nil,
				nil, "boom", created, nil, created))

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.True(t, runs[0].Terminal())
	assert.Equal(t, "boom", runs[1].Error)
	assert.Nil(t, runs[1].StartedAt)

	mock.ExpectQuery("FROM run_trades").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"period_index", "ticker", "entry_date", "exit_date",
			"entry_price", "exit_price", "return_pct", "score", "signal", "holding_days", "truncated"}).
			AddRow(0, "AAPL", created, created.AddDate(0, 0, 20), 100.0, 110.0, 10.0, 8.5,
				string(backtest.SignalStrongBuy), 20, false))

	trades, err := store.ListTrades(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, backtest.SignalStrongBuy, trades[0].Signal)
	assert.Equal(t, 10.0, trades[0].ReturnPct)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresRoundTrip 需要真实数据库，通过 STOCKTESTER_TEST_DATABASE_DSN 启用
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("STOCKTESTER_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("STOCKTESTER_TEST_DATABASE_DSN not set")
	}

	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	ctx, cancel := testutils.TimeoutContext(30 * time.Second)
	defer cancel()

	db, err := NewConnection(ctx, &Config{DSN: dsn}, suite.Logger)
	require.NoError(t, err)

	migrator, err := NewMigrator(db)
	require.NoError(t, err)
	// 迁移器关闭时会一并关闭连接池
	defer migrator.Close()
	require.NoError(t, migrator.Up())

	version, err := migrator.Version()
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	store := NewRunStoreFromDB(db)
	id := uuid.NewString()
	require.NoError(t, store.CreateRun(ctx, &RunRecord{ID: id, Tickers: []string{"AAPL"}}))
	require.NoError(t, store.MarkRunning(ctx, id))
	require.NoError(t, store.SaveResult(ctx, id, sampleResult()))
	require.NoError(t, store.CompleteRun(ctx, id, map[string]int{"periods": 2}, nil))

	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)

	trades, err := store.ListTrades(ctx, id)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	stats := db.GetPoolStats()
	assert.Greater(t, stats.MaxOpenConnections, 0)
}
