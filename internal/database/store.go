package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
)

// Run statuses
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run kinds
const (
	RunKindWalkForward = "walk_forward"
	RunKindOptimize    = "optimize"
)

// RunRecord is one persisted walk-forward or optimization run
type RunRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Tickers    []string        `json:"tickers"`
	Params     json.RawMessage `json:"params,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Validation json.RawMessage `json:"validation,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the run has finished
func (r *RunRecord) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// runRow mirrors the runs table
type runRow struct {
	ID         string         `db:"id"`
	Kind       string         `db:"kind"`
	Status     string         `db:"status"`
	Tickers    pq.StringArray `db:"tickers"`
	Params     []byte         `db:"params"`
	Summary    []byte         `db:"summary"`
	Validation []byte         `db:"validation"`
	Error      string         `db:"error"`
	CreatedAt  time.Time      `db:"created_at"`
	StartedAt  sql.NullTime   `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

func (r runRow) record() RunRecord {
	rec := RunRecord{
		ID:         r.ID,
		Kind:       r.Kind,
		Status:     r.Status,
		Tickers:    []string(r.Tickers),
		Params:     r.Params,
		Summary:    r.Summary,
		Validation: r.Validation,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		rec.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		rec.FinishedAt = &t
	}
	return rec
}

const runColumns = `id, kind, status, tickers, params, summary, validation, error, created_at, started_at, finished_at`

// RunStore persists runs, their periods and their out-of-sample trades
type RunStore struct {
	db      *sqlx.DB
	timeout time.Duration
	log     logger.Logger
}

// NewRunStore creates a store over an sqlx handle
func NewRunStore(db *sqlx.DB, timeout time.Duration, log logger.Logger) *RunStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &RunStore{db: db, timeout: timeout, log: log}
}

// NewRunStoreFromDB wraps an open connection pool
func NewRunStoreFromDB(db *DB) *RunStore {
	return NewRunStore(sqlx.NewDb(db.DB, "postgres"), db.config.Timeout, db.log)
}

// CreateRun inserts a pending run
func (s *RunStore) CreateRun(ctx context.Context, run *RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := run.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	run.Params = params
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	if run.Kind == "" {
		run.Kind = RunKindWalkForward
	}

	query := `
		INSERT INTO runs (id, kind, status, tickers, params)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := s.db.QueryRowxContext(ctx, query,
		run.ID, run.Kind, run.Status, pq.Array(run.Tickers), string(params)).
		Scan(&run.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeConflict, "run already exists", run.ID, err)
		}
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to create run", err)
	}
	return nil
}

// MarkRunning moves a pending run to running
func (s *RunStore) MarkRunning(ctx context.Context, id string) error {
	query := `UPDATE runs SET status = $1, started_at = NOW() WHERE id = $2`
	return s.exec(ctx, id, query, RunStatusRunning, id)
}

// CompleteRun stores the summary and validation report of a finished run
func (s *RunStore) CompleteRun(ctx context.Context, id string, summary, validation any) error {
	summaryJSON, err := jsonArg(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	validationJSON, err := jsonArg(validation)
	if err != nil {
		return fmt.Errorf("failed to marshal validation: %w", err)
	}

	query := `
		UPDATE runs SET status = $1, summary = $2, validation = $3, finished_at = NOW()
		WHERE id = $4`
	return s.exec(ctx, id, query, RunStatusCompleted, summaryJSON, validationJSON, id)
}

// FailRun records the error that ended a run
func (s *RunStore) FailRun(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := `UPDATE runs SET status = $1, error = $2, finished_at = NOW() WHERE id = $3`
	return s.exec(ctx, id, query, RunStatusFailed, msg, id)
}

func (s *RunStore) exec(ctx context.Context, id, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to update run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "run not found", id, nil)
	}
	return nil
}

// SaveResult writes every period and its test trades in one transaction
func (s *RunStore) SaveResult(ctx context.Context, id string, result *optimizer.WalkForwardResult) error {
	if result == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(result.Periods)+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	periodStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO run_periods (run_id, period_index, train_from, train_to, test_from, test_to,
			weights, regime_weights, objective_value, no_signal, test_metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to prepare period insert", err)
	}
	defer periodStmt.Close()

	tradeStmt, err := tx.PreparexContext(ctx, `
		INSERT INTO run_trades (run_id, period_index, ticker, entry_date, exit_date, entry_price,
			exit_price, return_pct, score, signal, holding_days, truncated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to prepare trade insert", err)
	}
	defer tradeStmt.Close()

	trades := 0
	for _, pr := range result.Periods {
		row, err := newPeriodRow(pr)
		if err != nil {
			return err
		}
		p := pr.Period
		if _, err := periodStmt.ExecContext(ctx, id, p.Index, p.TrainFrom, p.TrainTo, p.TestFrom, p.TestTo,
			row.weights, row.regimeWeights, row.objective, pr.NoSignal, row.metrics); err != nil {
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBQuery,
				"failed to insert period", fmt.Sprintf("period %d", p.Index), err)
		}

		for _, tr := range pr.TestTrades {
			if _, err := tradeStmt.ExecContext(ctx, id, p.Index, tr.Ticker, tr.EntryDate, tr.ExitDate,
				tr.EntryPrice, tr.ExitPrice, tr.ReturnPct, tr.Score, string(tr.Signal),
				tr.HoldingDays, tr.Truncated); err != nil {
				return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBQuery,
					"failed to insert trade", fmt.Sprintf("period %d %s", p.Index, tr.Ticker), err)
			}
			trades++
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to commit run result", err)
	}

	s.log.Info("Run result saved", "run_id", id, "periods", len(result.Periods), "trades", trades)
	return nil
}

type periodRow struct {
	weights       any
	regimeWeights any
	objective     sql.NullFloat64
	metrics       any
}

func newPeriodRow(pr optimizer.PeriodResult) (periodRow, error) {
	var row periodRow
	var err error

	if opt := pr.Optimization; opt != nil {
		if !opt.NoSignal {
			if row.weights, err = jsonArg(opt.Weights); err != nil {
				return row, fmt.Errorf("failed to marshal weights: %w", err)
			}
		}
		if opt.ObjectiveValue.Defined {
			row.objective = sql.NullFloat64{Float64: opt.ObjectiveValue.Value, Valid: true}
		}
	}
	if pr.Regime != nil {
		if row.regimeWeights, err = jsonArg(pr.Regime); err != nil {
			return row, fmt.Errorf("failed to marshal regime weights: %w", err)
		}
	}
	if row.metrics, err = jsonArg(pr.TestMetrics); err != nil {
		return row, fmt.Errorf("failed to marshal test metrics: %w", err)
	}
	return row, nil
}

// GetRun loads a run by id
func (s *RunStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "run not found", id, err)
		}
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to get run", err)
	}
	rec := row.record()
	return &rec, nil
}

// ListRuns returns the most recent runs first
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT $1`, limit); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to list runs", err)
	}

	runs := make([]RunRecord, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.record())
	}
	return runs, nil
}

// tradeRow mirrors the run_trades table
type tradeRow struct {
	PeriodIndex int       `db:"period_index"`
	Ticker      string    `db:"ticker"`
	EntryDate   time.Time `db:"entry_date"`
	ExitDate    time.Time `db:"exit_date"`
	EntryPrice  float64   `db:"entry_price"`
	ExitPrice   float64   `db:"exit_price"`
	ReturnPct   float64   `db:"return_pct"`
	Score       float64   `db:"score"`
	Signal      string    `db:"signal"`
	HoldingDays int       `db:"holding_days"`
	Truncated   bool      `db:"truncated"`
}

// ListTrades returns the stored out-of-sample trades of a run in exit order
func (s *RunStore) ListTrades(ctx context.Context, id string) ([]backtest.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []tradeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT period_index, ticker, entry_date, exit_date, entry_price, exit_price,
			return_pct, score, signal, holding_days, truncated
		FROM run_trades
		WHERE run_id = $1
		ORDER BY exit_date, ticker`, id)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to list trades", err)
	}

	trades := make([]backtest.TradeRecord, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, backtest.TradeRecord{
			Ticker:      r.Ticker,
			EntryDate:   r.EntryDate,
			ExitDate:    r.ExitDate,
			EntryPrice:  r.EntryPrice,
			ExitPrice:   r.ExitPrice,
			ReturnPct:   r.ReturnPct,
			Score:       r.Score,
			Signal:      backtest.Signal(r.Signal),
			HoldingDays: r.HoldingDays,
			Truncated:   r.Truncated,
		})
	}
	return trades, nil
}

// jsonArg encodes v as a JSONB parameter, nil stays SQL NULL
func jsonArg(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
