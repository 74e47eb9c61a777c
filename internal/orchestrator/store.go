package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stocktester/internal/database"
	apperrors "stocktester/internal/errors"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
)

// MemoryStore keeps runs in process memory. It backs the service when no
// database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*database.RunRecord
	order  []string
	trades map[string][]backtest.TradeRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*database.RunRecord),
		trades: make(map[string][]backtest.TradeRecord),
	}
}

// CreateRun stores a new run
func (s *MemoryStore) CreateRun(ctx context.Context, run *database.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeConflict, "run already exists", run.ID, nil)
	}
	if run.Status == "" {
		run.Status = database.RunStatusPending
	}
	run.CreatedAt = time.Now()
	rec := *run
	s.runs[run.ID] = &rec
	s.order = append(s.order, run.ID)
	return nil
}

func (s *MemoryStore) update(id string, fn func(*database.RunRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "run not found", id, nil)
	}
	fn(run)
	return nil
}

// MarkRunning moves a run to running
func (s *MemoryStore) MarkRunning(ctx context.Context, id string) error {
	return s.update(id, func(run *database.RunRecord) {
		now := time.Now()
		run.Status = database.RunStatusRunning
		run.StartedAt = &now
	})
}

// SaveResult keeps the out-of-sample trades of a run
func (s *MemoryStore) SaveResult(ctx context.Context, id string, result *optimizer.WalkForwardResult) error {
	if result == nil {
		return nil
	}
	return s.update(id, func(*database.RunRecord) {
		s.trades[id] = result.Trades()
	})
}

// CompleteRun stores the summary and validation report
func (s *MemoryStore) CompleteRun(ctx context.Context, id string, summary, validation any) error {
	summaryJSON, err := marshalOptional(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	validationJSON, err := marshalOptional(validation)
	if err != nil {
		return fmt.Errorf("failed to marshal validation: %w", err)
	}
	return s.update(id, func(run *database.RunRecord) {
		now := time.Now()
		run.Status = database.RunStatusCompleted
		run.Summary = summaryJSON
		run.Validation = validationJSON
		run.FinishedAt = &now
	})
}

// FailRun records the error that ended a run
func (s *MemoryStore) FailRun(ctx context.Context, id string, cause error) error {
	return s.update(id, func(run *database.RunRecord) {
		now := time.Now()
		run.Status = database.RunStatusFailed
		if cause != nil {
			run.Error = cause.Error()
		}
		run.FinishedAt = &now
	})
}

// GetRun returns a copy of a run
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*database.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "run not found", id, nil)
	}
	rec := *run
	return &rec, nil
}

// ListRuns returns the most recent runs first
func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]database.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	runs := make([]database.RunRecord, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, *s.runs[s.order[i]])
	}
	return runs, nil
}

// ListTrades returns the stored out-of-sample trades of a run
func (s *MemoryStore) ListTrades(ctx context.Context, id string) ([]backtest.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[id]; !ok {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "run not found", id, nil)
	}
	return s.trades[id], nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
