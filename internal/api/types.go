package api

import (
	"strconv"
	"strings"
	"time"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/orchestrator"
	"stocktester/internal/strategy/backtest"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// CreateRunRequest starts a walk-forward run. Empty fields fall back to the
// configured universe and date range.
type CreateRunRequest struct {
	Tickers []string `json:"tickers"`
	// Start and End use YYYY-MM-DD
	Start string `json:"start"`
	End   string `json:"end"`
}

// Params converts the request to runner parameters
func (r CreateRunRequest) Params() (orchestrator.RunParams, error) {
	params := orchestrator.RunParams{Trigger: "api"}
	for _, t := range r.Tickers {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			params.Tickers = append(params.Tickers, t)
		}
	}

	var err error
	if r.Start != "" {
		if params.Start, err = time.Parse(time.DateOnly, r.Start); err != nil {
			return params, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
				"invalid start date", r.Start, err)
		}
	}
	if r.End != "" {
		if params.End, err = time.Parse(time.DateOnly, r.End); err != nil {
			return params, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
				"invalid end date", r.End, err)
		}
	}
	return params, nil
}

// TradesResponse lists the out-of-sample trades of a run
type TradesResponse struct {
	RunID  string                 `json:"run_id"`
	Count  int                    `json:"count"`
	Trades []backtest.TradeRecord `json:"trades"`
}

// filterTrades keeps trades of one ticker and signal when those are set
func filterTrades(trades []backtest.TradeRecord, ticker, signal string) []backtest.TradeRecord {
	if ticker == "" && signal == "" {
		return trades
	}
	out := make([]backtest.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if ticker != "" && !strings.EqualFold(t.Ticker, ticker) {
			continue
		}
		if signal != "" && !strings.EqualFold(string(t.Signal), signal) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return 0, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
			"limit must be between 1 and 500", raw, nil)
	}
	return n, nil
}
