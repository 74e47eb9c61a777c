package backtest

import (
	"context"
	"fmt"
	"time"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/market"
)

// SimulationRequest describes one simulation over a window
type SimulationRequest struct {
	Tickers            []string
	Scorer             Scorer
	Weights            WeightSelector
	HoldingPeriod      int
	RebalanceFrequency int
	Window             Window
	Filter             EntryFilter
}

// Validate checks the request parameters
func (r *SimulationRequest) Validate() error {
	switch {
	case r.Scorer == nil:
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "scorer is required", nil)
	case r.Weights == nil:
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "weight selector is required", nil)
	case r.HoldingPeriod <= 0:
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"holding period must be positive", fmt.Sprint(r.HoldingPeriod), nil)
	case r.RebalanceFrequency <= 0:
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"rebalance frequency must be positive", fmt.Sprint(r.RebalanceFrequency), nil)
	case !r.Window.Start.Before(r.Window.End):
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "window start must precede end", nil)
	}
	return nil
}

// SimulationResult holds the trades and skip diagnostics of a run
type SimulationResult struct {
	Trades         []TradeRecord `json:"trades"`
	Diagnostics    []Diagnostic  `json:"diagnostics,omitempty"`
	RebalanceDates []time.Time   `json:"rebalance_dates"`
}

// Simulator replays a scoring function over a trading calendar with a
// fixed holding period
type Simulator struct {
	provider market.PriceProvider
	calendar market.Calendar
	log      logger.Logger
}

// NewSimulator creates a simulator. Prices are only ever requested for the
// simulated window, so nothing after the window end can influence a run.
func NewSimulator(provider market.PriceProvider, calendar market.Calendar, log logger.Logger) *Simulator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Simulator{
		provider: provider,
		calendar: calendar,
		log:      log,
	}
}

// Calendar returns the trading calendar
func (s *Simulator) Calendar() market.Calendar {
	return s.calendar
}

// Run runs the simulation
func (s *Simulator) Run(ctx context.Context, req SimulationRequest) (*SimulationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	result := &SimulationResult{}
	days := s.calendar.Between(req.Window.Start, req.Window.End)
	if len(days) == 0 {
		return result, nil
	}

	// 加载窗口内价格
	prices := make(map[string]*market.PriceSeries, len(req.Tickers))
	for _, ticker := range req.Tickers {
		series, err := s.provider.GetPrices(ctx, ticker, req.Window.Start, req.Window.End)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				Ticker: ticker, Stage: StagePrices, Message: err.Error(),
			})
			continue
		}
		prices[ticker] = series
	}

	openUntil := make(map[string]time.Time, len(prices))
	for i := 0; i < len(days); i += req.RebalanceFrequency {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		date := days[i]
		result.RebalanceDates = append(result.RebalanceDates, date)
		w := req.Weights.WeightsFor(date)

		for _, ticker := range req.Tickers {
			series, ok := prices[ticker]
			if !ok {
				continue
			}
			if exit, busy := openUntil[ticker]; busy && date.Before(exit) {
				continue
			}
			if req.Filter != nil && !req.Filter(ticker, date) {
				continue
			}

			score, err := req.Scorer.Score(ctx, ticker, date, w)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				result.Diagnostics = append(result.Diagnostics, Diagnostic{
					Ticker: ticker, Date: date, Stage: StageScore, Message: err.Error(),
				})
				continue
			}
			if !score.Signal.IsBuy() {
				continue
			}

			trade, diag := s.openTrade(series, days, i, req.HoldingPeriod, score)
			if diag != nil {
				result.Diagnostics = append(result.Diagnostics, *diag)
				continue
			}
			result.Trades = append(result.Trades, trade)
			openUntil[ticker] = trade.ExitDate
		}
	}

	for _, d := range result.Diagnostics {
		s.log.Debug("Simulation skipped", "ticker", d.Ticker, "stage", d.Stage, "date", d.Date, "reason", d.Message)
	}
	return result, nil
}

// openTrade builds the trade entered on days[i]. The exit is holdingPeriod
// trading days later; when the window or the ticker's history ends first the
// last close after entry is used and the trade is marked truncated.
func (s *Simulator) openTrade(series *market.PriceSeries, days market.Calendar, i, holdingPeriod int, score Score) (TradeRecord, *Diagnostic) {
	date := days[i]
	skip := func(stage, format string, args ...interface{}) (TradeRecord, *Diagnostic) {
		return TradeRecord{}, &Diagnostic{
			Ticker: series.Ticker, Date: date, Stage: stage, Message: fmt.Sprintf(format, args...),
		}
	}

	entry, ok := series.CloseOn(date)
	if !ok {
		return skip(StageEntry, "missing close on entry date")
	}
	if entry <= 0 {
		return skip(StageEntry, "non-positive entry price %g", entry)
	}

	trade := TradeRecord{
		Ticker:      series.Ticker,
		EntryDate:   date,
		EntryPrice:  entry,
		Score:       score.Value,
		Signal:      score.Signal,
		HoldingDays: holdingPeriod,
	}

	last := series.Bars[len(series.Bars)-1]
	j := i + holdingPeriod
	switch {
	case j < len(days) && !days[j].After(last.Date):
		exit, ok := series.CloseOn(days[j])
		if !ok {
			return skip(StageExit, "missing close on exit date %s", days[j].Format("2006-01-02"))
		}
		trade.ExitDate, trade.ExitPrice = days[j], exit
	case !last.Date.After(date):
		return skip(StageExit, "no price after entry")
	default:
		// 窗口结束或该股票数据提前结束（如退市）
		trade.ExitDate, trade.ExitPrice = last.Date, last.Close
		trade.Truncated = true
		trade.HoldingDays = days.Search(last.Date) - i
	}
	if trade.ExitPrice <= 0 {
		return skip(StageExit, "non-positive exit price %g", trade.ExitPrice)
	}

	trade.ReturnPct = (trade.ExitPrice/trade.EntryPrice - 1) * 100
	return trade, nil
}
