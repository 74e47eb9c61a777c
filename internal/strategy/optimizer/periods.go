package optimizer

import (
	"fmt"
	"time"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/market"
	"stocktester/internal/strategy/backtest"
)

// PeriodConfig sizes walk-forward windows in trading days
type PeriodConfig struct {
	InitialTrainSpan int `yaml:"initial_train_span" json:"initial_train_span"`
	TestSpan         int `yaml:"test_span" json:"test_span"`
	Step             int `yaml:"step" json:"step"`
}

// DefaultPeriodConfig 默认窗口：两年训练、一年测试、按年滚动
func DefaultPeriodConfig() PeriodConfig {
	return PeriodConfig{InitialTrainSpan: 504, TestSpan: 252, Step: 252}
}

// Validate checks spans. Step must cover the test span so test windows
// never overlap.
func (c PeriodConfig) Validate() error {
	switch {
	case c.InitialTrainSpan <= 0:
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"initial train span must be positive", fmt.Sprint(c.InitialTrainSpan), nil)
	case c.TestSpan <= 0:
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"test span must be positive", fmt.Sprint(c.TestSpan), nil)
	case c.Step < c.TestSpan:
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
			"step must be at least the test span", fmt.Sprintf("step=%d test_span=%d", c.Step, c.TestSpan), nil)
	}
	return nil
}

// Period is one train/test split. Indices are half-open positions in the
// trading calendar; End dates are exclusive bounds.
type Period struct {
	Index      int       `json:"index"`
	TrainStart int       `json:"train_start"`
	TrainEnd   int       `json:"train_end"`
	TestStart  int       `json:"test_start"`
	TestEnd    int       `json:"test_end"`
	TrainFrom  time.Time `json:"train_from"`
	TrainTo    time.Time `json:"train_to"`
	TestFrom   time.Time `json:"test_from"`
	TestTo     time.Time `json:"test_to"`
}

// TrainWindow returns the training window of the period
func (p Period) TrainWindow() backtest.Window {
	return backtest.Window{Start: p.TrainFrom, End: p.TrainTo}
}

// TestWindow returns the out-of-sample window of the period
func (p Period) TestWindow() backtest.Window {
	return backtest.Window{Start: p.TestFrom, End: p.TestTo}
}

// DroppedTail describes trailing history too short for a full test window
type DroppedTail struct {
	TrainEnd      int       `json:"train_end"`
	AvailableDays int       `json:"available_days"`
	From          time.Time `json:"from"`
}

// GeneratePeriods builds expanding-window periods over the calendar.
// Period k trains on [0, initial+k*step) and tests on the following
// test_span days. Generation stops when a test window would run past the
// calendar; the partial remainder is reported, never used.
func GeneratePeriods(cal market.Calendar, cfg PeriodConfig) ([]Period, *DroppedTail, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	n := len(cal)
	if cfg.InitialTrainSpan+cfg.TestSpan > n {
		return nil, nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInsufficientData,
			"history shorter than one train and test window",
			fmt.Sprintf("have %d days, need %d", n, cfg.InitialTrainSpan+cfg.TestSpan), nil)
	}

	var periods []Period
	var tail *DroppedTail
	for k := 0; ; k++ {
		trainEnd := cfg.InitialTrainSpan + k*cfg.Step
		testEnd := trainEnd + cfg.TestSpan
		if testEnd > n {
			if trainEnd < n {
				tail = &DroppedTail{TrainEnd: trainEnd, AvailableDays: n - trainEnd, From: cal[trainEnd]}
			}
			break
		}
		periods = append(periods, Period{
			Index:      k,
			TrainStart: 0,
			TrainEnd:   trainEnd,
			TestStart:  trainEnd,
			TestEnd:    testEnd,
			TrainFrom:  cal[0],
			TrainTo:    cal.DateAt(trainEnd),
			TestFrom:   cal[trainEnd],
			TestTo:     cal.DateAt(testEnd),
		})
	}

	if err := ValidatePeriods(periods); err != nil {
		return nil, nil, err
	}
	return periods, tail, nil
}

// ValidatePeriods enforces causal ordering: every test window starts at or
// after its own train end, train ends never shrink and test windows never
// overlap. A violation is a LOOK_AHEAD_VIOLATION.
func ValidatePeriods(periods []Period) error {
	violation := func(p Period, format string, args ...interface{}) error {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeLookAhead,
			"walk-forward periods violate causal ordering", fmt.Sprintf(format, args...), nil).
			WithContext("period", p.Index)
	}
	for i, p := range periods {
		if p.TrainStart >= p.TrainEnd || p.TestStart >= p.TestEnd {
			return violation(p, "period %d has an empty window", p.Index)
		}
		if p.TestStart < p.TrainEnd {
			return violation(p, "period %d test starts at %d before train end %d", p.Index, p.TestStart, p.TrainEnd)
		}
		if !p.TestFrom.IsZero() && p.TestFrom.Before(p.TrainTo) {
			return violation(p, "period %d test date %s precedes train end %s", p.Index,
				p.TestFrom.Format("2006-01-02"), p.TrainTo.Format("2006-01-02"))
		}
		if i == 0 {
			continue
		}
		prev := periods[i-1]
		if p.TrainEnd < prev.TrainEnd {
			return violation(p, "period %d train end %d shrinks from %d", p.Index, p.TrainEnd, prev.TrainEnd)
		}
		if p.TestStart < prev.TestEnd {
			return violation(p, "period %d test window overlaps period %d", p.Index, prev.Index)
		}
	}
	return nil
}
