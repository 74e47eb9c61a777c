package optimizer

import (
	"fmt"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/strategy/backtest"
)

// Objective names the metric a grid search maximizes
type Objective string

const (
	ObjectiveSharpe     Objective = "sharpe"
	ObjectiveWinRate    Objective = "win_rate"
	ObjectiveMeanReturn Objective = "mean_return"
	ObjectiveSortino    Objective = "sortino"
	ObjectiveCalmar     Objective = "calmar"
)

// Objectives lists the supported objectives
func Objectives() []Objective {
	return []Objective{ObjectiveSharpe, ObjectiveWinRate, ObjectiveMeanReturn, ObjectiveSortino, ObjectiveCalmar}
}

// ParseObjective parses an objective name. An empty name selects Sharpe.
func ParseObjective(name string) (Objective, error) {
	if name == "" {
		return ObjectiveSharpe, nil
	}
	for _, o := range Objectives() {
		if string(o) == name {
			return o, nil
		}
	}
	return "", apperrors.NewAppErrorWithDetails(apperrors.ErrCodeParameterInvalid,
		"unknown objective", fmt.Sprintf("%q", name), nil)
}

// Evaluate extracts the objective value from metrics
func (o Objective) Evaluate(m *backtest.Metrics) backtest.Metric {
	switch o {
	case ObjectiveWinRate:
		return m.WinRate
	case ObjectiveMeanReturn:
		return m.MeanReturn
	case ObjectiveSortino:
		return m.Sortino
	case ObjectiveCalmar:
		return m.Calmar
	default:
		return m.Sharpe
	}
}
