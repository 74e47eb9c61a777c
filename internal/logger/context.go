package logger

import "context"

type contextKey string

const (
	runIDKey  contextKey = "run_id"
	periodKey contextKey = "period"
)

// ContextWithRunID 在上下文中携带运行ID
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// ContextWithPeriod 在上下文中携带walk-forward周期序号
func ContextWithPeriod(ctx context.Context, period int) context.Context {
	return context.WithValue(ctx, periodKey, period)
}

// RunIDFromContext 读取运行ID
func RunIDFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(runIDKey).(string)
	return runID
}

// PeriodFromContext 读取walk-forward周期序号
func PeriodFromContext(ctx context.Context) (int, bool) {
	period, ok := ctx.Value(periodKey).(int)
	return period, ok
}
