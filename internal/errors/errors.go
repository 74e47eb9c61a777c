package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode 定义错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"
	ErrCodeCanceled     ErrorCode = "CANCELED"

	// 数据库错误
	ErrCodeDBConnection ErrorCode = "DB_CONNECTION_ERROR"
	ErrCodeDBQuery      ErrorCode = "DB_QUERY_ERROR"
	ErrCodeDBMigration  ErrorCode = "DB_MIGRATION_ERROR"

	// 缓存错误
	ErrCodeCacheConnection ErrorCode = "CACHE_CONNECTION_ERROR"
	ErrCodeCacheOperation  ErrorCode = "CACHE_OPERATION_ERROR"
	ErrCodeCacheMiss       ErrorCode = "CACHE_MISS"

	// 回测与优化错误
	ErrCodeParameterInvalid   ErrorCode = "PARAMETER_INVALID"
	ErrCodeOptimizationFailed ErrorCode = "OPTIMIZATION_FAILED"
	ErrCodeLookAhead          ErrorCode = "LOOK_AHEAD_VIOLATION"
	ErrCodeNoSignal           ErrorCode = "NO_SIGNAL"
	ErrCodeInsufficientData   ErrorCode = "INSUFFICIENT_DATA"
	ErrCodeScoringFailed      ErrorCode = "SCORING_FAILED"

	// 市场数据错误
	ErrCodeMarketDataUnavailable ErrorCode = "MARKET_DATA_UNAVAILABLE"
	ErrCodeMarketDataInvalid     ErrorCode = "MARKET_DATA_INVALID"
	ErrCodeMarketDataTimeout     ErrorCode = "MARKET_DATA_TIMEOUT"
	ErrCodeCircuitOpen           ErrorCode = "CIRCUIT_OPEN"
)

// ErrorSeverity 定义错误严重程度
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError 应用错误结构
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeParameterInvalid:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeTimeout, ErrCodeMarketDataTimeout:
		return http.StatusRequestTimeout
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeInsufficientData, ErrCodeNoSignal:
		return http.StatusUnprocessableEntity
	case ErrCodeMarketDataUnavailable, ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError 创建新的应用错误
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails 创建带详细信息的应用错误
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// WithContext 添加上下文信息
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRunID 关联运行ID
func (e *AppError) WithRunID(runID string) *AppError {
	e.RunID = runID
	return e
}

// getSeverityByCode 根据错误代码确定严重程度
func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeDBConnection, ErrCodeLookAhead:
		return SeverityCritical
	case ErrCodeDBQuery, ErrCodeDBMigration, ErrCodeOptimizationFailed, ErrCodeNoSignal:
		return SeverityHigh
	case ErrCodeCacheConnection, ErrCodeCacheOperation, ErrCodeMarketDataUnavailable,
		ErrCodeMarketDataInvalid, ErrCodeCircuitOpen, ErrCodeScoringFailed:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable 判断错误是否可重试
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeDBConnection, ErrCodeCacheConnection,
		ErrCodeMarketDataTimeout, ErrCodeRateLimit, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, path string) *ErrorResponse {
	return &ErrorResponse{
		Error:     err,
		Success:   false,
		Timestamp: time.Now(),
		Path:      path,
	}
}

// WrapError 包装标准错误为应用错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，直接返回
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	return NewAppError(code, message, err)
}

// IsAppError 检查是否为应用错误
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError 获取应用错误，沿包装链查找
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode 判断错误链中是否包含指定代码
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
