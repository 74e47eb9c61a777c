package middleware

import (
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stocktester/internal/errors"
	"stocktester/internal/logger"
)

const requestIDKey = "request_id"

// RequestID 为每个请求分配ID，优先使用客户端传入的 X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger 记录每个请求的方法、路径、状态和耗时
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.LogRequest(log, logger.RequestInfo{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			StatusCode: c.Writer.Status(),
			Latency:    time.Since(start),
			ClientIP:   c.ClientIP(),
			RequestID:  getRequestID(c),
		})
	}
}

// ErrorHandler 错误处理中间件，捕获 panic 并返回统一的错误响应
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("Panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		Abort(c, log, errors.NewAppError(errors.ErrCodeInternal, "Internal server error", nil))
	})
}

// Abort 将错误转换为应用错误，记录日志并返回统一响应
func Abort(c *gin.Context, log logger.Logger, err error) {
	if err == nil {
		return
	}

	appErr := errors.GetAppError(err)
	if appErr == nil {
		appErr = errors.WrapError(err, errors.ErrCodeInternal, "Internal server error")
	}
	if id := getRequestID(c); id != "" {
		appErr = appErr.WithContext(requestIDKey, id)
	}

	logError(c, log, appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.Request.URL.Path))
}

// logError 记录错误日志
func logError(c *gin.Context, log logger.Logger, err *errors.AppError) {
	fields := []interface{}{
		"error_code", err.Code,
		"message", err.Message,
		"severity", err.Severity,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"ip", c.ClientIP(),
	}
	if err.Details != "" {
		fields = append(fields, "details", err.Details)
	}
	if err.RunID != "" {
		fields = append(fields, "run_id", err.RunID)
	}
	if len(err.Context) > 0 {
		contextJSON, _ := json.Marshal(err.Context)
		fields = append(fields, "context", string(contextJSON))
	}
	if err.Cause != nil {
		fields = append(fields, "cause", err.Cause.Error())
	}

	// 根据严重程度选择日志级别
	switch err.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log.Error("Request failed", fields...)
	case errors.SeverityMedium:
		log.Warn("Request failed", fields...)
	default:
		log.Info("Request failed", fields...)
	}
}

// getRequestID 获取请求ID
func getRequestID(c *gin.Context) string {
	if rid := c.GetString(requestIDKey); rid != "" {
		return rid
	}
	return c.GetHeader("X-Request-ID")
}
