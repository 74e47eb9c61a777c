package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 日志级别
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat 日志格式
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

const defaultLogFile = "logs/stocktester.log"

// Config 日志配置，对应配置文件的 logging 段
type Config struct {
	Level      LogLevel  `yaml:"level" json:"level"`
	Format     LogFormat `yaml:"format" json:"format"`
	Output     string    `yaml:"output" json:"output"`           // stdout, stderr, file, discard
	Filename   string    `yaml:"filename" json:"filename"`       // output=file 时的路径
	MaxSize    int       `yaml:"max_size" json:"max_size"`       // MB
	MaxAge     int       `yaml:"max_age" json:"max_age"`         // 天
	MaxBackups int       `yaml:"max_backups" json:"max_backups"` // 保留的轮转文件数
	Compress   bool      `yaml:"compress" json:"compress"`
	Caller     bool      `yaml:"caller" json:"caller"`
	Timestamp  bool      `yaml:"timestamp" json:"timestamp"`
}

// DefaultConfig 默认配置
var DefaultConfig = Config{
	Level:      LevelInfo,
	Format:     FormatJSON,
	Output:     "stdout",
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 10,
	Compress:   true,
	Timestamp:  true,
}

// Logger is the structured logger used across the engine. Fields are given
// as alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	// WithContext attaches the run ID and walk-forward period carried by ctx
	WithContext(ctx context.Context) Logger
}

// StructuredLogger 基于 logrus 的实现
type StructuredLogger struct {
	entry *logrus.Entry
}

// NewLogger 创建新的日志器
func NewLogger(config Config) Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(string(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(newFormatter(config))
	l.SetOutput(newOutput(config))
	l.SetReportCaller(config.Caller)

	return &StructuredLogger{entry: logrus.NewEntry(l)}
}

func newFormatter(config Config) logrus.Formatter {
	caller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	if config.Format == FormatJSON {
		return &logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			DisableTimestamp: !config.Timestamp,
			CallerPrettyfier: caller,
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    config.Timestamp,
		DisableTimestamp: !config.Timestamp,
		TimestampFormat:  time.RFC3339,
		CallerPrettyfier: caller,
	}
}

// newOutput 选择输出目标，文件输出由 lumberjack 轮转
func newOutput(config Config) io.Writer {
	switch config.Output {
	case "stderr":
		return os.Stderr
	case "discard":
		return io.Discard
	case "file":
		filename := config.Filename
		if filename == "" {
			filename = defaultLogFile
		}
		if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log directory, logging to stdout: %v\n", err)
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}
	default:
		return os.Stdout
	}
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.log(logrus.DebugLevel, msg, fields)
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.log(logrus.InfoLevel, msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.log(logrus.WarnLevel, msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.log(logrus.ErrorLevel, msg, fields)
}

func (l *StructuredLogger) WithField(key string, value interface{}) Logger {
	return &StructuredLogger{entry: l.entry.WithField(key, value)}
}

func (l *StructuredLogger) WithFields(fields map[string]interface{}) Logger {
	return &StructuredLogger{entry: l.entry.WithFields(fields)}
}

func (l *StructuredLogger) WithContext(ctx context.Context) Logger {
	entry := l.entry.WithContext(ctx)
	if runID := RunIDFromContext(ctx); runID != "" {
		entry = entry.WithField("run_id", runID)
	}
	if period, ok := PeriodFromContext(ctx); ok {
		entry = entry.WithField("period", period)
	}
	return &StructuredLogger{entry: entry}
}

// log 将 key/value 对转换为字段；非字符串键和落单的键被忽略
func (l *StructuredLogger) log(level logrus.Level, msg string, kv []interface{}) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	entry := l.entry
	if len(kv) > 1 {
		fields := make(logrus.Fields, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if key, ok := kv[i].(string); ok {
				fields[key] = kv[i+1]
			}
		}
		entry = entry.WithFields(fields)
	}
	entry.Log(level, msg)
}

var globalLogger = NewLogger(DefaultConfig)

// SetGlobalLogger 设置全局日志器，由 CLI 在加载配置后调用
func SetGlobalLogger(logger Logger) {
	globalLogger = logger
}

// GetGlobalLogger 获取全局日志器，未注入日志器的组件使用它
func GetGlobalLogger() Logger {
	return globalLogger
}

// RequestInfo HTTP请求信息
type RequestInfo struct {
	Method     string
	Path       string
	StatusCode int
	Latency    time.Duration
	ClientIP   string
	RequestID  string
}

// LogRequest logs a finished HTTP request. Server errors log at error,
// client errors at warn and everything else at debug.
func LogRequest(l Logger, info RequestInfo) {
	fields := []interface{}{
		"method", info.Method,
		"path", info.Path,
		"status", info.StatusCode,
		"duration", info.Latency.String(),
		"client_ip", info.ClientIP,
	}
	if info.RequestID != "" {
		fields = append(fields, "request_id", info.RequestID)
	}

	switch {
	case info.StatusCode >= 500:
		l.Error("HTTP request", fields...)
	case info.StatusCode >= 400:
		l.Warn("HTTP request", fields...)
	default:
		l.Debug("HTTP request", fields...)
	}
}

// PerformanceLogger times engine operations (grid searches, walk-forward
// runs) and escalates the level when they run long
type PerformanceLogger struct {
	logger    Logger
	warnAfter time.Duration
	errAfter  time.Duration
}

func NewPerformanceLogger(logger Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger:    logger,
		warnAfter: 5 * time.Minute,
		errAfter:  30 * time.Minute,
	}
}

// WithThresholds 设置告警阈值
func (pl *PerformanceLogger) WithThresholds(warnAfter, errAfter time.Duration) *PerformanceLogger {
	pl.warnAfter = warnAfter
	pl.errAfter = errAfter
	return pl
}

// LogPerformance 记录一次操作的耗时
func (pl *PerformanceLogger) LogPerformance(operation string, duration time.Duration, fields map[string]interface{}) {
	l := pl.logger.WithFields(fields).WithFields(map[string]interface{}{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	msg := fmt.Sprintf("%s finished in %s", operation, duration.Round(time.Millisecond))

	switch {
	case duration > pl.errAfter:
		l.Error(msg)
	case duration > pl.warnAfter:
		l.Warn(msg)
	default:
		l.Info(msg)
	}
}

// Track 返回一个在调用时记录耗时的函数
func (pl *PerformanceLogger) Track(operation string, fields map[string]interface{}) func() {
	start := time.Now()
	return func() {
		pl.LogPerformance(operation, time.Since(start), fields)
	}
}
