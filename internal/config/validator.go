package config

import (
	"fmt"
	"strings"

	"stocktester/internal/cache"
	"stocktester/internal/logger"
	"stocktester/internal/strategy/optimizer"
)

// Validator 配置验证器
type Validator struct {
	config *Config
}

// NewValidator 创建配置验证器
func NewValidator(config *Config) *Validator {
	return &Validator{
		config: config,
	}
}

// Validate 验证配置，汇总所有错误
func (v *Validator) Validate() error {
	var errors []string

	checks := []struct {
		name string
		fn   func() error
	}{
		{"app", v.validateApp},
		{"logging", v.validateLogging},
		{"data", v.validateData},
		{"backtest", v.validateBacktest},
		{"scoring", v.validateScoring},
		{"optimizer", v.validateOptimizer},
		{"walk_forward", v.validateWalkForward},
		{"regime", v.validateRegime},
		{"validation", v.config.Validation.Validate},
		{"cache", v.validateCache},
		{"server", v.validateServer},
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", c.name, err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("配置验证失败:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

// validateApp 验证应用配置
func (v *Validator) validateApp() error {
	app := v.config.App

	if app.Name == "" {
		return fmt.Errorf("应用名称不能为空")
	}

	validEnvironments := []string{"development", "test", "staging", "production"}
	for _, env := range validEnvironments {
		if app.Environment == env {
			return nil
		}
	}
	return fmt.Errorf("无效的环境: %s, 有效值: %v", app.Environment, validEnvironments)
}

func (v *Validator) validateLogging() error {
	switch v.config.Logging.Level {
	case logger.LevelTrace, logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, logger.LevelError:
	default:
		return fmt.Errorf("无效的日志级别: %s", v.config.Logging.Level)
	}
	if v.config.Logging.Output == "file" && v.config.Logging.Filename == "" {
		return fmt.Errorf("文件输出需要指定 filename")
	}
	return nil
}

func (v *Validator) validateData() error {
	data := v.config.Data
	if data.IndexTicker == "" {
		return fmt.Errorf("index_ticker 不能为空")
	}
	if data.RateLimit < 0 {
		return fmt.Errorf("rate_limit 不能为负数")
	}
	if data.FactorMaxAge < 0 {
		return fmt.Errorf("factor_max_age 不能为负数")
	}
	if data.StartDate != "" {
		if _, _, err := v.config.DateRange(); err != nil {
			return err
		}
	}
	return nil
}

// validateBacktest 验证回测参数
func (v *Validator) validateBacktest() error {
	bt := v.config.Backtest
	if bt.HoldingPeriod <= 0 {
		return fmt.Errorf("持有期必须大于0: %d", bt.HoldingPeriod)
	}
	if bt.RebalanceFrequency <= 0 {
		return fmt.Errorf("调仓频率必须大于0: %d", bt.RebalanceFrequency)
	}
	if bt.TradingDaysPerYear <= 0 {
		return fmt.Errorf("年交易日数必须大于0")
	}
	return nil
}

func (v *Validator) validateScoring() error {
	return v.config.Scoring.Thresholds.Validate()
}

// validateOptimizer 验证优化器配置
func (v *Validator) validateOptimizer() error {
	opt := v.config.Optimizer
	if _, err := optimizer.ParseObjective(opt.Objective); err != nil {
		return err
	}
	if opt.Workers < 0 {
		return fmt.Errorf("并发数不能为负数")
	}
	grid, err := v.config.Candidates()
	if err != nil {
		return err
	}
	// 网格规模超过上限时在此处就报错
	if _, err := grid.Candidates(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateWalkForward() error {
	if err := v.config.WalkForward.Periods.Validate(); err != nil {
		return err
	}
	if v.config.WalkForward.PeriodWorkers < 0 {
		return fmt.Errorf("period_workers 不能为负数")
	}
	return nil
}

func (v *Validator) validateRegime() error {
	r := v.config.Regime
	if r.OptimizationLookback < 2 || r.ReportingLookback < 2 {
		return fmt.Errorf("regime lookback 必须至少为2")
	}
	return nil
}

func (v *Validator) validateCache() error {
	switch v.config.Cache.Backend {
	case cache.BackendMemory, "":
	case cache.BackendRedis:
		if v.config.Cache.Redis.Addr == "" {
			return fmt.Errorf("Redis地址不能为空")
		}
	default:
		return fmt.Errorf("未知的缓存类型: %s", v.config.Cache.Backend)
	}
	return nil
}

// validateServer 验证服务器配置
func (v *Validator) validateServer() error {
	server := v.config.Server

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", server.Port)
	}

	if server.ReadTimeout <= 0 {
		return fmt.Errorf("读取超时必须大于0")
	}

	if server.WriteTimeout <= 0 {
		return fmt.Errorf("写入超时必须大于0")
	}

	return nil
}
