package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stocktester/internal/cache"
	"stocktester/internal/database"
	"stocktester/internal/logger"
	"stocktester/internal/market"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
	"stocktester/internal/strategy/scoring"
	"stocktester/internal/strategy/validation"
)

// DateLayout is the layout of dates in configuration files
const DateLayout = "2006-01-02"

// Config represents the application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Logging     logger.Config     `yaml:"logging"`
	Data        DataConfig        `yaml:"data"`
	Universe    UniverseConfig    `yaml:"universe"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	WalkForward WalkForwardConfig `yaml:"walk_forward"`
	Regime      RegimeConfig      `yaml:"regime"`
	Validation  validation.Config `yaml:"validation"`
	Cache       cache.Settings    `yaml:"cache"`
	Database    database.Config   `yaml:"database"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// DataConfig describes where history and factor scores come from
type DataConfig struct {
	PriceDir     string               `yaml:"price_dir"`
	IndexTicker  string               `yaml:"index_ticker"`
	FactorFile   string               `yaml:"factor_file"`
	FactorMaxAge time.Duration        `yaml:"factor_max_age"`
	StartDate    string               `yaml:"start_date"`
	EndDate      string               `yaml:"end_date"`
	RateLimit    float64              `yaml:"rate_limit"`
	Burst        int                  `yaml:"burst"`
	Breaker      market.BreakerConfig `yaml:"breaker"`
}

// UniverseConfig lists the tickers to test, inline or one per line in File
type UniverseConfig struct {
	Tickers []string `yaml:"tickers"`
	File    string   `yaml:"file"`
}

// BacktestConfig represents trade simulation configuration
type BacktestConfig struct {
	HoldingPeriod      int     `yaml:"holding_period"`
	RebalanceFrequency int     `yaml:"rebalance_frequency"`
	TradingDaysPerYear float64 `yaml:"trading_days_per_year"`
	// RiskFreeRate is an annual rate in percent
	RiskFreeRate float64 `yaml:"risk_free_rate"`
}

// ScoringConfig represents composite scorer configuration
type ScoringConfig struct {
	Thresholds scoring.Thresholds `yaml:"thresholds"`
}

// OptimizerConfig represents weight search configuration
type OptimizerConfig struct {
	Objective     string               `yaml:"objective"`
	Grid          map[string][]float64 `yaml:"grid"`
	SumTolerance  float64              `yaml:"sum_tolerance"`
	MaxCandidates int                  `yaml:"max_candidates"`
	Workers       int                  `yaml:"workers"`
	TopN          int                  `yaml:"top_n"`
}

// WalkForwardConfig represents walk-forward configuration
type WalkForwardConfig struct {
	Periods       optimizer.PeriodConfig `yaml:",inline"`
	PeriodWorkers int                    `yaml:"period_workers"`
	RegimeAware   bool                   `yaml:"regime_aware"`
	WeightsOutput string                 `yaml:"weights_output"`
}

// RegimeConfig represents market regime configuration
type RegimeConfig struct {
	OptimizationLookback int `yaml:"optimization_lookback"`
	ReportingLookback    int `yaml:"reporting_lookback"`
}

// MetricsConfig represents Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// SchedulerConfig represents periodic re-validation configuration
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Spec is a cron expression with a seconds field
	Spec string `yaml:"spec"`
}

// Default 返回默认配置
func Default() *Config {
	logging := logger.DefaultConfig
	return &Config{
		App:     AppConfig{Name: "stocktester", Version: "1.0.0", Environment: "development"},
		Logging: logging,
		Data: DataConfig{
			PriceDir:    "data/prices",
			IndexTicker: "^GSPC",
			Burst:       1,
		},
		Backtest: BacktestConfig{
			HoldingPeriod:      60,
			RebalanceFrequency: 30,
			TradingDaysPerYear: 252,
		},
		Scoring: ScoringConfig{Thresholds: scoring.DefaultThresholds()},
		Optimizer: OptimizerConfig{
			Objective:     string(optimizer.ObjectiveSharpe),
			SumTolerance:  optimizer.DefaultSumTolerance,
			MaxCandidates: optimizer.DefaultMaxCandidates,
			TopN:          5,
		},
		WalkForward: WalkForwardConfig{Periods: optimizer.DefaultPeriodConfig()},
		Regime:      RegimeConfig{OptimizationLookback: 200, ReportingLookback: 200},
		Validation:  validation.DefaultConfig(),
		Cache: cache.Settings{
			Backend: cache.BackendMemory,
			MaxSize: 10000,
			TTL:     24 * time.Hour,
			Redis:   cache.Config{Addr: "localhost:6379", PoolSize: 10},
		},
		Database: database.Config{
			Host:    "localhost",
			Port:    5432,
			User:    "stocktester",
			DBName:  "stocktester",
			SSLMode: "disable",
			MaxOpen: 10,
			MaxIdle: 2,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "stocktester"},
		Server: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Scheduler: SchedulerConfig{Spec: "0 0 18 * * 1-5"},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads the file, applies .env and STOCKTESTER_* overrides and
// validates the result
func LoadConfig(filename string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load(filepath.Join(filepath.Dir(filename), ".env"))

	config, err := Load(filename)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(NewEnvManager(""))

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides selected settings from the environment
func (c *Config) ApplyEnv(env *EnvManager) {
	c.App.Environment = env.GetString("APP_ENVIRONMENT", c.App.Environment)
	c.Logging.Level = logger.LogLevel(env.GetString("LOG_LEVEL", string(c.Logging.Level)))
	c.Logging.Format = logger.LogFormat(env.GetString("LOG_FORMAT", string(c.Logging.Format)))

	c.Data.PriceDir = env.GetString("DATA_PRICE_DIR", c.Data.PriceDir)
	c.Data.FactorFile = env.GetString("DATA_FACTOR_FILE", c.Data.FactorFile)
	c.Data.StartDate = env.GetString("DATA_START_DATE", c.Data.StartDate)
	c.Data.EndDate = env.GetString("DATA_END_DATE", c.Data.EndDate)

	c.Optimizer.Objective = env.GetString("OPTIMIZER_OBJECTIVE", c.Optimizer.Objective)
	c.Optimizer.Workers = env.GetInt("OPTIMIZER_WORKERS", c.Optimizer.Workers)
	c.WalkForward.RegimeAware = env.GetBool("WALKFORWARD_REGIME_AWARE", c.WalkForward.RegimeAware)
	c.Validation.Seed = uint64(env.GetInt("VALIDATION_SEED", int(c.Validation.Seed)))

	c.Cache.Backend = env.GetString("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.Redis.Addr = env.GetString("REDIS_ADDR", c.Cache.Redis.Addr)
	c.Cache.Redis.Password = env.GetString("REDIS_PASSWORD", c.Cache.Redis.Password)

	c.Database.Host = env.GetString("DATABASE_HOST", c.Database.Host)
	c.Database.Port = env.GetInt("DATABASE_PORT", c.Database.Port)
	c.Database.User = env.GetString("DATABASE_USER", c.Database.User)
	c.Database.Password = env.GetString("DATABASE_PASSWORD", c.Database.Password)
	c.Database.DBName = env.GetString("DATABASE_NAME", c.Database.DBName)
	c.Database.SSLMode = env.GetString("DATABASE_SSLMODE", c.Database.SSLMode)

	c.Server.Host = env.GetString("SERVER_HOST", c.Server.Host)
	c.Server.Port = env.GetInt("SERVER_PORT", c.Server.Port)
	c.Scheduler.Enabled = env.GetBool("SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.Spec = env.GetString("SCHEDULER_SPEC", c.Scheduler.Spec)
}

// ValidateConfig validates a configuration
func ValidateConfig(config *Config) error {
	return NewValidator(config).Validate()
}

// DateRange parses the configured history range. A missing end means today.
func (c *Config) DateRange() (time.Time, time.Time, error) {
	if c.Data.StartDate == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("data.start_date is required")
	}
	start, err := time.Parse(DateLayout, c.Data.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid data.start_date: %w", err)
	}
	end := market.Day(time.Now()).AddDate(0, 0, 1)
	if c.Data.EndDate != "" {
		if end, err = time.Parse(DateLayout, c.Data.EndDate); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid data.end_date: %w", err)
		}
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("data.start_date must precede data.end_date")
	}
	return start, end, nil
}

// Tickers returns the inline universe followed by tickers read from
// Universe.File, de-duplicated in order
func (c *Config) Tickers() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range c.Universe.Tickers {
		add(t)
	}
	if c.Universe.File != "" {
		f, err := os.Open(c.Universe.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open universe file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			// 兼容 CSV：取第一列
			add(strings.Split(line, ",")[0])
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read universe file: %w", err)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("universe is empty")
	}
	return out, nil
}

// MetricsSettings builds the metrics configuration
func (c *Config) MetricsSettings() backtest.MetricsConfig {
	return backtest.MetricsConfig{
		HoldingPeriod:      c.Backtest.HoldingPeriod,
		RebalanceFrequency: c.Backtest.RebalanceFrequency,
		TradingDaysPerYear: c.Backtest.TradingDaysPerYear,
		RiskFreeRate:       c.Backtest.RiskFreeRate,
	}
}

// EngineConfig builds the walk-forward engine configuration
func (c *Config) EngineConfig() (optimizer.EngineConfig, error) {
	objective, err := optimizer.ParseObjective(c.Optimizer.Objective)
	if err != nil {
		return optimizer.EngineConfig{}, err
	}
	return optimizer.EngineConfig{
		Periods:              c.WalkForward.Periods,
		HoldingPeriod:        c.Backtest.HoldingPeriod,
		RebalanceFrequency:   c.Backtest.RebalanceFrequency,
		Objective:            objective,
		Metrics:              c.MetricsSettings(),
		CandidateWorkers:     c.Optimizer.Workers,
		PeriodWorkers:        c.WalkForward.PeriodWorkers,
		RegimeAware:          c.WalkForward.RegimeAware,
		OptimizationLookback: c.Regime.OptimizationLookback,
		ReportingLookback:    c.Regime.ReportingLookback,
		TopN:                 c.Optimizer.TopN,
	}, nil
}

// Candidates builds the weight grid; an empty grid selects the default
func (c *Config) Candidates() (*optimizer.GridGenerator, error) {
	if len(c.Optimizer.Grid) == 0 {
		g := optimizer.DefaultGrid()
		if c.Optimizer.SumTolerance > 0 {
			g.Tolerance = c.Optimizer.SumTolerance
		}
		if c.Optimizer.MaxCandidates > 0 {
			g.MaxCandidates = c.Optimizer.MaxCandidates
		}
		return g, nil
	}
	return optimizer.GridFromMap(c.Optimizer.Grid, c.Optimizer.SumTolerance, c.Optimizer.MaxCandidates)
}
