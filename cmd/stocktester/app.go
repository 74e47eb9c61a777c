package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stocktester/internal/cache"
	"stocktester/internal/config"
	"stocktester/internal/database"
	"stocktester/internal/logger"
	"stocktester/internal/market"
	"stocktester/internal/monitoring"
	"stocktester/internal/orchestrator"
	"stocktester/internal/strategy/optimizer"
	"stocktester/internal/strategy/scoring"
	"stocktester/internal/strategy/validation"
)

// app holds the services built from the configuration
type app struct {
	cfg      *config.Config
	log      logger.Logger
	metrics  *monitoring.Metrics
	cache    cache.Cache
	provider market.PriceProvider
	scorer   *scoring.CompositeScorer
	db       *database.DB
}

// newApp wires the price provider chain and the scorer. Metrics are
// collected only when withMetrics is set.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger, withMetrics bool) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if withMetrics && cfg.Metrics.Enabled {
		a.metrics = monitoring.NewMetrics(cfg.Metrics.Namespace)
	}

	c, err := cache.NewCache(ctx, cfg.Cache, log)
	if err != nil {
		return nil, err
	}
	a.cache = c

	// CSV -> 限流 -> 熔断 -> 缓存
	var provider market.PriceProvider = market.NewCSVProvider(cfg.Data.PriceDir)
	provider = market.NewRateLimitedProvider(provider, cfg.Data.RateLimit, cfg.Data.Burst)
	provider = market.NewBreakerProvider(provider, cfg.Data.Breaker)
	cached := cache.NewCachedProvider(provider, c, cfg.Cache.TTL, log)
	if a.metrics != nil {
		cached.WithRecorder(a.metrics)
	}
	a.provider = cached

	if cfg.Data.FactorFile == "" {
		a.Close()
		return nil, fmt.Errorf("data.factor_file is required")
	}
	factors, err := scoring.LoadFactorFile(cfg.Data.FactorFile, cfg.Data.FactorMaxAge)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load factor file: %w", err)
	}
	if a.scorer, err = scoring.NewCompositeScorer(factors, cfg.Scoring.Thresholds); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// connectDB opens the result database and applies pending migrations
func (a *app) connectDB(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.NewConnection(ctx, &a.cfg.Database, a.log)
	if err != nil {
		return nil, err
	}
	migrator, err := database.NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) engine(engineCfg optimizer.EngineConfig) *optimizer.Engine {
	engine := optimizer.NewEngine(a.provider, engineCfg, a.log)
	if a.metrics != nil {
		engine.WithObserver(a.metrics)
	}
	return engine
}

func (a *app) validator() (*validation.Validator, error) {
	return validation.NewValidator(a.cfg.Validation, a.log)
}

// runner builds a run orchestrator over store
func (a *app) runner(store orchestrator.Store, overrides runOverrides) (*orchestrator.Runner, error) {
	engineCfg, err := a.cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	validator, err := a.validator()
	if err != nil {
		return nil, err
	}
	candidates, err := a.cfg.Candidates()
	if err != nil {
		return nil, err
	}
	tickers, err := a.cfg.Tickers()
	if err != nil {
		return nil, err
	}
	start, end, err := a.cfg.DateRange()
	if err != nil {
		return nil, err
	}
	weightsOut := a.cfg.WalkForward.WeightsOutput
	if overrides.weightsOutput != "" {
		weightsOut = overrides.weightsOutput
	}

	runner := orchestrator.NewRunner(a.provider, a.engine(engineCfg), validator, a.scorer, candidates, store,
		orchestrator.RunnerConfig{
			IndexTicker:       a.cfg.Data.IndexTicker,
			Tickers:           tickers,
			Start:             start,
			End:               end,
			ReportingLookback: a.cfg.Regime.ReportingLookback,
			WeightsOutput:     weightsOut,
			MaxConcurrent:     overrides.maxConcurrent,
			Params:            engineCfg,
		}, a.log)
	if a.metrics != nil {
		runner.WithRecorder(a.metrics)
	}
	return runner, nil
}

// Close releases the cache and database
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("Failed to close cache", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

// runOverrides are command line values that replace configuration
type runOverrides struct {
	tickers       string
	start         string
	end           string
	weightsOutput string
	maxConcurrent int
}

// params converts the overrides to runner parameters
func (o runOverrides) params(trigger string) (orchestrator.RunParams, error) {
	params := orchestrator.RunParams{Trigger: trigger}
	for _, t := range strings.Split(o.tickers, ",") {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			params.Tickers = append(params.Tickers, t)
		}
	}
	var err error
	if o.start != "" {
		if params.Start, err = time.Parse(config.DateLayout, o.start); err != nil {
			return params, fmt.Errorf("invalid --start: %w", err)
		}
	}
	if o.end != "" {
		if params.End, err = time.Parse(config.DateLayout, o.end); err != nil {
			return params, fmt.Errorf("invalid --end: %w", err)
		}
	}
	return params, nil
}
