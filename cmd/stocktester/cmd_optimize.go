package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stocktester/internal/market"
	"stocktester/internal/market/regime"
	"stocktester/internal/strategy/backtest"
	"stocktester/internal/strategy/optimizer"
)

// optimizeCmd runs one in-sample grid search over the whole range
var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Search the weight grid on a single window without out-of-sample testing",
	Long: `Evaluate every candidate weight vector on the full date range and rank
them by the configured objective. The result is in-sample only; use
walkforward to measure out-of-sample performance.

Examples:
  stocktester optimize --start 2018-01-01 --end 2020-01-01
  stocktester optimize --by-regime --weights-out optimized_weights.yaml`,
	RunE: runOptimize,
}

var (
	optOverrides runOverrides
	optByRegime  bool
	optFormat    string
)

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().StringVar(&optOverrides.tickers, "tickers", "", "Comma separated tickers (default: configured universe)")
	optimizeCmd.Flags().StringVar(&optOverrides.start, "start", "", "Window start date YYYY-MM-DD")
	optimizeCmd.Flags().StringVar(&optOverrides.end, "end", "", "Window end date YYYY-MM-DD (exclusive)")
	optimizeCmd.Flags().StringVar(&optOverrides.weightsOutput, "weights-out", "", "Write the best weights to this YAML file")
	optimizeCmd.Flags().BoolVar(&optByRegime, "by-regime", false, "Also search bull and bear entry dates separately")
	optimizeCmd.Flags().StringVar(&optFormat, "format", "text", "Output format: text, json")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := optOverrides.params("cli")
	if err != nil {
		return err
	}
	if len(params.Tickers) == 0 {
		if params.Tickers, err = cfg.Tickers(); err != nil {
			return err
		}
	}
	start, end, err := cfg.DateRange()
	if err != nil && (params.Start.IsZero() || params.End.IsZero()) {
		return err
	}
	if !params.Start.IsZero() {
		start = params.Start
	}
	if !params.End.IsZero() {
		end = params.End
	}

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	candidates, err := cfg.Candidates()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer a.Close()

	index, cal, err := market.LoadCalendar(ctx, a.provider, cfg.Data.IndexTicker, start, end)
	if err != nil {
		return err
	}
	snapshot, missing, err := market.Snapshot(ctx, a.provider, params.Tickers, cal[0], cal.DateAt(len(cal)))
	if err != nil {
		return err
	}
	for t, err := range missing {
		log.Warn("Ticker excluded from search", "ticker", t, "error", err)
	}

	opt := optimizer.NewOptimizer(backtest.NewSimulator(snapshot, cal, log), optimizer.Config{
		Tickers:            params.Tickers,
		Scorer:             a.scorer,
		HoldingPeriod:      engineCfg.HoldingPeriod,
		RebalanceFrequency: engineCfg.RebalanceFrequency,
		Metrics:            engineCfg.Metrics,
		Workers:            engineCfg.CandidateWorkers,
		TopN:               engineCfg.TopN,
	}, log)

	window := optimizer.TrainWindow{Window: backtest.Window{Start: cal[0], End: cal.DateAt(len(cal))}}
	res, err := opt.GridSearch(ctx, window, candidates, engineCfg.Objective)
	if err != nil {
		return err
	}

	var byRegime *optimizer.RegimeResult
	if optByRegime && !res.NoSignal {
		series, err := regime.Classify(index, engineCfg.OptimizationLookback)
		if err != nil {
			return err
		}
		if byRegime, err = opt.OptimizeByRegime(ctx, window, candidates, engineCfg.Objective, series); err != nil {
			return err
		}
	}

	if optOverrides.weightsOutput != "" && !res.NoSignal {
		export := optimizer.WeightsFile{Weights: &res.Weights}
		if byRegime != nil {
			sel := byRegime.Selector(nil, res.Weights)
			export = optimizer.WeightsFile{Optimized: &optimizer.RegimeVectors{BullMarket: sel.Bull, BearMarket: sel.Bear}}
		}
		if err := optimizer.WriteWeightsFile(optOverrides.weightsOutput, export); err != nil {
			return err
		}
		log.Info("Weights written", "path", optOverrides.weightsOutput)
	}

	if res.NoSignal {
		fmt.Fprintln(os.Stderr, "warning: no candidate produced a trade in the window")
	}
	return writeOptimization(os.Stdout, optFormat, res, byRegime)
}
