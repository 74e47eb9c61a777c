package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stocktester/internal/database"
	"stocktester/internal/orchestrator"
)

// walkforwardCmd runs one walk-forward and prints its validation report
var walkforwardCmd = &cobra.Command{
	Use:   "walkforward",
	Short: "Run a walk-forward optimization and validate the out-of-sample trades",
	Long: `Split the history into rolling train/test periods, search the weight grid on
each training window, simulate the chosen weights on the test window and run
the significance tests on the pooled out-of-sample trades.

Examples:
  stocktester walkforward
  stocktester walkforward --tickers AAPL,MSFT,NVDA --start 2015-01-01
  stocktester walkforward --regime-aware --weights-out optimized_weights.yaml
  stocktester walkforward --save --format json --output report.json`,
	RunE: runWalkForward,
}

var (
	wfOverrides   runOverrides
	wfRegimeAware bool
	wfSave        bool
	wfFormat      string
	wfOutput      string
)

func init() {
	rootCmd.AddCommand(walkforwardCmd)

	walkforwardCmd.Flags().StringVar(&wfOverrides.tickers, "tickers", "", "Comma separated tickers (default: configured universe)")
	walkforwardCmd.Flags().StringVar(&wfOverrides.start, "start", "", "History start date YYYY-MM-DD")
	walkforwardCmd.Flags().StringVar(&wfOverrides.end, "end", "", "History end date YYYY-MM-DD (exclusive)")
	walkforwardCmd.Flags().StringVar(&wfOverrides.weightsOutput, "weights-out", "", "Write the latest chosen weights to this YAML file")
	walkforwardCmd.Flags().BoolVar(&wfRegimeAware, "regime-aware", false, "Optimize bull and bear weights separately")
	walkforwardCmd.Flags().BoolVar(&wfSave, "save", false, "Persist the run to the configured database")
	walkforwardCmd.Flags().StringVar(&wfFormat, "format", "text", "Output format: text, json")
	walkforwardCmd.Flags().StringVar(&wfOutput, "output", "", "Write the report to a file instead of stdout")
}

func runWalkForward(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if wfRegimeAware {
		cfg.WalkForward.RegimeAware = true
	}
	params, err := wfOverrides.params("cli")
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var store orchestrator.Store = orchestrator.NewMemoryStore()
	if wfSave {
		db, err := a.connectDB(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		store = database.NewRunStoreFromDB(db)
	}

	runner, err := a.runner(store, wfOverrides)
	if err != nil {
		return err
	}

	out, err := runner.Execute(ctx, params)
	if err != nil {
		return err
	}

	w := os.Stdout
	if wfOutput != "" {
		f, err := os.Create(wfOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeWalkForward(w, wfFormat, out)
}
