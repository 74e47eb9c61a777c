package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stocktester/internal/config"
	"stocktester/internal/logger"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
	log logger.Logger
)

// rootCmd is the base command of the stocktester CLI
var rootCmd = &cobra.Command{
	Use:   "stocktester",
	Short: "Walk-forward weight optimization and statistical validation for equity scoring",
	Long: `stocktester optimizes the category weights of a composite equity score on
rolling training windows, tests the chosen weights on the following unseen
window, and checks whether the pooled out-of-sample trades beat chance.

Example usage:
  stocktester walkforward --config configs/config.yaml
  stocktester optimize --tickers AAPL,MSFT --start 2018-01-01 --end 2020-01-01
  stocktester serve --port 8080
  stocktester migrate up`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logger.LogLevel(logLevel)
		}
		log = logger.NewLogger(cfg.Logging)
		logger.SetGlobalLogger(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
