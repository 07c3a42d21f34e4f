package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"PolySignals/internal/di"
	"PolySignals/pkg/config"
	"PolySignals/pkg/logger"
	"PolySignals/pkg/metrics"
)

var (
	configPath string
	envFiles   []string
	modeFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "polysignals",
	Short: "Prediction market signal engine",
	Long: `polysignals scans prediction markets for dislocations, publishes calibrated
signals to tiered subscribers, optionally trades them, and keeps a
hash-chained public track record of every outcome.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the track-record ledger",
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the ledger and check its hash chain",
	RunE:  runVerify,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil, "dotenv files loaded before POLYSIGNALS_* overrides")
	rootCmd.Flags().StringVar(&modeFlag, "mode", "", "operating mode: signals, trading or integrated")

	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(verifyCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithEnv(configPath, envFiles...)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	if modeFlag != "" {
		cfg.Mode = modeFlag
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Wire DI: Initialize all dependencies
	app, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("app initialization failed: %w", err)
	}

	// Run application (blocks until signal)
	return app.Run(cmd.Context())
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := di.ProvideLogger(cfg)
	if err != nil {
		return err
	}
	ch, err := di.ProvideClickHouseClient(cfg, l)
	if err != nil {
		return err
	}
	if ch != nil {
		defer ch.Close()
	}
	ledger, err := di.ProvideLedger(di.ProvideLedgerStore(cfg, ch, l), metrics.Nop{}, l)
	if err != nil {
		return fmt.Errorf("ledger verify: %w", err)
	}
	if err := ledger.Verify(cmd.Context()); err != nil {
		return fmt.Errorf("ledger verify: %w", err)
	}
	stats := ledger.Stats()
	l.Info("ledger.verify ok", logger.String("backend", cfg.Ledger.Backend), logger.Any("stats", stats))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
