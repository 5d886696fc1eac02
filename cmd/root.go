package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "taxrisk",
	Short: "Taxpayer compliance risk scoring pipeline",
	Long: "Derives compliance features from filed returns, flags anomalous filing patterns " +
		"with an isolation forest, scores audit risk with a boosted classifier trained on " +
		"audit history, and ranks taxpayers into an audit priority queue.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
