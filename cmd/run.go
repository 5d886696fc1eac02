package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/engine"
	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/report"
	"github.com/openfisc/taxrisk/internal/taxdata"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scoring pipeline once and print the result",
	Long: `Loads the configured source, fits the anomaly and risk models, and prints
the run summary and model info as JSON.

Examples:
  # Score the CSV directory from config.yaml
  taxrisk run

  # Score a different source without editing config
  TAXRISK_SOURCE_KIND=sqlite TAXRISK_SOURCE_PATH=./taxdata.db taxrisk run`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		ds, err := loadDataset(ctx, cfg)
		if err != nil {
			return err
		}

		eng := engine.New(cfg.Pipeline, nil)
		res, err := eng.Retrain(ctx, ds)
		if err != nil {
			return err
		}

		zap.L().Info("run complete",
			zap.String("run_id", res.RunID),
			zap.Int("taxpayers", len(res.Assessments)))

		out := struct {
			Info    model.ModelInfo `json:"info"`
			Summary report.Summary  `json:"summary"`
		}{
			Info:    res.Info,
			Summary: report.BuildSummary(eng.Snapshot().Dataset, res),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// loadDataset opens the configured source and reads the full dataset.
func loadDataset(ctx context.Context, cfg *config.Config) (*model.Dataset, error) {
	src, err := taxdata.Open(ctx, cfg.Source)
	if err != nil {
		return nil, err
	}
	defer src.Close() //nolint:errcheck
	return src.Load(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
