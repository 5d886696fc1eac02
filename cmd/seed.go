package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/seed"
	"github.com/openfisc/taxrisk/internal/taxdata"
)

var (
	seedOut   string
	seedStore string
	seedValue int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write a deterministic sample dataset",
	Long: `Generates a synthetic taxpayer population with a handful of fraud-profile
taxpayers and a partial audit history, then writes it as the CSV files the
csv source reads, or directly into a SQLite database. The same seed always
produces the same dataset.

Examples:
  taxrisk seed --out ./data
  taxrisk seed --out ./data --seed 7
  taxrisk seed --store ./taxrisk.db`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ds := seed.Generate(seedValue)

		if seedStore != "" {
			store, err := taxdata.NewSQLite(seedStore)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			if err := store.ImportDataset(cmd.Context(), ds); err != nil {
				return err
			}
		} else {
			if err := seed.WriteCSV(ds, seedOut); err != nil {
				return err
			}
		}

		dest := seedOut
		if seedStore != "" {
			dest = seedStore
		}
		zap.L().Info("seed complete",
			zap.String("dest", dest),
			zap.Int64("seed", seedValue),
			zap.Int("taxpayers", len(ds.Taxpayers)),
			zap.Int("returns", len(ds.Returns)),
			zap.Int("audits", len(ds.Audits)))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedOut, "out", "./data", "output directory for CSV files")
	seedCmd.Flags().StringVar(&seedStore, "store", "", "write into a SQLite database at this path instead of CSV")
	seedCmd.Flags().Int64Var(&seedValue, "seed", 42, "random seed")
	rootCmd.AddCommand(seedCmd)
}
