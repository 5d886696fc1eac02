package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/engine"
	"github.com/openfisc/taxrisk/internal/model"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Rank taxpayers into an audit priority queue",
	Long: `Runs the scoring pipeline over the configured source and prints the top of
the audit priority queue, ordered by risk score with anomaly score and
taxpayer id as tie-breaks.

Examples:
  # Top 20 audit candidates as a table
  taxrisk queue

  # Full population to CSV
  taxrisk queue --top 0 --format csv --output queue.csv`,
	RunE: runQueue,
}

func init() {
	f := queueCmd.Flags()
	f.Int("top", 20, "number of queue entries to print (0=all)")
	f.String("format", "table", "output format: table or csv")
	f.String("output", "", "output file path (default: stdout)")
	rootCmd.AddCommand(queueCmd)
}

func runQueue(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("queue"); err != nil {
		return err
	}

	top, _ := cmd.Flags().GetInt("top")
	format, _ := cmd.Flags().GetString("format")
	outputPath, _ := cmd.Flags().GetString("output")

	if top < 0 {
		return eris.Errorf("queue: --top must be >= 0 (got %d)", top)
	}
	if format != "table" && format != "csv" {
		return eris.Errorf("queue: --format must be table or csv (got %q)", format)
	}

	ds, err := loadDataset(ctx, cfg)
	if err != nil {
		return err
	}

	res, err := engine.Run(ctx, ds, cfg.Pipeline)
	if err != nil {
		return err
	}

	zap.L().Info("queue ranked",
		zap.String("run_id", res.RunID),
		zap.Int("population", len(res.Queue)))

	entries := res.Queue
	if top > 0 && top < len(entries) {
		entries = entries[:top]
	}

	if err := outputQueue(entries, format, outputPath); err != nil {
		return err
	}
	if outputPath == "" && format == "table" {
		printQueueSummary(res.Queue)
	}
	return nil
}

func outputQueue(entries []model.QueueEntry, format, outputPath string) error {
	var w *os.File
	if outputPath != "" {
		var err error
		w, err = os.Create(outputPath)
		if err != nil {
			return eris.Wrapf(err, "queue: create output file %s", outputPath)
		}
		defer w.Close() //nolint:errcheck
	} else {
		w = os.Stdout
	}

	switch format {
	case "csv":
		return writeQueueCSV(w, entries)
	case "table":
		return writeQueueTable(w, entries)
	default:
		return eris.Errorf("queue: unsupported format %q", format)
	}
}

func writeQueueCSV(w *os.File, entries []model.QueueEntry) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"rank", "taxpayer_id", "business_name", "industry_name",
		"risk_level", "risk_score", "anomaly_score", "recommendation"}
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "queue: write CSV header")
	}

	for _, e := range entries {
		row := []string{
			fmt.Sprintf("%d", e.Rank),
			e.TaxpayerID,
			e.BusinessName,
			e.IndustryName,
			string(e.RiskLevel),
			fmt.Sprintf("%.4f", e.RiskScore),
			fmt.Sprintf("%.4f", e.AnomalyScore),
			e.Recommendation,
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "queue: write CSV row")
		}
	}
	return nil
}

func writeQueueTable(w *os.File, entries []model.QueueEntry) error {
	header := fmt.Sprintf("%-5s %-10s %-36s %-26s %-8s %6s %8s\n",
		"Rank", "ID", "Business Name", "Industry", "Level", "Risk", "Anomaly")
	if _, err := fmt.Fprint(w, header); err != nil {
		return eris.Wrap(err, "queue: write table header")
	}
	if _, err := fmt.Fprintln(w, strings.Repeat("-", 104)); err != nil {
		return eris.Wrap(err, "queue: write table separator")
	}

	for _, e := range entries {
		name := e.BusinessName
		if len(name) > 36 {
			name = name[:33] + "..."
		}
		industry := e.IndustryName
		if len(industry) > 26 {
			industry = industry[:23] + "..."
		}
		line := fmt.Sprintf("%-5d %-10s %-36s %-26s %-8s %6.3f %8.3f\n",
			e.Rank, e.TaxpayerID, name, industry, e.RiskLevel, e.RiskScore, e.AnomalyScore)
		if _, err := fmt.Fprint(w, line); err != nil {
			return eris.Wrap(err, "queue: write table row")
		}
	}
	return nil
}

func printQueueSummary(entries []model.QueueEntry) {
	if len(entries) == 0 {
		fmt.Println("No taxpayers ranked.")
		return
	}
	counts := make(map[model.RiskLevel]int)
	var sum float64
	for _, e := range entries {
		counts[e.RiskLevel]++
		sum += e.RiskScore
	}
	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Ranked:        %d\n", len(entries))
	for _, level := range []model.RiskLevel{model.RiskCritical, model.RiskHigh, model.RiskMedium, model.RiskLow} {
		fmt.Printf("%-14s %d\n", string(level)+":", counts[level])
	}
	fmt.Printf("Average risk:  %.3f\n", sum/float64(len(entries)))
}
