package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/api"
	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/engine"
	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/monitoring"
)

// calibrationDebounce absorbs the event bursts editors produce when they
// replace a file.
const calibrationDebounce = 200 * time.Millisecond

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve risk scores and the audit queue over HTTP",
	Long: `Fits the models on the configured source, then serves scores, anomalies,
and the audit priority queue over HTTP. Optionally retrains on a cron
schedule and hot-reloads a calibration file when it changes.

Examples:
  # Serve on the configured port
  taxrisk serve

  # Retrain nightly at 02:00
  TAXRISK_RETRAIN_SCHEDULE="0 2 * * *" taxrisk serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		metrics := monitoring.NewMetrics()
		eng := engine.New(cfg.Pipeline, metrics)
		load := func(ctx context.Context) (*model.Dataset, error) {
			return loadDataset(ctx, cfg)
		}

		// Initial fit. Refusing to start without a scored population beats
		// serving 503s until the first scheduled retrain.
		ds, err := load(ctx)
		if err != nil {
			return err
		}
		if _, err := eng.Retrain(ctx, ds); err != nil {
			return err
		}

		if cfg.CalibrationFile != "" {
			if err := applyCalibration(eng, cfg.CalibrationFile); err != nil {
				return err
			}
			go watchCalibration(ctx, cfg.CalibrationFile, eng)
		}

		if cfg.RetrainSchedule != "" {
			if _, err := cron.ParseStandard(cfg.RetrainSchedule); err != nil {
				return model.NewError(model.CodeConfiguration,
					eris.Wrapf(err, "serve: retrain schedule %q", cfg.RetrainSchedule))
			}
			c := cron.New()
			_, _ = c.AddFunc(cfg.RetrainSchedule, func() {
				scheduledRetrain(ctx, eng, load)
			})
			c.Start()
			defer func() { <-c.Stop().Done() }()
			zap.L().Info("serve: retrain schedule active", zap.String("schedule", cfg.RetrainSchedule))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.NewServer(cfg.Server, eng, metrics, load).Router(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("serve: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("serve: listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "serve: listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func applyCalibration(eng *engine.Engine, path string) error {
	cal, err := config.LoadCalibration(path)
	if err != nil {
		return err
	}
	if err := eng.Recalibrate(cal.Thresholds, cal.Recommendations); err != nil {
		return err
	}
	zap.L().Info("serve: calibration applied",
		zap.String("file", path),
		zap.Float64("critical", cal.Thresholds.Critical),
		zap.Float64("high", cal.Thresholds.High),
		zap.Float64("medium", cal.Thresholds.Medium))
	return nil
}

// watchCalibration reapplies the calibration file whenever it changes. The
// watch sits on the parent directory because editors replace files by rename,
// which drops a watch placed on the file itself. A rejected file is logged
// and the previous calibration stays active.
func watchCalibration(ctx context.Context, path string, eng *engine.Engine) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("serve: calibration watcher", zap.Error(err))
		return
	}
	defer watcher.Close() //nolint:errcheck

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		zap.L().Error("serve: watch calibration dir", zap.Error(err))
		return
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		if err := applyCalibration(eng, path); err != nil {
			zap.L().Error("serve: calibration reload rejected", zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(calibrationDebounce, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Warn("serve: calibration watcher error", zap.Error(err))
		}
	}
}

func scheduledRetrain(ctx context.Context, eng *engine.Engine, load api.LoadFunc) {
	ds, err := load(ctx)
	if err != nil {
		zap.L().Error("serve: scheduled load failed", zap.Error(err))
		return
	}
	if _, err := eng.Retrain(ctx, ds); err != nil {
		zap.L().Error("serve: scheduled retrain failed", zap.Error(err))
	}
}
