// Package engine orchestrates the scoring pipeline: integrity screening,
// feature derivation, the two model fits, and queue assembly. It owns the
// live snapshot the API and CLI serve from.
package engine

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openfisc/taxrisk/internal/anomaly"
	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/features"
	"github.com/openfisc/taxrisk/internal/model"
	"github.com/openfisc/taxrisk/internal/monitoring"
	"github.com/openfisc/taxrisk/internal/priority"
	"github.com/openfisc/taxrisk/internal/risk"
	"github.com/openfisc/taxrisk/internal/taxdata"
)

// ErrRetrainInFlight reports that a retrain is already holding the pipeline.
var ErrRetrainInFlight = eris.New("engine: retrain already in progress")

// Snapshot is one successful pipeline run: the screened dataset, the fitted
// models, the calibration they were leveled under, and everything they
// produced. Immutable once stored; retrains and recalibrations install a
// fresh snapshot rather than mutating the current one.
type Snapshot struct {
	Dataset         *model.Dataset
	Dropped         int
	Anomaly         *anomaly.Model
	Risk            *risk.Model
	Thresholds      config.ThresholdConfig
	Recommendations map[model.RiskLevel]string
	Result          *model.PipelineResult
}

// Engine runs the pipeline and publishes its output. Reads go through an
// atomic snapshot pointer and never block; retrains and recalibrations
// serialize on a mutex, so a failed run leaves the previous snapshot serving.
type Engine struct {
	pipeline config.PipelineConfig
	metrics  *monitoring.Metrics

	mu              sync.Mutex
	thresholds      config.ThresholdConfig
	recommendations map[model.RiskLevel]string
	current         atomic.Pointer[Snapshot]
}

// New returns an engine with no snapshot, leveled by the configured
// thresholds until a calibration file overrides them. Metrics may be nil.
func New(pipeline config.PipelineConfig, m *monitoring.Metrics) *Engine {
	return &Engine{
		pipeline:   pipeline,
		metrics:    m,
		thresholds: pipeline.RiskThresholds,
	}
}

// Snapshot returns the current snapshot, or nil before the first successful
// retrain.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Result returns the current run's output, or nil before the first
// successful retrain.
func (e *Engine) Result() *model.PipelineResult {
	if snap := e.current.Load(); snap != nil {
		return snap.Result
	}
	return nil
}

// Assessment returns the current assessment for one taxpayer. Fails with
// UNKNOWN_TAXPAYER for identifiers outside the scored population and with
// INSUFFICIENT_DATA before the first successful retrain.
func (e *Engine) Assessment(id string) (model.RiskAssessment, error) {
	snap := e.current.Load()
	if snap == nil {
		return model.RiskAssessment{}, model.Errorf(model.CodeInsufficientData,
			"engine: no model fitted yet")
	}
	a, ok := snap.Result.Assessments[id]
	if !ok {
		return model.RiskAssessment{}, model.Errorf(model.CodeUnknownTaxpayer,
			"engine: taxpayer %s not in current population", id)
	}
	return a, nil
}

// Retrain runs the full pipeline over ds and installs the outcome as the new
// snapshot, blocking behind any run already in progress. On failure the
// previous snapshot keeps serving and the error carries the stage's code.
func (e *Engine) Retrain(ctx context.Context, ds *model.Dataset) (*model.PipelineResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retrainLocked(ctx, ds)
}

// TryRetrain is Retrain, except it fails fast with ErrRetrainInFlight instead
// of queueing behind a run already in progress.
func (e *Engine) TryRetrain(ctx context.Context, ds *model.Dataset) (*model.PipelineResult, error) {
	if !e.mu.TryLock() {
		return nil, ErrRetrainInFlight
	}
	defer e.mu.Unlock()
	return e.retrainLocked(ctx, ds)
}

func (e *Engine) retrainLocked(ctx context.Context, ds *model.Dataset) (*model.PipelineResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := zap.L().With(zap.String("run_id", runID))

	snap, err := e.run(ctx, runID, ds, log)
	if err != nil {
		e.metrics.ObserveRun("error", time.Since(start).Seconds())
		log.Error("engine: retrain failed", zap.Error(err))
		return nil, err
	}

	e.current.Store(snap)
	e.metrics.ObserveRun("ok", time.Since(start).Seconds())
	e.metrics.SetSnapshotStats(len(snap.Result.Assessments), flagged(snap.Result.Anomalies), snap.Dropped)

	log.Info("engine: retrain complete",
		zap.Int("taxpayers", len(snap.Result.Assessments)),
		zap.Int("dropped_records", snap.Dropped),
		zap.Duration("elapsed", time.Since(start)))
	return snap.Result, nil
}

func (e *Engine) run(ctx context.Context, runID string, ds *model.Dataset, log *zap.Logger) (*Snapshot, error) {
	clean, dropped := taxdata.Screen(ds)
	log.Info("engine: dataset screened",
		zap.Int("taxpayers", len(clean.Taxpayers)),
		zap.Int("returns", len(clean.Returns)),
		zap.Int("audits", len(clean.Audits)),
		zap.Int("dropped", dropped))

	feats, benches := features.Build(*clean)

	anomModel, err := anomaly.Fit(feats, benches, e.pipeline.AnomalyModel, e.pipeline.MinTrainingTaxpayers)
	if err != nil {
		return nil, err
	}
	anomalies, err := scoreAnomalies(ctx, anomModel, feats)
	if err != nil {
		return nil, err
	}
	log.Info("engine: anomaly stage complete",
		zap.Float64("cutoff", anomModel.Cutoff()),
		zap.Int("flagged", flagged(anomalies)))

	riskModel, err := risk.Fit(feats, anomalies, clean.Audits, e.pipeline.RiskModel, e.pipeline.MinLabeledTaxpayers)
	if err != nil {
		return nil, err
	}
	assessments, err := scoreAssessments(ctx, riskModel, feats, anomalies,
		e.thresholds, e.recommendations, clean.Taxpayers)
	if err != nil {
		return nil, err
	}
	log.Info("engine: risk stage complete",
		zap.Int("labeled", riskModel.LabeledCount()),
		zap.Int("positives", riskModel.PositiveCount()))

	fittedAt := time.Now().UTC()
	result := &model.PipelineResult{
		RunID:       runID,
		FittedAt:    fittedAt,
		Features:    feats,
		Benchmarks:  benches,
		Anomalies:   anomalies,
		Assessments: assessments,
		Queue:       priority.TopN(assessments, len(assessments)),
		Info: model.ModelInfo{
			RunID:             runID,
			FittedAt:          fittedAt,
			TrainingTaxpayers: anomModel.TrainingCount(),
			LabeledTaxpayers:  riskModel.LabeledCount(),
			PositiveLabels:    riskModel.PositiveCount(),
			FeatureImportance: riskModel.FeatureImportance(),
		},
	}

	return &Snapshot{
		Dataset:         clean,
		Dropped:         dropped,
		Anomaly:         anomModel,
		Risk:            riskModel,
		Thresholds:      e.thresholds,
		Recommendations: e.recommendations,
		Result:          result,
	}, nil
}

// Recalibrate re-levels the current assessments under new thresholds and
// recommendation overrides without refitting either model. Scores are
// unchanged; levels, recommendations, and the queue are rebuilt. Fails with
// CONFIGURATION_ERROR on an invalid threshold ordering, leaving the current
// snapshot serving. Called before the first retrain it only records the
// calibration for the runs that follow.
func (e *Engine) Recalibrate(thresholds config.ThresholdConfig, overrides map[model.RiskLevel]string) error {
	if err := config.ValidateThresholds(thresholds); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.thresholds = thresholds
	e.recommendations = overrides

	snap := e.current.Load()
	if snap == nil {
		return nil
	}

	assessments := make(map[string]model.RiskAssessment, len(snap.Result.Assessments))
	for id, a := range snap.Result.Assessments {
		a.RiskLevel = risk.LevelFor(a.RiskScore, thresholds)
		a.Recommendation = risk.Recommendation(a.RiskLevel, overrides)
		assessments[id] = a
	}

	result := *snap.Result
	result.Assessments = assessments
	result.Queue = priority.TopN(assessments, len(assessments))

	next := *snap
	next.Thresholds = thresholds
	next.Recommendations = overrides
	next.Result = &result
	e.current.Store(&next)

	zap.L().Info("engine: thresholds recalibrated",
		zap.Float64("critical", thresholds.Critical),
		zap.Float64("high", thresholds.High),
		zap.Float64("medium", thresholds.Medium))
	return nil
}

// Run executes the pipeline once over ds and returns the result. One-shot
// convenience for CLI paths; serving paths hold an Engine and retrain it.
func Run(ctx context.Context, ds *model.Dataset, pipeline config.PipelineConfig) (*model.PipelineResult, error) {
	return New(pipeline, nil).Retrain(ctx, ds)
}

// scoreAnomalies fans per-taxpayer scoring out across the CPUs. Scoring
// itself cannot fail; the only error is context cancellation.
func scoreAnomalies(ctx context.Context, m *anomaly.Model,
	feats map[string]model.FeatureVector) (map[string]model.AnomalyScore, error) {

	ids := sortedIDs(feats)
	out := make([]model.AnomalyScore, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = m.ScoreOne(id, feats[id])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "engine: anomaly scoring")
	}

	scores := make(map[string]model.AnomalyScore, len(ids))
	for i, id := range ids {
		scores[id] = out[i]
	}
	return scores, nil
}

// scoreAssessments fans per-taxpayer risk scoring out across the CPUs and
// fills in business and industry names from the taxpayer records.
func scoreAssessments(ctx context.Context, m *risk.Model, feats map[string]model.FeatureVector,
	anomalies map[string]model.AnomalyScore, thresholds config.ThresholdConfig,
	overrides map[model.RiskLevel]string, taxpayers []model.TaxpayerRecord) (map[string]model.RiskAssessment, error) {

	records := make(map[string]model.TaxpayerRecord, len(taxpayers))
	for _, tp := range taxpayers {
		records[tp.ID] = tp
	}

	ids := sortedIDs(feats)
	out := make([]model.RiskAssessment, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := m.ScoreOne(id, feats, anomalies, thresholds, overrides)
			if err != nil {
				return err
			}
			tp := records[id]
			a.BusinessName = tp.BusinessName
			a.IndustryName = tp.IndustryName
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "engine: risk scoring")
	}

	assessments := make(map[string]model.RiskAssessment, len(ids))
	for i, id := range ids {
		assessments[id] = out[i]
	}
	return assessments, nil
}

func flagged(anomalies map[string]model.AnomalyScore) int {
	n := 0
	for _, a := range anomalies {
		if a.Anomalous {
			n++
		}
	}
	return n
}

func sortedIDs(feats map[string]model.FeatureVector) []string {
	ids := make([]string, 0, len(feats))
	for id := range feats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
