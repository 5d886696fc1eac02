package risk

import (
	"sort"

	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/model"
)

// defaultRecommendations maps each risk level to its audit action text.
// Calibration files may override individual entries.
var defaultRecommendations = map[model.RiskLevel]string{
	model.RiskCritical: "Immediate audit recommended. Potential fraud indicators detected.",
	model.RiskHigh:     "Schedule audit within 30 days. Significant compliance concerns.",
	model.RiskMedium:   "Enhanced monitoring recommended. Minor irregularities detected.",
	model.RiskLow:      "Continue routine monitoring. No significant concerns.",
}

// LevelFor maps a risk score to its discrete level. Lower bounds are closed:
// a score exactly at a threshold takes the higher level.
func LevelFor(score float64, t config.ThresholdConfig) model.RiskLevel {
	switch {
	case score >= t.Critical:
		return model.RiskCritical
	case score >= t.High:
		return model.RiskHigh
	case score >= t.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// Recommendation returns the action text for a level, honoring calibration
// overrides.
func Recommendation(level model.RiskLevel, overrides map[model.RiskLevel]string) string {
	if text, ok := overrides[level]; ok {
		return text
	}
	return defaultRecommendations[level]
}

// Model is an immutable fitted risk classifier. Thresholds are deliberately
// not part of the model: level mapping happens at scoring time so thresholds
// can be recalibrated without retraining.
type Model struct {
	booster   *booster
	labeled   int
	positives int
}

// Fit builds the labeled training set from audit history and trains the
// boosted ensemble. Taxpayers without audits are excluded from training;
// audits referencing taxpayers absent from the feature mapping are ignored.
// Fails with INSUFFICIENT_LABELS when fewer than minLabeled taxpayers carry a
// label, or when all labels fall in one class.
func Fit(features map[string]model.FeatureVector, anomalies map[string]model.AnomalyScore,
	audits []model.AuditRecord, params config.RiskModelParams, minLabeled int) (*Model, error) {

	labels := make(map[string]float64)
	for _, a := range audits {
		if _, ok := features[a.TaxpayerID]; !ok {
			continue
		}
		if a.Finding == model.FindingNonCompliant {
			labels[a.TaxpayerID] = 1
		} else if _, seen := labels[a.TaxpayerID]; !seen {
			labels[a.TaxpayerID] = 0
		}
	}

	if len(labels) < minLabeled {
		return nil, model.Errorf(model.CodeInsufficientLabels,
			"risk: %d labeled taxpayers, need at least %d", len(labels), minLabeled)
	}

	positives := 0
	for _, y := range labels {
		if y == 1 {
			positives++
		}
	}
	if positives == 0 || positives == len(labels) {
		return nil, model.Errorf(model.CodeInsufficientLabels,
			"risk: training labels contain a single class (%d of %d non-compliant)",
			positives, len(labels))
	}

	// Sorted id order keeps the training matrix, and with it the seeded
	// subsampling, identical across runs.
	ids := make([]string, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	X := make([][]float64, len(ids))
	y := make([]float64, len(ids))
	for i, id := range ids {
		X[i] = features[id].RiskFeatures(anomalies[id].Score)
		y[i] = labels[id]
	}

	b := trainBooster(X, y, boostParams{
		treeCount:    params.TreeCount,
		learningRate: params.LearningRate,
		maxDepth:     params.MaxDepth,
		subsample:    params.SubsampleFraction,
		seed:         params.RandomSeed,
	})

	return &Model{booster: b, labeled: len(ids), positives: positives}, nil
}

// Score assesses every taxpayer in the feature mapping, including those that
// never appeared in training. Business and industry names are left for the
// caller to fill in from the taxpayer records.
func (m *Model) Score(features map[string]model.FeatureVector, anomalies map[string]model.AnomalyScore,
	thresholds config.ThresholdConfig, overrides map[model.RiskLevel]string) map[string]model.RiskAssessment {

	assessments := make(map[string]model.RiskAssessment, len(features))
	for id := range features {
		a, _ := m.ScoreOne(id, features, anomalies, thresholds, overrides)
		assessments[id] = a
	}
	return assessments
}

// ScoreOne assesses a single taxpayer. Fails with UNKNOWN_TAXPAYER when the
// identifier is absent from the feature mapping.
func (m *Model) ScoreOne(id string, features map[string]model.FeatureVector, anomalies map[string]model.AnomalyScore,
	thresholds config.ThresholdConfig, overrides map[model.RiskLevel]string) (model.RiskAssessment, error) {

	fv, ok := features[id]
	if !ok {
		return model.RiskAssessment{}, model.Errorf(model.CodeUnknownTaxpayer,
			"risk: taxpayer %s not in current feature set", id)
	}

	anomalyScore := anomalies[id].Score
	score := m.booster.predict(fv.RiskFeatures(anomalyScore))
	level := LevelFor(score, thresholds)

	return model.RiskAssessment{
		TaxpayerID:     id,
		RiskScore:      score,
		RiskLevel:      level,
		AnomalyScore:   anomalyScore,
		Recommendation: Recommendation(level, overrides),
	}, nil
}

// FeatureImportance returns the ensemble's per-feature share of total split
// gain, descending. Weights sum to 1 unless the ensemble never split.
func (m *Model) FeatureImportance() []model.FeatureImportance {
	out := make([]model.FeatureImportance, len(model.RiskFeatureNames))
	for i, name := range model.RiskFeatureNames {
		out[i] = model.FeatureImportance{Feature: name, Weight: m.booster.importance[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}

// LabeledCount returns the size of the training set.
func (m *Model) LabeledCount() int {
	return m.labeled
}

// PositiveCount returns how many training taxpayers were non-compliant.
func (m *Model) PositiveCount() int {
	return m.positives
}
