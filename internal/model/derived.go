package model

import "time"

// Feature names, in the column order the models consume them.
const (
	FeatureInputTaxRatio         = "input_tax_ratio"
	FeatureRevenueGrowth         = "revenue_growth"
	FeatureDaysSinceRegistration = "days_since_registration"
	FeatureAnomalyScore          = "anomaly_score"
	FeatureReturnCount           = "return_count"
)

// AnomalyFeatureNames is the column order of the anomaly model's input matrix.
var AnomalyFeatureNames = []string{
	FeatureInputTaxRatio,
	FeatureRevenueGrowth,
	FeatureDaysSinceRegistration,
}

// RiskFeatureNames is the column order of the risk model's input matrix.
var RiskFeatureNames = []string{
	FeatureInputTaxRatio,
	FeatureRevenueGrowth,
	FeatureDaysSinceRegistration,
	FeatureAnomalyScore,
	FeatureReturnCount,
}

// FeatureVector holds the derived per-taxpayer features. Recomputed on every
// pipeline run; never persisted independently of the run that produced it.
// IndustryCode is carried as a join key so downstream stages can reach the
// taxpayer's benchmark without re-walking the records.
type FeatureVector struct {
	TaxpayerID            string  `json:"taxpayer_id"`
	IndustryCode          string  `json:"industry_code"`
	InputTaxRatio         float64 `json:"input_tax_ratio"`
	RevenueGrowth         float64 `json:"revenue_growth"`
	DaysSinceRegistration float64 `json:"days_since_registration"`
	ReturnCount           int     `json:"return_count"`
}

// AnomalyFeatures returns the vector's columns in AnomalyFeatureNames order.
func (f FeatureVector) AnomalyFeatures() []float64 {
	return []float64{f.InputTaxRatio, f.RevenueGrowth, f.DaysSinceRegistration}
}

// RiskFeatures returns the vector's columns in RiskFeatureNames order, with
// the anomaly score spliced in.
func (f FeatureVector) RiskFeatures(anomalyScore float64) []float64 {
	return []float64{
		f.InputTaxRatio,
		f.RevenueGrowth,
		f.DaysSinceRegistration,
		anomalyScore,
		float64(f.ReturnCount),
	}
}

// IndustryBenchmark aggregates feature statistics across all taxpayers
// sharing an industry code. Normalization reference only; recomputed each run.
type IndustryBenchmark struct {
	IndustryCode        string  `json:"industry_code"`
	IndustryName        string  `json:"industry_name"`
	MeanInputTaxRatio   float64 `json:"mean_input_tax_ratio"`
	MedianInputTaxRatio float64 `json:"median_input_tax_ratio"`
	MeanRevenueGrowth   float64 `json:"mean_revenue_growth"`
	MedianRevenueGrowth float64 `json:"median_revenue_growth"`
	TaxpayerCount       int     `json:"taxpayer_count"`
}

// FeatureDeviation is one entry of an anomaly explanation: how far a feature
// sits from its benchmark, in standard-deviation units. Signed; negative means
// below the benchmark.
type FeatureDeviation struct {
	Feature   string  `json:"feature"`
	Deviation float64 `json:"deviation"`
}

// AnomalyScore is the unsupervised stage's per-taxpayer output. Score is
// normalized to [0,1] over the fitted population; Anomalous marks scores at or
// above the contamination cutoff. Drivers lists at most three features,
// descending by absolute deviation.
type AnomalyScore struct {
	TaxpayerID string             `json:"taxpayer_id"`
	Score      float64            `json:"score"`
	Anomalous  bool               `json:"anomalous"`
	Drivers    []FeatureDeviation `json:"drivers,omitempty"`
}

// RiskLevel discretizes a risk score via configured thresholds.
type RiskLevel string

const (
	RiskCritical RiskLevel = "CRITICAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskLow      RiskLevel = "LOW"
)

var riskLevelOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtLeast reports whether l is at least as severe as min.
func (l RiskLevel) AtLeast(min RiskLevel) bool {
	return riskLevelOrder[l] >= riskLevelOrder[min]
}

// RiskAssessment is the supervised stage's per-taxpayer output. RiskScore is
// the predicted probability of non-compliance.
type RiskAssessment struct {
	TaxpayerID     string    `json:"taxpayer_id"`
	BusinessName   string    `json:"business_name"`
	IndustryName   string    `json:"industry_name"`
	RiskScore      float64   `json:"risk_score"`
	RiskLevel      RiskLevel `json:"risk_level"`
	AnomalyScore   float64   `json:"anomaly_score"`
	Recommendation string    `json:"recommendation"`
}

// QueueEntry is one position in the ranked audit queue.
type QueueEntry struct {
	Rank           int       `json:"rank"`
	TaxpayerID     string    `json:"taxpayer_id"`
	BusinessName   string    `json:"business_name"`
	IndustryName   string    `json:"industry_name"`
	RiskScore      float64   `json:"risk_score"`
	RiskLevel      RiskLevel `json:"risk_level"`
	AnomalyScore   float64   `json:"anomaly_score"`
	Recommendation string    `json:"recommendation"`
}

// FeatureImportance is one entry of the risk model's ranked importance list.
// Weights sum to 1 across the list.
type FeatureImportance struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// ModelInfo describes the fitted models behind a pipeline run.
type ModelInfo struct {
	RunID             string              `json:"run_id"`
	FittedAt          time.Time           `json:"fitted_at"`
	TrainingTaxpayers int                 `json:"training_taxpayers"`
	LabeledTaxpayers  int                 `json:"labeled_taxpayers"`
	PositiveLabels    int                 `json:"positive_labels"`
	FeatureImportance []FeatureImportance `json:"feature_importance"`
}

// PipelineResult is everything one pipeline run produces. Held in memory for
// the lifetime of the served results and replaced wholesale on retrain.
type PipelineResult struct {
	RunID       string                       `json:"run_id"`
	FittedAt    time.Time                    `json:"fitted_at"`
	Features    map[string]FeatureVector     `json:"features"`
	Benchmarks  map[string]IndustryBenchmark `json:"benchmarks"`
	Anomalies   map[string]AnomalyScore      `json:"anomalies"`
	Assessments map[string]RiskAssessment    `json:"assessments"`
	Queue       []QueueEntry                 `json:"queue"`
	Info        ModelInfo                    `json:"info"`
}
