package anomaly

import (
	"math"
	"math/rand"
	"sort"

	"github.com/openfisc/taxrisk/internal/config"
	"github.com/openfisc/taxrisk/internal/model"
)

// Model is an immutable fitted anomaly model: the forest plus the feature
// scaler, the population score range used for min-max normalization, and the
// contamination cutoff. Safe for concurrent readers.
type Model struct {
	params     config.AnomalyModelParams
	benchmarks map[string]model.IndustryBenchmark
	means      []float64
	stds       []float64
	forest     *forest
	rawMin     float64
	rawMax     float64
	cutoff     float64
	trained    int
}

// Fit trains an isolation forest on the full feature population. It fails
// with INSUFFICIENT_DATA when fewer than minTraining taxpayers have filed at
// least one return; all-zero vectors from unfiled taxpayers still join the
// population so they can be scored later.
func Fit(features map[string]model.FeatureVector, benchmarks map[string]model.IndustryBenchmark,
	params config.AnomalyModelParams, minTraining int) (*Model, error) {

	nonTrivial := 0
	for _, fv := range features {
		if fv.ReturnCount > 0 {
			nonTrivial++
		}
	}
	if nonTrivial < minTraining {
		return nil, model.Errorf(model.CodeInsufficientData,
			"anomaly: %d taxpayers with filed returns, need at least %d", nonTrivial, minTraining)
	}

	// Row order is sorted by taxpayer id so the seeded subsampling sees the
	// same matrix on every run.
	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	raw := make([][]float64, len(ids))
	for i, id := range ids {
		raw[i] = features[id].AnomalyFeatures()
	}

	means, stds := columnStats(raw)
	matrix := make([][]float64, len(raw))
	for i, row := range raw {
		matrix[i] = standardizeRow(row, means, stds)
	}

	rng := rand.New(rand.NewSource(params.RandomSeed))
	f := growForest(matrix, params.TreeCount, rng)

	rawScores := make([]float64, len(matrix))
	for i, row := range matrix {
		rawScores[i] = f.rawScore(row)
	}

	m := &Model{
		params:     params,
		benchmarks: benchmarks,
		means:      means,
		stds:       stds,
		forest:     f,
		trained:    len(matrix),
	}
	m.rawMin, m.rawMax = minMax(rawScores)

	normalized := make([]float64, len(rawScores))
	for i, s := range rawScores {
		normalized[i] = m.normalize(s)
	}
	sort.Float64s(normalized)

	// Flag roughly the top contamination fraction of the fitted population.
	k := int(math.Ceil(params.ContaminationFraction * float64(len(normalized))))
	if k < 1 {
		k = 1
	}
	if k > len(normalized) {
		k = len(normalized)
	}
	m.cutoff = normalized[len(normalized)-k]

	return m, nil
}

// Score computes an AnomalyScore for every feature vector in the mapping.
// An empty mapping yields an empty result. Scores are deterministic given the
// fitted model.
func (m *Model) Score(features map[string]model.FeatureVector) map[string]model.AnomalyScore {
	scores := make(map[string]model.AnomalyScore, len(features))
	for id, fv := range features {
		scores[id] = m.ScoreOne(id, fv)
	}
	return scores
}

// ScoreOne scores a single feature vector against the fitted population.
func (m *Model) ScoreOne(id string, fv model.FeatureVector) model.AnomalyScore {
	row := standardizeRow(fv.AnomalyFeatures(), m.means, m.stds)
	score := m.normalize(m.forest.rawScore(row))
	return model.AnomalyScore{
		TaxpayerID: id,
		Score:      score,
		Anomalous:  score >= m.cutoff,
		Drivers:    m.drivers(fv),
	}
}

// normalize rescales a raw forest score to [0,1] over the fitted population's
// range. Out-of-range inference scores clamp; a degenerate population (all
// raw scores equal) maps to 0.5.
func (m *Model) normalize(raw float64) float64 {
	if m.rawMax <= m.rawMin {
		return 0.5
	}
	s := (raw - m.rawMin) / (m.rawMax - m.rawMin)
	return math.Min(1, math.Max(0, s))
}

// drivers explains a vector as signed standard-deviation distances from its
// industry benchmark. Days since registration has no industry dimension and
// compares against the population mean instead. Features with zero spread in
// the fitted population are skipped.
func (m *Model) drivers(fv model.FeatureVector) []model.FeatureDeviation {
	ratioRef, growthRef := m.means[0], m.means[1]
	if bench, ok := m.benchmarks[fv.IndustryCode]; ok {
		ratioRef = bench.MeanInputTaxRatio
		growthRef = bench.MeanRevenueGrowth
	}

	devs := make([]model.FeatureDeviation, 0, 3)
	add := func(name string, value, ref, std float64) {
		if std <= 0 {
			return
		}
		devs = append(devs, model.FeatureDeviation{Feature: name, Deviation: (value - ref) / std})
	}
	add(model.FeatureInputTaxRatio, fv.InputTaxRatio, ratioRef, m.stds[0])
	add(model.FeatureRevenueGrowth, fv.RevenueGrowth, growthRef, m.stds[1])
	add(model.FeatureDaysSinceRegistration, fv.DaysSinceRegistration, m.means[2], m.stds[2])

	sort.SliceStable(devs, func(i, j int) bool {
		return math.Abs(devs[i].Deviation) > math.Abs(devs[j].Deviation)
	})
	return devs
}

// Cutoff returns the normalized score at or above which a taxpayer is flagged
// anomalous.
func (m *Model) Cutoff() float64 {
	return m.cutoff
}

// TrainingCount returns the number of vectors the forest was fitted on.
func (m *Model) TrainingCount() int {
	return m.trained
}

// columnStats returns the per-column mean and population standard deviation.
func columnStats(matrix [][]float64) (means, stds []float64) {
	if len(matrix) == 0 {
		return nil, nil
	}
	cols := len(matrix[0])
	means = make([]float64, cols)
	stds = make([]float64, cols)

	for _, row := range matrix {
		for j, v := range row {
			means[j] += v
		}
	}
	n := float64(len(matrix))
	for j := range means {
		means[j] /= n
	}

	for _, row := range matrix {
		for j, v := range row {
			d := v - means[j]
			stds[j] += d * d
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / n)
	}
	return means, stds
}

// standardizeRow centers and scales one row; zero-spread columns map to 0.
func standardizeRow(row, means, stds []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		if stds[j] > 0 {
			out[j] = (v - means[j]) / stds[j]
		}
	}
	return out
}

func minMax(xs []float64) (lo, hi float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
