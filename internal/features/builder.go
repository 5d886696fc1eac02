// Package features derives per-taxpayer feature vectors and per-industry
// benchmark statistics from the raw record collections.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/openfisc/taxrisk/internal/model"
)

// Build computes one FeatureVector per taxpayer and one IndustryBenchmark per
// industry code. Pure function of the dataset: no side effects, deterministic.
//
// Taxpayers with zero returns stay in the output with all-zero derived fields
// except days-since-registration, which anchors to the latest filing period
// observed anywhere in the dataset so that repeated runs on the same input
// stay identical.
func Build(ds model.Dataset) (map[string]model.FeatureVector, map[string]model.IndustryBenchmark) {
	returnsByTaxpayer := make(map[string][]model.ReturnRecord)
	var latestPeriod time.Time
	for _, r := range ds.Returns {
		returnsByTaxpayer[r.TaxpayerID] = append(returnsByTaxpayer[r.TaxpayerID], r)
		if r.Period.After(latestPeriod) {
			latestPeriod = r.Period
		}
	}
	for _, rs := range returnsByTaxpayer {
		sort.Slice(rs, func(i, j int) bool { return rs[i].Period.Before(rs[j].Period) })
	}

	features := make(map[string]model.FeatureVector, len(ds.Taxpayers))
	for _, tp := range ds.Taxpayers {
		features[tp.ID] = buildOne(tp, returnsByTaxpayer[tp.ID], latestPeriod)
	}

	return features, buildBenchmarks(ds.Taxpayers, features)
}

func buildOne(tp model.TaxpayerRecord, returns []model.ReturnRecord, latestPeriod time.Time) model.FeatureVector {
	fv := model.FeatureVector{TaxpayerID: tp.ID, IndustryCode: tp.IndustryCode}

	anchor := latestPeriod
	if len(returns) > 0 {
		anchor = returns[len(returns)-1].Period

		var totalRevenue, totalClaim float64
		for _, r := range returns {
			totalRevenue += r.GrossRevenue
			totalClaim += r.InputTaxClaim
		}
		if totalRevenue > 0 {
			fv.InputTaxRatio = totalClaim / totalRevenue
		}

		earliest := returns[0].GrossRevenue
		latest := returns[len(returns)-1].GrossRevenue
		if earliest > 0 {
			fv.RevenueGrowth = (latest - earliest) / earliest
		}

		fv.ReturnCount = len(returns)
	}

	if !anchor.IsZero() {
		days := math.Floor(anchor.Sub(tp.RegisteredAt).Hours() / 24)
		fv.DaysSinceRegistration = math.Max(0, days)
	}

	return fv
}

func buildBenchmarks(taxpayers []model.TaxpayerRecord, features map[string]model.FeatureVector) map[string]model.IndustryBenchmark {
	type accum struct {
		name    string
		ratios  []float64
		growths []float64
	}

	byIndustry := make(map[string]*accum)
	for _, tp := range taxpayers {
		fv := features[tp.ID]
		a := byIndustry[tp.IndustryCode]
		if a == nil {
			a = &accum{name: tp.IndustryName}
			byIndustry[tp.IndustryCode] = a
		}
		a.ratios = append(a.ratios, fv.InputTaxRatio)
		a.growths = append(a.growths, fv.RevenueGrowth)
	}

	benchmarks := make(map[string]model.IndustryBenchmark, len(byIndustry))
	for code, a := range byIndustry {
		benchmarks[code] = model.IndustryBenchmark{
			IndustryCode:        code,
			IndustryName:        a.name,
			MeanInputTaxRatio:   mean(a.ratios),
			MedianInputTaxRatio: median(a.ratios),
			MeanRevenueGrowth:   mean(a.growths),
			MedianRevenueGrowth: median(a.growths),
			TaxpayerCount:       len(a.ratios),
		}
	}
	return benchmarks
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
