// Package priority orders scored taxpayers into an audit queue. Ranking is
// total and deterministic: risk score descending, anomaly score descending,
// then taxpayer id ascending so equal scores never reshuffle between runs.
package priority

import (
	"sort"

	"github.com/openfisc/taxrisk/internal/model"
)

// Rank returns taxpayer ids ordered from most to least audit-worthy.
func Rank(assessments map[string]model.RiskAssessment) []string {
	ids := make([]string, 0, len(assessments))
	for id := range assessments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := assessments[ids[i]], assessments[ids[j]]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		if a.AnomalyScore != b.AnomalyScore {
			return a.AnomalyScore > b.AnomalyScore
		}
		return ids[i] < ids[j]
	})
	return ids
}

// TopN builds the audit queue for the n highest-ranked taxpayers. The result
// is a prefix of the full ranking: shrinking n never changes the relative
// order of the entries that remain. n <= 0 yields an empty queue and n beyond
// the population yields everyone.
func TopN(assessments map[string]model.RiskAssessment, n int) []model.QueueEntry {
	if n <= 0 {
		return []model.QueueEntry{}
	}
	ranked := Rank(assessments)
	if n > len(ranked) {
		n = len(ranked)
	}
	queue := make([]model.QueueEntry, 0, n)
	for i, id := range ranked[:n] {
		a := assessments[id]
		queue = append(queue, model.QueueEntry{
			Rank:           i + 1,
			TaxpayerID:     a.TaxpayerID,
			BusinessName:   a.BusinessName,
			IndustryName:   a.IndustryName,
			RiskScore:      a.RiskScore,
			RiskLevel:      a.RiskLevel,
			AnomalyScore:   a.AnomalyScore,
			Recommendation: a.Recommendation,
		})
	}
	return queue
}
