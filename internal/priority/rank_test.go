package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfisc/taxrisk/internal/model"
)

func assessment(id string, risk, anomaly float64) model.RiskAssessment {
	return model.RiskAssessment{
		TaxpayerID:   id,
		RiskScore:    risk,
		AnomalyScore: anomaly,
	}
}

func TestRank_OrdersByRiskThenAnomalyThenID(t *testing.T) {
	assessments := map[string]model.RiskAssessment{
		"TP-004": assessment("TP-004", 0.40, 0.90),
		"TP-001": assessment("TP-001", 0.90, 0.10),
		"TP-003": assessment("TP-003", 0.40, 0.95),
		"TP-005": assessment("TP-005", 0.40, 0.90),
		"TP-002": assessment("TP-002", 0.90, 0.80),
	}

	// TP-002 beats TP-001 on anomaly at equal risk; TP-004 beats TP-005 on
	// id at equal risk and anomaly.
	ranked := Rank(assessments)
	assert.Equal(t, []string{"TP-002", "TP-001", "TP-003", "TP-004", "TP-005"}, ranked)
}

func TestRank_Deterministic(t *testing.T) {
	assessments := map[string]model.RiskAssessment{}
	for _, id := range []string{"TP-009", "TP-003", "TP-007", "TP-001", "TP-005"} {
		assessments[id] = assessment(id, 0.5, 0.5)
	}

	first := Rank(assessments)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Rank(assessments))
	}
	// Ties across the board fall back to id order.
	assert.Equal(t, []string{"TP-001", "TP-003", "TP-005", "TP-007", "TP-009"}, first)
}

func TestTopN_IsPrefixOfFullRanking(t *testing.T) {
	assessments := map[string]model.RiskAssessment{}
	scores := []float64{0.91, 0.85, 0.77, 0.60, 0.42, 0.31, 0.12}
	for i, s := range scores {
		id := string(rune('A' + i))
		assessments["TP-"+id] = assessment("TP-"+id, s, 1-s)
	}

	full := TopN(assessments, len(scores))
	short := TopN(assessments, 3)

	require.Len(t, short, 3)
	assert.Equal(t, full[:3], short)
	for i, e := range full {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestTopN_Bounds(t *testing.T) {
	assessments := map[string]model.RiskAssessment{
		"TP-A": assessment("TP-A", 0.9, 0.9),
		"TP-B": assessment("TP-B", 0.1, 0.1),
	}

	assert.Empty(t, TopN(assessments, 0))
	assert.Empty(t, TopN(assessments, -3))
	assert.Len(t, TopN(assessments, 100), 2, "n beyond population yields everyone")
	assert.Empty(t, TopN(map[string]model.RiskAssessment{}, 10))
}

func TestTopN_CarriesAssessmentFields(t *testing.T) {
	assessments := map[string]model.RiskAssessment{
		"TP-X": {
			TaxpayerID:     "TP-X",
			BusinessName:   "Crown Imports Ltd",
			IndustryName:   "Wholesale Trade",
			RiskScore:      0.83,
			RiskLevel:      model.RiskCritical,
			AnomalyScore:   0.91,
			Recommendation: "Immediate audit recommended. Potential fraud indicators detected.",
		},
	}

	queue := TopN(assessments, 1)
	require.Len(t, queue, 1)
	assert.Equal(t, model.QueueEntry{
		Rank:           1,
		TaxpayerID:     "TP-X",
		BusinessName:   "Crown Imports Ltd",
		IndustryName:   "Wholesale Trade",
		RiskScore:      0.83,
		RiskLevel:      model.RiskCritical,
		AnomalyScore:   0.91,
		Recommendation: "Immediate audit recommended. Potential fraud indicators detected.",
	}, queue[0])
}
