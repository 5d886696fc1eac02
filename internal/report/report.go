// Package report computes the aggregate views served by the dashboard
// endpoints: population totals, industry membership, and audit outcome
// breakdowns.
package report

import (
	"github.com/openfisc/taxrisk/internal/model"
)

// Summary is the headline view of one dataset and the scoring run over it.
type Summary struct {
	TotalTaxpayers   int                     `json:"total_taxpayers"`
	ReturnsFiled     int                     `json:"total_returns_filed"`
	AuditsCompleted  int                     `json:"audits_completed"`
	TaxRecovery      float64                 `json:"tax_recovery"`
	ComplianceRate   float64                 `json:"compliance_rate"`
	AnomaliesFlagged int                     `json:"anomalies_flagged"`
	RiskLevels       map[model.RiskLevel]int `json:"risk_levels"`
}

// BuildSummary aggregates ds and the scoring result into one Summary.
// ComplianceRate is the percentage of completed audits that came back
// compliant; zero audits yields zero, not NaN.
func BuildSummary(ds *model.Dataset, res *model.PipelineResult) Summary {
	s := Summary{
		TotalTaxpayers:  len(ds.Taxpayers),
		ReturnsFiled:    len(ds.Returns),
		AuditsCompleted: len(ds.Audits),
		RiskLevels:      map[model.RiskLevel]int{},
	}

	compliant := 0
	for _, a := range ds.Audits {
		s.TaxRecovery += a.TaxRecovery
		if a.Finding == model.FindingCompliant {
			compliant++
		}
	}
	if len(ds.Audits) > 0 {
		s.ComplianceRate = float64(compliant) / float64(len(ds.Audits)) * 100
	}

	if res != nil {
		for _, a := range res.Anomalies {
			if a.Anomalous {
				s.AnomaliesFlagged++
			}
		}
		for _, a := range res.Assessments {
			s.RiskLevels[a.RiskLevel]++
		}
	}
	return s
}

// IndustryStats counts taxpayers per industry name.
func IndustryStats(ds *model.Dataset) map[string]int {
	stats := make(map[string]int)
	for _, tp := range ds.Taxpayers {
		stats[tp.IndustryName]++
	}
	return stats
}

// ComplianceStats counts completed audits per finding.
func ComplianceStats(ds *model.Dataset) map[string]int {
	stats := make(map[string]int)
	for _, a := range ds.Audits {
		stats[string(a.Finding)]++
	}
	return stats
}
