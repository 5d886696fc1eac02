package taxdata

import (
	"go.uber.org/zap"

	"github.com/openfisc/taxrisk/internal/model"
)

// Screen validates a loaded dataset and returns a clean copy plus the number
// of records excluded. Bad records are logged and dropped rather than
// aborting the run: one corrupt row must not block scoring for the rest of
// the population.
func Screen(ds *model.Dataset) (*model.Dataset, int) {
	clean := &model.Dataset{}
	dropped := 0

	seen := make(map[string]bool, len(ds.Taxpayers))
	for _, tp := range ds.Taxpayers {
		switch {
		case tp.ID == "":
			dropped++
			zap.L().Warn("integrity: taxpayer without id excluded",
				zap.String("business_name", tp.BusinessName))
		case seen[tp.ID]:
			dropped++
			zap.L().Warn("integrity: duplicate taxpayer excluded",
				zap.String("taxpayer_id", tp.ID))
		case tp.RegisteredAt.IsZero():
			dropped++
			zap.L().Warn("integrity: taxpayer without registration date excluded",
				zap.String("taxpayer_id", tp.ID))
		default:
			seen[tp.ID] = true
			clean.Taxpayers = append(clean.Taxpayers, tp)
		}
	}

	for _, ret := range ds.Returns {
		switch {
		case !seen[ret.TaxpayerID]:
			dropped++
			zap.L().Warn("integrity: return for unknown taxpayer excluded",
				zap.String("taxpayer_id", ret.TaxpayerID))
		case ret.Period.IsZero():
			dropped++
			zap.L().Warn("integrity: return without period excluded",
				zap.String("taxpayer_id", ret.TaxpayerID))
		case ret.GrossRevenue < 0 || ret.TaxLiability < 0 || ret.InputTaxClaim < 0:
			dropped++
			zap.L().Warn("integrity: return with negative amounts excluded",
				zap.String("taxpayer_id", ret.TaxpayerID),
				zap.Float64("gross_revenue", ret.GrossRevenue),
				zap.Float64("tax_liability", ret.TaxLiability),
				zap.Float64("input_tax_claim", ret.InputTaxClaim))
		default:
			clean.Returns = append(clean.Returns, ret)
		}
	}

	for _, a := range ds.Audits {
		switch {
		case !seen[a.TaxpayerID]:
			dropped++
			zap.L().Warn("integrity: audit for unknown taxpayer excluded",
				zap.String("taxpayer_id", a.TaxpayerID))
		case !a.Finding.Valid():
			dropped++
			zap.L().Warn("integrity: audit with unrecognized finding excluded",
				zap.String("taxpayer_id", a.TaxpayerID),
				zap.String("finding", string(a.Finding)))
		case a.TaxRecovery < 0:
			dropped++
			zap.L().Warn("integrity: audit with negative recovery excluded",
				zap.String("taxpayer_id", a.TaxpayerID),
				zap.Float64("tax_recovery", a.TaxRecovery))
		default:
			clean.Audits = append(clean.Audits, a)
		}
	}

	if dropped > 0 {
		zap.L().Warn("integrity: records excluded from run", zap.Int("dropped", dropped))
	}
	return clean, dropped
}
