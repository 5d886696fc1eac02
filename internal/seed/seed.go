// Package seed generates a deterministic synthetic dataset for demos and
// end-to-end tests: 50 taxpayers across 8 industries, 7 monthly returns
// each, and 30 completed audits. A small cohort carries an injected fraud
// pattern (inflated input-tax claims and implausible revenue growth) so the
// scoring pipeline has real signal to find.
package seed

import (
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openfisc/taxrisk/internal/model"
)

const (
	taxpayerCount = 50
	returnMonths  = 7
	auditCount    = 30
	fraudCount    = 6
)

type industry struct {
	code string
	name string
}

var industries = []industry{
	{"C10", "Food Manufacturing"},
	{"C25", "Metal Fabrication"},
	{"F41", "Construction"},
	{"G46", "Wholesale Trade"},
	{"G47", "Retail Trade"},
	{"I56", "Food Service"},
	{"J62", "IT Services"},
	{"M69", "Professional Services"},
}

var namePrefixes = []string{
	"Harbor", "Summit", "Crown", "Pioneer", "Golden", "Cedar", "Atlas",
	"Beacon", "Delta", "Union", "Sterling", "Meridian", "Cobalt", "Juniper",
}

var nameSuffixes = []string{
	"Trading Co", "Holdings", "Industries", "Logistics", "Foods",
	"Construction", "Consulting", "Retail Group", "Services Ltd", "Imports",
}

var fraudReasons = []string{
	"inflated input tax claims",
	"undeclared revenue",
	"fictitious supplier invoices",
	"misclassified exempt sales",
}

// Generate builds the synthetic dataset. The same seed always yields a
// byte-identical dataset; money amounts are rounded to cents so the CSV form
// round-trips losslessly.
func Generate(seedVal int64) *model.Dataset {
	rng := rand.New(rand.NewSource(seedVal))

	fraudulent := make(map[int]bool, fraudCount)
	for _, i := range rng.Perm(taxpayerCount)[:fraudCount] {
		fraudulent[i] = true
	}

	ds := &model.Dataset{}
	regBase := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < taxpayerCount; i++ {
		ind := industries[i%len(industries)]
		tp := model.TaxpayerRecord{
			ID:           fmt.Sprintf("TP-%04d", 1001+i),
			BusinessName: fmt.Sprintf("%s %s", namePrefixes[rng.Intn(len(namePrefixes))], nameSuffixes[rng.Intn(len(nameSuffixes))]),
			TIN:          fmt.Sprintf("%09d", 100000000+rng.Intn(900000000)),
			IndustryCode: ind.code,
			IndustryName: ind.name,
			RegisteredAt: regBase.AddDate(0, 0, rng.Intn(3200)),
		}
		ds.Taxpayers = append(ds.Taxpayers, tp)

		baseRevenue := 30000 + rng.Float64()*270000
		claimRatio := 0.06 + rng.Float64()*0.06
		if fraudulent[i] {
			claimRatio = 0.45 + rng.Float64()*0.25
		}

		for m := 0; m < returnMonths; m++ {
			revenue := baseRevenue * (0.9 + rng.Float64()*0.2)
			if fraudulent[i] {
				// Implausible growth trajectory on top of the noise.
				revenue *= 1 + 0.15*float64(m)
			}
			ds.Returns = append(ds.Returns, model.ReturnRecord{
				TaxpayerID:    tp.ID,
				Period:        monthEnd(2024, time.Month(m+1)),
				GrossRevenue:  cents(revenue),
				TaxLiability:  cents(revenue * 0.15),
				InputTaxClaim: cents(revenue * claimRatio),
			})
		}
	}

	ds.Audits = generateAudits(rng, ds.Taxpayers, fraudulent)
	return ds
}

func generateAudits(rng *rand.Rand, taxpayers []model.TaxpayerRecord, fraudulent map[int]bool) []model.AuditRecord {
	fraudIdx := make([]int, 0, len(fraudulent))
	for i := range fraudulent {
		fraudIdx = append(fraudIdx, i)
	}
	sort.Ints(fraudIdx)

	cleanIdx := make([]int, 0, len(taxpayers)-len(fraudulent))
	for i := range taxpayers {
		if !fraudulent[i] {
			cleanIdx = append(cleanIdx, i)
		}
	}
	picked := rng.Perm(len(cleanIdx))[:auditCount-len(fraudIdx)]
	sort.Ints(picked)

	period := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)

	var audits []model.AuditRecord
	for _, i := range fraudIdx {
		audits = append(audits, model.AuditRecord{
			TaxpayerID:  taxpayers[i].ID,
			Period:      period,
			StartedAt:   time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, rng.Intn(28)),
			Finding:     model.FindingNonCompliant,
			TaxRecovery: cents(20000 + rng.Float64()*60000),
			ReasonCode:  fraudReasons[rng.Intn(len(fraudReasons))],
		})
	}
	for _, p := range picked {
		audits = append(audits, model.AuditRecord{
			TaxpayerID: taxpayers[cleanIdx[p]].ID,
			Period:     period,
			StartedAt:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, rng.Intn(28)),
			Finding:    model.FindingCompliant,
		})
	}
	return audits
}

func monthEnd(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}

// WriteCSV writes the dataset into dir using the ingestion layer's file and
// column layout.
func WriteCSV(ds *model.Dataset, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "seed: create output dir")
	}

	taxpayerRows := [][]string{{"taxpayer_id", "business_name", "tin", "industry_code", "industry_name", "registered_at"}}
	for _, tp := range ds.Taxpayers {
		taxpayerRows = append(taxpayerRows, []string{
			tp.ID, tp.BusinessName, tp.TIN, tp.IndustryCode, tp.IndustryName,
			tp.RegisteredAt.Format("2006-01-02"),
		})
	}
	if err := writeFile(filepath.Join(dir, "taxpayers.csv"), taxpayerRows); err != nil {
		return err
	}

	returnRows := [][]string{{"taxpayer_id", "period", "gross_revenue", "tax_liability", "input_tax_claim"}}
	for _, ret := range ds.Returns {
		returnRows = append(returnRows, []string{
			ret.TaxpayerID, ret.Period.Format("2006-01-02"),
			money(ret.GrossRevenue), money(ret.TaxLiability), money(ret.InputTaxClaim),
		})
	}
	if err := writeFile(filepath.Join(dir, "returns.csv"), returnRows); err != nil {
		return err
	}

	auditRows := [][]string{{"taxpayer_id", "period", "started_at", "finding", "tax_recovery", "reason_code"}}
	for _, a := range ds.Audits {
		auditRows = append(auditRows, []string{
			a.TaxpayerID, a.Period.Format("2006-01-02"), a.StartedAt.Format("2006-01-02"),
			string(a.Finding), money(a.TaxRecovery), a.ReasonCode,
		})
	}
	return writeFile(filepath.Join(dir, "audits.csv"), auditRows)
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func writeFile(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "seed: create %s", filepath.Base(path))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	return eris.Wrapf(w.WriteAll(rows), "seed: write %s", filepath.Base(path))
}
