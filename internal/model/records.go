// Package model defines the record schemas and derived shapes shared by the
// scoring pipeline, the ingestion layer, and the API.
package model

import "time"

// Finding is the outcome of a completed audit.
type Finding string

const (
	FindingCompliant    Finding = "Compliant"
	FindingNonCompliant Finding = "Non-Compliant"
)

// Valid reports whether f is one of the recognized audit outcomes.
func (f Finding) Valid() bool {
	return f == FindingCompliant || f == FindingNonCompliant
}

// TaxpayerRecord is one registered taxpayer. Immutable reference data: created
// at ingestion, never mutated by the pipeline.
type TaxpayerRecord struct {
	ID           string    `json:"taxpayer_id"`
	BusinessName string    `json:"business_name"`
	TIN          string    `json:"tin"`
	IndustryCode string    `json:"industry_code"`
	IndustryName string    `json:"industry_name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ReturnRecord is one filed tax return. Period is the filing-period end date.
type ReturnRecord struct {
	TaxpayerID    string    `json:"taxpayer_id"`
	Period        time.Time `json:"period"`
	GrossRevenue  float64   `json:"gross_revenue"`
	TaxLiability  float64   `json:"tax_liability"`
	InputTaxClaim float64   `json:"input_tax_claim"`
}

// AuditRecord is one completed audit case. TaxRecovery is 0 for compliant
// findings; ReasonCode is present only on non-compliant ones.
type AuditRecord struct {
	TaxpayerID  string    `json:"taxpayer_id"`
	Period      time.Time `json:"period"`
	StartedAt   time.Time `json:"started_at"`
	Finding     Finding   `json:"finding"`
	TaxRecovery float64   `json:"tax_recovery"`
	ReasonCode  string    `json:"reason_code,omitempty"`
}

// Dataset is the fully materialized input handed from ingestion to the
// pipeline: the three record collections, already type-coerced and
// date-parsed.
type Dataset struct {
	Taxpayers []TaxpayerRecord `json:"taxpayers"`
	Returns   []ReturnRecord   `json:"returns"`
	Audits    []AuditRecord    `json:"audits"`
}
