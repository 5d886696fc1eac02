package model

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Code classifies pipeline failures for callers and the API layer.
type Code string

const (
	CodeDataIntegrity      Code = "DATA_INTEGRITY"
	CodeInsufficientData   Code = "INSUFFICIENT_DATA"
	CodeInsufficientLabels Code = "INSUFFICIENT_LABELS"
	CodeUnknownTaxpayer    Code = "UNKNOWN_TAXPAYER"
	CodeConfiguration      Code = "CONFIGURATION_ERROR"
)

// PipelineError carries a taxonomy code alongside the underlying cause.
type PipelineError struct {
	Code Code
	Err  error
}

func (e *PipelineError) Error() string {
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError wraps err with a taxonomy code.
func NewError(code Code, err error) error {
	return &PipelineError{Code: code, Err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(code Code, format string, args ...any) error {
	return &PipelineError{Code: code, Err: eris.Errorf(format, args...)}
}

// CodeOf extracts the taxonomy code from an error chain, or "" when the error
// is uncoded.
func CodeOf(err error) Code {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err (or any error in its chain) carries the given
// taxonomy code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
