package forecast

import (
	"errors"
	"fmt"
)

// Validation failure kinds, in the order the forecaster checks them.
var (
	ErrMissingInstrument  = errors.New("instrument id is required")
	ErrNoPriceBars        = errors.New("price bars are required")
	ErrMissingModel       = errors.New("ar model is required")
	ErrInstrumentMismatch = errors.New("model instrument does not match request")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrInvalidPriceBar    = errors.New("invalid price bar")
)

// ValidationError rejects a request before any computation runs.
type ValidationError struct {
	Kind   error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation: " + e.Kind.Error()
	}
	return fmt.Sprintf("validation: %s: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalid(kind error, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// DataIntegrityError reports a derived value missing where preparation should have produced it.
type DataIntegrityError struct {
	Index int
	Lag   int
	Field string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s missing at index %d, needed as lag %d of index %d", e.Field, e.Index-e.Lag, e.Lag, e.Index)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsDataIntegrity reports whether err is a DataIntegrityError.
func IsDataIntegrity(err error) bool {
	var d *DataIntegrityError
	return errors.As(err, &d)
}
