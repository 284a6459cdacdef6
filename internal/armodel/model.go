package armodel

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultOrder is the number of lags used when a model does not declare one.
const DefaultOrder = 30

var (
	coefficientBound      = decimal.NewFromInt(2)
	suspiciousCoefficient = decimal.NewFromFloat(1.5)

	// ErrModelNotFound is returned by sources with no model for an instrument.
	ErrModelNotFound = errors.New("armodel: model not found")
)

// Coefficient is a single AR weight bounded to [-2, 2].
type Coefficient struct {
	value decimal.Decimal
}

// NewCoefficient validates the bound.
func NewCoefficient(v decimal.Decimal) (Coefficient, error) {
	if v.Abs().GreaterThan(coefficientBound) {
		return Coefficient{}, fmt.Errorf("coefficient %s outside [-2, 2]", v)
	}
	return Coefficient{value: v}, nil
}

// Value returns the weight.
func (c Coefficient) Value() decimal.Decimal { return c.value }

// Suspicious reports weights whose magnitude exceeds 1.5.
func (c Coefficient) Suspicious() bool {
	return c.value.Abs().GreaterThan(suspiciousCoefficient)
}

// Spec is the raw, unvalidated form of a model as it arrives from master data.
type Spec struct {
	InstrumentID string
	Order        int
	Coefficients map[int]decimal.Decimal
	MeanDiffOC   decimal.Decimal
	Sigma2       decimal.Decimal
	Version      string
}

// ARModel holds the ordered coefficients of an AR(p) model. Values are immutable once built.
type ARModel struct {
	instrumentID string
	order        int
	coefficients []Coefficient
	meanDiffOC   decimal.Decimal
	sigma2       decimal.Decimal
	version      string
}

// New validates a Spec and builds the model.
func New(spec Spec) (*ARModel, error) {
	if spec.InstrumentID == "" {
		return nil, errors.New("armodel: instrument id is required")
	}
	order := spec.Order
	if order == 0 {
		order = DefaultOrder
	}
	if order < 0 {
		return nil, fmt.Errorf("armodel %s: order must be positive, got %d", spec.InstrumentID, order)
	}
	if spec.Sigma2.IsNegative() {
		return nil, fmt.Errorf("armodel %s: sigma2 cannot be negative", spec.InstrumentID)
	}

	coefs := make([]Coefficient, order)
	var missing []int
	for lag := 1; lag <= order; lag++ {
		raw, ok := spec.Coefficients[lag]
		if !ok {
			missing = append(missing, lag)
			continue
		}
		c, err := NewCoefficient(raw)
		if err != nil {
			return nil, fmt.Errorf("armodel %s lag %d: %w", spec.InstrumentID, lag, err)
		}
		coefs[lag-1] = c
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("armodel %s: missing coefficients for lags %v", spec.InstrumentID, missing)
	}
	for lag := range spec.Coefficients {
		if lag < 1 || lag > order {
			return nil, fmt.Errorf("armodel %s: coefficient lag %d outside 1..%d", spec.InstrumentID, lag, order)
		}
	}

	return &ARModel{
		instrumentID: spec.InstrumentID,
		order:        order,
		coefficients: coefs,
		meanDiffOC:   spec.MeanDiffOC,
		sigma2:       spec.Sigma2,
		version:      spec.Version,
	}, nil
}

// InstrumentID returns the instrument the model was fitted for.
func (m *ARModel) InstrumentID() string { return m.instrumentID }

// Order returns p.
func (m *ARModel) Order() int { return m.order }

// MeanDiffOC returns the demeaning constant.
func (m *ARModel) MeanDiffOC() decimal.Decimal { return m.meanDiffOC }

// Sigma2 returns the residual variance.
func (m *ARModel) Sigma2() decimal.Decimal { return m.sigma2 }

// Version returns the model version label.
func (m *ARModel) Version() string { return m.version }

// Coefficient returns the weight for lag k (1-based).
func (m *ARModel) Coefficient(lag int) decimal.Decimal {
	return m.coefficients[lag-1].value
}

// Coefficients returns a copy of the weights ordered by lag.
func (m *ARModel) Coefficients() []decimal.Decimal {
	out := make([]decimal.Decimal, len(m.coefficients))
	for i, c := range m.coefficients {
		out[i] = c.value
	}
	return out
}

// SuspiciousLags lists lags whose coefficient magnitude exceeds 1.5.
func (m *ARModel) SuspiciousLags() []int {
	var lags []int
	for i, c := range m.coefficients {
		if c.Suspicious() {
			lags = append(lags, i+1)
		}
	}
	return lags
}

// WithMeanDiffOC returns a copy carrying a different demeaning constant.
func (m *ARModel) WithMeanDiffOC(mean decimal.Decimal) *ARModel {
	clone := *m
	clone.coefficients = append([]Coefficient(nil), m.coefficients...)
	clone.meanDiffOC = mean
	return &clone
}

// Spec converts the model back into its raw form.
func (m *ARModel) Spec() Spec {
	coefs := make(map[int]decimal.Decimal, len(m.coefficients))
	for i, c := range m.coefficients {
		coefs[i+1] = c.value
	}
	return Spec{
		InstrumentID: m.instrumentID,
		Order:        m.order,
		Coefficients: coefs,
		MeanDiffOC:   m.meanDiffOC,
		Sigma2:       m.sigma2,
		Version:      m.version,
	}
}

// CoefficientsFromSlice maps weights ordered by lag onto lag indexes starting at 1.
func CoefficientsFromSlice(values []decimal.Decimal) map[int]decimal.Decimal {
	out := make(map[int]decimal.Decimal, len(values))
	for i, v := range values {
		out[i+1] = v
	}
	return out
}
