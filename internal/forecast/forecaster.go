package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ar-forecast/internal/armodel"
	"ar-forecast/internal/market"
)

// Options tune the forecaster.
type Options struct {
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
	// Usage receives one event per successful forecast.
	Usage armodel.UsageRecorder
	// SkipBarValidation trusts bars that were validated at ingestion.
	SkipBarValidation bool
}

// Forecaster validates a request and runs the full calculation.
type Forecaster struct {
	opts   Options
	logger zerolog.Logger
}

// NewForecaster constructs a Forecaster.
func NewForecaster(opts Options, logger zerolog.Logger) *Forecaster {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Forecaster{opts: opts, logger: logger.With().Str("component", "forecaster").Logger()}
}

// Execute forecasts the next-period return of an instrument. Bars may arrive in any order.
func (f *Forecaster) Execute(ctx context.Context, instrumentID string, bars []market.PriceBar, model *armodel.ARModel) (*Result, error) {
	if err := f.validate(instrumentID, bars, model); err != nil {
		return nil, err
	}

	started := f.opts.Now()
	sorted := market.SortedCopy(bars)
	prepared := Prepare(sorted, model.MeanDiffOC())

	calcs, projection, err := Run(prepared, model)
	if err != nil {
		return nil, fmt.Errorf("forecast %s: %w", instrumentID, err)
	}

	now := f.opts.Now()
	metrics := BuildMetrics(calcs, model, now.Sub(started))

	if f.opts.Usage != nil {
		event := armodel.UsageEvent{InstrumentID: instrumentID, ModelVersion: model.Version(), At: now}
		if err := f.opts.Usage.RecordUsage(ctx, event); err != nil {
			f.logger.Warn().Err(err).Str("instrument", instrumentID).Msg("failed to record model usage")
		}
	}

	result := &Result{
		ID:                uuid.NewString(),
		InstrumentID:      instrumentID,
		ForecastTimestamp: now.Add(Horizon),
		ExpectedReturn:    projection.PredictedReturn.Decimal,
		ConfidenceLevel:   Confidence(calcs),
		Calculations:      calcs,
		Projection:        projection,
		Metrics:           metrics,
	}

	f.logger.Debug().Str("instrument", instrumentID).
		Str("expected_return", result.ExpectedReturn.String()).
		Float64("confidence", result.ConfidenceLevel).
		Int("points", metrics.DataPointsUsed).
		Msg("forecast computed")
	return result, nil
}

func (f *Forecaster) validate(instrumentID string, bars []market.PriceBar, model *armodel.ARModel) error {
	if instrumentID == "" {
		return invalid(ErrMissingInstrument, "")
	}
	if len(bars) == 0 {
		return invalid(ErrNoPriceBars, "")
	}
	if model == nil {
		return invalid(ErrMissingModel, "")
	}
	if model.InstrumentID() != instrumentID {
		return invalid(ErrInstrumentMismatch, "model is for %s, request is for %s", model.InstrumentID(), instrumentID)
	}
	if need := model.Order() + 1; len(bars) < need {
		return invalid(ErrInsufficientData, "need at least %d bars, got %d", need, len(bars))
	}
	if !f.opts.SkipBarValidation {
		if err := market.ValidateAll(bars); err != nil {
			return invalid(ErrInvalidPriceBar, "%v", err)
		}
	}
	return nil
}
