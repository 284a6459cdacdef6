package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ar-forecast/internal/forecast"
)

// SimulateAlert pushes a synthetic forecast through the alert policy and notifier.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	now := time.Now().UTC()
	res := &forecast.Result{
		ID:                uuid.NewString(),
		InstrumentID:      opts.Instrument,
		ForecastTimestamp: now.Add(forecast.Horizon),
		ExpectedReturn:    opts.ExpectedReturn,
		ConfidenceLevel:   opts.Confidence,
		Metrics:           forecast.Metrics{ModelVersion: "simulated"},
	}

	note, ok := a.alertPolicy().Evaluate(res)
	if !ok {
		a.Logger.Info().Str("instrument", opts.Instrument).
			Str("expected_return", opts.ExpectedReturn.String()).
			Float64("confidence", opts.Confidence).
			Msg("simulated forecast below alert policy; nothing sent")
		return nil
	}
	note.AdditionalMsg = "(simulated)"
	return notifier.Notify(ctx, note)
}
