package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"ar-forecast/internal/market"
	"ar-forecast/internal/refdata"
)

// Mean computes the mean ΔOC of an instrument's stored history and writes it to the reference store.
func (a *App) Mean(ctx context.Context, opts MeanOptions) error {
	if opts.Instrument == "" {
		return errors.New("--instrument is required")
	}

	bars, err := a.history(ctx, opts.Instrument)
	if err != nil {
		return err
	}

	meanStore, closeMeans, err := a.openMeanStore(ctx)
	if err != nil {
		return err
	}
	defer closeMeans()

	key, mean, err := refdata.NewResolver(meanStore, a.Logger).Compute(ctx, opts.Instrument, bars)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("instrument", opts.Instrument).
		Str("dataset_version", key.DatasetVersion).
		Str("mean_diff_oc", mean.String()).
		Msg("mean stored")
	fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", opts.Instrument, key.DatasetVersion, mean.String())
	return nil
}

// history loads every stored bar, or the configured history window from the provider without a database.
func (a *App) history(ctx context.Context, instrumentID string) ([]market.PriceBar, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer closeStore()
		return store.PriceHistory(ctx, instrumentID)
	}
	to := time.Now().UTC()
	return a.newCandleFetcher().FetchCandles(ctx, instrumentID, to.Add(-a.Config.Forecast.HistoryWindow), to)
}
