package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"ar-forecast/internal/fetcher"
	"ar-forecast/internal/storage"
)

// Backfill fetches daily candles for a date range and upserts them into price_bars.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	instruments := opts.Instruments
	if len(instruments) == 0 {
		instruments = a.Config.Forecast.Instruments
	}
	if len(instruments) == 0 {
		return errors.New("no instruments to backfill; pass --instrument or set forecast.instruments")
	}
	if !opts.From.Before(opts.To) {
		return errors.New("backfill range is empty, check --from/--to")
	}

	var barStore storage.PriceBarStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		defer closeStore()
		barStore = store
	}

	return a.backfill(ctx, a.newCandleFetcher(), barStore, instruments, opts)
}

func (a *App) backfill(ctx context.Context, src fetcher.CandleFetcher, dst storage.PriceBarStore, instruments []string, opts BackfillOptions) error {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var written, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range instruments {
		id := id
		g.Go(func() error {
			bars, err := src.FetchCandles(gctx, id, opts.From.UTC(), opts.To.UTC())
			if errors.Is(err, fetcher.ErrNoData) {
				a.Logger.Warn().Str("instrument", id).Msg("no candles in range")
				return nil
			}
			if err != nil {
				failed.Add(1)
				a.Logger.Error().Err(err).Str("instrument", id).Msg("backfill fetch failed")
				return nil
			}
			if dst == nil {
				a.Logger.Info().Str("instrument", id).Int("bars", len(bars)).Msg("dry-run fetched bars")
				return nil
			}
			n, err := dst.UpsertPriceBars(gctx, id, bars)
			written.Add(int64(n))
			if err != nil {
				failed.Add(1)
				a.Logger.Error().Err(err).Str("instrument", id).Msg("backfill write failed")
				return nil
			}
			total, latest, err := dst.CountPriceBars(gctx, id)
			if err != nil {
				a.Logger.Warn().Err(err).Str("instrument", id).Msg("count stored bars failed")
			}
			a.Logger.Info().Str("instrument", id).
				Int("bars", n).
				Int64("stored", total).
				Time("latest", latest).
				Msg("instrument backfilled")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Info().Int64("written", written.Load()).Int64("failed", failed.Load()).Msg("backfill completed")
	if failed.Load() > 0 {
		return fmt.Errorf("%d instruments failed to backfill, check logs", failed.Load())
	}
	return ctx.Err()
}
