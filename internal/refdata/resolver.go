package refdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"ar-forecast/internal/forecast"
	"ar-forecast/internal/market"
)

// DatasetVersion labels a bar history by its size and last timestamp.
// Appending a bar yields a new version, so a stored mean is never reused for different data.
func DatasetVersion(bars []market.PriceBar) string {
	if len(bars) == 0 {
		return "empty"
	}
	var last time.Time
	for _, b := range bars {
		if b.Timestamp.After(last) {
			last = b.Timestamp
		}
	}
	return fmt.Sprintf("n%d-%s", len(bars), last.UTC().Format(time.DateOnly))
}

// Resolver returns the mean ΔOC for a history, computing it at most once per dataset version.
type Resolver struct {
	store  MeanStore
	group  singleflight.Group
	logger zerolog.Logger
}

// NewResolver wraps a store.
func NewResolver(store MeanStore, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "refdata").Logger(),
	}
}

// Mean looks up the stored mean for the bars' dataset version, computing and storing it on a miss.
// Store failures are logged and the computed value is still returned.
func (r *Resolver) Mean(ctx context.Context, instrumentID string, bars []market.PriceBar) (decimal.Decimal, error) {
	key := Key{InstrumentID: instrumentID, DatasetVersion: DatasetVersion(bars)}

	v, err := r.store.GetMean(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		r.logger.Warn().Err(err).Str("key", key.String()).Msg("mean lookup failed, recomputing")
	}

	out, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		mean, err := forecast.MeanDiffOC(market.SortedCopy(bars))
		if err != nil {
			return decimal.Zero, err
		}
		if putErr := r.store.PutMean(ctx, key, mean); putErr != nil {
			r.logger.Warn().Err(putErr).Str("key", key.String()).Msg("store mean failed")
		}
		return mean, nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("compute mean for %s: %w", instrumentID, err)
	}
	return out.(decimal.Decimal), nil
}

// Compute forces a recomputation and overwrites the stored value.
func (r *Resolver) Compute(ctx context.Context, instrumentID string, bars []market.PriceBar) (Key, decimal.Decimal, error) {
	key := Key{InstrumentID: instrumentID, DatasetVersion: DatasetVersion(bars)}
	mean, err := forecast.MeanDiffOC(market.SortedCopy(bars))
	if err != nil {
		return key, decimal.Zero, fmt.Errorf("compute mean for %s: %w", instrumentID, err)
	}
	if err := r.store.PutMean(ctx, key, mean); err != nil {
		return key, mean, err
	}
	return key, mean, nil
}
