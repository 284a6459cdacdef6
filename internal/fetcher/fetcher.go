package fetcher

import (
	"context"
	"time"

	"ar-forecast/internal/market"
)

// CandleFetcher retrieves daily bars for an instrument in [from, to].
type CandleFetcher interface {
	FetchCandles(ctx context.Context, instrumentID string, from, to time.Time) ([]market.PriceBar, error)
}
