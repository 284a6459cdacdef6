package market

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// PriceBar is one OHLCV observation.
type PriceBar struct {
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// OC returns open minus close.
func (b PriceBar) OC() decimal.Decimal {
	return b.Open.Sub(b.Close)
}

// Validate checks price positivity and the high/low envelope.
func (b PriceBar) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("price bar: %w", err)
	}
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return fmt.Errorf("price bar %s: prices must be positive", b.Timestamp.UTC().Format(time.RFC3339))
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("price bar %s: volume cannot be negative", b.Timestamp.UTC().Format(time.RFC3339))
	}
	if b.High.LessThan(decimal.Max(b.Open, b.Close, b.Low)) {
		return fmt.Errorf("price bar %s: high %s below open/close/low", b.Timestamp.UTC().Format(time.RFC3339), b.High)
	}
	if b.Low.GreaterThan(decimal.Min(b.Open, b.Close, b.High)) {
		return fmt.Errorf("price bar %s: low %s above open/close/high", b.Timestamp.UTC().Format(time.RFC3339), b.Low)
	}
	return nil
}

// ValidateAll validates every bar and joins the failures.
func ValidateAll(bars []PriceBar) error {
	var errs []error
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("bar %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SortedCopy returns the bars ordered by timestamp. Equal timestamps keep their input order.
func SortedCopy(bars []PriceBar) []PriceBar {
	out := make([]PriceBar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Range returns the first and last timestamp of a sorted slice.
func Range(bars []PriceBar) (time.Time, time.Time) {
	if len(bars) == 0 {
		return time.Time{}, time.Time{}
	}
	return bars[0].Timestamp, bars[len(bars)-1].Timestamp
}
