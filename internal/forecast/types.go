package forecast

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ar-forecast/internal/market"
)

// Horizon is the fixed distance between a forecast run and the period it predicts.
const Horizon = 24 * time.Hour

// Point is one position of the working series. Each pipeline stage returns a new slice of points.
type Point struct {
	Timestamp       time.Time           `json:"timestamp"`
	OpenPrice       decimal.Decimal     `json:"open_price"`
	ClosePrice      decimal.Decimal     `json:"close_price"`
	OC              decimal.Decimal     `json:"oc"`
	DiffOC          decimal.NullDecimal `json:"diff_oc"`
	DemeanDiffOC    decimal.NullDecimal `json:"demean_diff_oc"`
	ARLags          []decimal.Decimal   `json:"ar_lags,omitempty"`
	PredictedDiffOC decimal.NullDecimal `json:"predicted_diff_oc"`
	PredictedOC     decimal.NullDecimal `json:"predicted_oc"`
	PredictedReturn decimal.NullDecimal `json:"predicted_return"`
}

// Metrics describes the quality of one forecast.
type Metrics struct {
	DataPointsUsed    int             `json:"data_points_used"`
	AROrder           int             `json:"ar_order"`
	MeanSquaredError  decimal.Decimal `json:"mean_squared_error"`
	ResidualCount     int             `json:"residual_count"`
	StandardError     decimal.Decimal `json:"standard_error"`
	ExecutionDuration time.Duration   `json:"execution_duration"`
	DataRangeStart    time.Time       `json:"data_range_start"`
	DataRangeEnd      time.Time       `json:"data_range_end"`
	ModelVersion      string          `json:"model_version"`
}

// Result is the terminal output of one forecast.
type Result struct {
	ID                string          `json:"id"`
	InstrumentID      string          `json:"instrument_id"`
	ForecastTimestamp time.Time       `json:"forecast_timestamp"`
	ExpectedReturn    decimal.Decimal `json:"expected_return"`
	ConfidenceLevel   float64         `json:"confidence_level"`
	Calculations      []Point         `json:"calculations"`
	Projection        Point           `json:"projection"`
	Metrics           Metrics         `json:"metrics"`
}

// PriceSource supplies historical bars. Returned bars may be unsorted.
type PriceSource interface {
	PriceBars(ctx context.Context, instrumentID string, from, to time.Time) ([]market.PriceBar, error)
}

func nullDec(v decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: v, Valid: true}
}

func clonePoints(points []Point) []Point {
	out := make([]Point, len(points))
	copy(out, points)
	return out
}
