package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ForecastRecord is a persisted forecast with its calculation trace kept as raw JSON.
type ForecastRecord struct {
	ID                string
	InstrumentID      string
	ForecastTimestamp time.Time
	ExpectedReturn    decimal.Decimal
	ConfidenceLevel   float64
	ModelVersion      string
	AROrder           int
	DataPoints        int
	DataRangeStart    time.Time
	DataRangeEnd      time.Time
	MeanSquaredError  decimal.Decimal
	StandardError     decimal.Decimal
	Duration          time.Duration
	Calculations      json.RawMessage
	CreatedAt         time.Time
}

// modelRow mirrors ar_models.
type modelRow struct {
	InstrumentID string
	Version      string
	Order        int
	Coefficients []string
	MeanDiffOC   string
	Sigma2       string
}
