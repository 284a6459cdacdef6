package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ar-forecast/internal/armodel"
	"ar-forecast/internal/config"
	"ar-forecast/internal/forecast"
)

func TestNilStoreReportsNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.PriceBars(ctx, "AAPL", time.Time{}, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.Model(ctx, "AAPL"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.RecordUsage(ctx, armodel.UsageEvent{InstrumentID: "AAPL"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestOpenWithoutDSN(t *testing.T) {
	store, err := Open(context.Background(), config.DatabaseConfig{})
	if err != nil || store != nil {
		t.Fatalf("empty dsn should disable storage, got %v %v", store, err)
	}
}

func TestParseBar(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bar, err := parseBar(ts, [5]string{"100.5", "101", "99", "100", "1200"})
	if err != nil {
		t.Fatalf("parse bar: %v", err)
	}
	if !bar.OC().Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected oc %s", bar.OC())
	}
	if _, err := parseBar(ts, [5]string{"x", "1", "1", "1", "1"}); err == nil {
		t.Fatal("invalid numeric should fail")
	}
}

func TestModelRowRoundTrip(t *testing.T) {
	row := modelRow{
		InstrumentID: "AAPL",
		Version:      "v3",
		Order:        2,
		Coefficients: []string{"0.25", "-0.1"},
		MeanDiffOC:   "0.003",
		Sigma2:       "0.8",
	}
	m, err := row.toModel()
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	if m.Order() != 2 || !m.Coefficient(2).Equal(decimal.RequireFromString("-0.1")) {
		t.Fatalf("unexpected model %+v", m.Spec())
	}

	row.Coefficients = []string{"0.25"}
	if _, err := row.toModel(); err == nil {
		t.Fatal("coefficient count below order should fail")
	}
}

func TestNewForecastRecord(t *testing.T) {
	res := &forecast.Result{
		ID:                "b9b7bcbc-9a52-4f4c-8d1e-0f3c1f6f9a11",
		InstrumentID:      "AAPL",
		ForecastTimestamp: time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC),
		ExpectedReturn:    decimal.RequireFromString("0.0123"),
		ConfidenceLevel:   0.6,
		Calculations:      []forecast.Point{{OC: decimal.NewFromInt(2)}},
		Projection:        forecast.Point{PredictedOC: decimal.NullDecimal{Decimal: decimal.NewFromInt(3), Valid: true}},
		Metrics: forecast.Metrics{
			DataPointsUsed:    1,
			AROrder:           1,
			ExecutionDuration: 1500 * time.Millisecond,
			ModelVersion:      "v1",
		},
	}

	rec, err := NewForecastRecord(res)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if rec.ModelVersion != "v1" || rec.Duration.Milliseconds() != 1500 {
		t.Fatalf("metrics not flattened: %+v", rec)
	}

	var decoded struct {
		Points     []map[string]any `json:"points"`
		Projection map[string]any   `json:"projection"`
	}
	if err := json.Unmarshal(rec.Calculations, &decoded); err != nil {
		t.Fatalf("calculations should be valid JSON: %v", err)
	}
	if len(decoded.Points) != 1 || decoded.Points[0]["diff_oc"] != nil {
		t.Fatalf("unexpected points payload: %s", rec.Calculations)
	}
	if decoded.Projection["predicted_oc"] != "3" {
		t.Fatalf("unexpected projection payload: %s", rec.Calculations)
	}
}
