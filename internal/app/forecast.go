package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"ar-forecast/internal/forecast"
	"ar-forecast/internal/storage"
)

// Forecast runs one forecast for an instrument and prints it.
func (a *App) Forecast(ctx context.Context, opts ForecastOptions) error {
	if opts.Instrument == "" {
		return errors.New("--instrument is required")
	}
	at := opts.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s, err := a.newSession(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.service.ForecastInstrument(ctx, opts.Instrument, at)
	if err != nil {
		return err
	}

	if opts.Persist {
		if s.store == nil {
			return errors.New("database not configured; cannot persist forecast")
		}
		rec, err := storage.NewForecastRecord(res)
		if err != nil {
			return err
		}
		if err := s.store.InsertForecast(ctx, rec); err != nil {
			return err
		}
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printForecast(os.Stdout, res)
}

func printForecast(out io.Writer, res *forecast.Result) error {
	m := res.Metrics
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "ID\t%s\n", res.ID)
	fmt.Fprintf(writer, "Instrument\t%s\n", res.InstrumentID)
	fmt.Fprintf(writer, "Target (UTC)\t%s\n", res.ForecastTimestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Expected return\t%s\n", formatDecimal(res.ExpectedReturn, 6))
	fmt.Fprintf(writer, "Confidence\t%.2f\n", res.ConfidenceLevel)
	fmt.Fprintf(writer, "Model\t%s (AR%d)\n", m.ModelVersion, m.AROrder)
	fmt.Fprintf(writer, "Data points\t%d (%s .. %s)\n", m.DataPointsUsed,
		m.DataRangeStart.UTC().Format(time.DateOnly), m.DataRangeEnd.UTC().Format(time.DateOnly))
	fmt.Fprintf(writer, "MSE\t%s (%d residuals)\n", formatDecimal(m.MeanSquaredError, 6), m.ResidualCount)
	fmt.Fprintf(writer, "Std error\t%s\n", formatDecimal(m.StandardError, 6))
	fmt.Fprintf(writer, "Duration\t%s\n", m.ExecutionDuration)
	return writer.Flush()
}
