package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ar-forecast/internal/storage"
)

// Show prints recent persisted forecasts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show forecasts")
	}
	defer closeStore()

	records, err := store.ListRecentForecasts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return printForecastRecords(os.Stdout, records)
}

func printForecastRecords(out io.Writer, records []storage.ForecastRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no forecasts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tInstrument\tTarget (UTC)\tReturn%\tConfidence\tModel\tPoints\tStdErr")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.2f\t%s\t%d\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.InstrumentID,
			rec.ForecastTimestamp.UTC().Format(time.RFC3339),
			formatDecimal(rec.ExpectedReturn.Mul(decimal.NewFromInt(100)), 3),
			rec.ConfidenceLevel,
			rec.ModelVersion,
			rec.DataPoints,
			formatDecimal(rec.StandardError, 6),
		)
	}

	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
