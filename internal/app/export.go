package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"ar-forecast/internal/forecast"
)

// Export runs a fresh forecast and renders its calculation trace as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Instrument == "" {
		return errors.New("--instrument is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	at := time.Now().UTC()
	if opts.At != nil {
		at = opts.At.UTC()
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

	points := downsamplePoints(res.Calculations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(res.Calculations)).Int("exported", len(points)).Msg("exporting calculation trace")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, points); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, res.InstrumentID, points); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []forecast.Point, max int) []forecast.Point {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]forecast.Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.String()
}

func writePointsCSV(path string, points []forecast.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "open", "close", "oc", "diff_oc", "demean_diff_oc", "lags", "predicted_diff_oc", "predicted_oc", "predicted_return"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			p.OpenPrice.String(),
			p.ClosePrice.String(),
			p.OC.String(),
			nullString(p.DiffOC),
			nullString(p.DemeanDiffOC),
			strconv.Itoa(len(p.ARLags)),
			nullString(p.PredictedDiffOC),
			nullString(p.PredictedOC),
			nullString(p.PredictedReturn),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writePointsPNG(path, instrument string, points []forecast.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x         = make([]time.Time, 0, len(points))
		actual    = make([]float64, 0, len(points))
		px        []time.Time
		predicted []float64
		returns   []float64
	)
	for _, p := range points {
		x = append(x, p.Timestamp)
		actual = append(actual, p.OC.InexactFloat64())
		if p.PredictedOC.Valid {
			px = append(px, p.Timestamp)
			predicted = append(predicted, p.PredictedOC.Decimal.InexactFloat64())
			returns = append(returns, p.PredictedReturn.Decimal.Mul(decimal.NewFromInt(100)).InexactFloat64())
		}
	}
	if len(px) < 2 {
		return errors.New("not enough predicted points to chart")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  instrument + " open-close",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Open - Close",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Predicted return (%)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Actual OC",
				XValues: x,
				YValues: actual,
			},
			chart.TimeSeries{
				Name:    "Predicted OC",
				XValues: px,
				YValues: predicted,
			},
			chart.TimeSeries{
				Name:    "Predicted return %",
				XValues: px,
				YValues: returns,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
