package forecast

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"ar-forecast/internal/armodel"
)

const (
	baseConfidence = 0.8
	smallSamplePts = 50
	smallSampleCut = 0.1
	tinySamplePts  = 30
	tinySampleCut  = 0.2
)

// BuildMetrics summarises a completed calculation sequence.
func BuildMetrics(points []Point, model *armodel.ARModel, elapsed time.Duration) Metrics {
	mse, residuals := residualMSE(points)
	m := Metrics{
		DataPointsUsed:    len(points),
		AROrder:           model.Order(),
		MeanSquaredError:  mse,
		ResidualCount:     residuals,
		StandardError:     standardError(model.Sigma2()),
		ExecutionDuration: elapsed,
		ModelVersion:      model.Version(),
	}
	if len(points) > 0 {
		m.DataRangeStart = points[0].Timestamp
		m.DataRangeEnd = points[len(points)-1].Timestamp
	}
	return m
}

// residualMSE is the in-sample mean of (diffOC - predictedDiffOC)² over points holding both.
func residualMSE(points []Point) (decimal.Decimal, int) {
	sum := decimal.Zero
	n := 0
	for _, p := range points {
		if !p.DiffOC.Valid || !p.PredictedDiffOC.Valid {
			continue
		}
		r := p.DiffOC.Decimal.Sub(p.PredictedDiffOC.Decimal)
		sum = sum.Add(r.Mul(r))
		n++
	}
	if n == 0 {
		return decimal.Zero, 0
	}
	return sum.Div(decimal.NewFromInt(int64(n))), n
}

func standardError(sigma2 decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(math.Sqrt(sigma2.InexactFloat64()))
}

// Confidence scores a forecast from sample size and the share of points with a usable prediction.
func Confidence(points []Point) float64 {
	total := len(points)
	if total == 0 {
		return 0
	}
	c := baseConfidence
	if total < smallSamplePts {
		c -= smallSampleCut
	}
	if total < tinySamplePts {
		c -= tinySampleCut
	}

	valid := 0
	for _, p := range points {
		if p.PredictedReturn.Valid {
			valid++
		}
	}
	c *= float64(valid) / float64(total)
	return math.Max(0, math.Min(1, c))
}
