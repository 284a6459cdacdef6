package forecast

import (
	"github.com/shopspring/decimal"

	"ar-forecast/internal/market"
)

// MeanPrecision is the number of fractional digits kept for a computed mean ΔOC.
const MeanPrecision = 8

// Prepare derives OC, ΔOC and demeaned ΔOC from bars that are already sorted by timestamp.
// Index 0 has no predecessor and carries no ΔOC.
func Prepare(bars []market.PriceBar, meanDiffOC decimal.Decimal) []Point {
	points := make([]Point, len(bars))
	for i, b := range bars {
		p := Point{
			Timestamp:  b.Timestamp,
			OpenPrice:  b.Open,
			ClosePrice: b.Close,
			OC:         b.OC(),
		}
		if i > 0 {
			diff := p.OC.Sub(points[i-1].OC)
			p.DiffOC = nullDec(diff)
			p.DemeanDiffOC = nullDec(diff.Sub(meanDiffOC))
		}
		points[i] = p
	}
	return points
}

// MeanDiffOC returns the arithmetic mean of every ΔOC in a sorted dataset, rounded half away from zero
// to MeanPrecision digits.
func MeanDiffOC(bars []market.PriceBar) (decimal.Decimal, error) {
	if len(bars) < 2 {
		return decimal.Zero, invalid(ErrInsufficientData, "need at least 2 bars to compute mean diff oc, got %d", len(bars))
	}
	sum := decimal.Zero
	prev := bars[0].OC()
	for _, b := range bars[1:] {
		oc := b.OC()
		sum = sum.Add(oc.Sub(prev))
		prev = oc
	}
	return sum.DivRound(decimal.NewFromInt(int64(len(bars)-1)), MeanPrecision), nil
}
