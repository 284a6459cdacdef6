package forecast

import (
	"github.com/shopspring/decimal"

	"ar-forecast/internal/armodel"
)

// BuildLags attaches the AR lag vector to every point that has a complete window.
// Lag k of index i is demeanDiffOC(i-k); index 0 never carries a demeaned value, so the first
// complete window sits at index order+1.
func BuildLags(points []Point, order int) ([]Point, error) {
	out := clonePoints(points)
	for i := order + 1; i < len(out); i++ {
		lags, err := lagWindow(points, i, order)
		if err != nil {
			return nil, err
		}
		out[i].ARLags = lags
	}
	return out, nil
}

// lagWindow reads demeanDiffOC(at-1) .. demeanDiffOC(at-order). at may equal len(points) for the
// next-period projection.
func lagWindow(points []Point, at, order int) ([]decimal.Decimal, error) {
	lags := make([]decimal.Decimal, order)
	for k := 1; k <= order; k++ {
		src := points[at-k].DemeanDiffOC
		if !src.Valid {
			return nil, &DataIntegrityError{Index: at, Lag: k, Field: "demean_diff_oc"}
		}
		lags[k-1] = src.Decimal
	}
	return lags, nil
}

// PredictDiffOC computes meanDiffOC + Σ lag(k)·coef(k) wherever lags exist.
func PredictDiffOC(points []Point, model *armodel.ARModel) []Point {
	out := clonePoints(points)
	for i := range out {
		if out[i].ARLags == nil {
			continue
		}
		out[i].PredictedDiffOC = nullDec(weightedSum(out[i].ARLags, model))
	}
	return out
}

func weightedSum(lags []decimal.Decimal, model *armodel.ARModel) decimal.Decimal {
	sum := model.MeanDiffOC()
	for k, lag := range lags {
		sum = sum.Add(lag.Mul(model.Coefficient(k + 1)))
	}
	return sum
}

// PredictOC adds the previous actual OC to the predicted difference.
func PredictOC(points []Point) []Point {
	out := clonePoints(points)
	for i := 1; i < len(out); i++ {
		if !out[i].PredictedDiffOC.Valid {
			continue
		}
		out[i].PredictedOC = nullDec(out[i].PredictedDiffOC.Decimal.Add(points[i-1].OC))
	}
	return out
}

// PredictReturn divides the predicted OC by the bar's open price.
func PredictReturn(points []Point) []Point {
	out := clonePoints(points)
	for i := range out {
		if !out[i].PredictedOC.Valid {
			continue
		}
		out[i].PredictedReturn = nullDec(out[i].PredictedOC.Decimal.Div(out[i].OpenPrice))
	}
	return out
}

// Project predicts the period after the last point. The last close stands in for the unknown
// next open; the projected point carries no actual OC.
func Project(points []Point, model *armodel.ARModel) (Point, error) {
	n := len(points)
	order := model.Order()
	if n < order+1 {
		return Point{}, invalid(ErrInsufficientData, "need at least %d points to project, got %d", order+1, n)
	}
	lags, err := lagWindow(points, n, order)
	if err != nil {
		return Point{}, err
	}
	last := points[n-1]
	diff := weightedSum(lags, model)
	oc := diff.Add(last.OC)
	return Point{
		Timestamp:       last.Timestamp.Add(Horizon),
		OpenPrice:       last.ClosePrice,
		ARLags:          lags,
		PredictedDiffOC: nullDec(diff),
		PredictedOC:     nullDec(oc),
		PredictedReturn: nullDec(oc.Div(last.ClosePrice)),
	}, nil
}

// Run executes every stage in order on prepared points.
func Run(prepared []Point, model *armodel.ARModel) ([]Point, Point, error) {
	lagged, err := BuildLags(prepared, model.Order())
	if err != nil {
		return nil, Point{}, err
	}
	withDiff := PredictDiffOC(lagged, model)
	withOC := PredictOC(withDiff)
	withReturn := PredictReturn(withOC)

	projection, err := Project(withReturn, model)
	if err != nil {
		return nil, Point{}, err
	}
	return withReturn, projection, nil
}
