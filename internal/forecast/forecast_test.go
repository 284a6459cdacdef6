package forecast

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ar-forecast/internal/armodel"
	"ar-forecast/internal/market"
)

var fixedNow = time.Date(2024, 6, 3, 21, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func dailyBars(opens, closes []int64) []market.PriceBar {
	start := time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC)
	bars := make([]market.PriceBar, len(opens))
	for i := range opens {
		o := decimal.NewFromInt(opens[i])
		c := decimal.NewFromInt(closes[i])
		bars[i] = market.PriceBar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      o,
			High:      decimal.Max(o, c).Add(decimal.NewFromInt(1)),
			Low:       decimal.Min(o, c).Sub(decimal.NewFromInt(1)),
			Close:     c,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func scenarioBars() []market.PriceBar {
	return dailyBars([]int64{100, 102, 101, 105, 107}, []int64{98, 100, 99, 103, 104})
}

func scenarioModel(t *testing.T) *armodel.ARModel {
	t.Helper()
	m, err := armodel.New(armodel.Spec{
		InstrumentID: "ACME",
		Order:        3,
		Coefficients: armodel.CoefficientsFromSlice([]decimal.Decimal{d("-0.5"), d("-0.3"), d("-0.2")}),
		MeanDiffOC:   d("2.5"),
		Sigma2:       d("0.0625"),
		Version:      "2024-05",
	})
	require.NoError(t, err)
	return m
}

func newTestForecaster(usage armodel.UsageRecorder) *Forecaster {
	return NewForecaster(Options{Now: func() time.Time { return fixedNow }, Usage: usage}, zerolog.Nop())
}

func TestScenarioRegression(t *testing.T) {
	tracker := armodel.NewUsageTracker(0)
	res, err := newTestForecaster(tracker).Execute(context.Background(), "ACME", scenarioBars(), scenarioModel(t))
	require.NoError(t, err)
	require.Len(t, res.Calculations, 5)

	for i, want := range []string{"2", "2", "2", "2", "3"} {
		assert.True(t, res.Calculations[i].OC.Equal(d(want)), "oc(%d)", i)
	}

	p4 := res.Calculations[4]
	require.True(t, p4.DiffOC.Valid)
	assert.True(t, p4.DiffOC.Decimal.Equal(d("1")))
	assert.True(t, p4.DemeanDiffOC.Decimal.Equal(d("-1.5")))

	require.Len(t, p4.ARLags, 3)
	for k := 1; k <= 3; k++ {
		assert.True(t, p4.ARLags[k-1].Equal(res.Calculations[4-k].DemeanDiffOC.Decimal), "lag %d", k)
	}

	// 2.5 + (-2.5)(-0.5) + (-2.5)(-0.3) + (-2.5)(-0.2)
	assert.True(t, p4.PredictedDiffOC.Decimal.Equal(d("5")), "got %s", p4.PredictedDiffOC.Decimal)
	assert.True(t, p4.PredictedOC.Decimal.Equal(d("7")), "got %s", p4.PredictedOC.Decimal)
	assert.True(t, p4.PredictedReturn.Decimal.Equal(d("7").Div(d("107"))), "got %s", p4.PredictedReturn.Decimal)

	for i := 0; i < 4; i++ {
		assert.Nil(t, res.Calculations[i].ARLags, "index %d", i)
		assert.False(t, res.Calculations[i].PredictedReturn.Valid, "index %d", i)
	}

	// projection: 2.5 + (-1.5)(-0.5) + (-2.5)(-0.3) + (-2.5)(-0.2) = 4.5; + oc(4)=3
	assert.True(t, res.Projection.PredictedDiffOC.Decimal.Equal(d("4.5")))
	assert.True(t, res.Projection.PredictedOC.Decimal.Equal(d("7.5")))
	assert.True(t, res.ExpectedReturn.Equal(d("7.5").Div(d("104"))), "got %s", res.ExpectedReturn)
	assert.True(t, res.Projection.OpenPrice.Equal(d("104")))

	assert.Equal(t, fixedNow.Add(24*time.Hour), res.ForecastTimestamp)
	assert.InDelta(t, 0.5*0.2, res.ConfidenceLevel, 1e-9)
	assert.NotEmpty(t, res.ID)

	assert.Equal(t, 5, res.Metrics.DataPointsUsed)
	assert.Equal(t, 3, res.Metrics.AROrder)
	assert.Equal(t, 1, res.Metrics.ResidualCount)
	assert.True(t, res.Metrics.MeanSquaredError.Equal(d("16")))
	assert.True(t, res.Metrics.StandardError.Equal(d("0.25")))
	assert.Equal(t, "2024-05", res.Metrics.ModelVersion)
	assert.Equal(t, scenarioBars()[0].Timestamp, res.Metrics.DataRangeStart)
	assert.Equal(t, scenarioBars()[4].Timestamp, res.Metrics.DataRangeEnd)

	last, ok := tracker.LastUsedAt("ACME")
	require.True(t, ok)
	assert.Equal(t, fixedNow, last)
}

func TestValidationOrder(t *testing.T) {
	f := newTestForecaster(nil)
	model := scenarioModel(t)
	bars := scenarioBars()
	ctx := context.Background()

	cases := []struct {
		name  string
		id    string
		bars  []market.PriceBar
		model *armodel.ARModel
		kind  error
	}{
		{name: "missing instrument", id: "", bars: nil, model: nil, kind: ErrMissingInstrument},
		{name: "nil bars", id: "ACME", bars: nil, model: nil, kind: ErrNoPriceBars},
		{name: "empty bars", id: "ACME", bars: []market.PriceBar{}, model: model, kind: ErrNoPriceBars},
		{name: "missing model", id: "ACME", bars: bars, model: nil, kind: ErrMissingModel},
		{name: "mismatch", id: "OTHER", bars: bars[:1], model: model, kind: ErrInstrumentMismatch},
		{name: "insufficient", id: "ACME", bars: bars[:3], model: model, kind: ErrInsufficientData},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Execute(ctx, tc.id, tc.bars, tc.model)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestInsufficientDataNamesMinimum(t *testing.T) {
	_, err := newTestForecaster(nil).Execute(context.Background(), "ACME", scenarioBars()[:3], scenarioModel(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 4 bars")
}

func TestExactlyOrderPlusOneBarsSucceeds(t *testing.T) {
	res, err := newTestForecaster(nil).Execute(context.Background(), "ACME", scenarioBars()[:4], scenarioModel(t))
	require.NoError(t, err)

	// lags: demean(3), demean(2), demean(1) = -2.5 each → 2.5 + 2.5 = 5; + oc(3)=2 → 7 / close(3)=103
	assert.True(t, res.ExpectedReturn.Equal(d("7").Div(d("103"))), "got %s", res.ExpectedReturn)
	assert.Equal(t, 0.0, res.ConfidenceLevel)
}

func TestInvalidBarRejected(t *testing.T) {
	bars := scenarioBars()
	bars[2].High = d("50")
	_, err := newTestForecaster(nil).Execute(context.Background(), "ACME", bars, scenarioModel(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPriceBar)
}

func TestSortingInvariance(t *testing.T) {
	bars, model := randomDataset(t, 90, 6, 7)
	shuffled := append([]market.PriceBar(nil), bars...)
	rand.New(rand.NewSource(11)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	f := newTestForecaster(nil)
	a, err := f.Execute(context.Background(), "RND", bars, model)
	require.NoError(t, err)
	b, err := f.Execute(context.Background(), "RND", shuffled, model)
	require.NoError(t, err)

	assert.True(t, a.ExpectedReturn.Equal(b.ExpectedReturn))
	assert.Equal(t, a.ConfidenceLevel, b.ConfidenceLevel)
	assert.Equal(t, a.Calculations, b.Calculations)
	assert.Equal(t, a.Projection, b.Projection)
	assert.Equal(t, a.Metrics, b.Metrics)
}

func TestPipelineIdentities(t *testing.T) {
	for _, n := range []int{8, 31, 64, 150} {
		bars, model := randomDataset(t, n, 5, int64(n))
		res, err := newTestForecaster(nil).Execute(context.Background(), "RND", bars, model)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, res.ConfidenceLevel, 0.0)
		assert.LessOrEqual(t, res.ConfidenceLevel, 1.0)

		pts := res.Calculations
		for i, p := range pts {
			assert.True(t, p.OC.Equal(p.OpenPrice.Sub(p.ClosePrice)))
			if i == 0 {
				assert.False(t, p.DiffOC.Valid)
				assert.False(t, p.DemeanDiffOC.Valid)
				continue
			}
			assert.True(t, p.DiffOC.Decimal.Equal(p.OC.Sub(pts[i-1].OC)))
			assert.True(t, p.DemeanDiffOC.Decimal.Equal(p.DiffOC.Decimal.Sub(model.MeanDiffOC())))
			if p.ARLags != nil {
				require.Len(t, p.ARLags, model.Order())
				for k := 1; k <= model.Order(); k++ {
					assert.True(t, p.ARLags[k-1].Equal(pts[i-k].DemeanDiffOC.Decimal))
				}
			}
			if p.PredictedReturn.Valid {
				want := p.PredictedOC.Decimal.InexactFloat64() / p.OpenPrice.InexactFloat64()
				assert.InDelta(t, want, p.PredictedReturn.Decimal.InexactFloat64(), 1e-12)
			}
		}
	}
}

func TestConfidenceTiers(t *testing.T) {
	full := func(n int) []Point {
		pts := make([]Point, n)
		for i := range pts {
			pts[i].PredictedReturn = nullDec(decimal.NewFromInt(1))
		}
		return pts
	}
	assert.InDelta(t, 0.8, Confidence(full(50)), 1e-9)
	assert.InDelta(t, 0.7, Confidence(full(49)), 1e-9)
	assert.InDelta(t, 0.7, Confidence(full(30)), 1e-9)
	assert.InDelta(t, 0.5, Confidence(full(29)), 1e-9)

	half := full(100)
	for i := 0; i < 50; i++ {
		half[i].PredictedReturn = decimal.NullDecimal{}
	}
	assert.InDelta(t, 0.4, Confidence(half), 1e-9)
	assert.Equal(t, 0.0, Confidence(nil))
}

func TestPreparationNeverLeavesLagGaps(t *testing.T) {
	for n := 2; n < 60; n++ {
		bars, model := randomDataset(t, n, 1, int64(n))
		prepared := Prepare(bars, model.MeanDiffOC())
		for _, order := range []int{1, 3, 10, 30} {
			_, err := BuildLags(prepared, order)
			require.NoError(t, err, "n=%d order=%d", n, order)
		}
	}
}

func TestCorruptedInputTriggersIntegrityError(t *testing.T) {
	model := scenarioModel(t)
	prepared := Prepare(scenarioBars(), model.MeanDiffOC())
	prepared[2].DemeanDiffOC = decimal.NullDecimal{}

	_, err := BuildLags(prepared, model.Order())
	require.Error(t, err)
	assert.True(t, IsDataIntegrity(err))

	var die *DataIntegrityError
	require.ErrorAs(t, err, &die)
	assert.Equal(t, 4, die.Index)
	assert.Equal(t, 2, die.Lag)

	_, _, err = Run(prepared, model)
	assert.True(t, IsDataIntegrity(err))
}

func TestStagesDoNotMutateInput(t *testing.T) {
	model := scenarioModel(t)
	prepared := Prepare(scenarioBars(), model.MeanDiffOC())
	snapshot := clonePoints(prepared)

	_, _, err := Run(prepared, model)
	require.NoError(t, err)
	assert.Equal(t, snapshot, prepared)
}

func TestMeanDiffOC(t *testing.T) {
	mean, err := MeanDiffOC(scenarioBars())
	require.NoError(t, err)
	assert.True(t, mean.Equal(d("0.25")), "got %s", mean)

	// diffs: -1, 0, 0 → -1/3
	bars := dailyBars([]int64{10, 10, 10, 10}, []int64{8, 9, 9, 9})
	mean, err = MeanDiffOC(bars)
	require.NoError(t, err)
	assert.Equal(t, "-0.33333333", mean.String())

	// diffs: 2, 0, 0 → 0.666666666... rounds up
	bars = dailyBars([]int64{10, 12, 12, 12}, []int64{9, 9, 9, 9})
	mean, err = MeanDiffOC(bars)
	require.NoError(t, err)
	assert.Equal(t, "0.66666667", mean.String())

	_, err = MeanDiffOC(bars[:1])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func randomDataset(t *testing.T, n, order int, seed int64) ([]market.PriceBar, *armodel.ARModel) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]market.PriceBar, n)
	price := 100.0
	for i := range bars {
		o := decimal.NewFromFloat(price).Round(2)
		price += rng.Float64()*4 - 2
		if price < 5 {
			price = 5
		}
		c := decimal.NewFromFloat(price).Round(2)
		bars[i] = market.PriceBar{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      o,
			High:      decimal.Max(o, c).Add(d("0.5")),
			Low:       decimal.Min(o, c).Sub(d("0.5")),
			Close:     c,
			Volume:    decimal.NewFromInt(int64(rng.Intn(10000))),
		}
	}

	coefs := make([]decimal.Decimal, order)
	for i := range coefs {
		coefs[i] = decimal.NewFromFloat(rng.Float64() - 0.5).Round(4)
	}
	mean, err := MeanDiffOC(bars)
	require.NoError(t, err)

	model, err := armodel.New(armodel.Spec{
		InstrumentID: "RND",
		Order:        order,
		Coefficients: armodel.CoefficientsFromSlice(coefs),
		MeanDiffOC:   mean,
		Sigma2:       d("0.5"),
		Version:      "rnd",
	})
	require.NoError(t, err)
	return bars, model
}
