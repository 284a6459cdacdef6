package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ar-forecast/internal/config"
	"ar-forecast/internal/fetcher"
	"ar-forecast/internal/forecast"
	"ar-forecast/internal/market"
	"ar-forecast/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Forecast: config.ForecastConfig{
			Instruments:   []string{"ACME"},
			HistoryWindow: 30 * 24 * time.Hour,
			Concurrency:   1,
			UsageLogSize:  100,
		},
		Models: []config.ModelConfig{{
			InstrumentID: "ACME",
			Coefficients: []float64{-0.5, -0.3, -0.2},
			MeanDiffOC:   "2.5",
			Sigma2:       0.0625,
			Version:      "2024-05",
		}},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
}

func TestModelFromConfig(t *testing.T) {
	m, err := modelFromConfig(testConfig().Models[0])
	require.NoError(t, err)
	assert.Equal(t, 3, m.Order())
	assert.True(t, m.MeanDiffOC().Equal(decimal.RequireFromString("2.5")))
	assert.True(t, m.Coefficient(2).Equal(decimal.RequireFromString("-0.3")))

	_, err = modelFromConfig(config.ModelConfig{InstrumentID: "X", Coefficients: []float64{2.5}})
	require.Error(t, err)
}

func TestConfiguredModelsListsDerivedMeans(t *testing.T) {
	cfg := testConfig()
	cfg.Models = append(cfg.Models, config.ModelConfig{InstrumentID: "BETA", Coefficients: []float64{0.1}})
	a := NewApp(cfg, zerolog.Nop())

	models, derive, err := a.configuredModels()
	require.NoError(t, err)
	assert.Len(t, models, 2)
	assert.Equal(t, []string{"BETA"}, derive)
}

func candleServer(t *testing.T) *httptest.Server {
	t.Helper()
	opens := []float64{100, 102, 101, 105, 107}
	closes := []float64{98, 100, 99, 103, 104}
	start := time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC)
	body := map[string]any{"s": "ok"}
	var o, h, l, c, v []float64
	var ts []int64
	for i := range opens {
		o = append(o, opens[i])
		c = append(c, closes[i])
		h = append(h, max(opens[i], closes[i])+1)
		l = append(l, min(opens[i], closes[i])-1)
		v = append(v, 1000)
		ts = append(ts, start.AddDate(0, 0, i).Unix())
	}
	body["o"], body["h"], body["l"], body["c"], body["v"], body["t"] = o, h, l, c, v, ts

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestSessionForecastsFromProviderWithoutDatabase(t *testing.T) {
	srv := candleServer(t)
	defer srv.Close()

	cfg := testConfig()
	cfg.Provider.BaseURL = srv.URL
	a := NewApp(cfg, zerolog.Nop())

	s, err := a.newSession(context.Background(), nil, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.store)

	res, err := s.service.ForecastInstrument(context.Background(), "ACME", time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, res.ExpectedReturn.Equal(decimal.RequireFromString("7.5").Div(decimal.NewFromInt(104))), "got %s", res.ExpectedReturn)
	assert.EqualValues(t, 1, s.usage.Uses("ACME"))

	var buf bytes.Buffer
	require.NoError(t, printForecast(&buf, res))
	assert.Contains(t, buf.String(), "AR3")
}

func TestDownsamplePoints(t *testing.T) {
	points := make([]forecast.Point, 10)
	for i := range points {
		points[i].OC = decimal.NewFromInt(int64(i))
	}
	out := downsamplePoints(points, 4)
	require.Len(t, out, 4)
	assert.True(t, out[0].OC.Equal(decimal.Zero))
	assert.True(t, out[3].OC.Equal(decimal.NewFromInt(9)))
	assert.Len(t, downsamplePoints(points, 0), 10)
}

func TestWritePointsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "trace.csv")
	points := []forecast.Point{
		{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), OC: decimal.NewFromInt(2)},
		{
			Timestamp:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			OC:          decimal.NewFromInt(3),
			DiffOC:      decimal.NewNullDecimal(decimal.NewFromInt(1)),
			PredictedOC: decimal.NewNullDecimal(decimal.RequireFromString("2.5")),
		},
	}
	require.NoError(t, writePointsCSV(path, points))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "diff_oc", rows[0][4])
	assert.Equal(t, "", rows[1][4])
	assert.Equal(t, "1", rows[2][4])
	assert.Equal(t, "2.5", rows[2][8])
}

func TestPrintForecastRecords(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printForecastRecords(&buf, nil))
	assert.Equal(t, "no forecasts found\n", buf.String())

	buf.Reset()
	require.NoError(t, printForecastRecords(&buf, []storage.ForecastRecord{{
		InstrumentID:    "ACME",
		ExpectedReturn:  decimal.RequireFromString("0.0125"),
		ConfidenceLevel: 0.55,
		ModelVersion:    "v1",
		DataPoints:      120,
	}}))
	assert.Contains(t, buf.String(), "1.250")
	assert.Contains(t, buf.String(), "ACME")
}

type fakeFetcher struct {
	bars map[string][]market.PriceBar
	errs map[string]error
}

func (f *fakeFetcher) FetchCandles(_ context.Context, id string, _, _ time.Time) ([]market.PriceBar, error) {
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return f.bars[id], nil
}

type fakeBarStore struct {
	storage.PriceBarStore
	mu      sync.Mutex
	written map[string]int
}

func (f *fakeBarStore) UpsertPriceBars(_ context.Context, id string, bars []market.PriceBar) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[id] += len(bars)
	return len(bars), nil
}

func (f *fakeBarStore) CountPriceBars(_ context.Context, id string) (int64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.written[id]), time.Time{}, nil
}

func TestBackfillWritesAndReportsFailures(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	bar := market.PriceBar{Timestamp: time.Now(), Open: decimal.NewFromInt(1), High: decimal.NewFromInt(1), Low: decimal.NewFromInt(1), Close: decimal.NewFromInt(1)}
	src := &fakeFetcher{
		bars: map[string][]market.PriceBar{"ACME": {bar, bar}},
		errs: map[string]error{"EMPTY": fetcher.ErrNoData, "BROKEN": errors.New("boom")},
	}
	dst := &fakeBarStore{written: map[string]int{}}
	opts := BackfillOptions{From: time.Now().Add(-time.Hour), To: time.Now(), Workers: 2}

	require.NoError(t, a.backfill(context.Background(), src, dst, []string{"ACME", "EMPTY"}, opts))
	assert.Equal(t, 2, dst.written["ACME"])

	err := a.backfill(context.Background(), src, dst, []string{"ACME", "BROKEN"}, opts)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "1 instruments failed"))
}

func TestSimulateAlertSendsTelegram(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Alerting = config.AlertingConfig{
		Enabled:         true,
		ReturnThreshold: 0.02,
		MinConfidence:   0.5,
		Telegram:        config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c", APIBase: srv.URL},
	}
	a := NewApp(cfg, zerolog.Nop())

	err := a.SimulateAlert(context.Background(), SimulateOptions{Instrument: "ACME", ExpectedReturn: decimal.RequireFromString("-0.03"), Confidence: 0.9})
	require.NoError(t, err)
	assert.Contains(t, got["text"], "Direction: down")
	assert.Contains(t, got["text"], "(simulated)")

	got = nil
	err = a.SimulateAlert(context.Background(), SimulateOptions{Instrument: "ACME", ExpectedReturn: decimal.RequireFromString("0.001"), Confidence: 0.9})
	require.NoError(t, err)
	assert.Nil(t, got)
}
