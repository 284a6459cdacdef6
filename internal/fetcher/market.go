package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"ar-forecast/internal/market"
)

const candlePath = "/stock/candle"

// ErrNoData is returned when the provider reports no candles for the requested range.
var ErrNoData = errors.New("fetcher: no candles in range")

// CandleOptions parameterise the candle provider client.
type CandleOptions struct {
	BaseURL        string
	APIKey         string
	Resolution     string
	Timeout        time.Duration
	UserAgent      string
	RequestsPerSec float64
	Burst          int
}

// Candles fetches daily OHLCV bars from an HTTP candle provider.
type Candles struct {
	opts    CandleOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewCandles constructs a candle fetcher.
func NewCandles(opts CandleOptions, logger zerolog.Logger) *Candles {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://finnhub.io/api/v1"
	}
	if opts.Resolution == "" {
		opts.Resolution = "D"
	}

	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Candles{
		opts:    opts,
		logger:  logger.With().Str("component", "candle_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		baseURL: baseURL,
	}
}

// FetchCandles retrieves bars in [from, to], validating each one.
func (c *Candles) FetchCandles(ctx context.Context, instrumentID string, from, to time.Time) ([]market.PriceBar, error) {
	if strings.TrimSpace(instrumentID) == "" {
		return nil, errors.New("instrument id required")
	}
	if !to.After(from) {
		return nil, fmt.Errorf("invalid range %s..%s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	q := url.Values{}
	q.Set("symbol", instrumentID)
	q.Set("resolution", c.opts.Resolution)
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	if c.opts.APIKey != "" {
		q.Set("token", c.opts.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+candlePath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "arforecast/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var body candleResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	bars, err := body.toBars()
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", instrumentID, err)
	}
	c.logger.Debug().
		Str("instrument", instrumentID).
		Int("bars", len(bars)).
		Msg("fetched candles")
	return bars, nil
}

// candleResponse is the provider's columnar layout: one array per field, aligned by index.
type candleResponse struct {
	Status string            `json:"s"`
	Open   []decimal.Decimal `json:"o"`
	High   []decimal.Decimal `json:"h"`
	Low    []decimal.Decimal `json:"l"`
	Close  []decimal.Decimal `json:"c"`
	Volume []decimal.Decimal `json:"v"`
	Time   []int64           `json:"t"`
}

func (r candleResponse) toBars() ([]market.PriceBar, error) {
	switch r.Status {
	case "ok":
	case "no_data":
		return nil, ErrNoData
	default:
		return nil, fmt.Errorf("unexpected status %q", r.Status)
	}

	n := len(r.Time)
	for name, col := range map[string]int{"o": len(r.Open), "h": len(r.High), "l": len(r.Low), "c": len(r.Close), "v": len(r.Volume)} {
		if col != n {
			return nil, fmt.Errorf("column %s has %d values, want %d", name, col, n)
		}
	}

	bars := make([]market.PriceBar, n)
	for i := 0; i < n; i++ {
		bars[i] = market.PriceBar{
			Timestamp: time.Unix(r.Time[i], 0).UTC(),
			Open:      r.Open[i],
			High:      r.High[i],
			Low:       r.Low[i],
			Close:     r.Close[i],
			Volume:    r.Volume[i],
		}
	}
	if err := market.ValidateAll(bars); err != nil {
		return nil, err
	}
	return bars, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("candle api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("candle api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("candle api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("candle api error (%d)", status)
}

var _ CandleFetcher = (*Candles)(nil)
