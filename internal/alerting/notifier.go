package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ar-forecast/internal/forecast"
)

// Notification carries one forecast alert.
type Notification struct {
	InstrumentID      string
	ForecastTimestamp time.Time
	ExpectedReturn    decimal.Decimal
	Confidence        float64
	ThresholdPct      decimal.Decimal
	Direction         string
	ModelVersion      string
	Channels          []string
	AdditionalMsg     string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Policy decides which forecasts are worth an alert.
type Policy struct {
	ReturnThreshold decimal.Decimal
	MinConfidence   float64
	Channels        []string
}

// Evaluate returns a notification when |expected return| reaches the threshold at sufficient confidence.
func (p Policy) Evaluate(res *forecast.Result) (Notification, bool) {
	if res == nil {
		return Notification{}, false
	}
	if res.ExpectedReturn.Abs().LessThan(p.ReturnThreshold) || res.ConfidenceLevel < p.MinConfidence {
		return Notification{}, false
	}
	return Notification{
		InstrumentID:      res.InstrumentID,
		ForecastTimestamp: res.ForecastTimestamp,
		ExpectedReturn:    res.ExpectedReturn,
		Confidence:        res.ConfidenceLevel,
		ThresholdPct:      p.ReturnThreshold.Mul(decimal.NewFromInt(100)),
		Direction:         Direction(res.ExpectedReturn),
		ModelVersion:      res.Metrics.ModelVersion,
		Channels:          p.Channels,
	}, true
}

// Direction classifies a return as up, down or flat.
func Direction(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "up"
	case -1:
		return "down"
	default:
		return "flat"
	}
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("instrument", note.InstrumentID).
		Str("direction", note.Direction).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes alerts to the log instead of an external channel.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a notifier that only logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("instrument", note.InstrumentID).
		Str("expected_return", note.ExpectedReturn.String()).
		Float64("confidence", note.Confidence).
		Str("direction", note.Direction).
		Msg("forecast alert")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[AR Forecast Alert]\n")
	builder.WriteString(fmt.Sprintf("Instrument: %s\n", note.InstrumentID))
	builder.WriteString(fmt.Sprintf("Target: %s UTC\n", note.ForecastTimestamp.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Expected return: %s%% (threshold %s%%)\n",
		note.ExpectedReturn.Mul(decimal.NewFromInt(100)).StringFixed(3), note.ThresholdPct.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Confidence: %.2f\n", note.Confidence))
	builder.WriteString(fmt.Sprintf("Direction: %s\n", note.Direction))
	if note.ModelVersion != "" {
		builder.WriteString(fmt.Sprintf("Model: %s\n", note.ModelVersion))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
var _ Notifier = (*LogNotifier)(nil)
