package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ar-forecast/internal/forecast"
)

func sampleNote() Notification {
	return Notification{
		InstrumentID:      "AAPL",
		ForecastTimestamp: time.Date(2024, 6, 4, 21, 30, 0, 0, time.UTC),
		ExpectedReturn:    decimal.RequireFromString("0.0250"),
		Confidence:        0.72,
		ThresholdPct:      decimal.NewFromInt(2),
		Direction:         "up",
		ModelVersion:      "v2",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("telegram notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "Expected return: 2.500% (threshold 2.000%)") {
		t.Fatalf("unexpected text: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestPolicyEvaluate(t *testing.T) {
	p := Policy{ReturnThreshold: decimal.RequireFromString("0.02"), MinConfidence: 0.5, Channels: []string{"telegram"}}

	cases := []struct {
		name       string
		ret        string
		confidence float64
		alert      bool
		direction  string
	}{
		{"above threshold", "0.03", 0.6, true, "up"},
		{"negative above threshold", "-0.02", 0.6, true, "down"},
		{"below threshold", "0.019", 0.9, false, ""},
		{"low confidence", "0.05", 0.4, false, ""},
	}
	for _, tc := range cases {
		res := &forecast.Result{
			InstrumentID:    "AAPL",
			ExpectedReturn:  decimal.RequireFromString(tc.ret),
			ConfidenceLevel: tc.confidence,
		}
		note, ok := p.Evaluate(res)
		if ok != tc.alert {
			t.Fatalf("%s: expected alert=%v", tc.name, tc.alert)
		}
		if ok && (note.Direction != tc.direction || !note.ThresholdPct.Equal(decimal.NewFromInt(2))) {
			t.Fatalf("%s: unexpected notification %+v", tc.name, note)
		}
	}

	if _, ok := p.Evaluate(nil); ok {
		t.Fatal("nil result should not alert")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
