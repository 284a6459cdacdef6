package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for forecasts_total.
const (
	OutcomeSuccess   = "success"
	OutcomeInvalid   = "invalid"
	OutcomeIntegrity = "integrity"
	OutcomeError     = "error"
)

// Recorder publishes forecast metrics to a Prometheus registry.
type Recorder struct {
	registry       *prometheus.Registry
	forecasts      *prometheus.CounterVec
	expectedReturn *prometheus.GaugeVec
	confidence     *prometheus.GaugeVec
	duration       *prometheus.HistogramVec
	alertsSent     *prometheus.CounterVec
	lastRun        prometheus.Gauge
}

// New creates a recorder on its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		forecasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arforecast_forecasts_total",
				Help: "Total number of forecasts by outcome",
			},
			[]string{"instrument", "outcome"},
		),
		expectedReturn: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arforecast_expected_return",
				Help: "Latest expected next-period return",
			},
			[]string{"instrument"},
		),
		confidence: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arforecast_confidence_level",
				Help: "Latest forecast confidence in [0, 1]",
			},
			[]string{"instrument"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arforecast_forecast_duration_seconds",
				Help:    "Duration of forecast executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instrument"},
		),
		alertsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arforecast_alerts_sent_total",
				Help: "Total number of alerts sent per channel",
			},
			[]string{"channel"},
		),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arforecast_last_run_timestamp_seconds",
			Help: "Unix time of the last completed scheduled run",
		}),
	}
}

// RecordForecast records a successful forecast.
func (r *Recorder) RecordForecast(instrument string, expectedReturn, confidence float64, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.forecasts.WithLabelValues(instrument, OutcomeSuccess).Inc()
	r.expectedReturn.WithLabelValues(instrument).Set(expectedReturn)
	r.confidence.WithLabelValues(instrument).Set(confidence)
	r.duration.WithLabelValues(instrument).Observe(elapsed.Seconds())
}

// RecordFailure records a forecast that did not produce a result.
func (r *Recorder) RecordFailure(instrument, outcome string) {
	if r == nil {
		return
	}
	r.forecasts.WithLabelValues(instrument, outcome).Inc()
}

// RecordAlert records a delivered alert.
func (r *Recorder) RecordAlert(channel string) {
	if r == nil {
		return
	}
	r.alertsSent.WithLabelValues(channel).Inc()
}

// RecordRun marks the completion time of a scheduled run.
func (r *Recorder) RecordRun(at time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
