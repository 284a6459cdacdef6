package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ar-forecast/internal/alerting"
	"ar-forecast/internal/armodel"
	"ar-forecast/internal/config"
	"ar-forecast/internal/fetcher"
	"ar-forecast/internal/forecast"
	"ar-forecast/internal/market"
	"ar-forecast/internal/metrics"
	"ar-forecast/internal/refdata"
	"ar-forecast/internal/scheduler"
	"ar-forecast/internal/service"
	"ar-forecast/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newCandleFetcher() *fetcher.Candles {
	p := a.Config.Provider
	return fetcher.NewCandles(fetcher.CandleOptions{
		BaseURL:        p.BaseURL,
		APIKey:         p.APIKey,
		Resolution:     p.Resolution,
		Timeout:        p.RequestTimeout,
		UserAgent:      p.UserAgent,
		RequestsPerSec: p.RequestsPerSec,
		Burst:          p.Burst,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	if a.Config.Alerting.Enabled {
		return alerting.NewLogNotifier(a.Logger)
	}
	return nil
}

func (a *App) alertPolicy() alerting.Policy {
	return alerting.Policy{
		ReturnThreshold: decimal.NewFromFloat(a.Config.Alerting.ReturnThreshold),
		MinConfidence:   a.Config.Alerting.MinConfidence,
		Channels:        a.Config.Alerting.Channels,
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil || store == nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) openMeanStore(ctx context.Context) (refdata.MeanStore, func(), error) {
	r := a.Config.Redis
	if r.Addr == "" {
		return refdata.NewMemoryStore(), func() {}, nil
	}
	store, closeFn, err := refdata.NewRedisStore(ctx, refdata.RedisOptions{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
		TTL:      r.TTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = closeFn() }, nil
}

// configuredModels builds models from master data and lists instruments whose mean comes from history.
func (a *App) configuredModels() ([]*armodel.ARModel, []string, error) {
	models := make([]*armodel.ARModel, 0, len(a.Config.Models))
	var derive []string
	for _, mc := range a.Config.Models {
		m, err := modelFromConfig(mc)
		if err != nil {
			return nil, nil, err
		}
		if mc.MeanDiffOC == "" {
			derive = append(derive, mc.InstrumentID)
		}
		models = append(models, m)
	}
	return models, derive, nil
}

func modelFromConfig(mc config.ModelConfig) (*armodel.ARModel, error) {
	coefs := make([]decimal.Decimal, len(mc.Coefficients))
	for i, c := range mc.Coefficients {
		coefs[i] = decimal.NewFromFloat(c)
	}
	mean := decimal.Zero
	if mc.MeanDiffOC != "" {
		var err error
		if mean, err = decimal.NewFromString(mc.MeanDiffOC); err != nil {
			return nil, fmt.Errorf("models[%s].mean_diff_oc: %w", mc.InstrumentID, err)
		}
	}
	order := mc.Order
	if order == 0 {
		order = len(coefs)
	}
	return armodel.New(armodel.Spec{
		InstrumentID: mc.InstrumentID,
		Order:        order,
		Coefficients: armodel.CoefficientsFromSlice(coefs),
		MeanDiffOC:   mean,
		Sigma2:       decimal.NewFromFloat(mc.Sigma2),
		Version:      mc.Version,
	})
}

// session bundles the collaborators shared by the service-backed commands.
type session struct {
	store   *storage.Store
	service *service.Service
	cache   *armodel.Cache
	usage   *armodel.UsageTracker
	metrics *metrics.Recorder
	closers []func()
}

func (r *session) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// newSession opens storage and reference data and wires a Service. A missing database falls back to
// fetching bars from the candle provider and keeping results in memory.
func (a *App) newSession(ctx context.Context, sched *scheduler.Scheduler, rec *metrics.Recorder) (*session, error) {
	rt := &session{metrics: rec, usage: armodel.NewUsageTracker(a.Config.Forecast.UsageLogSize)}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}
	rt.store = store

	meanStore, closeMeans, err := a.openMeanStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeMeans)

	models, derive, err := a.configuredModels()
	if err != nil {
		rt.Close()
		return nil, err
	}

	sources := armodel.FallbackSource{armodel.NewStaticSource(models...)}
	recorders := armodel.MultiRecorder{rt.usage}
	var (
		prices    forecast.PriceSource = &fetcherPrices{fetcher: a.newCandleFetcher()}
		history   service.HistorySource
		forecasts storage.ForecastStore
		locker    storage.AdvisoryLocker
	)
	if store != nil {
		sources = append(sources, store)
		recorders = append(recorders, store)
		prices = store
		history = store
		forecasts = store
		locker = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; reading bars from provider, persistence disabled")
	}
	rt.cache = armodel.NewCache(sources, a.Logger)

	forecaster := forecast.NewForecaster(forecast.Options{Usage: recorders}, a.Logger)
	svc, err := service.New(service.Options{
		Instruments:   a.Config.Forecast.Instruments,
		HistoryWindow: a.Config.Forecast.HistoryWindow,
		Concurrency:   a.Config.Forecast.Concurrency,
		DeriveMean:    derive,
		AdvisoryLock:  a.Config.Scheduler.AdvisoryLockKey,
		AlertsEnabled: a.Config.Alerting.Enabled,
		AlertPolicy:   a.alertPolicy(),
	}, service.Dependencies{
		Prices:     prices,
		History:    history,
		Models:     rt.cache,
		Forecaster: forecaster,
		Means:      refdata.NewResolver(meanStore, a.Logger),
		Forecasts:  forecasts,
		Notifier:   a.newNotifier(),
		Metrics:    rec,
		Locker:     locker,
		Scheduler:  sched,
	}, a.Logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.service = svc
	return rt, nil
}

// syncModels writes master-data models that carry an explicit mean into the model table.
func (a *App) syncModels(ctx context.Context, store storage.ModelStore) {
	if store == nil {
		return
	}
	for _, mc := range a.Config.Models {
		if mc.MeanDiffOC == "" {
			continue
		}
		m, err := modelFromConfig(mc)
		if err != nil {
			continue
		}
		if err := store.UpsertModel(ctx, m); err != nil {
			a.Logger.Error().Err(err).Str("instrument", mc.InstrumentID).Msg("failed to sync model")
		}
	}
}

// Run executes the long-running forecasting service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		Offset:       a.Config.Scheduler.Offset,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	rec := metrics.New()
	rt, err := a.newSession(ctx, sched, rec)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.store != nil {
		a.syncModels(ctx, rt.store)
	}

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(rec), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.Logger.Info().Str("addr", addr).Msg("serving metrics")
	}

	a.Logger.Info().Strs("instruments", a.Config.Forecast.Instruments).Msg("starting forecasting service")
	err = rt.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("forecasting service stopped")
	return nil
}

func metricsMux(rec *metrics.Recorder) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	return mux
}

// fetcherPrices adapts a candle fetcher to forecast.PriceSource when no database is configured.
type fetcherPrices struct {
	fetcher fetcher.CandleFetcher
}

func (f *fetcherPrices) PriceBars(ctx context.Context, instrumentID string, from, to time.Time) ([]market.PriceBar, error) {
	return f.fetcher.FetchCandles(ctx, instrumentID, from, to)
}

// ForecastOptions configure the forecast command.
type ForecastOptions struct {
	Instrument string
	At         time.Time
	JSON       bool
	Persist    bool
}

// MeanOptions configure the mean command.
type MeanOptions struct {
	Instrument string
}

// ExportOptions hold parameters for exporting a calculation trace.
type ExportOptions struct {
	Instrument string
	At         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Instruments []string
	From        time.Time
	To          time.Time
	DryRun      bool
	Workers     int
}

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	Instrument     string
	ExpectedReturn decimal.Decimal
	Confidence     float64
}
