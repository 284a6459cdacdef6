package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ar-forecast/internal/alerting"
	"ar-forecast/internal/armodel"
	"ar-forecast/internal/forecast"
	"ar-forecast/internal/market"
	"ar-forecast/internal/metrics"
	"ar-forecast/internal/refdata"
	"ar-forecast/internal/scheduler"
	"ar-forecast/internal/storage"
)

// Options configure a Service.
type Options struct {
	Instruments   []string
	HistoryWindow time.Duration
	Concurrency   int
	// DeriveMean lists instruments whose mean ΔOC is resolved from the full stored history,
	// or from the loaded window when no History source is configured.
	DeriveMean    []string
	AdvisoryLock  int64
	AlertsEnabled bool
	AlertPolicy   alerting.Policy
}

// HistorySource lists every stored bar of an instrument.
type HistorySource interface {
	PriceHistory(ctx context.Context, instrumentID string) ([]market.PriceBar, error)
}

// Dependencies are the collaborators a Service drives. Only Prices and Models are required.
type Dependencies struct {
	Prices     forecast.PriceSource
	History    HistorySource
	Models     armodel.Source
	Forecaster *forecast.Forecaster
	Means      *refdata.Resolver
	Forecasts  storage.ForecastStore
	Notifier   alerting.Notifier
	Metrics    *metrics.Recorder
	Locker     storage.AdvisoryLocker
	Scheduler  *scheduler.Scheduler
}

// Service orchestrates loading, forecasting, persistence and alerting.
type Service struct {
	opts       Options
	deps       Dependencies
	deriveMean map[string]struct{}
	logger     zerolog.Logger
}

// RunReport summarises one pass over the configured instruments.
type RunReport struct {
	At        time.Time
	Results   []*forecast.Result
	Failed    map[string]error
	Alerted   int
	Persisted int
}

// New constructs the forecasting service.
func New(opts Options, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	if deps.Prices == nil {
		return nil, errors.New("service: price source is required")
	}
	if deps.Models == nil {
		return nil, errors.New("service: model source is required")
	}
	if opts.HistoryWindow <= 0 {
		return nil, errors.New("service: history window must be positive")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if deps.Forecaster == nil {
		deps.Forecaster = forecast.NewForecaster(forecast.Options{}, logger)
	}

	derive := make(map[string]struct{}, len(opts.DeriveMean))
	for _, id := range opts.DeriveMean {
		derive[id] = struct{}{}
	}
	if len(derive) > 0 && deps.Means == nil {
		deps.Means = refdata.NewResolver(refdata.NewMemoryStore(), logger)
	}

	return &Service{
		opts:       opts,
		deps:       deps,
		deriveMean: derive,
		logger:     logger.With().Str("component", "service").Logger(),
	}, nil
}

// Run drives RunOnce from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick runs one scheduled pass under the advisory lock.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report, err := s.RunOnce(ctx, at)
	s.deps.Metrics.RecordRun(at)
	if report != nil {
		s.logger.Info().Time("at", at).
			Int("forecasts", len(report.Results)).
			Int("failed", len(report.Failed)).
			Int("alerts", report.Alerted).
			Msg("run completed")
	}
	return err
}

// RunOnce forecasts every configured instrument concurrently. One instrument failing does not stop the others;
// failures are returned joined.
func (s *Service) RunOnce(ctx context.Context, at time.Time) (*RunReport, error) {
	report := &RunReport{At: at, Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, id := range s.opts.Instruments {
		id := id
		g.Go(func() error {
			res, err := s.ForecastInstrument(gctx, id, at)
			if err != nil {
				s.logger.Error().Err(err).Str("instrument", id).Msg("forecast failed")
				mu.Lock()
				report.Failed[id] = err
				mu.Unlock()
				return nil
			}
			persisted := s.persist(gctx, res)
			alerted := s.alert(gctx, res)

			mu.Lock()
			report.Results = append(report.Results, res)
			if persisted {
				report.Persisted++
			}
			if alerted {
				report.Alerted++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Failed) == 0 {
		return report, nil
	}
	errs := make([]error, 0, len(report.Failed))
	for _, id := range s.opts.Instruments {
		if err, ok := report.Failed[id]; ok {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return report, errors.Join(errs...)
}

// ForecastInstrument loads the history window ending at `at` and runs one forecast.
func (s *Service) ForecastInstrument(ctx context.Context, instrumentID string, at time.Time) (*forecast.Result, error) {
	res, err := s.forecast(ctx, instrumentID, at)
	if err != nil {
		s.deps.Metrics.RecordFailure(instrumentID, outcome(err))
		return nil, err
	}
	s.deps.Metrics.RecordForecast(instrumentID,
		res.ExpectedReturn.InexactFloat64(),
		res.ConfidenceLevel,
		res.Metrics.ExecutionDuration)
	return res, nil
}

func (s *Service) forecast(ctx context.Context, instrumentID string, at time.Time) (*forecast.Result, error) {
	bars, err := s.deps.Prices.PriceBars(ctx, instrumentID, at.Add(-s.opts.HistoryWindow), at)
	if err != nil {
		return nil, fmt.Errorf("load price bars: %w", err)
	}

	model, err := s.deps.Models.Model(ctx, instrumentID)
	if err != nil {
		if errors.Is(err, armodel.ErrModelNotFound) {
			return nil, fmt.Errorf("%w: %w", forecast.ErrMissingModel, err)
		}
		return nil, fmt.Errorf("load model: %w", err)
	}

	if _, ok := s.deriveMean[instrumentID]; ok && len(bars) >= 2 {
		mean, err := s.resolveMean(ctx, instrumentID, bars)
		if err != nil {
			return nil, err
		}
		model = model.WithMeanDiffOC(mean)
	}

	return s.deps.Forecaster.Execute(ctx, instrumentID, bars, model)
}

// resolveMean derives the mean from the full stored history when one is available, else from the window.
func (s *Service) resolveMean(ctx context.Context, instrumentID string, window []market.PriceBar) (decimal.Decimal, error) {
	bars := window
	if s.deps.History != nil {
		history, err := s.deps.History.PriceHistory(ctx, instrumentID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("load price history: %w", err)
		}
		if len(history) >= 2 {
			bars = history
		}
	}
	return s.deps.Means.Mean(ctx, instrumentID, bars)
}

func (s *Service) persist(ctx context.Context, res *forecast.Result) bool {
	if s.deps.Forecasts == nil {
		return false
	}
	rec, err := storage.NewForecastRecord(res)
	if err != nil {
		s.logger.Error().Err(err).Str("instrument", res.InstrumentID).Msg("failed to encode forecast")
		return false
	}
	if err := s.deps.Forecasts.InsertForecast(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("instrument", res.InstrumentID).Msg("failed to persist forecast")
		return false
	}
	return true
}

func (s *Service) alert(ctx context.Context, res *forecast.Result) bool {
	if !s.opts.AlertsEnabled || s.deps.Notifier == nil {
		return false
	}
	note, ok := s.opts.AlertPolicy.Evaluate(res)
	if !ok {
		return false
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("instrument", res.InstrumentID).Msg("failed to dispatch alert")
		return false
	}
	for _, ch := range note.Channels {
		s.deps.Metrics.RecordAlert(ch)
	}
	return true
}

func outcome(err error) string {
	switch {
	case forecast.IsValidation(err):
		return metrics.OutcomeInvalid
	case forecast.IsDataIntegrity(err):
		return metrics.OutcomeIntegrity
	default:
		return metrics.OutcomeError
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLock == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLock)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
