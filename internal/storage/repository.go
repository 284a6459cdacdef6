package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ar-forecast/internal/armodel"
	"ar-forecast/internal/forecast"
	"ar-forecast/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPriceBarSQL = `INSERT INTO price_bars (
        instrument_id,
        bar_ts,
        open_price,
        high_price,
        low_price,
        close_price,
        volume
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (instrument_id, bar_ts) DO UPDATE
    SET
        open_price  = EXCLUDED.open_price,
        high_price  = EXCLUDED.high_price,
        low_price   = EXCLUDED.low_price,
        close_price = EXCLUDED.close_price,
        volume      = EXCLUDED.volume;`

	listPriceBarsSQL = `SELECT
        bar_ts,
        open_price::text,
        high_price::text,
        low_price::text,
        close_price::text,
        volume::text
    FROM price_bars
    WHERE instrument_id = $1
      AND bar_ts >= $2
      AND bar_ts < $3
    ORDER BY bar_ts;`

	listAllPriceBarsSQL = `SELECT
        bar_ts,
        open_price::text,
        high_price::text,
        low_price::text,
        close_price::text,
        volume::text
    FROM price_bars
    WHERE instrument_id = $1
    ORDER BY bar_ts;`

	countPriceBarsSQL = `SELECT COUNT(*), COALESCE(MAX(bar_ts), 'epoch'::timestamptz) FROM price_bars WHERE instrument_id = $1;`

	upsertModelSQL = `INSERT INTO ar_models (
        instrument_id,
        version,
        ar_order,
        coefficients,
        mean_diff_oc,
        sigma2
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (instrument_id, version) DO UPDATE
    SET
        ar_order     = EXCLUDED.ar_order,
        coefficients = EXCLUDED.coefficients,
        mean_diff_oc = EXCLUDED.mean_diff_oc,
        sigma2       = EXCLUDED.sigma2,
        created_at   = now();`

	latestModelSQL = `SELECT
        instrument_id,
        version,
        ar_order,
        coefficients,
        mean_diff_oc::text,
        sigma2::text
    FROM ar_models
    WHERE instrument_id = $1
    ORDER BY created_at DESC
    LIMIT 1;`

	insertUsageSQL = `INSERT INTO model_usage (instrument_id, model_version, used_at) VALUES ($1,$2,$3);`

	insertForecastSQL = `INSERT INTO forecasts (
        id,
        instrument_id,
        forecast_ts,
        expected_return,
        confidence_level,
        model_version,
        ar_order,
        data_points,
        data_range_start,
        data_range_end,
        mean_squared_error,
        standard_error,
        duration_ms,
        calculations
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    );`

	listRecentForecastsSQL = `SELECT
        id::text,
        instrument_id,
        forecast_ts,
        expected_return::text,
        confidence_level,
        model_version,
        ar_order,
        data_points,
        data_range_start,
        data_range_end,
        mean_squared_error::text,
        standard_error::text,
        duration_ms,
        calculations,
        created_at
    FROM forecasts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceBarStore persists daily bars.
type PriceBarStore interface {
	UpsertPriceBars(ctx context.Context, instrumentID string, bars []market.PriceBar) (int, error)
	PriceBars(ctx context.Context, instrumentID string, from, to time.Time) ([]market.PriceBar, error)
	PriceHistory(ctx context.Context, instrumentID string) ([]market.PriceBar, error)
	CountPriceBars(ctx context.Context, instrumentID string) (int64, time.Time, error)
}

// ModelStore persists AR model master data.
type ModelStore interface {
	UpsertModel(ctx context.Context, model *armodel.ARModel) error
	Model(ctx context.Context, instrumentID string) (*armodel.ARModel, error)
}

// ForecastStore persists forecast results.
type ForecastStore interface {
	InsertForecast(ctx context.Context, record ForecastRecord) error
	ListRecentForecasts(ctx context.Context, limit int) ([]ForecastRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to bars, models, usage events and forecasts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPriceBars writes bars in one batch and returns how many rows were written.
func (s *Store) UpsertPriceBars(ctx context.Context, instrumentID string, bars []market.PriceBar) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(upsertPriceBarSQL,
			instrumentID,
			b.Timestamp.UTC(),
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume.String(),
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range bars {
		if _, execErr := results.Exec(); execErr != nil {
			return i, fmt.Errorf("upsert price bar %s: %w", bars[i].Timestamp.UTC().Format(time.RFC3339), execErr)
		}
	}
	return len(bars), nil
}

// PriceBars lists bars in [from, to).
func (s *Store) PriceBars(ctx context.Context, instrumentID string, from, to time.Time) ([]market.PriceBar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPriceBarsSQL, instrumentID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price bars: %w", queryErr)
	}
	return collectPriceBars(rows)
}

// PriceHistory lists every stored bar of an instrument.
func (s *Store) PriceHistory(ctx context.Context, instrumentID string) ([]market.PriceBar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listAllPriceBarsSQL, instrumentID)
	if queryErr != nil {
		return nil, fmt.Errorf("list price history: %w", queryErr)
	}
	return collectPriceBars(rows)
}

// CountPriceBars returns the number of stored bars and the latest bar timestamp.
func (s *Store) CountPriceBars(ctx context.Context, instrumentID string) (int64, time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, time.Time{}, err
	}
	var (
		count  int64
		latest time.Time
	)
	if scanErr := pool.QueryRow(ctx, countPriceBarsSQL, instrumentID).Scan(&count, &latest); scanErr != nil {
		return 0, time.Time{}, fmt.Errorf("count price bars: %w", scanErr)
	}
	return count, latest, nil
}

// UpsertModel persists a model version.
func (s *Store) UpsertModel(ctx context.Context, model *armodel.ARModel) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	coefs := make([]string, 0, model.Order())
	for _, c := range model.Coefficients() {
		coefs = append(coefs, c.String())
	}
	payload, err := json.Marshal(coefs)
	if err != nil {
		return fmt.Errorf("marshal coefficients: %w", err)
	}

	if _, execErr := pool.Exec(ctx, upsertModelSQL,
		model.InstrumentID(),
		model.Version(),
		model.Order(),
		payload,
		model.MeanDiffOC().String(),
		model.Sigma2().String(),
	); execErr != nil {
		return fmt.Errorf("upsert model: %w", execErr)
	}
	return nil
}

// Model loads the most recently written model version for an instrument.
func (s *Store) Model(ctx context.Context, instrumentID string) (*armodel.ARModel, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		row     modelRow
		payload []byte
	)
	scanErr := pool.QueryRow(ctx, latestModelSQL, instrumentID).Scan(
		&row.InstrumentID,
		&row.Version,
		&row.Order,
		&payload,
		&row.MeanDiffOC,
		&row.Sigma2,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", armodel.ErrModelNotFound, instrumentID)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("load model: %w", scanErr)
	}
	if err := json.Unmarshal(payload, &row.Coefficients); err != nil {
		return nil, fmt.Errorf("decode coefficients: %w", err)
	}
	return row.toModel()
}

func (r modelRow) toModel() (*armodel.ARModel, error) {
	coefs := make([]decimal.Decimal, len(r.Coefficients))
	for i, raw := range r.Coefficients {
		c, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse coefficient %d: %w", i+1, err)
		}
		coefs[i] = c
	}
	mean, err := decimal.NewFromString(r.MeanDiffOC)
	if err != nil {
		return nil, fmt.Errorf("parse mean diff oc: %w", err)
	}
	sigma2, err := decimal.NewFromString(r.Sigma2)
	if err != nil {
		return nil, fmt.Errorf("parse sigma2: %w", err)
	}
	return armodel.New(armodel.Spec{
		InstrumentID: r.InstrumentID,
		Order:        r.Order,
		Coefficients: armodel.CoefficientsFromSlice(coefs),
		MeanDiffOC:   mean,
		Sigma2:       sigma2,
		Version:      r.Version,
	})
}

// RecordUsage appends a model usage event.
func (s *Store) RecordUsage(ctx context.Context, event armodel.UsageEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertUsageSQL, event.InstrumentID, event.ModelVersion, event.At.UTC()); execErr != nil {
		return fmt.Errorf("record model usage: %w", execErr)
	}
	return nil
}

// NewForecastRecord flattens a forecast result for persistence.
func NewForecastRecord(res *forecast.Result) (ForecastRecord, error) {
	calcs, err := json.Marshal(struct {
		Points     []forecast.Point `json:"points"`
		Projection forecast.Point   `json:"projection"`
	}{res.Calculations, res.Projection})
	if err != nil {
		return ForecastRecord{}, fmt.Errorf("marshal calculations: %w", err)
	}
	m := res.Metrics
	return ForecastRecord{
		ID:                res.ID,
		InstrumentID:      res.InstrumentID,
		ForecastTimestamp: res.ForecastTimestamp,
		ExpectedReturn:    res.ExpectedReturn,
		ConfidenceLevel:   res.ConfidenceLevel,
		ModelVersion:      m.ModelVersion,
		AROrder:           m.AROrder,
		DataPoints:        m.DataPointsUsed,
		DataRangeStart:    m.DataRangeStart,
		DataRangeEnd:      m.DataRangeEnd,
		MeanSquaredError:  m.MeanSquaredError,
		StandardError:     m.StandardError,
		Duration:          m.ExecutionDuration,
		Calculations:      calcs,
	}, nil
}

// InsertForecast persists a forecast.
func (s *Store) InsertForecast(ctx context.Context, rec ForecastRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertForecastSQL,
		rec.ID,
		rec.InstrumentID,
		rec.ForecastTimestamp.UTC(),
		rec.ExpectedReturn.String(),
		rec.ConfidenceLevel,
		rec.ModelVersion,
		rec.AROrder,
		rec.DataPoints,
		rec.DataRangeStart.UTC(),
		rec.DataRangeEnd.UTC(),
		rec.MeanSquaredError.String(),
		rec.StandardError.String(),
		rec.Duration.Milliseconds(),
		[]byte(rec.Calculations),
	)
	if execErr != nil {
		return fmt.Errorf("insert forecast: %w", execErr)
	}
	return nil
}

// ListRecentForecasts lists the newest forecasts first.
func (s *Store) ListRecentForecasts(ctx context.Context, limit int) ([]ForecastRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentForecastsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent forecasts: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ForecastRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanForecast(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

var barColumns = [5]string{"open", "high", "low", "close", "volume"}

func collectPriceBars(rows pgx.Rows) ([]market.PriceBar, error) {
	defer rows.Close()

	bars := make([]market.PriceBar, 0)
	for rows.Next() {
		var (
			ts  time.Time
			raw [5]string
		)
		if err := rows.Scan(&ts, &raw[0], &raw[1], &raw[2], &raw[3], &raw[4]); err != nil {
			return nil, err
		}
		bar, err := parseBar(ts, raw)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bars, nil
}

func parseBar(ts time.Time, raw [5]string) (market.PriceBar, error) {
	var vals [5]decimal.Decimal
	for i, r := range raw {
		v, err := decimal.NewFromString(r)
		if err != nil {
			return market.PriceBar{}, fmt.Errorf("parse %s: %w", barColumns[i], err)
		}
		vals[i] = v
	}
	return market.PriceBar{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func scanForecast(rows pgx.Rows) (ForecastRecord, error) {
	var (
		rec                            ForecastRecord
		expectedStr, mseStr, stdErrStr string
		durationMS                     int64
		calcs                          []byte
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.InstrumentID,
		&rec.ForecastTimestamp,
		&expectedStr,
		&rec.ConfidenceLevel,
		&rec.ModelVersion,
		&rec.AROrder,
		&rec.DataPoints,
		&rec.DataRangeStart,
		&rec.DataRangeEnd,
		&mseStr,
		&stdErrStr,
		&durationMS,
		&calcs,
		&rec.CreatedAt,
	); err != nil {
		return ForecastRecord{}, err
	}

	var err error
	if rec.ExpectedReturn, err = decimal.NewFromString(expectedStr); err != nil {
		return ForecastRecord{}, fmt.Errorf("parse expected return: %w", err)
	}
	if rec.MeanSquaredError, err = decimal.NewFromString(mseStr); err != nil {
		return ForecastRecord{}, fmt.Errorf("parse mean squared error: %w", err)
	}
	if rec.StandardError, err = decimal.NewFromString(stdErrStr); err != nil {
		return ForecastRecord{}, fmt.Errorf("parse standard error: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.Calculations = json.RawMessage(calcs)
	return rec, nil
}

var _ forecast.PriceSource = (*Store)(nil)
var _ armodel.Source = (*Store)(nil)
var _ armodel.UsageRecorder = (*Store)(nil)
var _ PriceBarStore = (*Store)(nil)
var _ ModelStore = (*Store)(nil)
var _ ForecastStore = (*Store)(nil)
var _ AdvisoryLocker = (*Store)(nil)
