package armodel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source loads the current model for an instrument.
type Source interface {
	Model(ctx context.Context, instrumentID string) (*ARModel, error)
}

type cacheKey struct {
	instrument string
	version    string
}

// Cache is a read-through model cache keyed by instrument and version.
// Invalidate, Purge and Put advance a generation; loads started under an
// older generation are returned to their callers but never installed.
type Cache struct {
	source  Source
	logger  zerolog.Logger
	group   singleflight.Group
	mu      sync.RWMutex
	models  map[cacheKey]*ARModel
	current map[string]string
	gens    map[string]uint64
	epoch   uint64
}

// NewCache wraps a source.
func NewCache(source Source, logger zerolog.Logger) *Cache {
	return &Cache{
		source:  source,
		logger:  logger.With().Str("component", "model_cache").Logger(),
		models:  make(map[cacheKey]*ARModel),
		current: make(map[string]string),
		gens:    make(map[string]uint64),
	}
}

// Model returns the cached current model, loading it on first use.
func (c *Cache) Model(ctx context.Context, instrumentID string) (*ARModel, error) {
	c.mu.RLock()
	version, ok := c.current[instrumentID]
	if ok {
		m := c.models[cacheKey{instrument: instrumentID, version: version}]
		c.mu.RUnlock()
		return m, nil
	}
	epoch, gen := c.epoch, c.gens[instrumentID]
	c.mu.RUnlock()

	key := fmt.Sprintf("%s#%d.%d", instrumentID, epoch, gen)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		m, err := c.source.Model(ctx, instrumentID)
		if err != nil {
			return nil, err
		}
		if m.InstrumentID() != instrumentID {
			return nil, fmt.Errorf("model source returned %s for %s", m.InstrumentID(), instrumentID)
		}
		c.storeIfCurrent(m, epoch, gen)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ARModel), nil
}

// Version returns a previously cached version of a model.
func (c *Cache) Version(instrumentID, version string) (*ARModel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[cacheKey{instrument: instrumentID, version: version}]
	return m, ok
}

// Put installs a model as the current version for its instrument.
func (c *Cache) Put(m *ARModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[m.InstrumentID()]++
	c.install(m)
}

func (c *Cache) storeIfCurrent(m *ARModel, epoch, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.gens[m.InstrumentID()] != gen {
		c.logger.Debug().Str("instrument", m.InstrumentID()).
			Str("version", m.Version()).
			Msg("dropping model loaded before invalidation")
		return
	}
	c.install(m)
}

// install requires c.mu held for writing.
func (c *Cache) install(m *ARModel) {
	c.models[cacheKey{instrument: m.InstrumentID(), version: m.Version()}] = m
	c.current[m.InstrumentID()] = m.Version()
	if lags := m.SuspiciousLags(); len(lags) > 0 {
		c.logger.Warn().Str("instrument", m.InstrumentID()).
			Str("version", m.Version()).
			Ints("lags", lags).
			Msg("model has coefficients with magnitude above 1.5")
	}
}

// Invalidate drops every cached version for an instrument.
func (c *Cache) Invalidate(instrumentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.models {
		if key.instrument == instrumentID {
			delete(c.models, key)
		}
	}
	delete(c.current, instrumentID)
	c.gens[instrumentID]++
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = make(map[cacheKey]*ARModel)
	c.current = make(map[string]string)
	c.epoch++
}

// StaticSource serves models built once from master data.
type StaticSource struct {
	models map[string]*ARModel
}

// NewStaticSource indexes models by instrument; later duplicates win.
func NewStaticSource(models ...*ARModel) *StaticSource {
	idx := make(map[string]*ARModel, len(models))
	for _, m := range models {
		idx[m.InstrumentID()] = m
	}
	return &StaticSource{models: idx}
}

// Model implements Source.
func (s *StaticSource) Model(_ context.Context, instrumentID string) (*ARModel, error) {
	m, ok := s.models[instrumentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, instrumentID)
	}
	return m, nil
}

// FallbackSource tries each source in order and skips those reporting ErrModelNotFound.
type FallbackSource []Source

// Model implements Source.
func (f FallbackSource) Model(ctx context.Context, instrumentID string) (*ARModel, error) {
	for _, s := range f {
		if s == nil {
			continue
		}
		m, err := s.Model(ctx, instrumentID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrModelNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, instrumentID)
}

var _ Source = (*Cache)(nil)
var _ Source = (*StaticSource)(nil)
var _ Source = FallbackSource(nil)
