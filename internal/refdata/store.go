package refdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrCacheMiss is returned when no mean is stored for a key.
var ErrCacheMiss = errors.New("refdata: cache miss")

// Key identifies a reference value: one instrument at one dataset version.
type Key struct {
	InstrumentID   string
	DatasetVersion string
}

func (k Key) String() string {
	return k.InstrumentID + ":" + k.DatasetVersion
}

// MeanStore keeps mean ΔOC values.
type MeanStore interface {
	GetMean(ctx context.Context, key Key) (decimal.Decimal, error)
	PutMean(ctx context.Context, key Key, mean decimal.Decimal) error
}

// MemoryStore keeps means in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key]decimal.Decimal
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]decimal.Decimal)}
}

func (s *MemoryStore) GetMean(_ context.Context, key Key) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return decimal.Zero, ErrCacheMiss
	}
	return v, nil
}

func (s *MemoryStore) PutMean(_ context.Context, key Key, mean decimal.Decimal) error {
	s.mu.Lock()
	s.values[key] = mean
	s.mu.Unlock()
	return nil
}

// redisKV is the subset of the redis client used by RedisStore.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps means in Redis as decimal strings.
type RedisStore struct {
	client redisKV
	prefix string
	ttl    time.Duration
}

// RedisOptions configures a Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, func() error, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisStore(client, opts.Prefix, opts.TTL), client.Close, nil
}

func newRedisStore(client redisKV, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) wrapKey(key Key) string {
	parts := []string{"mean_diff_oc", key.InstrumentID, key.DatasetVersion}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (s *RedisStore) GetMean(ctx context.Context, key Key) (decimal.Decimal, error) {
	raw, err := s.client.Get(ctx, s.wrapKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, ErrCacheMiss
		}
		return decimal.Zero, fmt.Errorf("redis get %s: %w", key, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode mean %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) PutMean(ctx context.Context, key Key, mean decimal.Decimal) error {
	if err := s.client.Set(ctx, s.wrapKey(key), mean.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

var _ MeanStore = (*MemoryStore)(nil)
var _ MeanStore = (*RedisStore)(nil)
