package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ar-forecast/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Forecast  ForecastConfig  `mapstructure:"forecast"`
	Models    []ModelConfig   `mapstructure:"models" validate:"dive"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig points at the reference-data store. An empty Addr keeps reference data in memory.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs forecast cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Offset          time.Duration `mapstructure:"offset"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ProviderConfig covers the daily candle HTTP provider.
type ProviderConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey         string        `mapstructure:"api_key"`
	Resolution     string        `mapstructure:"resolution"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec" validate:"gte=0"`
	Burst          int           `mapstructure:"burst" validate:"gte=0"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ForecastConfig lists the instruments to forecast and how much history to load.
type ForecastConfig struct {
	Instruments   []string      `mapstructure:"instruments" validate:"dive,required"`
	HistoryWindow time.Duration `mapstructure:"history_window"`
	Concurrency   int           `mapstructure:"concurrency" validate:"gte=0"`
	UsageLogSize  int           `mapstructure:"usage_log_size" validate:"gte=0"`
}

// ModelConfig is AR model master data. Coefficients are ordered by lag starting at 1.
// An empty MeanDiffOC is resolved from price history.
type ModelConfig struct {
	InstrumentID string    `mapstructure:"instrument_id" validate:"required"`
	Order        int       `mapstructure:"order" validate:"gte=0"`
	Coefficients []float64 `mapstructure:"coefficients" validate:"required,min=1,dive,gte=-2,lte=2"`
	MeanDiffOC   string    `mapstructure:"mean_diff_oc" validate:"omitempty,numeric"`
	Sigma2       float64   `mapstructure:"sigma2" validate:"gte=0"`
	Version      string    `mapstructure:"version"`
}

// MetricsConfig exposes prometheus metrics when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	ReturnThreshold float64        `mapstructure:"return_threshold"`
	MinConfidence   float64        `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	Channels        []string       `mapstructure:"channels"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARFORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arforecast")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("redis.prefix", "arforecast")
	v.SetDefault("redis.ttl", "0s")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.offset", "21h30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x61726663))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("provider.base_url", "https://finnhub.io/api/v1")
	v.SetDefault("provider.resolution", "D")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.requests_per_sec", 1.0)
	v.SetDefault("provider.burst", 1)
	v.SetDefault("provider.user_agent", "arforecast/1.0")

	v.SetDefault("forecast.history_window", "8760h")
	v.SetDefault("forecast.concurrency", 4)
	v.SetDefault("forecast.usage_log_size", 10000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.return_threshold", 0.02)
	v.SetDefault("alerting.min_confidence", 0.5)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 5000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Offset < 0 || c.Scheduler.Offset >= c.Scheduler.Interval {
		return fmt.Errorf("scheduler.offset must be within [0, scheduler.interval)")
	}
	if c.Forecast.HistoryWindow <= 0 {
		return fmt.Errorf("forecast.history_window must be greater than zero")
	}
	if c.Alerting.ReturnThreshold < 0 {
		return fmt.Errorf("alerting.return_threshold cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if _, dup := seen[m.InstrumentID]; dup {
			return fmt.Errorf("models: duplicate entry for %s", m.InstrumentID)
		}
		seen[m.InstrumentID] = struct{}{}
		if m.Order > 0 && m.Order != len(m.Coefficients) {
			return fmt.Errorf("models[%s]: order %d but %d coefficients", m.InstrumentID, m.Order, len(m.Coefficients))
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// HasInstrument reports whether an instrument is configured for scheduled forecasts.
func (c *Config) HasInstrument(id string) bool {
	for _, inst := range c.Forecast.Instruments {
		if inst == id {
			return true
		}
	}
	return false
}
