// Package config loads service configuration from an optional YAML file,
// CANDLES_-prefixed environment variables and registered defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"candle-cache/internal/interval"
	"candle-cache/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. CANDLES_STORAGE_BACKEND.
const EnvPrefix = "CANDLES"

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickhouse = "clickhouse"
	BackendRedis      = "redis"
)

// Config is the full service configuration.
type Config struct {
	Log     logger.Config `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Storage StorageConfig `mapstructure:"storage"`
	Query   QueryConfig   `mapstructure:"query"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type FeedConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url" validate:"omitempty,url"`
	EntityRefs   []string      `mapstructure:"entity_refs"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min" validate:"gt=0"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max" validate:"gtefield=ReconnectMin"`
	Buffer       int           `mapstructure:"buffer" validate:"gte=1"`
}

type CacheConfig struct {
	Intervals     []interval.Interval `mapstructure:"intervals" validate:"min=1"`
	Retention     time.Duration       `mapstructure:"retention" validate:"gte=0"`
	FlushInterval time.Duration       `mapstructure:"flush_interval" validate:"gt=0"`
	// StoreRetention evicts persisted buckets older than now minus this; 0 keeps them.
	StoreRetention time.Duration `mapstructure:"store_retention" validate:"gte=0"`
	WarmStart      bool          `mapstructure:"warm_start"`
}

type StorageConfig struct {
	Backend          string        `mapstructure:"backend" validate:"oneof=memory postgres clickhouse redis"`
	PostgresDSN      string        `mapstructure:"postgres_dsn"`
	PostgresMaxConns int32         `mapstructure:"postgres_max_conns" validate:"gte=1"`
	ClickhouseDSN    string        `mapstructure:"clickhouse_dsn"`
	RedisURL         string        `mapstructure:"redis_url"`
	RedisKeyPrefix   string        `mapstructure:"redis_key_prefix"`
	RedisTTL         time.Duration `mapstructure:"redis_ttl" validate:"gte=0"`
}

type QueryConfig struct {
	DefaultLimit int `mapstructure:"default_limit" validate:"gte=1"`
	MaxLimit     int `mapstructure:"max_limit" validate:"gtefield=DefaultLimit"`
}

var defaults = map[string]any{
	"log.level":    "info",
	"log.dev_mode": false,

	"http.addr":             ":8080",
	"http.read_timeout":     "10s",
	"http.write_timeout":    "15s",
	"http.shutdown_timeout": "5s",

	"feed.enabled":       false,
	"feed.url":           "",
	"feed.entity_refs":   []string{},
	"feed.reconnect_min": "500ms",
	"feed.reconnect_max": "30s",
	"feed.buffer":        1024,

	"cache.intervals":       []string{"1m", "1h", "1d"},
	"cache.retention":       "48h",
	"cache.flush_interval":  "5s",
	"cache.store_retention": "0s",
	"cache.warm_start":      true,

	"storage.backend":            BackendMemory,
	"storage.postgres_dsn":       "",
	"storage.postgres_max_conns": 8,
	"storage.clickhouse_dsn":     "",
	"storage.redis_url":          "",
	"storage.redis_key_prefix":   "candle",
	"storage.redis_ttl":          "0s",

	"query.default_limit": 500,
	"query.max_limit":     5000,
}

var validate = validator.New()

// Load reads configuration from path (may be empty), the environment and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Log.ApplyDefaults()
	cfg.Cache.Intervals = interval.Dedupe(cfg.Cache.Intervals)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func decode(input map[string]any, target any) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           target,
		DecodeHook:       hook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func stringToBoolHook(f, t reflect.Kind, data any) (any, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// Validate runs struct tag checks and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for _, iv := range c.Cache.Intervals {
		if !iv.IsValid() {
			return fmt.Errorf("cache.intervals: %w: %d", interval.ErrUnknownInterval, int(iv))
		}
	}

	if c.Feed.Enabled {
		if c.Feed.URL == "" {
			return errors.New("feed.url is required when the feed is enabled")
		}
		if len(c.Feed.EntityRefs) == 0 {
			return errors.New("feed.entity_refs must list at least one entity when the feed is enabled")
		}
	}

	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
	case BackendClickhouse:
		if c.Storage.ClickhouseDSN == "" {
			return errors.New("storage.clickhouse_dsn is required for the clickhouse backend")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for the redis backend")
		}
	}
	return nil
}
