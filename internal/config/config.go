package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds service settings (in-memory representation).
// Values come from Default(), then config.yaml, then SLABVALUE_* env vars.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http" json:"http"`
	DB         DBConfig         `mapstructure:"db" json:"db"`
	CompSearch CompSearchConfig `mapstructure:"compsearch" json:"compsearch"`
	Redis      RedisConfig      `mapstructure:"redis" json:"redis"`
	Trend      TrendConfig      `mapstructure:"trend" json:"trend"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	Log        LogConfig        `mapstructure:"log" json:"log"`
}

// HTTPConfig configures the API listener.
// RatePerSec and Burst bound requests per client address; zero RatePerSec
// disables the limiter.
type HTTPConfig struct {
	Addr       string  `mapstructure:"addr" json:"addr"`
	RatePerSec float64 `mapstructure:"rate_per_sec" json:"rate_per_sec"`
	Burst      int     `mapstructure:"burst" json:"burst"`
}

// DBConfig configures the SQLite asset store.
type DBConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// CompSearchConfig configures the comparable-sales search collaborator.
type CompSearchConfig struct {
	BaseURL       string        `mapstructure:"base_url" json:"base_url"`
	APIKey        string        `mapstructure:"api_key" json:"-"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	RatePerSec    float64       `mapstructure:"rate_per_sec" json:"rate_per_sec"`
	Burst         int           `mapstructure:"burst" json:"burst"`
	MaxConcurrent int           `mapstructure:"max_concurrent" json:"max_concurrent"`
}

// RedisConfig configures the optional external cache. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
	Prefix   string `mapstructure:"prefix" json:"prefix"`
}

// TrendConfig configures the trend chart window.
type TrendConfig struct {
	WindowDays int `mapstructure:"window_days" json:"window_days"`
}

// CacheConfig configures background cache maintenance.
type CacheConfig struct {
	JanitorInterval time.Duration `mapstructure:"janitor_interval" json:"janitor_interval"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	Dev   bool   `mapstructure:"dev" json:"dev"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: "127.0.0.1:13380", RatePerSec: 20, Burst: 40},
		DB:   DBConfig{Path: "slabvalue.db"},
		CompSearch: CompSearchConfig{
			BaseURL:       "http://127.0.0.1:13390",
			Timeout:       15 * time.Second,
			RatePerSec:    5,
			Burst:         5,
			MaxConcurrent: 8,
		},
		Redis: RedisConfig{Prefix: "slabvalue:"},
		Trend: TrendConfig{WindowDays: 30},
		Cache: CacheConfig{JanitorInterval: time.Minute},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads an optional .env file, an optional config.yaml in dir, and
// SLABVALUE_* environment variables on top of Default().
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix("SLABVALUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.rate_per_sec", d.HTTP.RatePerSec)
	v.SetDefault("http.burst", d.HTTP.Burst)
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("compsearch.base_url", d.CompSearch.BaseURL)
	v.SetDefault("compsearch.api_key", d.CompSearch.APIKey)
	v.SetDefault("compsearch.timeout", d.CompSearch.Timeout)
	v.SetDefault("compsearch.rate_per_sec", d.CompSearch.RatePerSec)
	v.SetDefault("compsearch.burst", d.CompSearch.Burst)
	v.SetDefault("compsearch.max_concurrent", d.CompSearch.MaxConcurrent)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("trend.window_days", d.Trend.WindowDays)
	v.SetDefault("cache.janitor_interval", d.Cache.JanitorInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.dev", d.Log.Dev)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("config: http.addr is empty")
	}
	if c.HTTP.RatePerSec < 0 {
		return fmt.Errorf("config: http.rate_per_sec must be >= 0, got %v", c.HTTP.RatePerSec)
	}
	if c.HTTP.RatePerSec > 0 && c.HTTP.Burst < 1 {
		return fmt.Errorf("config: http.burst must be >= 1, got %d", c.HTTP.Burst)
	}
	if c.DB.Path == "" {
		return errors.New("config: db.path is empty")
	}
	if c.CompSearch.BaseURL == "" {
		return errors.New("config: compsearch.base_url is empty")
	}
	if c.CompSearch.RatePerSec <= 0 {
		return fmt.Errorf("config: compsearch.rate_per_sec must be > 0, got %v", c.CompSearch.RatePerSec)
	}
	if c.CompSearch.Burst < 1 {
		return fmt.Errorf("config: compsearch.burst must be >= 1, got %d", c.CompSearch.Burst)
	}
	if c.CompSearch.MaxConcurrent < 1 {
		return fmt.Errorf("config: compsearch.max_concurrent must be >= 1, got %d", c.CompSearch.MaxConcurrent)
	}
	if c.Trend.WindowDays < 1 {
		return fmt.Errorf("config: trend.window_days must be >= 1, got %d", c.Trend.WindowDays)
	}
	return nil
}

// TrendWindow returns the trend window as a duration.
func (c *Config) TrendWindow() time.Duration {
	return time.Duration(c.Trend.WindowDays) * 24 * time.Hour
}
