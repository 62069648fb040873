// Package config loads orderlist configuration through viper: defaults,
// an optional YAML file and ORDERLIST_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/HerbHall/orderlist/internal/items"
)

// Config is a read-only view over a viper instance. A Config built from a
// nil viper returns zero values.
type Config struct {
	v *viper.Viper
}

// New wraps v.
func New(v *viper.Viper) *Config {
	if v == nil {
		v = viper.New()
	}
	return &Config{v: v}
}

func (c *Config) GetString(key string) string          { return c.v.GetString(key) }
func (c *Config) GetInt(key string) int                { return c.v.GetInt(key) }
func (c *Config) GetBool(key string) bool              { return c.v.GetBool(key) }
func (c *Config) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }
func (c *Config) IsSet(key string) bool                { return c.v.IsSet(key) }

// Sub returns the subtree at key. A missing subtree yields an empty Config.
func (c *Config) Sub(key string) *Config {
	return New(c.v.Sub(key))
}

// Unmarshal decodes the whole tree into target using mapstructure tags.
func (c *Config) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

// Backend drivers.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Settings is the typed configuration of the server.
type Settings struct {
	Server  ServerSettings  `mapstructure:"server"`
	Log     LogSettings     `mapstructure:"log"`
	Backend BackendSettings `mapstructure:"backend"`
	Redis   RedisSettings   `mapstructure:"redis"`
	SQLite  SQLiteSettings  `mapstructure:"sqlite"`
	Items   items.Config    `mapstructure:"items"`
}

type ServerSettings struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second; 0 disables
	RateBurst       int           `mapstructure:"rate_burst"`
}

// Addr returns host:port.
func (s ServerSettings) Addr() string {
	return s.Host + ":" + s.Port
}

type LogSettings struct {
	Development bool `mapstructure:"development"`
}

type BackendSettings struct {
	Driver string `mapstructure:"driver"`
}

type RedisSettings struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

type SQLiteSettings struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	def := items.DefaultConfig()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "3001")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 100.0)
	v.SetDefault("server.rate_burst", 200)

	v.SetDefault("log.development", false)

	v.SetDefault("backend.driver", DriverRedis)

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 0)

	v.SetDefault("sqlite.path", "orderlist.db")
	v.SetDefault("sqlite.busy_timeout_ms", 5000)

	v.SetDefault("items.max_items", def.MaxItems)
	v.SetDefault("items.seed_count", def.SeedCount)
	v.SetDefault("items.seed_batch", def.SeedBatch)
	v.SetDefault("items.cache_ttl", def.CacheTTL)
	v.SetDefault("items.invalidation", def.Invalidation)
	v.SetDefault("items.search_cap_factor", def.SearchCapFactor)
	v.SetDefault("items.resolve_concurrency", def.ResolveConcurrency)
	v.SetDefault("items.scan_chunk", def.ScanChunk)
}

// Load reads configuration from path, or from orderlist.yaml in the working
// directory or /etc/orderlist when path is empty. A missing default file is
// not an error. Environment variables override file values: server.port is
// ORDERLIST_SERVER_PORT, and REDIS_URL is honoured for redis.url.
func Load(path string) (*Settings, *Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("orderlist")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("redis.url", "ORDERLIST_REDIS_URL", "REDIS_URL"); err != nil {
		return nil, nil, fmt.Errorf("bind redis url: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orderlist")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/orderlist")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := New(v)
	var s Settings
	if err := cfg.Unmarshal(&s); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	return &s, cfg, nil
}

// Validate reports settings that cannot start a server.
func (s *Settings) Validate() error {
	switch s.Backend.Driver {
	case DriverRedis, DriverSQLite:
	default:
		return fmt.Errorf("backend.driver: unknown driver %q", s.Backend.Driver)
	}
	switch s.Items.Invalidation {
	case items.InvalidatePrefix, items.InvalidateGeneration:
	default:
		return fmt.Errorf("items.invalidation: unknown strategy %q", s.Items.Invalidation)
	}
	if s.Items.MaxItems <= 0 {
		return fmt.Errorf("items.max_items must be positive, got %d", s.Items.MaxItems)
	}
	if s.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	return nil
}
