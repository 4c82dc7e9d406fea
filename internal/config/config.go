// Package config loads service configuration from defaults, an optional
// config file and MEDIAMETA_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "MEDIAMETA"
	// EnvConfigFile names a YAML, JSON or TOML file to read before the
	// environment is applied.
	EnvConfigFile = EnvPrefix + "_CONFIG"
)

const (
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	LogLevel string `mapstructure:"log_level"`

	FastCapacity    int    `mapstructure:"fast_capacity"`
	DurableCapacity int64  `mapstructure:"durable_capacity"`
	DurableBackend  string `mapstructure:"durable_backend"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	MySQLDSN        string `mapstructure:"mysql_dsn"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
	RedisPrefix     string `mapstructure:"redis_prefix"`

	MaxExtractions int    `mapstructure:"max_extractions"`
	S3Region       string `mapstructure:"s3_region"`
	S3HeadBytes    int64  `mapstructure:"s3_head_bytes"`

	WatchFiles      bool          `mapstructure:"watch_files"`
	StatsSchedule   string        `mapstructure:"stats_schedule"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

var defaults = map[string]any{
	"http_addr":        ":8080",
	"grpc_addr":        ":50051",
	"log_level":        "info",
	"fast_capacity":    500,
	"durable_capacity": 10000,
	"durable_backend":  BackendSQLite,
	"sqlite_path":      "./data/metadata.db",
	"mysql_dsn":        "root:password@tcp(127.0.0.1:3306)/gophermeta?parseTime=true",
	"redis_addr":       "127.0.0.1:6379",
	"redis_password":   "",
	"redis_db":         0,
	"redis_prefix":     "mediameta",
	"max_extractions":  8,
	"s3_region":        "",
	"s3_head_bytes":    4 << 20,
	"watch_files":      true,
	"stats_schedule":   "@every 1m",
	"shutdown_timeout": 10 * time.Second,
}

// Load builds the configuration. A missing file named by MEDIAMETA_CONFIG
// is an error; no file at all is fine.
func Load() (*Config, error) {
	vp := viper.New()
	for k, v := range defaults {
		vp.SetDefault(k, v)
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DurableBackend {
	case BackendSQLite, BackendMySQL, BackendRedis, BackendMemory, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("durable_backend %q is not one of sqlite, mysql, redis, memory, none", c.DurableBackend))
	}
	if c.FastCapacity <= 0 {
		errs = append(errs, fmt.Errorf("fast_capacity must be positive, got %d", c.FastCapacity))
	}
	if c.DurableCapacity <= 0 {
		errs = append(errs, fmt.Errorf("durable_capacity must be positive, got %d", c.DurableCapacity))
	}
	if c.MaxExtractions <= 0 {
		errs = append(errs, fmt.Errorf("max_extractions must be positive, got %d", c.MaxExtractions))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
