package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/api"
	"github.com/xraph/escrow/backoff"
)

// Store drivers.
const (
	driverMemory   = "memory"
	driverPostgres = "postgres"
	driverMongo    = "mongo"
)

// daemonConfig is the fully resolved daemon configuration.
type daemonConfig struct {
	HTTP struct {
		Addr              string
		ReadHeaderTimeout time.Duration
	}
	Log struct {
		Level  slog.Level
		Format string
	}
	Store struct {
		Driver   string
		DSN      string
		Database string
		Migrate  bool
	}
	Redis struct {
		URL     string
		Lock    bool
		Relay   bool
		Channel string
	}
	Telemetry struct {
		Enabled bool
	}
	Audit struct {
		Enabled bool
	}
	Limiter api.LimiterConfig
	Engine  escrow.Config

	// RetryInterval paces conflict retries at a fixed interval when
	// positive; zero keeps the jittered exponential default.
	RetryInterval time.Duration
}

// newViper returns a viper instance with defaults, ESCROW_* environment
// binding and, when cfgFile is set, the file loaded.
func newViper(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	def := escrow.DefaultConfig()
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.driver", driverMemory)
	v.SetDefault("store.database", "escrow")
	v.SetDefault("store.migrate", true)
	v.SetDefault("redis.lock", true)
	v.SetDefault("redis.relay", true)
	v.SetDefault("redis.channel", "escrow:status_updates")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("api.rate_limit", 0.0)
	v.SetDefault("api.rate_burst", 0)
	v.SetDefault("engine.lock_timeout", def.LockTimeout)
	v.SetDefault("engine.operation_timeout", def.OperationTimeout)
	v.SetDefault("engine.lock_ttl", def.LockTTL)
	v.SetDefault("engine.max_conflict_retries", def.MaxConflictRetries)
	v.SetDefault("engine.subscriber_buffer", def.SubscriberBuffer)
	v.SetDefault("engine.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("engine.retry_interval", time.Duration(0))

	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// flagKeys maps config keys to the serve flags that override them.
var flagKeys = map[string]string{
	"http.addr":    "addr",
	"store.driver": "store",
	"store.dsn":    "dsn",
	"redis.url":    "redis",
	"log.level":    "log-level",
}

// loadConfig resolves and validates the configuration held by v.
func loadConfig(v *viper.Viper) (daemonConfig, error) {
	var cfg daemonConfig

	cfg.HTTP.Addr = v.GetString("http.addr")
	cfg.HTTP.ReadHeaderTimeout = v.GetDuration("http.read_header_timeout")

	if err := cfg.Log.Level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return cfg, fmt.Errorf("log.level: %w", err)
	}
	cfg.Log.Format = strings.ToLower(v.GetString("log.format"))
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return cfg, fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	cfg.Store.Driver = strings.ToLower(v.GetString("store.driver"))
	cfg.Store.DSN = v.GetString("store.dsn")
	cfg.Store.Database = v.GetString("store.database")
	cfg.Store.Migrate = v.GetBool("store.migrate")
	switch cfg.Store.Driver {
	case driverMemory:
	case driverPostgres, driverMongo:
		if cfg.Store.DSN == "" {
			return cfg, fmt.Errorf("store.dsn is required for the %s driver", cfg.Store.Driver)
		}
	default:
		return cfg, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}

	cfg.Redis.URL = v.GetString("redis.url")
	cfg.Redis.Lock = v.GetBool("redis.lock")
	cfg.Redis.Relay = v.GetBool("redis.relay")
	cfg.Redis.Channel = v.GetString("redis.channel")

	cfg.Telemetry.Enabled = v.GetBool("telemetry.enabled")
	cfg.Audit.Enabled = v.GetBool("audit.enabled")

	cfg.Limiter = api.LimiterConfig{
		RateLimit: v.GetFloat64("api.rate_limit"),
		RateBurst: v.GetInt("api.rate_burst"),
	}

	cfg.Engine = escrow.Config{
		LockTimeout:        v.GetDuration("engine.lock_timeout"),
		OperationTimeout:   v.GetDuration("engine.operation_timeout"),
		LockTTL:            v.GetDuration("engine.lock_ttl"),
		MaxConflictRetries: v.GetInt("engine.max_conflict_retries"),
		SubscriberBuffer:   v.GetInt("engine.subscriber_buffer"),
		ShutdownTimeout:    v.GetDuration("engine.shutdown_timeout"),
	}
	if cfg.Engine.LockTimeout <= 0 || cfg.Engine.SubscriberBuffer <= 0 || cfg.Engine.MaxConflictRetries < 0 {
		return cfg, fmt.Errorf("%w: engine settings out of range", escrow.ErrInvalidInput)
	}
	cfg.RetryInterval = v.GetDuration("engine.retry_interval")
	if cfg.RetryInterval < 0 {
		return cfg, fmt.Errorf("%w: engine.retry_interval must not be negative", escrow.ErrInvalidInput)
	}
	return cfg, nil
}

// retryStrategy returns the backoff used between conflict retries.
func retryStrategy(interval time.Duration) backoff.Strategy {
	if interval > 0 {
		return backoff.NewConstant(interval)
	}
	return backoff.DefaultStrategy()
}

// newLogger builds the process logger from cfg.
func newLogger(cfg daemonConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Log.Level}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
