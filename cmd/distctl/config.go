package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config is the distctl configuration, read from flags, DISTRIBUTED_*
// environment variables and an optional YAML file.
type Config struct {
	Prefix string      `mapstructure:"prefix"`
	Store  StoreConfig `mapstructure:"store"`
	Redis  RedisConfig `mapstructure:"redis"`
	Bus    BusConfig   `mapstructure:"bus"`
	Log    LogConfig   `mapstructure:"log"`
	Trace  TraceConfig `mapstructure:"trace"`
	Serve  ServeConfig `mapstructure:"serve"`
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	// Backend is one of "redis", "memory", "pebble" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Dir is the Pebble data directory.
	Dir string `mapstructure:"dir"`
	// DSN is the SQLite database path.
	DSN string `mapstructure:"dsn"`
}

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// BusConfig selects the pub/sub bus.
type BusConfig struct {
	// Backend is one of "redis", "nats", "kafka" or "memory".
	Backend          string        `mapstructure:"backend"`
	NATSURL          string        `mapstructure:"nats_url"`
	KafkaBrokers     []string      `mapstructure:"kafka_brokers"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TraceConfig configures span export.
type TraceConfig struct {
	Stdout bool `mapstructure:"stdout"`
}

// ServeConfig configures the serve command.
type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prefix", "distributed")
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.dir", "./distributed-data")
	v.SetDefault("store.dsn", "./distributed.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.op_timeout", "5s")
	v.SetDefault("bus.backend", "redis")
	v.SetDefault("bus.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("bus.breaker_threshold", 5)
	v.SetDefault("bus.breaker_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("trace.stdout", false)
	v.SetDefault("serve.addr", ":8080")
}

// loadConfig reads the configuration file, if any, and the environment.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("distctl")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/distributed")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("DISTRIBUTED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg LogConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// setupTracing installs a stdout span exporter when enabled. The returned
// function flushes pending spans.
func setupTracing(cfg TraceConfig) (func(context.Context) error, error) {
	if !cfg.Stdout {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
