package main

import (
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-distributed/v1/distributed"
	"github.com/mirkobrombin/go-distributed/v1/presets"
	"github.com/mirkobrombin/go-distributed/v1/store"
	"github.com/mirkobrombin/go-distributed/v1/syncbus"
)

// connect builds a Client for the configured store and bus backends.
func connect(cfg Config) (*distributed.Client, error) {
	ropts := presets.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Prefix:    cfg.Prefix,
		OpTimeout: cfg.Redis.OpTimeout,
	}
	breaker := presets.BreakerOptions{
		Threshold: cfg.Bus.BreakerThreshold,
		Timeout:   cfg.Bus.BreakerTimeout,
	}

	switch cfg.Store.Backend {
	case "redis":
		switch cfg.Bus.Backend {
		case "redis", "":
			return presets.NewRedis(ropts), nil
		case "nats":
			return presets.NewRedisNATS(ropts, cfg.Bus.NATSURL, breaker)
		case "kafka":
			return presets.NewRedisKafka(ropts, cfg.Bus.KafkaBrokers, sarama.NewConfig(), breaker)
		}
	case "memory":
		if cfg.Bus.Backend != "memory" && cfg.Bus.Backend != "" {
			return nil, fmt.Errorf("memory store only works with the memory bus, got %q", cfg.Bus.Backend)
		}
		return distributed.New(store.NewInMemoryStore(), syncbus.NewInMemoryBus(),
			distributed.WithPrefix(cfg.Prefix)), nil
	case "pebble":
		st, err := store.OpenPebbleStore(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		return connectEmbedded(cfg, breaker, st, st.Close)
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(store.SQLiteDSN(cfg.Store.DSN)), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		st, err := store.NewGormStore(db)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return connectEmbedded(cfg, breaker, st, sqlDB.Close)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
}

// connectEmbedded pairs a Pebble or SQLite store with the configured bus.
// The memory bus only reaches waiters in this process; nats, kafka and redis
// buses let a serving process wake waiters elsewhere. closeStore runs on every
// failure path.
func connectEmbedded(cfg Config, breaker presets.BreakerOptions, st store.Store, closeStore func() error) (*distributed.Client, error) {
	var (
		bus    syncbus.Bus
		closer func() error
	)
	switch cfg.Bus.Backend {
	case "memory", "":
		bus = syncbus.NewInMemoryBus()
	case "redis":
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		rb := syncbus.NewRedisBus(rc)
		bus = rb
		closer = func() error { return errors.Join(rb.Close(), rc.Close()) }
	case "nats":
		conn, err := nats.Connect(cfg.Bus.NATSURL)
		if err != nil {
			_ = closeStore()
			return nil, err
		}
		bus = breaker.Wrap(syncbus.NewNATSBus(conn))
		closer = func() error { conn.Close(); return nil }
	case "kafka":
		kb, err := syncbus.NewKafkaBus(cfg.Bus.KafkaBrokers, sarama.NewConfig())
		if err != nil {
			_ = closeStore()
			return nil, err
		}
		bus = breaker.Wrap(kb)
		closer = kb.Close
	default:
		_ = closeStore()
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
	return distributed.New(st, bus,
		distributed.WithPrefix(cfg.Prefix),
		distributed.WithCloser(func() error {
			var busErr error
			if closer != nil {
				busErr = closer()
			}
			return errors.Join(busErr, closeStore())
		}),
	), nil
}
