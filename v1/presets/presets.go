// Package presets wires common store and bus combinations into a ready
// distributed.Client.
package presets

import (
	"errors"
	"time"

	"github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-distributed/v1/distributed"
	"github.com/mirkobrombin/go-distributed/v1/store"
	"github.com/mirkobrombin/go-distributed/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	OpTimeout time.Duration
}

// BreakerOptions configures the circuit breaker placed in front of a non-Redis
// bus. Zero values select 5 failures and 30 seconds.
type BreakerOptions struct {
	Threshold int
	Timeout   time.Duration
}

// Wrap places bus behind a circuit breaker configured by o.
func (o BreakerOptions) Wrap(bus syncbus.Bus) *syncbus.CircuitBreakerBus {
	if o.Threshold <= 0 {
		o.Threshold = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return syncbus.NewCircuitBreaker(bus, o.Threshold, o.Timeout)
}

func newRedisStore(opts RedisOptions) (*redis.Client, *store.RedisStore) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	var storeOpts []store.RedisOption
	if opts.OpTimeout > 0 {
		storeOpts = append(storeOpts, store.WithTimeout(opts.OpTimeout))
	}
	return client, store.NewRedisStore(client, storeOpts...)
}

// NewRedis creates a Client using Redis both as store and as bus. This is the
// layout other implementations of the primitives expect.
func NewRedis(opts RedisOptions) *distributed.Client {
	client, st := newRedisStore(opts)
	bus := syncbus.NewRedisBus(client)
	return distributed.New(st, bus,
		distributed.WithPrefix(opts.Prefix),
		distributed.WithCloser(func() error {
			_ = bus.Close()
			return client.Close()
		}),
	)
}

// NewRedisNATS creates a Client storing state in Redis and waking event
// waiters through NATS.
func NewRedisNATS(opts RedisOptions, natsURL string, breaker BreakerOptions) (*distributed.Client, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	client, st := newRedisStore(opts)
	bus := breaker.Wrap(syncbus.NewNATSBus(conn))
	return distributed.New(st, bus,
		distributed.WithPrefix(opts.Prefix),
		distributed.WithCloser(func() error {
			conn.Close()
			return client.Close()
		}),
	), nil
}

// NewRedisKafka creates a Client storing state in Redis and waking event
// waiters through Kafka topics derived from the event keys.
func NewRedisKafka(opts RedisOptions, brokers []string, cfg *sarama.Config, breaker BreakerOptions) (*distributed.Client, error) {
	kb, err := syncbus.NewKafkaBus(brokers, cfg)
	if err != nil {
		return nil, err
	}
	client, st := newRedisStore(opts)
	return distributed.New(st, breaker.Wrap(kb),
		distributed.WithPrefix(opts.Prefix),
		distributed.WithCloser(func() error {
			return errors.Join(kb.Close(), client.Close())
		}),
	), nil
}

// NewInMemoryStandalone creates a Client that runs entirely in-process with
// no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone() *distributed.Client {
	return distributed.New(store.NewInMemoryStore(), syncbus.NewInMemoryBus())
}

// NewPebbleStandalone creates a single-process Client whose state survives
// restarts, stored in a Pebble database under dir.
func NewPebbleStandalone(dir string) (*distributed.Client, error) {
	st, err := store.OpenPebbleStore(dir)
	if err != nil {
		return nil, err
	}
	return distributed.New(st, syncbus.NewInMemoryBus(), distributed.WithCloser(st.Close)), nil
}

// NewSQLiteStandalone creates a single-process Client whose state is kept in
// the SQLite database at path.
func NewSQLiteStandalone(path string) (*distributed.Client, error) {
	db, err := gorm.Open(sqlite.Open(store.SQLiteDSN(path)), &gorm.Config{
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
	return distributed.New(st, syncbus.NewInMemoryBus(), distributed.WithCloser(sqlDB.Close)), nil
}
