package distributed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-distributed/v1/codec"
	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
	"github.com/mirkobrombin/go-distributed/v1/store"
	"github.com/mirkobrombin/go-distributed/v1/syncbus"
)

// DefaultPrefix is the first segment of every store key.
const DefaultPrefix = "distributed"

// keysCounter is the key of the counter used to mint primitive keys.
const keysCounter = ":keys"

const tracerName = "github.com/mirkobrombin/go-distributed/v1/distributed"

// tracer resolves the tracer on every call so a provider installed after
// package initialization is honoured.
func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// Client binds primitives to a backing store and bus.
type Client struct {
	store  store.Store
	bus    syncbus.Bus
	prefix string
	reg    *codec.Registry
	closer func() error
}

// Option configures a Client.
type Option func(*Client)

// WithPrefix sets the first segment of every store key.
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithCloser sets the function run by Close, typically closing the
// connections the store and bus were built on.
func WithCloser(fn func() error) Option {
	return func(c *Client) { c.closer = fn }
}

// New returns a Client over st and bus. The client's codec registry already
// knows Lock, Event, Queue and Counter.
func New(st store.Store, bus syncbus.Bus, opts ...Option) *Client {
	c := &Client{store: st, bus: bus, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	c.reg = codec.NewRegistry(codec.DistributedTag)
	c.registerPrimitives()
	return c
}

// Store returns the backing store.
func (c *Client) Store() store.Store { return c.store }

// Bus returns the pub/sub bus.
func (c *Client) Bus() syncbus.Bus { return c.bus }

// Prefix returns the key prefix.
func (c *Client) Prefix() string { return c.prefix }

// Registry returns the codec registry. User types registered here travel
// alongside the primitives through Dumps, Loads and Queue payloads.
func (c *Client) Registry() *codec.Registry { return c.reg }

// Dumps encodes v as wire text.
func (c *Client) Dumps(v any) (string, error) { return c.reg.Dumps(v) }

// Loads decodes wire text, binding decoded primitives to c.
func (c *Client) Loads(text string) (any, error) { return c.reg.Loads(text) }

// Close runs the closer installed by Init or WithCloser, if any.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// NextKey mints a key that is unique across every process sharing the store.
func (c *Client) NextKey(ctx context.Context) (string, error) {
	n, err := c.newCounter(keysCounter, primitiveNamespace("Counter")).Increment(ctx)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

func (c *Client) resolveKey(ctx context.Context, key string) (string, error) {
	if key != "" {
		return key, nil
	}
	return c.NextKey(ctx)
}

func (c *Client) registerPrimitives() {
	c.reg.MustRegister("Lock", codec.Type{Construct: func(state map[string]any) (any, error) {
		key, err := stateKey(state)
		if err != nil {
			return nil, err
		}
		return c.newLock(key, newSettings("Lock", nil)), nil
	}})
	c.reg.MustRegister("Event", codec.Type{Construct: func(state map[string]any) (any, error) {
		key, err := stateKey(state)
		if err != nil {
			return nil, err
		}
		return c.newEvent(key, primitiveNamespace("Event")), nil
	}})
	c.reg.MustRegister("Queue", codec.Type{Construct: func(state map[string]any) (any, error) {
		key, err := stateKey(state)
		if err != nil {
			return nil, err
		}
		return c.newQueue(key, primitiveNamespace("Queue")), nil
	}})
	c.reg.MustRegister("Counter", codec.Type{Construct: func(state map[string]any) (any, error) {
		key, err := stateKey(state)
		if err != nil {
			return nil, err
		}
		return c.newCounter(key, primitiveNamespace("Counter")), nil
	}})
}

func stateKey(state map[string]any) (string, error) {
	key, ok := state["key"].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("state has no key")
	}
	return key, nil
}

// Config describes the Redis connection installed by Init.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	OpTimeout time.Duration
}

var (
	defaultMu     sync.RWMutex
	defaultClient *Client
)

// Init connects to Redis, verifies the connection and installs the resulting
// Client as the default handle.
func Init(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	var storeOpts []store.RedisOption
	if cfg.OpTimeout > 0 {
		storeOpts = append(storeOpts, store.WithTimeout(cfg.OpTimeout))
	}
	bus := syncbus.NewRedisBus(rc)
	c := New(store.NewRedisStore(rc, storeOpts...), bus, WithPrefix(cfg.Prefix), WithCloser(func() error {
		_ = bus.Close()
		return rc.Close()
	}))
	SetDefault(c)
	return c, nil
}

// SetDefault installs c as the default handle. A nil c uninstalls it.
func SetDefault(c *Client) {
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
}

// Default returns the default handle, or ErrNotInitialized.
func Default() (*Client, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultClient == nil {
		return nil, derrors.ErrNotInitialized
	}
	return defaultClient, nil
}

// NewCounter returns a Counter bound to the default handle.
func NewCounter(ctx context.Context, key string, opts ...PrimitiveOption) (*Counter, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Counter(ctx, key, opts...)
}

// NewQueue returns a Queue bound to the default handle.
func NewQueue(ctx context.Context, key string, opts ...PrimitiveOption) (*Queue, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Queue(ctx, key, opts...)
}

// NewEvent returns an Event bound to the default handle.
func NewEvent(ctx context.Context, key string, opts ...PrimitiveOption) (*Event, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Event(ctx, key, opts...)
}

// NewLock returns a Lock bound to the default handle.
func NewLock(ctx context.Context, key string, opts ...PrimitiveOption) (*Lock, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Lock(ctx, key, opts...)
}

// Dumps encodes v with the default handle's registry.
func Dumps(v any) (string, error) {
	c, err := Default()
	if err != nil {
		return "", err
	}
	return c.Dumps(v)
}

// Loads decodes text with the default handle's registry.
func Loads(text string) (any, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Loads(text)
}
