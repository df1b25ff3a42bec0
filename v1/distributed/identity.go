package distributed

import (
	"strings"
	"time"
)

// Clock abstracts time for Lock leases.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

type settings struct {
	namespace string
	expires   time.Duration
	timeout   time.Duration
	poll      time.Duration
	clock     Clock
}

// PrimitiveOption configures a primitive at construction. Lease options only
// affect Lock.
type PrimitiveOption func(*settings)

// Namespace overrides the namespace segment of the store key.
func Namespace(ns string) PrimitiveOption {
	return func(s *settings) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithExpires sets the lease duration of a Lock.
func WithExpires(d time.Duration) PrimitiveOption {
	return func(s *settings) {
		if d > 0 {
			s.expires = d
		}
	}
}

// WithTimeout sets how long a blocking Lock acquisition keeps polling. The
// budget is consumed in poll-interval steps, not measured on the wall clock.
// Zero means a single attempt.
func WithTimeout(d time.Duration) PrimitiveOption {
	return func(s *settings) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

// WithPollInterval sets the delay between Lock acquisition attempts.
func WithPollInterval(d time.Duration) PrimitiveOption {
	return func(s *settings) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithClock replaces the clock used for Lock leases and polling.
func WithClock(c Clock) PrimitiveOption {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

func primitiveNamespace(typeName string) string { return strings.ToLower(typeName) }

func newSettings(typeName string, opts []PrimitiveOption) settings {
	s := settings{
		namespace: primitiveNamespace(typeName),
		expires:   60 * time.Second,
		timeout:   10 * time.Second,
		poll:      time.Second,
		clock:     SystemClock,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// identity is the part shared by every primitive.
type identity struct {
	client   *Client
	key      string
	storeKey string
}

func (c *Client) identity(key, namespace string) identity {
	return identity{client: c, key: key, storeKey: c.prefix + ":" + namespace + ":" + key}
}

// Key returns the user-facing key.
func (id *identity) Key() string { return id.key }

// StoreKey returns the key used in the backing store.
func (id *identity) StoreKey() string { return id.storeKey }

// EncodeState implements codec.StateEncoder.
func (id *identity) EncodeState() (map[string]any, error) {
	return map[string]any{"key": id.key}, nil
}
