package distributed

import (
	"context"

	"github.com/mirkobrombin/go-distributed/v1/metrics"
)

// Counter is an ever-incrementing integer, unique across processes.
type Counter struct {
	identity
	valueKey string
}

// Counter returns the Counter named key, minting a key when empty.
func (c *Client) Counter(ctx context.Context, key string, opts ...PrimitiveOption) (*Counter, error) {
	key, err := c.resolveKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.newCounter(key, newSettings("Counter", opts).namespace), nil
}

// The value always lives under the counter namespace, whatever namespace the
// identity uses, so keys stay compatible with other implementations.
func (c *Client) newCounter(key, namespace string) *Counter {
	return &Counter{
		identity: c.identity(key, namespace),
		valueKey: c.prefix + ":counter:" + key,
	}
}

// TypeName implements codec.Serializable.
func (*Counter) TypeName() string { return "Counter" }

// ValueKey returns the store key holding the counter value.
func (c *Counter) ValueKey() string { return c.valueKey }

// Increment atomically increments the counter and returns its new value.
func (c *Counter) Increment(ctx context.Context) (int64, error) {
	n, err := c.client.store.Incr(ctx, c.valueKey)
	if err != nil {
		return 0, err
	}
	metrics.CounterIncrementCounter.Inc()
	return n, nil
}
