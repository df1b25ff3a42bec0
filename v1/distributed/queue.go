package distributed

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
	"github.com/mirkobrombin/go-distributed/v1/metrics"
)

// Queue is a FIFO queue of encoded items shared across processes.
type Queue struct {
	identity
}

// Queue returns the Queue named key, minting a key when empty.
func (c *Client) Queue(ctx context.Context, key string, opts ...PrimitiveOption) (*Queue, error) {
	key, err := c.resolveKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.newQueue(key, newSettings("Queue", opts).namespace), nil
}

func (c *Client) newQueue(key, namespace string) *Queue {
	return &Queue{identity: c.identity(key, namespace)}
}

// TypeName implements codec.Serializable.
func (*Queue) TypeName() string { return "Queue" }

// Put encodes item and appends it to the tail of the queue.
func (q *Queue) Put(ctx context.Context, item any) error {
	text, err := q.client.Dumps(item)
	if err != nil {
		return err
	}
	if err := q.client.store.RPush(ctx, q.storeKey, text); err != nil {
		return err
	}
	metrics.QueuePutCounter.Inc()
	return nil
}

// Get removes and decodes the head of the queue. Without block it returns
// ErrEmpty at once when the queue is empty; with block it waits up to timeout
// (zero waits until ctx is done) and returns ErrEmpty when the wait elapses.
func (q *Queue) Get(ctx context.Context, block bool, timeout time.Duration) (any, error) {
	var (
		text string
		ok   bool
		err  error
	)
	if block {
		var span trace.Span
		ctx, span = tracer().Start(ctx, "Queue.Get", trace.WithAttributes(
			attribute.String("distributed.key", q.storeKey),
			attribute.Int64("distributed.timeout_ms", timeout.Milliseconds()),
		))
		defer span.End()
		text, ok, err = q.client.store.BLPop(ctx, q.storeKey, timeout)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		text, ok, err = q.client.store.LPop(ctx, q.storeKey)
	}
	if err != nil {
		metrics.QueueGetCounter.WithLabelValues("error").Inc()
		return nil, err
	}
	if !ok {
		metrics.QueueGetCounter.WithLabelValues("empty").Inc()
		return nil, derrors.ErrEmpty
	}
	metrics.QueueGetCounter.WithLabelValues("item").Inc()
	return q.client.Loads(text)
}

// GetNoWait is Get without blocking.
func (q *Queue) GetNoWait(ctx context.Context) (any, error) {
	return q.Get(ctx, false, 0)
}

// Qsize returns the number of queued items. The value is advisory: it may
// change before the caller acts on it.
func (q *Queue) Qsize(ctx context.Context) (int64, error) {
	return q.client.store.LLen(ctx, q.storeKey)
}

// Empty reports whether the queue has no items. Like Qsize it is advisory.
func (q *Queue) Empty(ctx context.Context) (bool, error) {
	n, err := q.Qsize(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
