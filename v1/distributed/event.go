package distributed

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
	"github.com/mirkobrombin/go-distributed/v1/metrics"
)

const eventSentinel = "1"

// Event is a re-settable signal. The event is set while its store key exists;
// a message on the channel of the same name wakes blocked waiters.
type Event struct {
	identity
}

// Event returns the Event named key, minting a key when empty.
func (c *Client) Event(ctx context.Context, key string, opts ...PrimitiveOption) (*Event, error) {
	key, err := c.resolveKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.newEvent(key, newSettings("Event", opts).namespace), nil
}

func (c *Client) newEvent(key, namespace string) *Event {
	return &Event{identity: c.identity(key, namespace)}
}

// TypeName implements codec.Serializable.
func (*Event) TypeName() string { return "Event" }

// Set marks the event as set and notifies waiters. It is idempotent.
func (e *Event) Set(ctx context.Context) error {
	if err := e.client.store.Set(ctx, e.storeKey, eventSentinel); err != nil {
		return err
	}
	metrics.EventSetCounter.Inc()
	return e.client.bus.Publish(ctx, e.storeKey, []byte(eventSentinel))
}

// Clear unsets the event. No notification is sent, so a waiter parked after
// Clear sleeps until the next Set.
func (e *Event) Clear(ctx context.Context) error {
	if err := e.client.store.Del(ctx, e.storeKey); err != nil {
		return err
	}
	metrics.EventClearCounter.Inc()
	return nil
}

// IsSet reports whether the event is set.
func (e *Event) IsSet(ctx context.Context) (bool, error) {
	return e.client.store.Exists(ctx, e.storeKey)
}

// Wait blocks until the event is set or ctx is done. It returns at once when
// the event is already set.
//
// The state is checked again once the subscription is active. A Set landing
// between the first check and the subscription is still caught by that
// recheck, but the bus is best-effort: a notification dropped by the backend
// leaves the waiter parked until the next Set or until ctx ends. Bound the
// wait with ctx when that matters.
func (e *Event) Wait(ctx context.Context) (bool, error) {
	set, err := e.IsSet(ctx)
	if err != nil || set {
		return set, err
	}

	ctx, span := tracer().Start(ctx, "Event.Wait", trace.WithAttributes(attribute.String("distributed.key", e.storeKey)))
	defer span.End()

	set, err = e.wait(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	metrics.EventWaitCounter.Inc()
	return set, nil
}

func (e *Event) wait(ctx context.Context) (bool, error) {
	ch, err := e.client.bus.Subscribe(ctx, e.storeKey)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := e.client.bus.Unsubscribe(context.WithoutCancel(ctx), e.storeKey, ch); err != nil {
			slog.Warn("distributed: event unsubscribe failed", "key", e.storeKey, "error", err)
		}
	}()

	metrics.WaiterGauge.Inc()
	defer metrics.WaiterGauge.Dec()

	if set, err := e.IsSet(ctx); err != nil || set {
		return set, err
	}
	select {
	case _, ok := <-ch:
		if !ok {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("%w: subscription to %s closed", derrors.ErrDistributed, e.storeKey)
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
