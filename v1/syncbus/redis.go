package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-distributed/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	out    fanout
}

// RedisBus implements Bus using Redis PUBLISH/SUBSCRIBE. One Redis
// subscription is shared by every local subscriber of the same channel.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("distributed.bus.channel", channel)))
	defer span.End()

	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It waits for Redis to confirm the
// subscription before returning.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		ps := b.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps}
		b.subs[channel] = sub
		go b.dispatch(sub)
	}
	sub.out.add(ch)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), channel, ch)
	})
	return ch, nil
}

func (b *RedisBus) dispatch(sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		sub.out.deliver([]byte(msg.Payload), &b.delivered)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	if _, left := sub.out.remove(ch); left > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, channel)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Close drops every subscription and closes all subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		sub.out.closeAll()
	}
	return firstErr
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
