// Package syncbus provides the publish/subscribe half of the backing store
// client. Events use it to wake blocked waiters; it is never the source of
// truth for any primitive.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a best-effort pub/sub mechanism. Subscribe returns only once the
// subscription is active on the backend, so a message published after
// Subscribe returns is delivered unless the subscriber's buffer is full.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (chan []byte, error)
	Unsubscribe(ctx context.Context, channel string, ch chan []byte) error
}

// Metrics reports the number of published and delivered messages.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscriberBuffer is the capacity of each subscription channel.
const subscriberBuffer = 1

// fanout keeps the subscriber channels of a single backend subscription.
// Sends and closes happen under mu so a send never races a close.
type fanout struct {
	mu    sync.Mutex
	chans []chan []byte
}

func (f *fanout) add(ch chan []byte) {
	f.mu.Lock()
	f.chans = append(f.chans, ch)
	f.mu.Unlock()
}

// remove closes ch and reports whether it was found and how many remain.
func (f *fanout) remove(ch chan []byte) (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.chans {
		if c == ch {
			f.chans[i] = f.chans[len(f.chans)-1]
			f.chans = f.chans[:len(f.chans)-1]
			close(c)
			return true, len(f.chans)
		}
	}
	return false, len(f.chans)
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for _, c := range f.chans {
		close(c)
	}
	f.chans = nil
	f.mu.Unlock()
}

func (f *fanout) deliver(payload []byte, delivered *atomic.Uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chans {
		select {
		case c <- payload:
			delivered.Add(1)
		default:
		}
	}
}

// InMemoryBus is a local implementation of Bus for tests and standalone mode.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string]*fanout
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string]*fanout)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	f := b.subs[channel]
	b.mu.Unlock()
	b.published.Add(1)
	if f != nil {
		f.deliver(payload, &b.delivered)
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	f := b.subs[channel]
	if f == nil {
		f = &fanout{}
		b.subs[channel] = f
	}
	f.add(ch)
	b.mu.Unlock()
	context.AfterFunc(ctx, func() {
		_ = b.Unsubscribe(context.Background(), channel, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.subs[channel]
	if f == nil {
		return nil
	}
	if _, left := f.remove(ch); left == 0 {
		delete(b.subs, channel)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
