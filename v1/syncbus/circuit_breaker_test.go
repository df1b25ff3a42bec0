package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
)

type flakyBus struct {
	*InMemoryBus
	err   error
	calls int
}

func (f *flakyBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return f.InMemoryBus.Publish(ctx, channel, payload)
}

func (f *flakyBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.InMemoryBus.Subscribe(ctx, channel)
}

func newBreaker(threshold int, timeout time.Duration) (*CircuitBreakerBus, *flakyBus, *time.Time) {
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(fb, threshold, timeout)
	now := time.Unix(1700000000, 0)
	cb.now = func() time.Time { return now }
	return cb, fb, &now
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, fb, now := newBreaker(2, time.Minute)
	ctx := context.Background()
	down := errors.New("connection refused")
	fb.err = down

	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, down) {
		t.Fatalf("expected inner error, got %v", err)
	}
	if cb.State() != "closed" {
		t.Fatalf("expected closed after one failure, got %s", cb.State())
	}
	if _, err := cb.Subscribe(ctx, "k"); !errors.Is(err, down) {
		t.Fatalf("expected inner error, got %v", err)
	}
	if cb.State() != "open" || cb.IsHealthy() {
		t.Fatalf("expected open, got %s", cb.State())
	}

	calls := fb.calls
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if _, err := cb.Subscribe(ctx, "k"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if fb.calls != calls {
		t.Fatal("open breaker reached the inner bus")
	}
	if !errors.Is(ErrCircuitOpen, derrors.ErrDistributed) {
		t.Fatal("ErrCircuitOpen should match ErrDistributed")
	}

	*now = now.Add(time.Minute)
	if !cb.IsHealthy() {
		t.Fatal("expected a probe to be allowed after the timeout")
	}
}

func TestCircuitBreakerProbe(t *testing.T) {
	cb, fb, now := newBreaker(1, time.Second)
	ctx := context.Background()
	fb.err = errors.New("down")
	_ = cb.Publish(ctx, "k", nil)
	if cb.State() != "open" {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// A failed probe reopens the breaker for another full timeout.
	*now = now.Add(time.Second)
	if err := cb.Publish(ctx, "k", nil); errors.Is(err, ErrCircuitOpen) {
		t.Fatal("probe was not let through")
	}
	if err := cb.Publish(ctx, "k", nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened breaker, got %v", err)
	}

	// A successful probe closes it.
	*now = now.Add(time.Second)
	fb.err = nil
	if err := cb.Publish(ctx, "k", nil); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != "closed" {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreakerIgnoresCancelledSubscribe(t *testing.T) {
	cb, fb, _ := newBreaker(1, time.Minute)
	fb.err = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cb.Subscribe(ctx, "k"); err == nil {
		t.Fatal("expected an error")
	}
	if cb.State() != "closed" {
		t.Fatalf("cancelled subscribe tripped the breaker: %s", cb.State())
	}
}

func TestCircuitBreakerPassthrough(t *testing.T) {
	cb, _, _ := newBreaker(5, time.Minute)
	ctx := context.Background()

	sub, err := cb.Subscribe(ctx, "foo")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, "foo", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sub:
		if string(msg) != "hi" {
			t.Fatalf("unexpected payload %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on underlying bus")
	}
	if err := cb.Unsubscribe(ctx, "foo", sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
