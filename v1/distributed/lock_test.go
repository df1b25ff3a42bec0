package distributed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
	"github.com/mirkobrombin/go-distributed/v1/metrics"
)

func TestLockAcquireRelease(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			a, _ := c.Lock(ctx, "res", WithClock(clock))
			b, _ := c.Lock(ctx, "res", WithClock(clock))

			if ok, err := a.Acquire(ctx, false); err != nil || !ok {
				t.Fatalf("acquire: %v %v", ok, err)
			}
			if !a.Held() {
				t.Fatal("expected a to hold the lock")
			}
			if ok, err := b.Acquire(ctx, false); err != nil || ok {
				t.Fatalf("expected b to fail while a holds the lock: %v %v", ok, err)
			}
			if err := a.Release(ctx); err != nil {
				t.Fatalf("release: %v", err)
			}
			if a.Held() {
				t.Fatal("expected a to no longer hold the lock")
			}
			if ok, err := b.Acquire(ctx, false); err != nil || !ok {
				t.Fatalf("expected b to acquire after release: %v %v", ok, err)
			}
		})
	}
}

func TestLockValueIsLeaseDeadline(t *testing.T) {
	c, mr := newRedisClient(t)
	ctx := context.Background()
	clock := newFakeClock()
	l, _ := c.Lock(ctx, "ts", WithClock(clock))
	if ok, err := l.Acquire(ctx, false); err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if v, _ := mr.Get("distributed:lock:ts"); v != "1700000061.0" {
		t.Fatalf("unexpected lock value %q", v)
	}

	clock.Advance(500 * time.Millisecond)
	other, _ := c.Lock(ctx, "ts2", WithClock(clock), WithExpires(10*time.Second))
	_, _ = other.Acquire(ctx, false)
	if v, _ := mr.Get("distributed:lock:ts2"); v != "1700000011.5" {
		t.Fatalf("unexpected lock value %q", v)
	}
}

func TestLockBlockingBudget(t *testing.T) {
	c := clients(t)["inmemory"]
	ctx := context.Background()
	clock := newFakeClock()
	holder, _ := c.Lock(ctx, "busy", WithClock(clock))
	if ok, _ := holder.Acquire(ctx, false); !ok {
		t.Fatal("holder should acquire")
	}
	waiter, _ := c.Lock(ctx, "busy", WithClock(clock), WithTimeout(3*time.Second))
	ok, err := waiter.Acquire(ctx, true)
	if err != nil || ok {
		t.Fatalf("expected budget exhaustion: %v %v", ok, err)
	}
	if got := clock.Sleeps(); got != 3 {
		t.Fatalf("expected 3 poll intervals between 4 attempts, got %d", got)
	}
}

func TestLockNonBlockingDoesNotSleep(t *testing.T) {
	c := clients(t)["inmemory"]
	ctx := context.Background()
	clock := newFakeClock()
	holder, _ := c.Lock(ctx, "busy", WithClock(clock))
	_, _ = holder.Acquire(ctx, false)
	waiter, _ := c.Lock(ctx, "busy", WithClock(clock))
	if ok, err := waiter.Acquire(ctx, false); err != nil || ok {
		t.Fatalf("expected failure: %v %v", ok, err)
	}
	if clock.Sleeps() != 0 {
		t.Fatal("non-blocking acquire must not wait")
	}
}

func TestLockBlockingAcquiresWhenReleased(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			holder, _ := c.Lock(ctx, "handover")
			if ok, _ := holder.Acquire(ctx, false); !ok {
				t.Fatal("holder should acquire")
			}
			go func() {
				time.Sleep(50 * time.Millisecond)
				_ = holder.Release(ctx)
			}()
			waiter, _ := c.Lock(ctx, "handover", WithPollInterval(10*time.Millisecond), WithTimeout(5*time.Second))
			if ok, err := waiter.Acquire(ctx, true); err != nil || !ok {
				t.Fatalf("expected waiter to acquire: %v %v", ok, err)
			}
		})
	}
}

func TestLockAcquireContextCancel(t *testing.T) {
	c := clients(t)["inmemory"]
	holder, _ := c.Lock(context.Background(), "held")
	_, _ = holder.Acquire(context.Background(), false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	waiter, _ := c.Lock(ctx, "held")
	ok, err := waiter.Acquire(ctx, true)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v %v", ok, err)
	}
}

func TestLockStaleLeaseIsReclaimed(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			first, _ := c.Lock(ctx, "stale", WithClock(clock), WithExpires(time.Second))
			second, _ := c.Lock(ctx, "stale", WithClock(clock), WithExpires(time.Second))

			if ok, _ := first.Acquire(ctx, false); !ok {
				t.Fatal("first should acquire")
			}
			if ok, _ := second.Acquire(ctx, false); ok {
				t.Fatal("second must not acquire a live lease")
			}

			before := testutil.ToFloat64(metrics.LockAcquireCounter.WithLabelValues("reclaimed"))
			clock.Advance(3 * time.Second)
			if ok, err := second.Acquire(ctx, false); err != nil || !ok {
				t.Fatalf("second should reclaim the stale lease: %v %v", ok, err)
			}
			if d := testutil.ToFloat64(metrics.LockAcquireCounter.WithLabelValues("reclaimed")) - before; d != 1 {
				t.Fatalf("expected one reclaim recorded, got %v", d)
			}

			if first.Held() {
				t.Fatal("first lease has run out")
			}
			if err := first.Release(ctx); err != nil {
				t.Fatalf("release: %v", err)
			}
			exists, err := c.Store().Exists(ctx, second.StoreKey())
			if err != nil || !exists {
				t.Fatalf("an expired holder must not delete the new holder's key: %v %v", exists, err)
			}
			third, _ := c.Lock(ctx, "stale", WithClock(clock))
			if ok, _ := third.Acquire(ctx, false); ok {
				t.Fatal("second still holds the lock")
			}
		})
	}
}

func TestLockStaleReclaimIsExclusive(t *testing.T) {
	contenders := clients(t)
	contenders["gorm"] = newSQLiteClient(t)
	for name, c := range contenders {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			crashed, _ := c.Lock(ctx, "race", WithClock(clock), WithExpires(time.Second))
			if ok, err := crashed.Acquire(ctx, false); err != nil || !ok {
				t.Fatalf("first acquire: %v %v", ok, err)
			}
			clock.Advance(5 * time.Second)

			var winners atomic.Int32
			var g errgroup.Group
			for i := 0; i < 16; i++ {
				g.Go(func() error {
					l, err := c.Lock(ctx, "race", WithClock(clock), WithExpires(time.Minute))
					if err != nil {
						return err
					}
					ok, err := l.Acquire(ctx, false)
					if ok {
						winners.Add(1)
					}
					return err
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("acquire: %v", err)
			}
			if n := winners.Load(); n != 1 {
				t.Fatalf("expected exactly one contender to reclaim the lease, got %d", n)
			}
		})
	}
}

func TestLockLockedReportsLease(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			l, _ := c.Lock(ctx, "lease", WithClock(clock), WithExpires(time.Second))
			if locked, stale, err := l.Locked(ctx); err != nil || locked || stale {
				t.Fatalf("free lock: locked %v stale %v err %v", locked, stale, err)
			}
			if ok, err := l.Acquire(ctx, false); err != nil || !ok {
				t.Fatalf("acquire: %v %v", ok, err)
			}
			if locked, stale, err := l.Locked(ctx); err != nil || !locked || stale {
				t.Fatalf("held lock: locked %v stale %v err %v", locked, stale, err)
			}
			clock.Advance(5 * time.Second)
			if locked, stale, err := l.Locked(ctx); err != nil || locked || !stale {
				t.Fatalf("expired lock: locked %v stale %v err %v", locked, stale, err)
			}
		})
	}
}

func TestLockMutualExclusion(t *testing.T) {
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				inside atomic.Int32
				total  atomic.Int32
			)
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 8; i++ {
				g.Go(func() error {
					l, err := c.Lock(gctx, "mutex", WithPollInterval(5*time.Millisecond), WithTimeout(10*time.Second))
					if err != nil {
						return err
					}
					for j := 0; j < 5; j++ {
						err := l.Do(gctx, func(context.Context) error {
							if inside.Add(1) != 1 {
								return errors.New("two holders inside the critical section")
							}
							total.Add(1)
							time.Sleep(time.Millisecond)
							inside.Add(-1)
							return nil
						})
						if err != nil {
							return err
						}
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("do: %v", err)
			}
			if n := total.Load(); n != 40 {
				t.Fatalf("expected 40 critical sections, got %d", n)
			}
		})
	}
}

func TestLockDoReleasesOnError(t *testing.T) {
	c := clients(t)["inmemory"]
	ctx := context.Background()
	l, _ := c.Lock(ctx, "scoped")
	boom := errors.New("boom")
	if err := l.Do(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if exists, _ := c.Store().Exists(ctx, l.StoreKey()); exists {
		t.Fatal("lock key must be deleted after Do")
	}
}

func TestLockDoReleasesOnPanic(t *testing.T) {
	c := clients(t)["inmemory"]
	ctx := context.Background()
	l, _ := c.Lock(ctx, "panicky")
	func() {
		defer func() { _ = recover() }()
		_ = l.Do(ctx, func(context.Context) error { panic("boom") })
	}()
	if exists, _ := c.Store().Exists(ctx, l.StoreKey()); exists {
		t.Fatal("lock key must be deleted after a panic")
	}
}

func TestLockScopedTimeout(t *testing.T) {
	c := clients(t)["inmemory"]
	ctx := context.Background()
	clock := newFakeClock()
	holder, _ := c.Lock(ctx, "contended", WithClock(clock))
	_, _ = holder.Acquire(ctx, false)

	l, _ := c.Lock(ctx, "contended", WithClock(clock), WithTimeout(2*time.Second))
	called := false
	fn := func(context.Context) error { called = true; return nil }
	if err := l.Do(ctx, fn); !errors.Is(err, derrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if err := l.TryDo(ctx, fn); !errors.Is(err, derrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !errors.Is(derrors.ErrLockTimeout, derrors.ErrDistributed) {
		t.Fatal("ErrLockTimeout must match ErrDistributed")
	}
	if called {
		t.Fatal("fn must not run without the lock")
	}
}

func TestLockReleaseWithoutAcquire(t *testing.T) {
	c := clients(t)["inmemory"]
	ctx := context.Background()
	holder, _ := c.Lock(ctx, "foreign")
	_, _ = holder.Acquire(ctx, false)
	stranger, _ := c.Lock(ctx, "foreign")
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if exists, _ := c.Store().Exists(ctx, holder.StoreKey()); !exists {
		t.Fatal("a lock that never acquired must not delete the key")
	}
}

func TestLockIgnoresMalformedValue(t *testing.T) {
	c := clients(t)["inmemory"]
	ctx := context.Background()
	l, _ := c.Lock(ctx, "garbage")
	if err := c.Store().Set(ctx, l.StoreKey(), "not-a-number"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, err := l.Acquire(ctx, false); err != nil || ok {
		t.Fatalf("expected busy lock, got %v %v", ok, err)
	}
}

func TestLockAcquireSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	c := clients(t)["inmemory"]
	ctx := context.Background()
	l, _ := c.Lock(ctx, "traced")
	if ok, _ := l.Acquire(ctx, false); !ok {
		t.Fatal("acquire failed")
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "Lock.Acquire" {
		t.Fatalf("expected one Lock.Acquire span, got %d", len(spans))
	}
	want := attribute.String("distributed.lock.result", "acquired")
	for _, a := range spans[0].Attributes() {
		if a == want {
			return
		}
	}
	t.Fatalf("missing result attribute in %v", spans[0].Attributes())
}
