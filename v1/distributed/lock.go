package distributed

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
	"github.com/mirkobrombin/go-distributed/v1/metrics"
)

// Lock is a lease-based mutual exclusion primitive. The store value is the
// epoch second at which the current lease ends; a lease in the past is stale
// and may be reclaimed by any contender.
//
// A Lock value tracks its own lease and must not be shared between goroutines
// that acquire independently; give each contender its own Lock.
type Lock struct {
	identity
	expires time.Duration
	timeout time.Duration
	poll    time.Duration
	clock   Clock

	held  bool
	start time.Time
}

// Lock returns the Lock named key, minting a key when empty.
func (c *Client) Lock(ctx context.Context, key string, opts ...PrimitiveOption) (*Lock, error) {
	key, err := c.resolveKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.newLock(key, newSettings("Lock", opts)), nil
}

func (c *Client) newLock(key string, s settings) *Lock {
	return &Lock{
		identity: c.identity(key, s.namespace),
		expires:  s.expires,
		timeout:  s.timeout,
		poll:     s.poll,
		clock:    s.clock,
	}
}

// TypeName implements codec.Serializable.
func (*Lock) TypeName() string { return "Lock" }

// Expires returns the lease duration.
func (l *Lock) Expires() time.Duration { return l.expires }

// Held reports whether this instance acquired the lock and its lease has not
// run out yet.
func (l *Lock) Held() bool {
	return l.held && l.clock.Now().Sub(l.start) < l.expires
}

// Locked reports whether a lease on the key is still running, whoever holds
// it. A lease that has run out reports stale instead: the key is still
// present but the next Acquire reclaims it. A value that is not a timestamp
// counts as locked, as it does for Acquire.
func (l *Lock) Locked(ctx context.Context) (locked, stale bool, err error) {
	current, found, err := l.client.store.Get(ctx, l.storeKey)
	if err != nil || !found {
		return false, false, err
	}
	deadline, err := strconv.ParseFloat(current, 64)
	if err != nil {
		return true, false, nil
	}
	if deadline < epochSeconds(l.clock.Now()) {
		return false, true, nil
	}
	return true, false, nil
}

// Acquire tries to take the lock. Without blocking it makes one attempt.
// With blocking it retries every poll interval until the timeout budget is
// spent, and reports false when it is. Cancelling ctx aborts the wait with
// ctx's error.
func (l *Lock) Acquire(ctx context.Context, blocking bool) (bool, error) {
	ctx, span := tracer().Start(ctx, "Lock.Acquire", trace.WithAttributes(
		attribute.String("distributed.key", l.storeKey),
		attribute.Bool("distributed.lock.blocking", blocking),
	))
	defer span.End()

	attempts := 1
	if blocking {
		attempts += int(l.timeout / l.poll)
	}
	for i := 0; ; i++ {
		result, err := l.try(ctx)
		if err != nil {
			metrics.LockAcquireCounter.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}
		if result != "" {
			metrics.LockAcquireCounter.WithLabelValues(result).Inc()
			span.SetAttributes(attribute.String("distributed.lock.result", result), attribute.Int("distributed.lock.attempts", i+1))
			return true, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-l.clock.After(l.poll):
		case <-ctx.Done():
			metrics.LockAcquireCounter.WithLabelValues("error").Inc()
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return false, ctx.Err()
		}
	}
	metrics.LockAcquireCounter.WithLabelValues("busy").Inc()
	span.SetAttributes(attribute.String("distributed.lock.result", "busy"), attribute.Int("distributed.lock.attempts", attempts))
	return false, nil
}

// try makes one acquisition attempt. It returns "acquired" or "reclaimed" on
// success and "" when the lock is held by someone else.
func (l *Lock) try(ctx context.Context) (string, error) {
	st := l.client.store
	now := l.clock.Now()
	value := formatDeadline(now.Add(l.expires + time.Second))

	ok, err := st.SetNX(ctx, l.storeKey, value)
	if err != nil {
		return "", err
	}
	if ok {
		l.acquired()
		return "acquired", nil
	}

	current, found, err := st.Get(ctx, l.storeKey)
	if err != nil || !found {
		return "", err
	}
	deadline, err := strconv.ParseFloat(current, 64)
	if err != nil {
		slog.Warn("distributed: lock value is not a timestamp", "key", l.storeKey, "value", current)
		return "", nil
	}
	if deadline >= epochSeconds(now) {
		return "", nil
	}
	swapped, err := st.CompareAndSwap(ctx, l.storeKey, current, value)
	if err != nil || !swapped {
		return "", err
	}
	slog.Info("distributed: reclaimed stale lock", "key", l.storeKey, "stale_deadline", current)
	l.acquired()
	return "reclaimed", nil
}

func (l *Lock) acquired() {
	l.held = true
	l.start = l.clock.Now()
}

// Release frees the lock, but only while the lease is still running. Once it
// has run out the key may belong to another holder, so it is left alone.
// Releasing a Lock that was never acquired does nothing.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	l.held = false
	if elapsed := l.clock.Now().Sub(l.start); elapsed >= l.expires {
		metrics.LockReleaseCounter.WithLabelValues("expired").Inc()
		slog.Warn("distributed: lease expired before release", "key", l.storeKey, "elapsed", elapsed, "expires", l.expires)
		return nil
	}
	if err := l.client.store.Del(ctx, l.storeKey); err != nil {
		metrics.LockReleaseCounter.WithLabelValues("error").Inc()
		return err
	}
	metrics.LockReleaseCounter.WithLabelValues("released").Inc()
	return nil
}

// Do runs fn while holding the lock, acquiring in blocking mode. It returns
// ErrLockTimeout when the lock cannot be acquired. The lock is released on
// every return path of fn, panics included.
func (l *Lock) Do(ctx context.Context, fn func(context.Context) error) error {
	return l.scoped(ctx, true, fn)
}

// TryDo is Do with a single non-blocking acquisition attempt.
func (l *Lock) TryDo(ctx context.Context, fn func(context.Context) error) error {
	return l.scoped(ctx, false, fn)
}

func (l *Lock) scoped(ctx context.Context, blocking bool, fn func(context.Context) error) (err error) {
	ok, err := l.Acquire(ctx, blocking)
	if err != nil {
		return err
	}
	if !ok {
		return derrors.ErrLockTimeout
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// formatDeadline renders t as fractional epoch seconds, the way Python's
// str(float) does for timestamps: integral values keep a trailing ".0".
func formatDeadline(t time.Time) string {
	f := epochSeconds(t)
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
