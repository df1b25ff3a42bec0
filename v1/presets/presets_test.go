package presets

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/go-distributed/v1/distributed"
)

func exercise(t *testing.T, c *distributed.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := c.Counter(ctx, "hits")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if v, err := n.Increment(ctx); err != nil || v != 1 {
		t.Fatalf("increment: %d %v", v, err)
	}

	q, _ := c.Queue(ctx, "jobs")
	if err := q.Put(ctx, "job"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, err := q.GetNoWait(ctx); err != nil || v != "job" {
		t.Fatalf("get: %v %v", v, err)
	}

	e, _ := c.Event(ctx, "ready")
	done := make(chan error, 1)
	go func() {
		_, err := e.Wait(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := e.Set(ctx); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}

	l, _ := c.Lock(ctx, "res")
	if err := l.TryDo(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("lock: %v", err)
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	c := NewInMemoryStandalone()
	defer c.Close()
	exercise(t, c)
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	c := NewRedis(RedisOptions{Addr: mr.Addr(), Prefix: "app"})
	defer c.Close()
	exercise(t, c)
	if v, _ := mr.Get("app:counter:hits"); v != "1" {
		t.Fatalf("expected prefixed counter, got %q", v)
	}
}

func TestNewRedisNATS(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	c, err := NewRedisNATS(RedisOptions{Addr: mr.Addr()}, s.ClientURL(), BreakerOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()
	exercise(t, c)
}

func TestNewRedisNATSUnreachable(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	url := s.ClientURL()
	s.Shutdown()
	if _, err := NewRedisNATS(RedisOptions{}, url, BreakerOptions{}); err == nil {
		t.Fatal("expected error connecting to a stopped NATS server")
	}
}

func TestNewPebbleStandalone(t *testing.T) {
	dir := t.TempDir()
	c, err := NewPebbleStandalone(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	exercise(t, c)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err = NewPebbleStandalone(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	n, _ := c.Counter(context.Background(), "hits")
	if v, err := n.Increment(context.Background()); err != nil || v != 2 {
		t.Fatalf("expected counter to survive reopen: %d %v", v, err)
	}
}

func TestNewSQLiteStandalone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	c, err := NewSQLiteStandalone(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	exercise(t, c)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err = NewSQLiteStandalone(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	q, _ := c.Queue(context.Background(), "jobs")
	if empty, err := q.Empty(context.Background()); err != nil || !empty {
		t.Fatalf("expected drained queue after reopen: %v %v", empty, err)
	}
	n, _ := c.Counter(context.Background(), "hits")
	if v, err := n.Increment(context.Background()); err != nil || v != 2 {
		t.Fatalf("expected counter to survive reopen: %d %v", v, err)
	}
}
