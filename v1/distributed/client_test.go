package distributed

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-distributed/v1/codec"
	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
	"github.com/mirkobrombin/go-distributed/v1/store"
	"github.com/mirkobrombin/go-distributed/v1/syncbus"
)

func newRedisClient(t *testing.T, opts ...Option) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := syncbus.NewRedisBus(rc)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = rc.Close()
		mr.Close()
	})
	return New(store.NewRedisStore(rc, store.WithTimeout(time.Second)), bus, opts...), mr
}

func newSQLiteClient(t *testing.T) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "distributed.db")
	db, err := gorm.Open(sqlite.Open(store.SQLiteDSN(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	st, err := store.NewGormStore(db)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	return New(st, syncbus.NewInMemoryBus())
}

func clients(t *testing.T) map[string]*Client {
	t.Helper()
	rc, _ := newRedisClient(t)
	return map[string]*Client{
		"redis":    rc,
		"inmemory": New(store.NewInMemoryStore(), syncbus.NewInMemoryBus()),
	}
}

// fakeClock advances only when told to, or when a poll interval is awaited.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps++
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

func TestPrimitiveStoreKeys(t *testing.T) {
	c, _ := newRedisClient(t)
	ctx := context.Background()

	l, _ := c.Lock(ctx, "test")
	q, _ := c.Queue(ctx, "jobs")
	e, _ := c.Event(ctx, "ready")
	n, _ := c.Counter(ctx, "hits")
	cases := map[string]string{
		l.StoreKey(): "distributed:lock:test",
		q.StoreKey(): "distributed:queue:jobs",
		e.StoreKey(): "distributed:event:ready",
		n.StoreKey(): "distributed:counter:hits",
		n.ValueKey(): "distributed:counter:hits",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("expected store key %q, got %q", want, got)
		}
	}

	custom, _ := c.Counter(ctx, "hits", Namespace("stats"))
	if custom.StoreKey() != "distributed:stats:hits" {
		t.Fatalf("unexpected namespaced key %q", custom.StoreKey())
	}
	if custom.ValueKey() != "distributed:counter:hits" {
		t.Fatalf("counter value must stay under the counter namespace, got %q", custom.ValueKey())
	}
}

func TestWithPrefix(t *testing.T) {
	c, _ := newRedisClient(t, WithPrefix("app"))
	l, err := c.Lock(context.Background(), "x")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if l.StoreKey() != "app:lock:x" {
		t.Fatalf("unexpected key %q", l.StoreKey())
	}
}

func TestAutoKeysAreDistinct(t *testing.T) {
	c, mr := newRedisClient(t)
	ctx := context.Background()

	l, err := c.Lock(ctx, "")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	q, err := c.Queue(ctx, "")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if l.Key() != "1" || q.Key() != "2" {
		t.Fatalf("expected minted keys 1 and 2, got %q and %q", l.Key(), q.Key())
	}
	v, err := mr.Get("distributed:counter::keys")
	if err != nil || v != "2" {
		t.Fatalf("expected key counter at 2, got %q (%v)", v, err)
	}
}

func TestAutoKeysSharedAcrossClients(t *testing.T) {
	st := store.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	a := New(st, bus)
	b := New(st, bus)
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		for _, c := range []*Client{a, b} {
			k, err := c.NextKey(ctx)
			if err != nil {
				t.Fatalf("next key: %v", err)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q", k)
			}
			seen[k] = true
		}
	}
}

func TestDumpsLock(t *testing.T) {
	c, _ := newRedisClient(t)
	l, _ := c.Lock(context.Background(), "test")
	text, err := c.Dumps(l)
	if err != nil {
		t.Fatalf("dumps: %v", err)
	}
	want := `{"__distributed_type__": "Lock", "state": {"key": "test"}}`
	if text != want {
		t.Fatalf("got %s want %s", text, want)
	}
}

func TestLoadsLockBindsToClient(t *testing.T) {
	c, _ := newRedisClient(t)
	v, err := c.Loads(`{"__distributed_type__": "Lock", "state": {"key": "test"}}`)
	if err != nil {
		t.Fatalf("loads: %v", err)
	}
	l, ok := v.(*Lock)
	if !ok {
		t.Fatalf("expected *Lock, got %T", v)
	}
	if l.Key() != "test" || l.StoreKey() != "distributed:lock:test" || l.Expires() != 60*time.Second {
		t.Fatalf("unexpected lock %q %q %v", l.Key(), l.StoreKey(), l.Expires())
	}
	ctx := context.Background()
	ok, err = l.Acquire(ctx, false)
	if err != nil || !ok {
		t.Fatalf("decoded lock should be usable: ok %v err %v", ok, err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestPrimitivesRoundTrip(t *testing.T) {
	c, _ := newRedisClient(t)
	ctx := context.Background()
	l, _ := c.Lock(ctx, "l")
	q, _ := c.Queue(ctx, "q")
	e, _ := c.Event(ctx, "e")
	n, _ := c.Counter(ctx, "n")

	text, err := c.Dumps([]any{l, q, e, n})
	if err != nil {
		t.Fatalf("dumps: %v", err)
	}
	v, err := c.Loads(text)
	if err != nil {
		t.Fatalf("loads: %v", err)
	}
	list := v.([]any)
	if got := list[0].(*Lock).Key(); got != "l" {
		t.Fatalf("unexpected lock key %q", got)
	}
	if got := list[1].(*Queue).Key(); got != "q" {
		t.Fatalf("unexpected queue key %q", got)
	}
	if got := list[2].(*Event).Key(); got != "e" {
		t.Fatalf("unexpected event key %q", got)
	}
	if got := list[3].(*Counter).Key(); got != "n" {
		t.Fatalf("unexpected counter key %q", got)
	}
}

func TestLoadsErrors(t *testing.T) {
	c, _ := newRedisClient(t)
	for _, text := range []string{
		`{"__distributed_type__": "Lock", "state": {}}`,
		`{"__distributed_type__": "Semaphore", "state": {"key": "x"}}`,
		`{"__distributed_type__": "Lock"`,
	} {
		if _, err := c.Loads(text); !errors.Is(err, derrors.ErrDecode) {
			t.Fatalf("loads %s: expected decode error, got %v", text, err)
		}
	}
}

func TestDefaultHandle(t *testing.T) {
	SetDefault(nil)
	t.Cleanup(func() { SetDefault(nil) })
	ctx := context.Background()

	if _, err := NewLock(ctx, "x"); !errors.Is(err, derrors.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := Dumps(1); !errors.Is(err, derrors.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	c, err := Init(Config{Addr: mr.Addr(), Prefix: "app", OpTimeout: time.Second})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer c.Close()
	if d, err := Default(); err != nil || d != c {
		t.Fatalf("default handle not installed: %v", err)
	}

	n, err := NewCounter(ctx, "hits")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if v, err := n.Increment(ctx); err != nil || v != 1 {
		t.Fatalf("increment: %d %v", v, err)
	}
	if got, _ := mr.Get("app:counter:hits"); got != "1" {
		t.Fatalf("expected counter value in redis, got %q", got)
	}
	q, err := NewQueue(ctx, "")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if q.StoreKey() != "app:queue:1" {
		t.Fatalf("unexpected queue key %q", q.StoreKey())
	}
	if _, err := NewEvent(ctx, "e"); err != nil {
		t.Fatalf("event: %v", err)
	}
	text, err := Dumps([]any{1, "hello"})
	if err != nil || text != `[1, "hello"]` {
		t.Fatalf("dumps: %q %v", text, err)
	}
	if _, err := Loads(text); err != nil {
		t.Fatalf("loads: %v", err)
	}
}

func TestInitUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	if _, err := Init(Config{Addr: addr}); err == nil {
		t.Fatal("expected error connecting to a closed server")
	}
}

type job struct {
	Name     string `mapstructure:"name"`
	Attempts int64  `mapstructure:"attempts"`
}

func (*job) TypeName() string { return "Job" }

func TestUserTypesShareTheRegistry(t *testing.T) {
	c, _ := newRedisClient(t)
	c.Registry().MustRegister("Job", codec.Type{New: func() any { return &job{} }})
	text, err := c.Dumps(&job{Name: "build", Attempts: 2})
	if err != nil {
		t.Fatalf("dumps: %v", err)
	}
	if text != `{"__distributed_type__": "Job", "state": {"attempts": 2, "name": "build"}}` {
		t.Fatalf("unexpected text %s", text)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic registering a primitive name twice")
		}
	}()
	c.Registry().MustRegister("Lock", codec.Type{New: func() any { return &job{} }})
}
