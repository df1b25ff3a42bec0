// Command dist-bench measures throughput of the distributed primitives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-distributed/v1/distributed"
	derrors "github.com/mirkobrombin/go-distributed/v1/errors"
	"github.com/mirkobrombin/go-distributed/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of operations")
	backend     = flag.String("backend", "memory", "memory, pebble or redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	dir         = flag.String("dir", "./bench-data", "Pebble data directory")
	scenario    = flag.String("scenario", "counter", "counter, queue or lock")
)

type result struct {
	ops    atomic.Int64
	errors atomic.Int64
	misses atomic.Int64
}

func main() {
	flag.Parse()

	client, err := open()
	if err != nil {
		log.Fatalf("open %s: %v", *backend, err)
	}
	defer client.Close()

	run, ok := scenarios[*scenario]
	if !ok {
		log.Fatalf("unknown scenario %q", *scenario)
	}

	log.Printf("Starting %s benchmark on %s: %d operations, %d concurrency", *scenario, *backend, *requests, *concurrency)

	ctx := context.Background()
	var res result
	perWorker := *requests / *concurrency

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			return run(gctx, client, i, perWorker, &res)
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("benchmark aborted: %v", err)
	}
	elapsed := time.Since(start)

	ops := res.ops.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f ops/s", float64(ops)/elapsed.Seconds())
	log.Printf("Avg Latency: %.2f ns", elapsed.Seconds()/float64(ops)*1e9)
	if n := res.misses.Load(); n > 0 {
		log.Printf("Contended: %d", n)
	}
	if n := res.errors.Load(); n > 0 {
		log.Printf("Errors: %d", n)
	}
}

func open() (*distributed.Client, error) {
	switch *backend {
	case "memory":
		return presets.NewInMemoryStandalone(), nil
	case "pebble":
		return presets.NewPebbleStandalone(*dir)
	case "redis":
		return presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, Prefix: "bench"}), nil
	}
	return nil, fmt.Errorf("unknown backend %q", *backend)
}

var scenarios = map[string]func(ctx context.Context, c *distributed.Client, worker, n int, res *result) error{
	"counter": benchCounter,
	"queue":   benchQueue,
	"lock":    benchLock,
}

func benchCounter(ctx context.Context, c *distributed.Client, _, n int, res *result) error {
	counter, err := c.Counter(ctx, "bench")
	if err != nil {
		return err
	}
	for j := 0; j < n; j++ {
		if _, err := counter.Increment(ctx); err != nil {
			res.errors.Add(1)
		}
		res.ops.Add(1)
	}
	return nil
}

// benchQueue has every worker push to and pop from its own queue, so each
// operation is one round trip.
func benchQueue(ctx context.Context, c *distributed.Client, worker, n int, res *result) error {
	q, err := c.Queue(ctx, fmt.Sprintf("bench-%d", worker))
	if err != nil {
		return err
	}
	item := map[string]any{"worker": worker, "payload": "xxxxxxxxxxxxxxxx"}
	for j := 0; j < n; j++ {
		if err := q.Put(ctx, item); err != nil {
			res.errors.Add(1)
		}
		if _, err := q.GetNoWait(ctx); err != nil {
			if errors.Is(err, derrors.ErrEmpty) {
				res.misses.Add(1)
			} else {
				res.errors.Add(1)
			}
		}
		res.ops.Add(2)
	}
	return nil
}

// benchLock makes all workers contend for one lock without waiting.
func benchLock(ctx context.Context, c *distributed.Client, _, n int, res *result) error {
	l, err := c.Lock(ctx, "bench")
	if err != nil {
		return err
	}
	for j := 0; j < n; j++ {
		err := l.TryDo(ctx, func(context.Context) error { return nil })
		switch {
		case errors.Is(err, derrors.ErrLockTimeout):
			res.misses.Add(1)
		case err != nil:
			res.errors.Add(1)
		}
		res.ops.Add(1)
	}
	return nil
}
