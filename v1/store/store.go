// Package store defines the key-value half of the backing store client used by
// the distributed primitives. RedisStore is the shared deployment; PebbleStore
// and GormStore keep state in an embedded database or SQL tables, and
// InMemoryStore serves standalone use and tests.
//
// Absence of a key is reported through a boolean, never through an error.
// Errors returned by an implementation are infrastructure failures and are
// passed through to callers as-is.
package store

import (
	"context"
	"time"
)

// Store is the set of atomic single-key commands the primitives rely on.
type Store interface {
	// SetNX stores value under key only if key does not exist.
	SetNX(ctx context.Context, key, value string) (bool, error)
	// Set unconditionally stores value under key.
	Set(ctx context.Context, key, value string) error
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndSwap replaces the value of key with new only if it currently
	// equals old. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key, old, new string) (bool, error)
	// Del removes key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Incr atomically increments the integer stored under key and returns the
	// new value. A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// RPush appends value to the tail of the list stored under key.
	RPush(ctx context.Context, key, value string) error
	// LPop removes and returns the head of the list stored under key.
	LPop(ctx context.Context, key string) (string, bool, error)
	// BLPop is the blocking variant of LPop. A zero timeout blocks until an
	// element arrives or ctx is done.
	BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	// LLen returns the length of the list stored under key.
	LLen(ctx context.Context, key string) (int64, error)
}
