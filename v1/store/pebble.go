package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Key families of the on-disk layout. A 0x00 byte separates the family from
// the user key.
const (
	familyString = 's'
	familyMeta   = 'm'
	familyItem   = 'i'
)

// PebbleStore is a durable Store for standalone deployments, backed by a
// Pebble database. Commands are serialized in-process, so the store only
// coordinates goroutines of the process that opened it.
//
// Lists keep a meta record with the head and tail sequence numbers and one
// record per element.
type PebbleStore struct {
	db    *pebble.DB
	write *pebble.WriteOptions

	mu     sync.Mutex
	pushed chan struct{}
}

// PebbleOption configures a PebbleStore.
type PebbleOption func(*pebbleConfig)

type pebbleConfig struct {
	sync bool
	opts *pebble.Options
}

// WithSync makes every write wait for the WAL to reach disk. It is on by
// default.
func WithSync(sync bool) PebbleOption {
	return func(c *pebbleConfig) { c.sync = sync }
}

// WithPebbleOptions passes tuning options to Pebble.
func WithPebbleOptions(opts *pebble.Options) PebbleOption {
	return func(c *pebbleConfig) { c.opts = opts }
}

// OpenPebbleStore opens or creates the database in dir.
func OpenPebbleStore(dir string, opts ...PebbleOption) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("store: pebble directory is required")
	}
	cfg := pebbleConfig{sync: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.opts == nil {
		cfg.opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, cfg.opts)
	if err != nil {
		return nil, err
	}
	write := pebble.NoSync
	if cfg.sync {
		write = pebble.Sync
	}
	return &PebbleStore{db: db, write: write, pushed: make(chan struct{})}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func familyKey(family byte, key string) []byte {
	b := make([]byte, 0, len(key)+2)
	b = append(b, family, 0)
	return append(b, key...)
}

func itemKey(key string, seq uint64) []byte {
	b := familyKey(familyItem, key)
	b = append(b, 0)
	return binary.BigEndian.AppendUint64(b, seq)
}

func (s *PebbleStore) read(k []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

// meta returns the head and tail sequence numbers of a list. An empty or
// missing list has head == tail.
func (s *PebbleStore) meta(key string) (uint64, uint64, error) {
	v, ok, err := s.read(familyKey(familyMeta, key))
	if err != nil || !ok {
		return 0, 0, err
	}
	if len(v) != 16 {
		return 0, 0, fmt.Errorf("store: corrupt list metadata for %q", key)
	}
	return binary.BigEndian.Uint64(v[:8]), binary.BigEndian.Uint64(v[8:]), nil
}

func setMeta(b *pebble.Batch, key string, head, tail uint64) error {
	if head == tail {
		return b.Delete(familyKey(familyMeta, key), nil)
	}
	v := binary.BigEndian.AppendUint64(make([]byte, 0, 16), head)
	v = binary.BigEndian.AppendUint64(v, tail)
	return b.Set(familyKey(familyMeta, key), v, nil)
}

func (s *PebbleStore) existsLocked(key string) (bool, error) {
	if _, ok, err := s.read(familyKey(familyString, key)); err != nil || ok {
		return ok, err
	}
	head, tail, err := s.meta(key)
	return head != tail, err
}

// deleteLocked adds the removal of every record of key to b.
func (s *PebbleStore) deleteLocked(b *pebble.Batch, key string) error {
	if err := b.Delete(familyKey(familyString, key), nil); err != nil {
		return err
	}
	head, tail, err := s.meta(key)
	if err != nil || head == tail {
		return err
	}
	if err := b.DeleteRange(itemKey(key, head), itemKey(key, tail), nil); err != nil {
		return err
	}
	return b.Delete(familyKey(familyMeta, key), nil)
}

func (s *PebbleStore) commit(fn func(b *pebble.Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return b.Commit(s.write)
}

// SetNX implements Store.SetNX.
func (s *PebbleStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.existsLocked(key)
	if err != nil || exists {
		return false, err
	}
	if err := s.db.Set(familyKey(familyString, key), []byte(value), s.write); err != nil {
		return false, err
	}
	return true, nil
}

// Set implements Store.Set.
func (s *PebbleStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(func(b *pebble.Batch) error {
		if err := s.deleteLocked(b, key); err != nil {
			return err
		}
		return b.Set(familyKey(familyString, key), []byte(value), nil)
	})
}

// Get implements Store.Get.
func (s *PebbleStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok, err := s.read(familyKey(familyString, key))
	return string(v), ok, err
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *PebbleStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.read(familyKey(familyString, key))
	if err != nil || !ok || string(cur) != old {
		return false, err
	}
	if err := s.db.Set(familyKey(familyString, key), []byte(new), s.write); err != nil {
		return false, err
	}
	return true, nil
}

// Del implements Store.Del.
func (s *PebbleStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(func(b *pebble.Batch) error { return s.deleteLocked(b, key) })
}

// Exists implements Store.Exists.
func (s *PebbleStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(key)
}

// Incr implements Store.Incr.
func (s *PebbleStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.read(familyKey(familyString, key))
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(string(cur), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: value at %q is not an integer", key)
		}
	}
	n++
	if err := s.db.Set(familyKey(familyString, key), []byte(strconv.FormatInt(n, 10)), s.write); err != nil {
		return 0, err
	}
	return n, nil
}

// RPush implements Store.RPush.
func (s *PebbleStore) RPush(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, tail, err := s.meta(key)
	if err != nil {
		return err
	}
	err = s.commit(func(b *pebble.Batch) error {
		if err := b.Set(itemKey(key, tail), []byte(value), nil); err != nil {
			return err
		}
		return setMeta(b, key, head, tail+1)
	})
	if err != nil {
		return err
	}
	close(s.pushed)
	s.pushed = make(chan struct{})
	return nil
}

// LPop implements Store.LPop.
func (s *PebbleStore) LPop(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked(key)
}

func (s *PebbleStore) popLocked(key string) (string, bool, error) {
	head, tail, err := s.meta(key)
	if err != nil || head == tail {
		return "", false, err
	}
	v, ok, err := s.read(itemKey(key, head))
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, fmt.Errorf("store: missing list element %d of %q", head, key)
	}
	err = s.commit(func(b *pebble.Batch) error {
		if err := b.Delete(itemKey(key, head), nil); err != nil {
			return err
		}
		return setMeta(b, key, head+1, tail)
	})
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// BLPop implements Store.BLPop.
func (s *PebbleStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		s.mu.Lock()
		v, ok, err := s.popLocked(key)
		pushed := s.pushed
		s.mu.Unlock()
		if err != nil || ok {
			return v, ok, err
		}

		select {
		case <-pushed:
		case <-deadline:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// LLen implements Store.LLen.
func (s *PebbleStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, tail, err := s.meta(key)
	return int64(tail - head), err
}
