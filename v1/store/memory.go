package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// InMemoryStore is a Store backed by process-local maps. It is safe for
// concurrent use and only coordinates goroutines of the same process.
type InMemoryStore struct {
	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string
	pushed  chan struct{}
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		pushed:  make(chan struct{}),
	}
}

// SetNX implements Store.SetNX.
func (s *InMemoryStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsLocked(key) {
		return false, nil
	}
	s.strings[key] = value
	return true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	delete(s.lists, key)
	s.strings[key] = value
	s.mu.Unlock()
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	v, ok := s.strings[key]
	s.mu.Unlock()
	return v, ok, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *InMemoryStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.strings[key]
	if !ok || cur != old {
		return false, nil
	}
	s.strings[key] = new
	return true, nil
}

// Del implements Store.Del.
func (s *InMemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.strings, key)
	delete(s.lists, key)
	s.mu.Unlock()
	return nil
}

// Exists implements Store.Exists.
func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(key), nil
}

func (s *InMemoryStore) existsLocked(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	return len(s.lists[key]) > 0
}

// Incr implements Store.Incr.
func (s *InMemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if cur, ok := s.strings[key]; ok {
		v, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: value at %q is not an integer", key)
		}
		n = v
	}
	n++
	s.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// RPush implements Store.RPush.
func (s *InMemoryStore) RPush(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.lists[key] = append(s.lists[key], value)
	close(s.pushed)
	s.pushed = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// LPop implements Store.LPop.
func (s *InMemoryStore) LPop(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.popLocked(key)
	return v, ok, nil
}

func (s *InMemoryStore) popLocked(key string) (string, bool) {
	l := s.lists[key]
	if len(l) == 0 {
		return "", false
	}
	v := l[0]
	if len(l) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = l[1:]
	}
	return v, true
}

// BLPop implements Store.BLPop.
func (s *InMemoryStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		s.mu.Lock()
		if v, ok := s.popLocked(key); ok {
			s.mu.Unlock()
			return v, true, nil
		}
		pushed := s.pushed
		s.mu.Unlock()

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
func (s *InMemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	n := len(s.lists[key])
	s.mu.Unlock()
	return int64(n), nil
}
