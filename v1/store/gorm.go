package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultGormTablePrefix = "distributed"
	defaultGormOpTimeout   = 5 * time.Second
	defaultGormPoll        = 100 * time.Millisecond
)

// gormKV holds string values.
type gormKV struct {
	Key   string `gorm:"primaryKey;column:key_id"`
	Value string `gorm:"column:value"`
}

// gormItem holds one list element. Elements of a list are ordered by ID.
type gormItem struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement;column:id"`
	Key   string `gorm:"index;column:list_key"`
	Value string `gorm:"column:value"`
}

// GormStore implements Store on SQL tables through GORM. Commands issued
// through one GormStore are serialized. SetNX, Incr and pops from other
// processes sharing the database are ordered by their first write: each of
// them writes before it reads, so the database holds the row (Postgres) or the
// file (SQLite) for the rest of the transaction. Open SQLite files with
// SQLiteDSN.
//
// BLPop wakes at once for pushes made through the same GormStore and polls
// for pushes made elsewhere.
type GormStore struct {
	db      *gorm.DB
	kv      string
	items   string
	timeout time.Duration
	poll    time.Duration

	mu     sync.Mutex
	pushed chan struct{}
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	prefix  string
	timeout time.Duration
	poll    time.Duration
}

// WithGormTablePrefix sets the prefix of the two tables used by the store.
func WithGormTablePrefix(prefix string) GormOption {
	return func(o *gormStoreOptions) {
		o.prefix = prefix
	}
}

// WithGormTimeout sets the timeout applied to every database call.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormPollInterval sets how often BLPop looks for elements pushed by
// other processes.
func WithGormPollInterval(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.poll = d
	}
}

// NewGormStore returns a GormStore on db, creating its tables when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		prefix:  defaultGormTablePrefix,
		timeout: defaultGormOpTimeout,
		poll:    defaultGormPoll,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &GormStore{
		db:      db,
		kv:      o.prefix + "_kv",
		items:   o.prefix + "_list",
		timeout: o.timeout,
		poll:    o.poll,
		pushed:  make(chan struct{}),
	}
	if err := db.Table(s.kv).AutoMigrate(&gormKV{}); err != nil {
		return nil, fmt.Errorf("store: migrate %s: %w", s.kv, err)
	}
	if err := db.Table(s.items).AutoMigrate(&gormItem{}); err != nil {
		return nil, fmt.Errorf("store: migrate %s: %w", s.items, err)
	}
	return s, nil
}

// transaction runs fn in a database transaction while holding the store
// mutex.
func (s *GormStore) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *GormStore) getTx(tx *gorm.DB, key string, lock bool) (string, bool, error) {
	q := tx.Table(s.kv).Where("key_id = ?", key)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []gormKV
	if err := q.Limit(1).Find(&rows).Error; err != nil || len(rows) == 0 {
		return "", false, err
	}
	return rows[0].Value, true, nil
}

func (s *GormStore) upsertTx(tx *gorm.DB, key, value string) error {
	return tx.Table(s.kv).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&gormKV{Key: key, Value: value}).Error
}

func (s *GormStore) lenTx(tx *gorm.DB, key string) (int64, error) {
	var n int64
	err := tx.Table(s.items).Where("list_key = ?", key).Count(&n).Error
	return n, err
}

func (s *GormStore) existsTx(tx *gorm.DB, key string) (bool, error) {
	var n int64
	if err := tx.Table(s.kv).Where("key_id = ?", key).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	n, err := s.lenTx(tx, key)
	return n > 0, err
}

// errKeyIsList rolls back a SetNX insert on a key that holds a list.
var errKeyIsList = stdErrors.New("store: key holds a list")

// SQLiteDSN returns the DSN for the SQLite file at path with the connection
// parameters GormStore needs when several processes share the file:
// transactions begin IMMEDIATE and wait for a busy database instead of
// failing. Parameters already present in path are kept.
func SQLiteDSN(path string) string {
	params := []string{}
	if !strings.Contains(path, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(path, "_busy_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

// SetNX implements Store.SetNX. The insert comes first so two writers racing
// on the same key are decided by the primary key.
func (s *GormStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	var created bool
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Table(s.kv).Clauses(clause.OnConflict{DoNothing: true}).
			Create(&gormKV{Key: key, Value: value})
		if res.Error != nil || res.RowsAffected != 1 {
			return res.Error
		}
		n, err := s.lenTx(tx, key)
		if err != nil {
			return err
		}
		if n > 0 {
			return errKeyIsList
		}
		created = true
		return nil
	})
	if stdErrors.Is(err, errKeyIsList) {
		return false, nil
	}
	return created, err
}

// Set implements Store.Set.
func (s *GormStore) Set(ctx context.Context, key, value string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Table(s.items).Where("list_key = ?", key).Delete(&gormItem{}).Error; err != nil {
			return err
		}
		return s.upsertTx(tx, key, value)
	})
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v     string
		found bool
	)
	err := s.transaction(ctx, func(tx *gorm.DB) (err error) {
		v, found, err = s.getTx(tx, key, false)
		return err
	})
	return v, found, err
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *GormStore) CompareAndSwap(ctx context.Context, key, old, new string) (bool, error) {
	var swapped bool
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Table(s.kv).Where("key_id = ? AND value = ?", key, old).Update("value", new)
		swapped = res.RowsAffected == 1
		return res.Error
	})
	return swapped, err
}

// Del implements Store.Del.
func (s *GormStore) Del(ctx context.Context, key string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Table(s.kv).Where("key_id = ?", key).Delete(&gormKV{}).Error; err != nil {
			return err
		}
		return tx.Table(s.items).Where("list_key = ?", key).Delete(&gormItem{}).Error
	})
}

// Exists implements Store.Exists.
func (s *GormStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.transaction(ctx, func(tx *gorm.DB) (err error) {
		exists, err = s.existsTx(tx, key)
		return err
	})
	return exists, err
}

// Incr implements Store.Incr.
func (s *GormStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		// Seed the row so the read below happens under the writer's lock.
		err := tx.Table(s.kv).Clauses(clause.OnConflict{DoNothing: true}).
			Create(&gormKV{Key: key, Value: "0"}).Error
		if err != nil {
			return err
		}
		cur, _, err := s.getTx(tx, key, true)
		if err != nil {
			return err
		}
		v, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return fmt.Errorf("store: value at %q is not an integer", key)
		}
		n = v + 1
		return tx.Table(s.kv).Where("key_id = ?", key).
			Update("value", strconv.FormatInt(n, 10)).Error
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RPush implements Store.RPush.
func (s *GormStore) RPush(ctx context.Context, key, value string) error {
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		return tx.Table(s.items).Create(&gormItem{Key: key, Value: value}).Error
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	close(s.pushed)
	s.pushed = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// pop removes the head of the list and returns the push notification channel
// current at the time of the attempt. A head deleted by another process
// between the read and the delete is skipped and the next one is tried.
func (s *GormStore) pop(ctx context.Context, key string) (string, bool, <-chan struct{}, error) {
	var (
		head   []gormItem
		pushed <-chan struct{}
	)
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		pushed = s.pushed
		for {
			head = head[:0]
			err := tx.Table(s.items).
				Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("list_key = ?", key).
				Order("id").
				Limit(1).
				Find(&head).Error
			if err != nil || len(head) == 0 {
				return err
			}
			res := tx.Table(s.items).Where("id = ?", head[0].ID).Delete(&gormItem{})
			if res.Error != nil || res.RowsAffected == 1 {
				return res.Error
			}
		}
	})
	if err != nil || len(head) == 0 {
		return "", false, pushed, err
	}
	return head[0].Value, true, pushed, nil
}

// LPop implements Store.LPop.
func (s *GormStore) LPop(ctx context.Context, key string) (string, bool, error) {
	v, ok, _, err := s.pop(ctx, key)
	return v, ok, err
}

// BLPop implements Store.BLPop.
func (s *GormStore) BLPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	poll := time.NewTicker(s.poll)
	defer poll.Stop()
	for {
		v, ok, pushed, err := s.pop(ctx, key)
		if err != nil || ok {
			return v, ok, err
		}
		select {
		case <-pushed:
		case <-poll.C:
		case <-deadline:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// LLen implements Store.LLen.
func (s *GormStore) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.transaction(ctx, func(tx *gorm.DB) (err error) {
		n, err = s.lenTx(tx, key)
		return err
	})
	return n, err
}
