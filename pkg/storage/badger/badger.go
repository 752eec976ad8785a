package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/storage"
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults to ~320 MB of memtables; analytics keys are tiny
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20). // 64 MB instead of the 2 GB default
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

type result[T any] struct {
	val T
	err error
}

// run executes fn off the caller's goroutine so a cancelled context
// never blocks on a slow transaction. Results only travel through the
// channel, so an abandoned fn never shares memory with the caller.
func run[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	go func() {
		v, err := fn()
		done <- result[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// Get reads a single key
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	return run(ctx, "get", func() ([]byte, error) {
		var out []byte
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			out, err = item.ValueCopy(nil)
			return err
		})
		return out, err
	})
}

// Set writes key with an optional TTL
func (s *Storage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := run(ctx, "set", func() (struct{}, error) {
		return struct{}{}, s.db.Update(func(txn *badger.Txn) error {
			return txn.SetEntry(newEntry(key, value, ttl))
		})
	})
	return err
}

// MGet reads several keys in one read transaction
func (s *Storage) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	return run(ctx, "mget", func() ([][]byte, error) {
		out := make([][]byte, len(keys))
		err := s.db.View(func(txn *badger.Txn) error {
			for i, k := range keys {
				item, err := txn.Get([]byte(k))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if out[i], err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Keys iterates the prefix without fetching values. Badger keeps keys
// in byte order, so the result is already sorted.
func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	return run(ctx, "keys", func() ([]string, error) {
		var keys []string
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(prefix)

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				keys = append(keys, string(it.Item().KeyCopy(nil)))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return keys, nil
	})
}

// Del removes keys in one write transaction
func (s *Storage) Del(ctx context.Context, keys ...string) (int, error) {
	return run(ctx, "delete", func() (int, error) {
		n := 0
		err := s.db.Update(func(txn *badger.Txn) error {
			n = 0
			for _, k := range keys {
				_, err := txn.Get([]byte(k))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if err := txn.Delete([]byte(k)); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		return n, err
	})
}

// SetNX relies on badger's optimistic concurrency: a racing writer
// surfaces as ErrConflict, which means someone else got there first.
func (s *Storage) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return run(ctx, "setnx", func() (bool, error) {
		acquired := false
		err := s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(key))
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.SetEntry(newEntry(key, value, ttl)); err != nil {
				return err
			}
			acquired = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			return false, nil
		}
		return acquired, err
	})
}

// CompareAndDelete deletes key when its value equals value
func (s *Storage) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	return run(ctx, "compare-and-delete", func() (bool, error) {
		deleted := false
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(cur, value) {
				return nil
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
			deleted = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			return false, nil
		}
		return deleted, err
	})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded (0.5 = 50%).
// badger.ErrNoRewrite means there was nothing worth collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Size returns the on-disk bytes of the LSM tree and the value log
func (s *Storage) Size() (lsm, vlog int64) {
	return s.db.Size()
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// badgerLogger routes badger's internal logging through zerolog
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	logging.Error().Str("component", "badger").Msgf(f, v...)
}

func (badgerLogger) Warningf(f string, v ...interface{}) {
	logging.Warn().Str("component", "badger").Msgf(f, v...)
}

func (badgerLogger) Infof(f string, v ...interface{}) {
	logging.Debug().Str("component", "badger").Msgf(f, v...)
}

func (badgerLogger) Debugf(f string, v ...interface{}) {
	logging.Debug().Str("component", "badger").Msgf(f, v...)
}
