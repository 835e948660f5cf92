package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the interval between background WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// defaultCacheSize is the Pebble block cache size.
	defaultCacheSize = 16 << 20

	// memTableSize is the Pebble memtable size.
	memTableSize = 8 << 20
)

// ErrUnboundedPrefix is returned by DeletePrefix for an empty or all-0xFF prefix.
var ErrUnboundedPrefix = errors.New("storage: prefix has no upper bound")

// Options tunes a Storage. Zero fields take defaults.
type Options struct {
	CacheSize    int64         // CacheSize is the block cache size in bytes
	SyncInterval time.Duration // SyncInterval is the period of background WAL syncs
}

// Storage is a Pebble key-value store.
// Writes skip fsync; a background goroutine syncs the WAL every SyncInterval,
// so a crash loses at most that window of writes.
type Storage struct {
	db   *pebble.DB
	stop chan struct{}
	wg   sync.WaitGroup
}

// Open opens or creates a Storage at path.
func Open(path string, opts Options) (*Storage, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = defaultCacheSize
	}

	if opts.SyncInterval == 0 {
		opts.SyncInterval = defaultSyncInterval
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Storage{db: db, stop: make(chan struct{})}

	s.wg.Add(1)
	go s.syncLoop(opts.SyncInterval)

	return s, nil
}

// Get returns a copy of the value stored at key.
// The boolean is false when the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	return append([]byte(nil), value...), true, nil
}

// Put stores value at key.
func (s *Storage) Put(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes key.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Batch collects writes applied atomically by Update.
type Batch struct {
	b *pebble.Batch
}

// Put queues a write of value at key.
func (b *Batch) Put(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

// Delete queues the removal of key.
func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key, nil)
}

// Update runs fn on a fresh batch and commits it if fn succeeds.
// Nothing is written when fn returns an error.
func (s *Storage) Update(fn func(*Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := fn(&Batch{b: b}); err != nil {
		return err
	}

	return b.Commit(pebble.NoSync)
}

// Scan calls fn for each pair whose key starts with prefix, in key order.
// The slices passed to fn are only valid during the call.
// Iteration stops at the first error returned by fn.
func (s *Storage) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// DeletePrefix removes every key starting with prefix in one range tombstone.
func (s *Storage) DeletePrefix(prefix []byte) error {
	end := prefixEnd(prefix)
	if len(prefix) == 0 || end == nil {
		return ErrUnboundedPrefix
	}

	return s.db.DeleteRange(prefix, end, pebble.NoSync)
}

// prefixEnd returns the smallest key greater than every key with the prefix,
// or nil when prefix is empty or all 0xFF.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)

	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}

	return nil
}

// Close stops the sync loop, flushes the WAL and closes the database.
func (s *Storage) Close() error {
	close(s.stop)
	s.wg.Wait()

	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return fmt.Errorf("final sync:\n%w", err)
	}

	return s.db.Close()
}

// syncLoop flushes the WAL every interval until Close.
func (s *Storage) syncLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.LogData(nil, pebble.Sync)
		case <-s.stop:
			return
		}
	}
}
