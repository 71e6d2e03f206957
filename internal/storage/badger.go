package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Config configures the embedded badger engine backing both the
// relational store and the monitor log.
type Config struct {
	Dir                string
	SyncWrites         bool
	ReadOnly           bool
	ValueLogFileSize   int64
	BlockCacheSize     int64
	NumGoroutines      int
	NumMemtables       int
	NumLevelZeroTables int
	Compression        options.CompressionType
}

func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:                dir,
		SyncWrites:         false,
		ValueLogFileSize:   1 << 28,
		BlockCacheSize:     64 << 20,
		NumGoroutines:      4,
		NumMemtables:       5,
		NumLevelZeroTables: 5,
		Compression:        options.Snappy,
	}
}

// BadgerStore implements Store over github.com/dgraph-io/badger/v4.
type BadgerStore struct {
	db     *badger.DB
	config *Config
	mu     sync.RWMutex
	closed bool
}

func NewBadgerStore(config *Config) (*BadgerStore, error) {
	if config == nil {
		return nil, fmt.Errorf("storage: config cannot be nil")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.SyncWrites = config.SyncWrites
	opts.ReadOnly = config.ReadOnly
	opts.ValueLogFileSize = config.ValueLogFileSize
	opts.BlockCacheSize = config.BlockCacheSize
	opts.NumGoroutines = config.NumGoroutines
	opts.NumMemtables = config.NumMemtables
	opts.NumLevelZeroTables = config.NumLevelZeroTables
	opts.Compression = config.Compression
	opts.Logger = &badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	return &BadgerStore{db: db, config: config}, nil
}

func (bs *BadgerStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	bs.closed = true
	return bs.db.Close()
}

func (bs *BadgerStore) isClosed() bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.closed
}

func (bs *BadgerStore) GetDB() *badger.DB { return bs.db }

func (bs *BadgerStore) Get(key []byte) ([]byte, error) {
	if bs.isClosed() {
		return nil, ErrClosed
	}
	var value []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (bs *BadgerStore) Set(key, value []byte) error {
	if bs.isClosed() {
		return ErrClosed
	}
	return bs.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) })
}

func (bs *BadgerStore) SetWithTTL(key, value []byte, ttl time.Duration) error {
	if bs.isClosed() {
		return ErrClosed
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, value).WithTTL(ttl))
	})
}

func (bs *BadgerStore) Delete(key []byte) error {
	if bs.isClosed() {
		return ErrClosed
	}
	return bs.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) })
}

func (bs *BadgerStore) Exists(key []byte) (bool, error) {
	if bs.isClosed() {
		return false, ErrClosed
	}
	var exists bool
	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (bs *BadgerStore) BatchSet(items map[string][]byte) error {
	if bs.isClosed() {
		return ErrClosed
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		for k, v := range items {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bs *BadgerStore) BatchGet(keys [][]byte) (map[string][]byte, error) {
	if bs.isClosed() {
		return nil, ErrClosed
	}
	result := make(map[string][]byte)
	err := bs.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[string(key)] = value
		}
		return nil
	})
	return result, err
}

func (bs *BadgerStore) Scan(prefix []byte, limit int) (map[string][]byte, error) {
	if bs.isClosed() {
		return nil, ErrClosed
	}
	result := make(map[string][]byte)
	count := 0
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && (limit <= 0 || count < limit); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[string(item.Key())] = value
			count++
		}
		return nil
	})
	return result, err
}

func (bs *BadgerStore) NewTransaction(update bool) Transaction {
	return &BadgerTransaction{txn: bs.db.NewTransaction(update)}
}

func (bs *BadgerStore) Update(fn func(Transaction) error) error {
	if bs.isClosed() {
		return ErrClosed
	}
	return bs.db.Update(func(txn *badger.Txn) error { return fn(&BadgerTransaction{txn: txn}) })
}

func (bs *BadgerStore) View(fn func(Transaction) error) error {
	if bs.isClosed() {
		return ErrClosed
	}
	return bs.db.View(func(txn *badger.Txn) error { return fn(&BadgerTransaction{txn: txn}) })
}

func (bs *BadgerStore) Backup(w io.Writer, since uint64) error {
	if bs.isClosed() {
		return ErrClosed
	}
	_, err := bs.db.Backup(w, since)
	return err
}

func (bs *BadgerStore) Load(r io.Reader, maxPendingWrites int) error {
	if bs.isClosed() {
		return ErrClosed
	}
	return bs.db.Load(r, maxPendingWrites)
}

func (bs *BadgerStore) RunValueLogGC(discardRatio float64) error {
	if bs.isClosed() {
		return ErrClosed
	}
	for {
		if err := bs.db.RunValueLogGC(discardRatio); err != nil {
			if err == badger.ErrNoRewrite {
				return nil
			}
			return err
		}
	}
}

func (bs *BadgerStore) Size() (int64, error) {
	if bs.isClosed() {
		return 0, ErrClosed
	}
	lsm, vlog := bs.db.Size()
	return lsm + vlog, nil
}

func (bs *BadgerStore) Info() map[string]interface{} {
	if bs.isClosed() {
		return map[string]interface{}{"status": "closed"}
	}
	lsm, vlog := bs.db.Size()
	return map[string]interface{}{
		"status":     "open",
		"dir":        bs.config.Dir,
		"lsm_size":   lsm,
		"vlog_size":  vlog,
		"total_size": lsm + vlog,
	}
}

// StartGarbageCollector runs badger's value-log GC on an interval
// until ctx is cancelled, as a background daemon task.
func (bs *BadgerStore) StartGarbageCollector(ctx context.Context, interval time.Duration, discardRatio float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = bs.RunValueLogGC(discardRatio)
		}
	}
}

type BadgerTransaction struct {
	txn *badger.Txn
}

func (bt *BadgerTransaction) Get(key []byte) ([]byte, error) {
	item, err := bt.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (bt *BadgerTransaction) Set(key, value []byte) error { return bt.txn.Set(key, value) }

func (bt *BadgerTransaction) SetWithTTL(key, value []byte, ttl time.Duration) error {
	return bt.txn.SetEntry(badger.NewEntry(key, value).WithTTL(ttl))
}

func (bt *BadgerTransaction) Delete(key []byte) error { return bt.txn.Delete(key) }

func (bt *BadgerTransaction) Exists(key []byte) (bool, error) {
	_, err := bt.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

func (bt *BadgerTransaction) Scan(prefix []byte, limit int) (map[string][]byte, error) {
	result := make(map[string][]byte)
	count := 0
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := bt.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix) && (limit <= 0 || count < limit); it.Next() {
		value, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		result[string(it.Item().Key())] = value
		count++
	}
	return result, nil
}

func (bt *BadgerTransaction) Commit() error { return bt.txn.Commit() }

func (bt *BadgerTransaction) Discard() { bt.txn.Discard() }

type badgerLogger struct{}

func (l *badgerLogger) Errorf(format string, args ...interface{})   {}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {}
func (l *badgerLogger) Infof(format string, args ...interface{})    {}
func (l *badgerLogger) Debugf(format string, args ...interface{})   {}
