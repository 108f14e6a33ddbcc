package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "memory:"

// BadgerConfig holds BadgerDB settings.
type BadgerConfig struct {
	Path             string
	SyncWrites       bool
	ValueLogFileSize int64
	// InMemory keeps everything in RAM; Path is ignored.
	InMemory bool
}

// OpenBadgerDB opens a Badger database. Failures wrap ErrStoreUnavailable.
func OpenBadgerDB(cfg BadgerConfig) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrStoreUnavailable, err)
	}
	return db, nil
}

// BadgerStore persists records in Badger under memory:{partition}:{id} and
// serves reads from an index rebuilt when the store is opened. The database
// handle is borrowed; closing it is the owner's job.
type BadgerStore struct {
	mu     sync.Mutex
	db     *badger.DB
	ix     *index
	opts   Options
	closed bool
}

// NewBadgerStore loads every persisted record from db.
func NewBadgerStore(db *badger.DB, opts Options) (*BadgerStore, error) {
	s := &BadgerStore{db: db, ix: newIndex(opts.Dimension), opts: opts}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func recordKey(p Partition, id string) []byte {
	return []byte(keyPrefix + string(p) + ":" + id)
}

func (s *BadgerStore) load() error {
	return mapBadgerErr(s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("memory: decode %s: %w", item.Key(), err)
			}
			if !rec.Partition.Valid() {
				continue
			}
			s.ix.put(&rec)
		}
		return nil
	}))
}

func (s *BadgerStore) Store(ctx context.Context, rec *Record) (string, error) {
	return s.Replace(ctx, "", rec)
}

// Replace deletes oldID and writes rec in one Badger transaction. An empty
// oldID is a plain insert.
func (s *BadgerStore) Replace(ctx context.Context, oldID string, rec *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clone, err := prepareRecord(rec)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("memory: encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.available(); err != nil {
		return "", err
	}

	s.ix.mu.RLock()
	err = s.ix.checkDimension(clone.Partition, len(clone.Vector), oldID)
	s.ix.mu.RUnlock()
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if oldID != "" && oldID != clone.ID {
			if err := txn.Delete(recordKey(clone.Partition, oldID)); err != nil {
				return err
			}
		}
		return txn.Set(recordKey(clone.Partition, clone.ID), data)
	})
	if err != nil {
		return "", mapBadgerErr(err)
	}

	s.ix.mu.Lock()
	if oldID != "" {
		s.ix.remove(clone.Partition, oldID)
	}
	s.ix.put(clone)
	s.ix.mu.Unlock()
	return clone.ID, nil
}

func (s *BadgerStore) Get(ctx context.Context, partition Partition, id string) (*Record, error) {
	if err := s.check(ctx, partition); err != nil {
		return nil, err
	}
	rec, ok := s.ix.get(partition, id, s.opts.now())
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *BadgerStore) Search(ctx context.Context, partition Partition, query []float32, k int, filter Filter) ([]SearchResult, error) {
	if err := s.check(ctx, partition); err != nil {
		return nil, err
	}
	return s.ix.search(partition, query, k, filter, s.opts.now())
}

func (s *BadgerStore) List(ctx context.Context, partition Partition) ([]*Record, error) {
	if err := s.check(ctx, partition); err != nil {
		return nil, err
	}
	return s.ix.list(partition, s.opts.now()), nil
}

func (s *BadgerStore) Count(ctx context.Context, partition Partition) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	return s.ix.count(partition, s.opts.now()), nil
}

func (s *BadgerStore) Delete(ctx context.Context, partition Partition, id string) error {
	n, err := s.DeleteMany(ctx, partition, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMany removes the listed ids from partition and returns how many existed.
func (s *BadgerStore) DeleteMany(ctx context.Context, partition Partition, ids []string) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ix.mu.RLock()
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.ix.parts[partition][id]; ok {
			present = append(present, id)
		}
	}
	s.ix.mu.RUnlock()
	if len(present) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range present {
		if err := wb.Delete(recordKey(partition, id)); err != nil {
			return 0, mapBadgerErr(err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, mapBadgerErr(err)
	}

	s.ix.mu.Lock()
	for _, id := range present {
		s.ix.remove(partition, id)
	}
	s.ix.mu.Unlock()
	return len(present), nil
}

func (s *BadgerStore) DeleteExpired(ctx context.Context, partition Partition, now time.Time) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	s.ix.mu.RLock()
	ids := s.ix.expiredIDs(partition, now)
	s.ix.mu.RUnlock()
	return s.DeleteMany(ctx, partition, ids)
}

func (s *BadgerStore) Clear(ctx context.Context, partition Partition) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	s.ix.mu.RLock()
	ids := s.ix.allIDs(partition)
	s.ix.mu.RUnlock()
	return s.DeleteMany(ctx, partition, ids)
}

// Close detaches the store. The underlying database stays open.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *BadgerStore) check(ctx context.Context, partition Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !partition.Valid() {
		return ErrInvalidPartition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available()
}

// available reports whether both the store and its database are open.
// Callers hold s.mu.
func (s *BadgerStore) available() error {
	if s.closed || s.db.IsClosed() {
		return ErrStoreUnavailable
	}
	return nil
}

func mapBadgerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
