package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is a volatile Store. It is used in tests and when persistence is
// disabled.
type MemStore struct {
	mu     sync.Mutex
	ix     *index
	opts   Options
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(opts Options) *MemStore {
	return &MemStore{ix: newIndex(opts.Dimension), opts: opts}
}

// prepareRecord validates rec and returns a private copy with an id assigned.
func prepareRecord(rec *Record) (*Record, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	clone := cloneRecord(rec)
	if clone.ID == "" {
		clone.ID = uuid.New().String()
	}
	return clone, nil
}

func (s *MemStore) Store(ctx context.Context, rec *Record) (string, error) {
	return s.Replace(ctx, "", rec)
}

// Replace removes oldID (if present) and inserts rec in one step. An empty
// oldID is a plain insert.
func (s *MemStore) Replace(ctx context.Context, oldID string, rec *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clone, err := prepareRecord(rec)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreUnavailable
	}

	s.ix.mu.Lock()
	defer s.ix.mu.Unlock()
	if err := s.ix.checkDimension(clone.Partition, len(clone.Vector), oldID); err != nil {
		return "", err
	}
	if oldID != "" {
		s.ix.remove(clone.Partition, oldID)
	}
	s.ix.put(clone)
	return clone.ID, nil
}

func (s *MemStore) Get(ctx context.Context, partition Partition, id string) (*Record, error) {
	if err := s.check(ctx, partition); err != nil {
		return nil, err
	}
	rec, ok := s.ix.get(partition, id, s.opts.now())
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) Search(ctx context.Context, partition Partition, query []float32, k int, filter Filter) ([]SearchResult, error) {
	if err := s.check(ctx, partition); err != nil {
		return nil, err
	}
	return s.ix.search(partition, query, k, filter, s.opts.now())
}

func (s *MemStore) List(ctx context.Context, partition Partition) ([]*Record, error) {
	if err := s.check(ctx, partition); err != nil {
		return nil, err
	}
	return s.ix.list(partition, s.opts.now()), nil
}

func (s *MemStore) Count(ctx context.Context, partition Partition) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	return s.ix.count(partition, s.opts.now()), nil
}

func (s *MemStore) Delete(ctx context.Context, partition Partition, id string) error {
	n, err := s.DeleteMany(ctx, partition, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MemStore) DeleteMany(ctx context.Context, partition Partition, ids []string) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ix.mu.Lock()
	defer s.ix.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.ix.remove(partition, id) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) DeleteExpired(ctx context.Context, partition Partition, now time.Time) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	s.ix.mu.RLock()
	ids := s.ix.expiredIDs(partition, now)
	s.ix.mu.RUnlock()
	return s.DeleteMany(ctx, partition, ids)
}

func (s *MemStore) Clear(ctx context.Context, partition Partition) (int, error) {
	if err := s.check(ctx, partition); err != nil {
		return 0, err
	}
	s.ix.mu.RLock()
	ids := s.ix.allIDs(partition)
	s.ix.mu.RUnlock()
	return s.DeleteMany(ctx, partition, ids)
}

// Close marks the store unavailable. Later calls fail with ErrStoreUnavailable.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemStore) check(ctx context.Context, partition Partition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !partition.Valid() {
		return ErrInvalidPartition
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreUnavailable
	}
	return nil
}
