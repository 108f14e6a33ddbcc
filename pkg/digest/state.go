package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/goclaw/recall/pkg/state"
)

const lastRunKey = "digest:last_run"

// StateStore persists the time of the last successful digest so a restart
// can tell whether a run was missed.
type StateStore interface {
	// LastDigestAt returns the zero time when no digest has completed yet.
	LastDigestAt(ctx context.Context) (time.Time, error)
	SetLastDigestAt(ctx context.Context, t time.Time) error
}

// KVStateStore keeps the last digest time in a state.Store.
type KVStateStore struct {
	kv state.Store
}

// NewStateStore wraps kv.
func NewStateStore(kv state.Store) *KVStateStore {
	return &KVStateStore{kv: kv}
}

// NewBadgerStateStore keeps digest state next to the memory records.
func NewBadgerStateStore(db *badger.DB) *KVStateStore {
	return NewStateStore(state.NewBadgerStore(db))
}

// NewRedisStateStore stores state under prefix + "digest:last_run" so several
// replicas agree on when the last digest ran.
func NewRedisStateStore(client redis.UniversalClient, prefix string) *KVStateStore {
	return NewStateStore(state.NewRedisStore(client, prefix))
}

func (s *KVStateStore) LastDigestAt(ctx context.Context) (time.Time, error) {
	raw, err := s.kv.Get(ctx, lastRunKey)
	if errors.Is(err, state.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("digest: read state: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("digest: decode state: %w", err)
	}
	return t, nil
}

func (s *KVStateStore) SetLastDigestAt(ctx context.Context, t time.Time) error {
	if err := s.kv.Set(ctx, lastRunKey, []byte(t.UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("digest: write state: %w", err)
	}
	return nil
}
