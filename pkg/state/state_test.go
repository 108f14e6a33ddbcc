package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBadger(t *testing.T, dir string) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	require.NoError(t, err)
	return db
}

type window struct {
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

func TestBadgerStore_GetMissing(t *testing.T) {
	db := openBadger(t, "")
	defer db.Close()
	s := NewBadgerStore(db)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	var w window
	ok, err := GetJSON(context.Background(), s, "nope", &w)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerStore_JSONRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC)

	db := openBadger(t, dir)
	require.NoError(t, SetJSON(context.Background(), NewBadgerStore(db), "reflection:limiter", window{Count: 3, At: at}))
	require.NoError(t, db.Close())

	db = openBadger(t, dir)
	defer db.Close()
	var got window
	ok, err := GetJSON(context.Background(), NewBadgerStore(db), "reflection:limiter", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Count)
	assert.True(t, got.At.Equal(at))
}

func TestBadgerStore_KeysAreNamespaced(t *testing.T) {
	db := openBadger(t, "")
	defer db.Close()
	require.NoError(t, NewBadgerStore(db).Set(context.Background(), "digest:last_run", []byte("x")))

	err := db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("state:digest:last_run"))
		return err
	})
	assert.NoError(t, err)
}

func TestBadgerStore_CanceledContext(t *testing.T) {
	db := openBadger(t, "")
	defer db.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewBadgerStore(db)
	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v")), context.Canceled)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetJSON_Corrupt(t *testing.T) {
	db := openBadger(t, "")
	defer db.Close()
	s := NewBadgerStore(db)
	require.NoError(t, s.Set(context.Background(), "k", []byte("{not json")))

	var w window
	_, err := GetJSON(context.Background(), s, "k", &w)
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RECALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RECALL_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "recall-test:" + time.Now().Format("150405.000000") + ":"
	s := NewRedisStore(client, prefix)
	defer client.Del(ctx, prefix+"k")

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}
