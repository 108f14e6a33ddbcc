package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// StoreTestSuite runs the behaviour every Store implementation must share.
type StoreTestSuite struct {
	// NewStore returns an empty store using opts.
	NewStore func(t *testing.T, opts Options) Store
}

// RunAllTests runs the whole suite.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("StoreAndGet", s.TestStoreAndGet)
	t.Run("SearchRanking", s.TestSearchRanking)
	t.Run("SearchFilter", s.TestSearchFilter)
	t.Run("ExpiredRecordsHidden", s.TestExpiredRecordsHidden)
	t.Run("DeleteExpired", s.TestDeleteExpired)
	t.Run("Replace", s.TestReplace)
	t.Run("Delete", s.TestDelete)
	t.Run("Clear", s.TestClear)
	t.Run("Dimension", s.TestDimension)
	t.Run("Validation", s.TestValidation)
	t.Run("Unavailable", s.TestUnavailable)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
}

type suiteClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *suiteClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *suiteClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var suiteEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func suiteRecord(p Partition, content string, vec ...float32) *Record {
	return &Record{
		Content:   content,
		Vector:    vec,
		Timestamp: suiteEpoch,
		Partition: p,
	}
}

func (s *StoreTestSuite) TestStoreAndGet(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	rec := suiteRecord(Facts, "Alice lives in Lyon", 1, 0, 0)
	rec.Subjects = []string{"Alice"}
	rec.Metadata = map[string]string{"source": "digest"}

	id, err := store.Store(ctx, rec)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	got, err := store.Get(ctx, Facts, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != rec.Content || got.Subjects[0] != "Alice" || got.Metadata["source"] != "digest" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := store.Get(ctx, Self, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("record must not leak across partitions, got %v", err)
	}

	rec.ID = "fixed-id"
	if id, _ := store.Store(ctx, rec); id != "fixed-id" {
		t.Errorf("caller supplied id not kept: %s", id)
	}
	if n, _ := store.Count(ctx, Facts); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func (s *StoreTestSuite) TestSearchRanking(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	mustStore(t, store, suiteRecord(Facts, "exact", 1, 0))
	mustStore(t, store, suiteRecord(Facts, "close", 0.9, 0.1))
	mustStore(t, store, suiteRecord(Facts, "opposite", -1, 0))

	results, err := store.Search(ctx, Facts, []float32{1, 0}, 10, Filter{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("no threshold expected, got %d results", len(results))
	}
	want := []string{"exact", "close", "opposite"}
	for i, r := range results {
		if r.Record.Content != want[i] {
			t.Errorf("rank %d = %s, want %s", i, r.Record.Content, want[i])
		}
	}
	if results[0].Score < 0.999 {
		t.Errorf("identical vector should score ~1, got %f", results[0].Score)
	}

	top, _ := store.Search(ctx, Facts, []float32{1, 0}, 2, Filter{})
	if len(top) != 2 {
		t.Errorf("k=2 returned %d", len(top))
	}

	empty, err := store.Search(ctx, Goals, []float32{1, 0}, 5, Filter{})
	if err != nil || len(empty) != 0 {
		t.Errorf("empty partition search = %v, %v", empty, err)
	}
}

func (s *StoreTestSuite) TestSearchFilter(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	a := suiteRecord(Live, "hi from general", 1, 0)
	a.Metadata = map[string]string{"room": "general"}
	a.Subjects = []string{"Bob"}
	b := suiteRecord(Live, "hi from random", 1, 0)
	b.Metadata = map[string]string{"room": "random"}
	b.Category = "chatter"
	mustStore(t, store, a)
	mustStore(t, store, b)

	byRoom, _ := store.Search(ctx, Live, []float32{1, 0}, 10, Filter{Metadata: map[string]string{"room": "random"}})
	if len(byRoom) != 1 || byRoom[0].Record.Content != "hi from random" {
		t.Errorf("metadata filter failed: %+v", byRoom)
	}
	bySubject, _ := store.Search(ctx, Live, []float32{1, 0}, 10, Filter{Subjects: []string{"bob"}})
	if len(bySubject) != 1 || bySubject[0].Record.Content != "hi from general" {
		t.Errorf("subject filter failed: %+v", bySubject)
	}
	byCategory, _ := store.Search(ctx, Live, []float32{1, 0}, 10, Filter{Category: "chatter"})
	if len(byCategory) != 1 {
		t.Errorf("category filter failed: %+v", byCategory)
	}
}

func (s *StoreTestSuite) TestExpiredRecordsHidden(t *testing.T) {
	clock := &suiteClock{now: suiteEpoch}
	store := s.NewStore(t, Options{Clock: clock.Now})
	defer store.Close()
	ctx := context.Background()

	rec := suiteRecord(Facts, "short lived", 1, 0)
	exp := suiteEpoch.Add(time.Hour)
	rec.ExpiresAt = &exp
	id := mustStore(t, store, rec)

	if _, err := store.Get(ctx, Facts, id); err != nil {
		t.Fatalf("record should be visible before expiry: %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := store.Get(ctx, Facts, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired record visible via Get: %v", err)
	}
	if res, _ := store.Search(ctx, Facts, []float32{1, 0}, 5, Filter{}); len(res) != 0 {
		t.Errorf("expired record visible via Search")
	}
	if n, _ := store.Count(ctx, Facts); n != 0 {
		t.Errorf("expired record counted")
	}
}

func (s *StoreTestSuite) TestDeleteExpired(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	permanent := suiteRecord(Facts, "permanent", 1, 0)
	permID := mustStore(t, store, permanent)

	past := suiteRecord(Facts, "expires", 0, 1)
	exp := suiteEpoch.Add(48 * time.Hour)
	past.ExpiresAt = &exp
	mustStore(t, store, past)

	now := suiteEpoch.Add(72 * time.Hour)
	n, err := store.DeleteExpired(ctx, Facts, now)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}

	again, err := store.DeleteExpired(ctx, Facts, now)
	if err != nil || again != 0 {
		t.Errorf("second purge must be a no-op, got %d, %v", again, err)
	}

	if _, err := store.Get(ctx, Facts, permID); err != nil {
		t.Errorf("permanent record removed: %v", err)
	}
}

func (s *StoreTestSuite) TestReplace(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	oldID := mustStore(t, store, suiteRecord(Facts, "Alice lives in Lyon", 1, 0))
	newID, err := store.Replace(ctx, oldID, suiteRecord(Facts, "Alice lives in Paris", 1, 0.1))
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if newID == oldID {
		t.Error("replacement should get a fresh id")
	}
	if _, err := store.Get(ctx, Facts, oldID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old record still present: %v", err)
	}
	got, err := store.Get(ctx, Facts, newID)
	if err != nil || got.Content != "Alice lives in Paris" {
		t.Errorf("new record missing: %v %v", got, err)
	}
	if n, _ := store.Count(ctx, Facts); n != 1 {
		t.Errorf("Count = %d after replace, want 1", n)
	}

	// Replacing a record that vanished in the meantime still inserts.
	if _, err := store.Replace(ctx, "gone", suiteRecord(Facts, "Bob likes tea", 0, 1)); err != nil {
		t.Errorf("Replace of missing id failed: %v", err)
	}
}

func (s *StoreTestSuite) TestDelete(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	id := mustStore(t, store, suiteRecord(Goals, "ask about the trip", 1, 0))
	if err := store.Delete(ctx, Goals, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, Goals, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}

	a := mustStore(t, store, suiteRecord(Live, "a", 1, 0))
	b := mustStore(t, store, suiteRecord(Live, "b", 1, 0))
	mustStore(t, store, suiteRecord(Live, "c", 1, 0))
	n, err := store.DeleteMany(ctx, Live, []string{a, b, "missing"})
	if err != nil || n != 2 {
		t.Errorf("DeleteMany = %d, %v; want 2", n, err)
	}
	if left, _ := store.Count(ctx, Live); left != 1 {
		t.Errorf("Count = %d, want 1", left)
	}
}

func (s *StoreTestSuite) TestClear(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustStore(t, store, suiteRecord(Live, fmt.Sprintf("line %d", i), 1, 0))
	}
	factID := mustStore(t, store, suiteRecord(Facts, "kept", 1, 0))

	n, err := store.Clear(ctx, Live)
	if err != nil || n != 3 {
		t.Errorf("Clear = %d, %v; want 3", n, err)
	}
	if _, err := store.Get(ctx, Facts, factID); err != nil {
		t.Errorf("Clear touched another partition: %v", err)
	}

	// An emptied partition accepts a new dimension.
	if _, err := store.Store(ctx, suiteRecord(Live, "wider", 1, 0, 0)); err != nil {
		t.Errorf("store after clear failed: %v", err)
	}
}

func (s *StoreTestSuite) TestDimension(t *testing.T) {
	ctx := context.Background()

	inferred := s.NewStore(t, Options{})
	defer inferred.Close()
	mustStore(t, inferred, suiteRecord(Facts, "two dims", 1, 0))
	if _, err := inferred.Store(ctx, suiteRecord(Facts, "three dims", 1, 0, 0)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := inferred.Store(ctx, suiteRecord(Self, "three dims elsewhere", 1, 0, 0)); err != nil {
		t.Errorf("partitions have independent dimensions: %v", err)
	}
	if _, err := inferred.Search(ctx, Facts, []float32{1, 0, 0}, 3, Filter{}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("search with wrong dimension = %v", err)
	}

	fixed := s.NewStore(t, Options{Dimension: 3})
	defer fixed.Close()
	var dimErr *DimensionError
	if _, err := fixed.Store(ctx, suiteRecord(Facts, "too short", 1, 0)); !errors.As(err, &dimErr) || dimErr.Expected != 3 {
		t.Errorf("fixed dimension not enforced: %v", err)
	}
}

func (s *StoreTestSuite) TestValidation(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	before := suiteEpoch.Add(-time.Minute)
	cases := map[string]*Record{
		"empty content":     suiteRecord(Facts, "  ", 1),
		"no vector":         suiteRecord(Facts, "x"),
		"bad partition":     suiteRecord(Partition("misc"), "x", 1),
		"expiry before now": {Content: "x", Vector: []float32{1}, Timestamp: suiteEpoch, ExpiresAt: &before, Partition: Facts},
		"zero timestamp":    {Content: "x", Vector: []float32{1}, Partition: Facts},
	}
	for name, rec := range cases {
		if _, err := store.Store(ctx, rec); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if _, err := store.List(ctx, Partition("misc")); !errors.Is(err, ErrInvalidPartition) {
		t.Errorf("List on unknown partition = %v", err)
	}
}

func (s *StoreTestSuite) TestUnavailable(t *testing.T) {
	store := s.NewStore(t, Options{})
	ctx := context.Background()
	mustStore(t, store, suiteRecord(Facts, "before close", 1, 0))
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := store.Search(ctx, Facts, []float32{1, 0}, 5, Filter{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Search after close = %v", err)
	}
	if _, err := store.Store(ctx, suiteRecord(Facts, "after close", 1, 0)); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Store after close = %v", err)
	}
}

func (s *StoreTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t, Options{})
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := suiteRecord(Live, fmt.Sprintf("msg %d", i), float32(i), 1)
			if _, err := store.Store(ctx, rec); err != nil {
				t.Errorf("concurrent Store failed: %v", err)
			}
			if _, err := store.Search(ctx, Live, []float32{1, 1}, 3, Filter{}); err != nil {
				t.Errorf("concurrent Search failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n, _ := store.Count(ctx, Live); n != 20 {
		t.Errorf("Count = %d, want 20", n)
	}
}

func mustStore(t *testing.T, store Store, rec *Record) string {
	t.Helper()
	id, err := store.Store(context.Background(), rec)
	if err != nil {
		t.Fatalf("Store(%q) failed: %v", rec.Content, err)
	}
	return id
}
