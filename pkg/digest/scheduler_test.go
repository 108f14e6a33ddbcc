package digest

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/recall/pkg/embedding"
	"github.com/goclaw/recall/pkg/live"
	"github.com/goclaw/recall/pkg/memory"
	"github.com/goclaw/recall/pkg/reasoning"
	"github.com/goclaw/recall/pkg/schedule"
)

type extractFunc func(ctx context.Context, lines []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error)

func (f extractFunc) Extract(ctx context.Context, lines []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
	return f(ctx, lines)
}

type fixture struct {
	store  *memory.MemStore
	buffer *live.Buffer
	dedup  *memory.Deduplicator
	state  *KVStateStore
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := memory.OpenBadgerDB(memory.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emb := embedding.NewHashEmbedder(128)
	store := memory.NewMemStore(memory.Options{})
	return &fixture{
		store:  store,
		buffer: live.NewBuffer(store, emb),
		dedup:  memory.NewDeduplicator(store, emb),
		state:  NewBadgerStateStore(db),
		now:    time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) scheduler(ex reasoning.Extractor, opts ...Option) *Scheduler {
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	return NewScheduler(f.buffer, f.dedup, ex, f.state, Config{
		Hours:    []int{0, 4, 8, 12, 16, 20},
		Interval: 4 * time.Hour,
		Timeout:  time.Second,
	}, opts...)
}

func (f *fixture) appendLines(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := f.buffer.Append(context.Background(), live.Entry{Content: l, Author: "hana", Room: "general"})
		require.NoError(t, err)
	}
}

func TestRun_EmptyBufferIsNoOp(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	s := f.scheduler(extractFunc(func(context.Context, []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
		calls.Add(1)
		return nil, reasoning.Usage{}, nil
	}))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	assert.Zero(t, calls.Load(), "extractor must not be called for an empty buffer")

	n, _ := f.store.Count(context.Background(), memory.Facts)
	assert.Zero(t, n)

	last, err := f.state.LastDigestAt(context.Background())
	require.NoError(t, err)
	assert.True(t, last.Equal(f.now))
}

func TestRun_StoresCandidatesAndClearsBuffer(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, "I adopted a cat called Miso", "remind me to book the dentist", "ok")

	s := f.scheduler(reasoning.NewStaticOracle())
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 3, res.Cleared)

	ctx := context.Background()
	facts, _ := f.store.List(ctx, memory.Facts)
	require.Len(t, facts, 1)
	assert.Equal(t, "I adopted a cat called Miso", facts[0].Content)
	assert.Equal(t, []string{"hana"}, facts[0].Subjects)

	goals, _ := f.store.List(ctx, memory.Goals)
	require.Len(t, goals, 1)

	left, _ := f.buffer.Count(ctx)
	assert.Zero(t, left)

	st := s.Status(ctx)
	assert.Empty(t, st.LastError)
	assert.True(t, st.LastDigestAt.Equal(f.now))
	assert.Equal(t, int64(1), st.Runs)
	assert.Equal(t, time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC), st.NextRunAt)
}

func TestRun_RepeatedDigestDeduplicates(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(reasoning.NewStaticOracle())

	f.appendLines(t, "the staging cluster lives in Frankfurt")
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	f.appendLines(t, "the staging cluster lives in Frankfurt")
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	n, _ := f.store.Count(context.Background(), memory.Facts)
	assert.Equal(t, 1, n)
}

func TestRun_ExtractionFailureKeepsBuffer(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, "first message here please", "second message here please")
	var observed []error
	obs := observerFunc(func(_, _, _ int, _ time.Duration, err error) { observed = append(observed, err) })

	boom := errors.New("model exploded")
	s := f.scheduler(extractFunc(func(context.Context, []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
		return nil, reasoning.Usage{}, boom
	}), WithObserver(obs))

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, boom)

	n, _ := f.buffer.Count(context.Background())
	assert.Equal(t, 2, n, "buffer must be untouched after a failed extraction")

	last, _ := f.state.LastDigestAt(context.Background())
	assert.True(t, last.IsZero())

	st := s.Status(context.Background())
	assert.Contains(t, st.LastError, "model exploded")
	assert.Equal(t, int64(1), st.Failures)
	require.Len(t, observed, 1)
	assert.Error(t, observed[0])
}

func TestRun_ExtractionTimeout(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, "a message that will never be digested")

	s := NewScheduler(f.buffer, f.dedup, extractFunc(func(ctx context.Context, _ []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
		<-ctx.Done()
		return nil, reasoning.Usage{}, ctx.Err()
	}), f.state, Config{Hours: []int{0}, Timeout: 20 * time.Millisecond})

	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, reasoning.ErrReasoningTimeout)

	n, _ := f.buffer.Count(context.Background())
	assert.Equal(t, 1, n)
}

func TestRun_StoreFailureKeepsBuffer(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, "one fact worth keeping here", "another fact worth keeping here")

	writer := writerFunc(func(context.Context, memory.Partition, memory.FactInput) (memory.StoreResult, error) {
		return memory.StoreResult{}, memory.ErrStoreUnavailable
	})
	s := NewScheduler(f.buffer, writer, reasoning.NewStaticOracle(), f.state, Config{Hours: []int{0}})

	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, memory.ErrStoreUnavailable)

	n, _ := f.buffer.Count(context.Background())
	assert.Equal(t, 2, n)
}

func TestRun_ConcurrentAppendSurvives(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, "message before the digest started")

	s := f.scheduler(extractFunc(func(ctx context.Context, lines []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
		_, err := f.buffer.Append(context.Background(), live.Entry{Content: "arrived mid-digest", Author: "ivan"})
		require.NoError(t, err)
		return nil, reasoning.Usage{}, nil
	}))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleared)

	all, _ := f.buffer.All(context.Background())
	require.Len(t, all, 1)
	assert.Equal(t, "arrived mid-digest", all[0].Content)
}

func TestRun_NotReentrant(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, "something to digest slowly")

	entered := make(chan struct{})
	release := make(chan struct{})
	s := f.scheduler(extractFunc(func(context.Context, []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
		close(entered)
		<-release
		return nil, reasoning.Usage{}, nil
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Run(context.Background())
		assert.NoError(t, err)
	}()

	<-entered
	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrDigestInProgress)
	assert.True(t, s.Status(context.Background()).Running)

	close(release)
	wg.Wait()
}

func neverFire(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestStart_CatchUpFiresOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.state.SetLastDigestAt(context.Background(), f.now.Add(-5*time.Hour)))
	f.appendLines(t, "missed while the process was down")

	var calls atomic.Int32
	ex := extractFunc(func(context.Context, []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
		calls.Add(1)
		return nil, reasoning.Usage{}, nil
	})

	s := f.scheduler(ex, WithLoopOptions(schedule.WithAfter(neverFire)))
	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()
	s.catchUp.Wait()

	assert.Equal(t, int32(1), calls.Load())
	last, _ := f.state.LastDigestAt(context.Background())
	assert.True(t, last.Equal(f.now))

	// A restart right after the catch-up does not fire again.
	f.appendLines(t, "new message after catch-up")
	restarted := f.scheduler(ex, WithLoopOptions(schedule.WithAfter(neverFire)))
	restarted.Start(context.Background())
	defer restarted.Stop()
	restarted.catchUp.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStart_FirstBootCatchesUp(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(reasoning.NewStaticOracle(), WithLoopOptions(schedule.WithAfter(neverFire)))
	s.Start(context.Background())
	defer s.Stop()
	s.catchUp.Wait()

	last, _ := f.state.LastDigestAt(context.Background())
	assert.True(t, last.Equal(f.now), "an empty state counts as a missed digest")
}

func TestStart_CatchUpRunsInBackground(t *testing.T) {
	f := newFixture(t)
	f.appendLines(t, "waiting for a slow extraction")

	entered := make(chan struct{})
	release := make(chan struct{})
	s := f.scheduler(extractFunc(func(context.Context, []reasoning.Line) ([]reasoning.Candidate, reasoning.Usage, error) {
		close(entered)
		<-release
		return nil, reasoning.Usage{}, nil
	}), WithLoopOptions(schedule.WithAfter(neverFire)))

	started := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(started)
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on the catch-up digest")
	}

	<-entered
	_, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrDigestInProgress, "catch-up holds the run guard")

	close(release)
	s.Stop()
	last, _ := f.state.LastDigestAt(context.Background())
	assert.True(t, last.Equal(f.now), "Stop waits for the catch-up to finish")
}

func TestRedisStateStore(t *testing.T) {
	addr := os.Getenv("RECALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RECALL_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "recall-test:" + time.Now().Format("150405.000000") + ":"
	s := NewRedisStateStore(client, prefix)
	defer client.Del(ctx, prefix+"digest:last_run")

	last, err := s.LastDigestAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	at := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	require.NoError(t, s.SetLastDigestAt(ctx, at))
	last, err = s.LastDigestAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(at))
}

func TestBadgerStateStore_Persists(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))

	db, err := memory.OpenBadgerDB(memory.BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, NewBadgerStateStore(db).SetLastDigestAt(context.Background(), at))
	require.NoError(t, db.Close())

	db, err = memory.OpenBadgerDB(memory.BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer db.Close()
	last, err := NewBadgerStateStore(db).LastDigestAt(context.Background())
	require.NoError(t, err)
	assert.True(t, last.Equal(at))
}

type observerFunc func(entries, inserted, updated int, d time.Duration, err error)

func (f observerFunc) ObserveDigest(entries, inserted, updated int, d time.Duration, err error) {
	f(entries, inserted, updated, d, err)
}

type writerFunc func(ctx context.Context, p memory.Partition, in memory.FactInput) (memory.StoreResult, error)

func (f writerFunc) StoreFact(ctx context.Context, p memory.Partition, in memory.FactInput) (memory.StoreResult, error) {
	return f(ctx, p, in)
}
