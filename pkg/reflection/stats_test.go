package reflection

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsStore_RingBuffer(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewStatsStore(0, pub)

	for i := 0; i < 60; i++ {
		s.Record(Reflection{ID: fmt.Sprintf("r%d", i), Action: "pass", Duration: time.Second})
	}
	snap := s.Snapshot()
	require.Len(t, snap.History, DefaultHistorySize)
	assert.Equal(t, "r59", snap.History[0].ID)
	assert.Equal(t, "r10", snap.History[49].ID)
	assert.Equal(t, int64(60), snap.Total)
	assert.Equal(t, int64(60), snap.Passes)
	assert.Equal(t, 60*time.Second, snap.TotalDuration)
	assert.Len(t, pub.events, 60)
}

func TestStatsStore_Counters(t *testing.T) {
	s := NewStatsStore(3, nil)
	s.Record(Reflection{Action: "message", InputTokens: 10, OutputTokens: 5})
	s.Record(Reflection{Action: "pass", RateLimited: true})
	s.Record(Reflection{Action: "pass", Error: "boom", InputTokens: 3})
	s.Record(Reflection{Action: "pass"})

	snap := s.Snapshot()
	assert.Equal(t, int64(4), snap.Total)
	assert.Equal(t, int64(1), snap.Messages)
	assert.Equal(t, int64(1), snap.RateLimited)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.Passes)
	assert.Equal(t, int64(13), snap.InputTokens)
	assert.Len(t, snap.History, 3)

	snap.History[0].ID = "mutated"
	assert.NotEqual(t, "mutated", s.Snapshot().History[0].ID)
}

func TestRateLimiter_LocalMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	r := NewRateLimiter(0, 1, loc)

	// 14:00 UTC is 23:00 local.
	t0 := time.Date(2024, 5, 6, 14, 0, 0, 0, time.UTC)
	res, _ := r.TryAcquire(t0, false)
	require.NotNil(t, res)
	res.Commit(t0)

	res, reason := r.TryAcquire(t0.Add(30*time.Minute), false)
	assert.Nil(t, res)
	assert.Equal(t, ReasonDailyLimit, reason)

	res, _ = r.TryAcquire(t0.Add(61*time.Minute), false)
	assert.NotNil(t, res, "the day rolls over at local midnight")
	assert.Equal(t, "2024-05-07", r.Snapshot(t0.Add(61*time.Minute)).Day)
}

func TestRateLimiter_PendingCountsAgainstCap(t *testing.T) {
	r := NewRateLimiter(time.Hour, 2, time.UTC)
	t0 := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

	a, _ := r.TryAcquire(t0, true)
	b, _ := r.TryAcquire(t0, true)
	require.NotNil(t, a)
	require.NotNil(t, b)

	c, reason := r.TryAcquire(t0, true)
	assert.Nil(t, c)
	assert.Equal(t, ReasonDailyLimit, reason)
	assert.Equal(t, 2, r.Snapshot(t0).Pending)

	a.Release()
	a.Release()
	assert.Equal(t, 1, r.Snapshot(t0).Pending, "release is idempotent")

	b.Commit(t0)
	b.Release()
	snap := r.Snapshot(t0)
	assert.Equal(t, 0, snap.Pending)
	assert.Equal(t, 1, snap.TodayCount, "release after commit is ignored")
}

func TestRateLimiter_PendingBlocksUnpromptedTriggers(t *testing.T) {
	r := NewRateLimiter(time.Minute, 10, time.UTC)
	t0 := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

	held, _ := r.TryAcquire(t0, true)
	require.NotNil(t, held)

	res, reason := r.TryAcquire(t0, false)
	assert.Nil(t, res)
	assert.Equal(t, ReasonCooldown, reason)

	held.Release()
	res, _ = r.TryAcquire(t0, false)
	assert.NotNil(t, res)
}

func TestRateLimiter_RestoreWindow(t *testing.T) {
	t0 := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	saved := NewRateLimiter(30*time.Minute, 2, time.UTC)
	for i := 0; i < 2; i++ {
		res, _ := saved.TryAcquire(t0, true)
		require.NotNil(t, res)
		res.Commit(t0)
	}

	r := NewRateLimiter(30*time.Minute, 2, time.UTC)
	r.Restore(saved.Window())

	res, reason := r.TryAcquire(t0.Add(time.Hour), false)
	assert.Nil(t, res)
	assert.Equal(t, ReasonDailyLimit, reason)

	// The count belongs to the saved day only.
	res, _ = r.TryAcquire(t0.Add(24*time.Hour), false)
	assert.NotNil(t, res)
}
