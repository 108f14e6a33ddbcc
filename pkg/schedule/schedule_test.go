package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata for %s unavailable: %v", name, err)
	}
	return loc
}

func TestComputeNextFireTime(t *testing.T) {
	every4 := []int{0, 4, 8, 12, 16, 20}
	utc := time.UTC

	tests := []struct {
		name  string
		now   time.Time
		hours []int
		want  time.Time
	}{
		{
			name:  "later today",
			now:   time.Date(2024, 3, 1, 5, 30, 0, 0, utc),
			hours: every4,
			want:  time.Date(2024, 3, 1, 8, 0, 0, 0, utc),
		},
		{
			name:  "exactly on a mark moves to the next",
			now:   time.Date(2024, 3, 1, 8, 0, 0, 0, utc),
			hours: every4,
			want:  time.Date(2024, 3, 1, 12, 0, 0, 0, utc),
		},
		{
			name:  "wraps to tomorrow",
			now:   time.Date(2024, 3, 1, 21, 0, 0, 0, utc),
			hours: every4,
			want:  time.Date(2024, 3, 2, 0, 0, 0, 0, utc),
		},
		{
			name:  "unsorted with duplicates and junk",
			now:   time.Date(2024, 12, 31, 23, 10, 0, 0, utc),
			hours: []int{9, 30, 9, -1, 3},
			want:  time.Date(2025, 1, 1, 3, 0, 0, 0, utc),
		},
		{
			name:  "no usable hours",
			now:   time.Date(2024, 3, 1, 5, 0, 0, 0, utc),
			hours: []int{24},
			want:  time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeNextFireTime(tt.now, tt.hours, utc)
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeNextFireTime_TimeZone(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	// 23:30 UTC is 08:30 the next day in Tokyo.
	now := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)
	got := ComputeNextFireTime(now, []int{9}, tokyo)
	want := time.Date(2024, 6, 2, 9, 0, 0, 0, tokyo)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestComputeNextFireTime_DST(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	// 2024-03-10 02:00 does not exist in New York.
	now := time.Date(2024, 3, 10, 1, 30, 0, 0, ny)
	got := ComputeNextFireTime(now, []int{2, 6}, ny)
	if !got.After(now) {
		t.Fatalf("fire time %v is not after %v", got, now)
	}
	if got.Sub(now) > 2*time.Hour {
		t.Errorf("skipped hour should resolve near the gap, got %v", got)
	}

	// Across the fall-back day the 6am mark is still 6am local.
	now = time.Date(2024, 11, 3, 0, 30, 0, 0, ny)
	got = ComputeNextFireTime(now, []int{6}, ny)
	if got.In(ny).Hour() != 6 || got.In(ny).Day() != 3 {
		t.Errorf("got %v", got.In(ny))
	}
}

func TestLoop_FiresAndStops(t *testing.T) {
	var runs atomic.Int32
	fired := make(chan struct{}, 16)
	immediate := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	l := NewLoop("test", []int{0, 12}, time.UTC, func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("first run blows up")
		}
		select {
		case fired <- struct{}{}:
		default:
		}
	}, WithAfter(immediate))

	l.Start(context.Background())
	l.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not survive a panicking run")
	}
	if l.Next().IsZero() {
		t.Error("Next should be set while running")
	}

	l.Stop()
	l.Stop()
	if !l.Next().IsZero() {
		t.Error("Next should be zero after Stop")
	}
}

func TestLoop_NoHours(t *testing.T) {
	l := NewLoop("empty", nil, nil, func(context.Context) { t.Error("must not run") })
	l.Start(context.Background())
	l.Stop()
	if !l.Next().IsZero() {
		t.Error("Next should be zero without hours")
	}
	if !ComputeNextFireTime(time.Now(), nil, nil).IsZero() {
		t.Error("no hours means no fire time")
	}
}
