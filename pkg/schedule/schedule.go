// Package schedule fires work at fixed wall-clock hours in a time zone.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/recall/pkg/logger"
)

// ComputeNextFireTime returns the first instant strictly after now whose
// local hour in loc is one of hours, at minute zero. Hours outside 0..23 are
// ignored; with none left the zero time is returned. Local times skipped by
// a DST change resolve to the instant time.Date normalises them to.
func ComputeNextFireTime(now time.Time, hours []int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	hs := normalizeHours(hours)
	if len(hs) == 0 {
		return time.Time{}
	}

	local := now.In(loc)
	y, m, d := local.Date()
	for day := 0; day <= 2; day++ {
		for _, h := range hs {
			t := time.Date(y, m, d+day, h, 0, 0, 0, loc)
			if t.After(now) {
				return t
			}
		}
	}
	return time.Time{}
}

func normalizeHours(hours []int) []int {
	seen := make(map[int]bool, len(hours))
	out := make([]int, 0, len(hours))
	for _, h := range hours {
		if h < 0 || h > 23 || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

// Loop runs fn at every fire time until stopped. Runs never overlap and a
// panicking run is logged and does not end the loop.
type Loop struct {
	name  string
	hours []int
	loc   *time.Location
	fn    func(ctx context.Context)
	clock func() time.Time
	after func(time.Duration) <-chan time.Time
	log   logger.Logger

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) LoopOption {
	return func(l *Loop) { l.clock = clock }
}

// WithAfter overrides time.After.
func WithAfter(after func(time.Duration) <-chan time.Time) LoopOption {
	return func(l *Loop) { l.after = after }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) LoopOption {
	return func(l *Loop) { l.log = log }
}

// NewLoop creates a loop. It does nothing until Start.
func NewLoop(name string, hours []int, loc *time.Location, fn func(ctx context.Context), opts ...LoopOption) *Loop {
	if loc == nil {
		loc = time.UTC
	}
	l := &Loop{
		name:  name,
		hours: normalizeHours(hours),
		loc:   loc,
		fn:    fn,
		clock: time.Now,
		after: time.After,
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "schedule", "loop", name)
	return l
}

// Start launches the loop. Calling it twice has no effect.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	if len(l.hours) == 0 {
		l.log.Warn("no fire hours configured; loop not started")
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next := ComputeNextFireTime(l.clock(), l.hours, l.loc)
		l.mu.Lock()
		l.next = next
		l.mu.Unlock()
		l.log.Debug("next fire scheduled", "at", next)

		select {
		case <-ctx.Done():
			return
		case <-l.after(next.Sub(l.clock())):
		}
		l.fire(ctx)
	}
}

func (l *Loop) fire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("scheduled run panicked", "panic", r)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	l.fn(ctx)
}

// Stop halts the loop and waits for a running fn to return.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Next returns the upcoming fire time, or zero when the loop is not running.
func (l *Loop) Next() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return time.Time{}
	}
	return l.next
}
