package reflection

import (
	"sync"
	"time"
)

// Skip reasons reported by the gate.
const (
	ReasonAssistantLast = "assistant spoke last"
	ReasonCooldown      = "cooldown"
	ReasonDailyLimit    = "daily limit reached"
)

// LimiterState is a snapshot of the rate limiter.
type LimiterState struct {
	LastMessageAt time.Time     `json:"last_message_at"`
	TodayCount    int           `json:"today_count"`
	Pending       int           `json:"pending"`
	Day           string        `json:"day"`
	Cooldown      time.Duration `json:"cooldown"`
	MaxPerDay     int           `json:"max_per_day"`
}

// Window is the part of the limiter that outlives the process.
type Window struct {
	LastMessageAt time.Time `json:"last_message_at"`
	TodayCount    int       `json:"today_count"`
	Day           string    `json:"day"`
}

// RateLimiter enforces a cooldown between unprompted messages and a daily
// cap. It is shared by every room. The day rolls over at local midnight.
//
// A slot is reserved before the reasoning call and only turns into a sent
// message on Commit, so concurrent cycles in different rooms can never
// exceed the cap between them.
type RateLimiter struct {
	mu            sync.Mutex
	cooldown      time.Duration
	maxPerDay     int
	loc           *time.Location
	lastMessageAt time.Time
	todayCount    int
	pending       int
	day           string
}

// Reservation is a slot taken by TryAcquire. Exactly one of Commit or
// Release takes effect; later calls are no-ops.
type Reservation struct {
	r    *RateLimiter
	once sync.Once
}

// NewRateLimiter creates a limiter. loc defines local midnight.
func NewRateLimiter(cooldown time.Duration, maxPerDay int, loc *time.Location) *RateLimiter {
	if loc == nil {
		loc = time.UTC
	}
	return &RateLimiter{cooldown: cooldown, maxPerDay: maxPerDay, loc: loc}
}

// TryAcquire reserves a message slot at now. It returns nil and the skip
// reason when no slot is available. Manual triggers skip the cooldown but
// not the daily cap. A pending reservation counts as a message that is
// about to be sent.
func (r *RateLimiter) TryAcquire(now time.Time, manual bool) (*Reservation, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll(now)

	if !manual {
		if r.pending > 0 {
			return nil, ReasonCooldown
		}
		if !r.lastMessageAt.IsZero() && now.Sub(r.lastMessageAt) < r.cooldown {
			return nil, ReasonCooldown
		}
	}
	if r.maxPerDay > 0 && r.todayCount+r.pending >= r.maxPerDay {
		return nil, ReasonDailyLimit
	}
	r.pending++
	return &Reservation{r: r}, ""
}

// Commit counts the reserved slot as a message sent at now.
func (res *Reservation) Commit(now time.Time) {
	if res == nil {
		return
	}
	res.once.Do(func() {
		r := res.r
		r.mu.Lock()
		defer r.mu.Unlock()
		r.pending--
		r.roll(now)
		r.lastMessageAt = now
		r.todayCount++
	})
}

// Release gives the slot back without counting it.
func (res *Reservation) Release() {
	if res == nil {
		return
	}
	res.once.Do(func() {
		res.r.mu.Lock()
		res.r.pending--
		res.r.mu.Unlock()
	})
}

// ResetCooldown forgets the last message time. The daily count is kept.
func (r *RateLimiter) ResetCooldown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMessageAt = time.Time{}
}

// SetLimits replaces the cooldown and the daily cap.
func (r *RateLimiter) SetLimits(cooldown time.Duration, maxPerDay int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown = cooldown
	r.maxPerDay = maxPerDay
}

// Window returns the persistable part of the limiter.
func (r *RateLimiter) Window() Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Window{LastMessageAt: r.lastMessageAt, TodayCount: r.todayCount, Day: r.day}
}

// Restore loads a saved window. A window from an earlier day only keeps its
// last message time; the count is dropped on the next roll.
func (r *RateLimiter) Restore(w Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastMessageAt = w.LastMessageAt
	r.todayCount = w.TodayCount
	r.day = w.Day
}

// Snapshot returns the limiter state as of now.
func (r *RateLimiter) Snapshot(now time.Time) LimiterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll(now)
	return LimiterState{
		LastMessageAt: r.lastMessageAt,
		TodayCount:    r.todayCount,
		Pending:       r.pending,
		Day:           r.day,
		Cooldown:      r.cooldown,
		MaxPerDay:     r.maxPerDay,
	}
}

func (r *RateLimiter) roll(now time.Time) {
	day := now.In(r.loc).Format("2006-01-02")
	if day != r.day {
		r.day = day
		r.todayCount = 0
	}
}
