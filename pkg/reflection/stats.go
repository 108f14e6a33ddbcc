package reflection

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of reflections kept by StatsStore.
const DefaultHistorySize = 50

// Outcome classifies a finished reflection.
type Outcome string

const (
	OutcomeMessage     Outcome = "message"
	OutcomePass        Outcome = "pass"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailure     Outcome = "failure"
)

// Reflection is the record of one cycle.
type Reflection struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	RoomID       string        `json:"room_id"`
	GoalID       string        `json:"goal_id,omitempty"`
	Action       string        `json:"action"`
	Message      string        `json:"message,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Tone         string        `json:"tone,omitempty"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	RateLimited  bool          `json:"rate_limited"`
	Manual       bool          `json:"manual"`
	Error        string        `json:"error,omitempty"`
}

// Outcome derives the outcome of r.
func (r Reflection) Outcome() Outcome {
	switch {
	case r.RateLimited:
		return OutcomeRateLimited
	case r.Error != "":
		return OutcomeFailure
	case r.Action == "message":
		return OutcomeMessage
	default:
		return OutcomePass
	}
}

// Stats is a point-in-time copy of the store.
type Stats struct {
	Total         int64         `json:"total"`
	Messages      int64         `json:"messages"`
	Passes        int64         `json:"passes"`
	RateLimited   int64         `json:"rate_limited"`
	Failures      int64         `json:"failures"`
	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	TotalDuration time.Duration `json:"total_duration"`
	// History is newest first.
	History []Reflection `json:"history"`
}

// StatsStore keeps counters and a bounded history of reflections. Each
// Record publishes a fresh snapshot.
type StatsStore struct {
	mu        sync.RWMutex
	ring      []Reflection
	next      int
	full      bool
	counters  Stats
	publisher Publisher
}

// NewStatsStore keeps the last size reflections (DefaultHistorySize when
// size is not positive). publisher may be nil.
func NewStatsStore(size int, publisher Publisher) *StatsStore {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &StatsStore{ring: make([]Reflection, size), publisher: publisher}
}

// Record adds r.
func (s *StatsStore) Record(r Reflection) {
	s.mu.Lock()
	s.ring[s.next] = r
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}

	c := &s.counters
	c.Total++
	switch r.Outcome() {
	case OutcomeRateLimited:
		c.RateLimited++
	case OutcomeFailure:
		c.Failures++
	case OutcomeMessage:
		c.Messages++
	case OutcomePass:
		c.Passes++
	}
	c.InputTokens += r.InputTokens
	c.OutputTokens += r.OutputTokens
	c.TotalDuration += r.Duration
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(EventStats, snap)
	}
}

// Snapshot returns a copy of the counters and history.
func (s *StatsStore) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *StatsStore) snapshotLocked() Stats {
	out := s.counters
	n := s.next
	if s.full {
		n = len(s.ring)
	}
	out.History = make([]Reflection, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		out.History = append(out.History, s.ring[idx])
	}
	return out
}
