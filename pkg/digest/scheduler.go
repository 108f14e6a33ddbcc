// Package digest periodically condenses the live buffer into durable
// memories.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/recall/pkg/live"
	"github.com/goclaw/recall/pkg/logger"
	"github.com/goclaw/recall/pkg/memory"
	"github.com/goclaw/recall/pkg/reasoning"
	"github.com/goclaw/recall/pkg/schedule"
)

// ErrDigestInProgress is returned when Run is called while a run is active.
var ErrDigestInProgress = errors.New("digest: already running")

// Buffer is the part of the live buffer the digest consumes.
type Buffer interface {
	All(ctx context.Context) ([]live.Entry, error)
	DeleteMany(ctx context.Context, ids []string) (int, error)
}

// FactWriter writes a memory through deduplication.
type FactWriter interface {
	StoreFact(ctx context.Context, partition memory.Partition, in memory.FactInput) (memory.StoreResult, error)
}

// Observer receives the outcome of every run.
type Observer interface {
	ObserveDigest(entries, inserted, updated int, duration time.Duration, err error)
}

// Publisher pushes events to interested clients.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Config controls when digests run.
type Config struct {
	Hours    []int
	Location *time.Location
	// Interval is the longest acceptable gap between digests; a larger gap
	// at startup triggers an immediate catch-up run.
	Interval time.Duration
	// Timeout bounds the extraction call.
	Timeout time.Duration
}

// RunResult summarises one digest.
type RunResult struct {
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Entries    int             `json:"entries"`
	Candidates int             `json:"candidates"`
	Inserted   int             `json:"inserted"`
	Updated    int             `json:"updated"`
	Cleared    int             `json:"cleared"`
	Usage      reasoning.Usage `json:"usage"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running      bool       `json:"running"`
	LastDigestAt time.Time  `json:"last_digest_at"`
	LastRunAt    time.Time  `json:"last_run_at"`
	LastResult   *RunResult `json:"last_result,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	NextRunAt    time.Time  `json:"next_run_at"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
}

// Scheduler owns the digest cycle: read the whole live buffer, extract
// candidates, store them through the deduplicator and, only if all of that
// succeeded, drop the digested entries.
type Scheduler struct {
	buffer    Buffer
	writer    FactWriter
	extractor reasoning.Extractor
	state     StateStore
	cfg       Config

	clock     func() time.Time
	log       logger.Logger
	observer  Observer
	publisher Publisher
	tracer    trace.Tracer
	loopOpts  []schedule.LoopOption

	running atomic.Bool
	catchUp sync.WaitGroup

	mu         sync.Mutex
	loop       *schedule.Loop
	started    bool
	lastRunAt  time.Time
	lastResult *RunResult
	lastErr    error
	runs       int64
	failures   int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithObserver reports runs, typically to metrics.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithLoopOptions passes options to the fixed-hour loop.
func WithLoopOptions(opts ...schedule.LoopOption) Option {
	return func(s *Scheduler) { s.loopOpts = append(s.loopOpts, opts...) }
}

// NewScheduler creates a scheduler. Nothing runs until Start or Run.
func NewScheduler(buffer Buffer, writer FactWriter, extractor reasoning.Extractor, state StateStore, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{
		buffer:    buffer,
		writer:    writer,
		extractor: extractor,
		state:     state,
		cfg:       cfg,
		clock:     time.Now,
		log:       logger.Nop(),
		tracer:    otel.Tracer("github.com/goclaw/recall/pkg/digest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "digest")
	return s
}

// Start schedules runs at the configured hours and, in the background, runs
// a catch-up digest if the last one is older than the interval or never
// happened. It does not wait for the catch-up. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.loop = schedule.NewLoop("digest", s.cfg.Hours, s.cfg.Location, s.scheduledRun,
		append([]schedule.LoopOption{schedule.WithClock(s.clock), schedule.WithLogger(s.log)}, s.loopOpts...)...)
	loop := s.loop
	s.mu.Unlock()

	s.catchUp.Add(1)
	go func() {
		defer s.catchUp.Done()
		if s.needsCatchUp(ctx) {
			s.log.InfoContext(ctx, "running catch-up digest")
			s.scheduledRun(ctx)
		}
	}()
	loop.Start(ctx)
}

func (s *Scheduler) needsCatchUp(ctx context.Context) bool {
	last, err := s.state.LastDigestAt(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "cannot read digest state; assuming a run was missed", "error", err)
		return true
	}
	return last.IsZero() || s.clock().Sub(last) > s.cfg.Interval
}

func (s *Scheduler) scheduledRun(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrDigestInProgress) {
		s.log.ErrorContext(ctx, "scheduled digest failed", "error", err)
	}
}

// Stop halts scheduled runs. A run in progress, including the catch-up,
// finishes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	s.started = false
	s.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
	s.catchUp.Wait()
}

// Run performs one digest. It returns ErrDigestInProgress instead of waiting
// when another run is active.
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrDigestInProgress
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "digest.run")
	defer span.End()

	start := s.clock()
	result := &RunResult{StartedAt: start}
	err := s.run(ctx, result)
	result.Duration = s.clock().Sub(start)

	span.SetAttributes(
		attribute.Int("digest.entries", result.Entries),
		attribute.Int("digest.inserted", result.Inserted),
		attribute.Int("digest.updated", result.Updated),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.finish(ctx, result, err)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Scheduler) run(ctx context.Context, result *RunResult) error {
	entries, err := s.buffer.All(ctx)
	if err != nil {
		return fmt.Errorf("digest: read live buffer: %w", err)
	}
	result.Entries = len(entries)

	if len(entries) > 0 {
		lines := make([]reasoning.Line, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			lines = append(lines, reasoning.Line{ID: e.ID, Author: e.Author, Room: e.Room, Content: e.Content, Timestamp: e.Timestamp})
			ids = append(ids, e.ID)
		}

		extractCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		candidates, usage, err := s.extractor.Extract(extractCtx, lines)
		cancel()
		result.Usage = usage
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, reasoning.ErrReasoningTimeout) {
				err = fmt.Errorf("%w: %v", reasoning.ErrReasoningTimeout, err)
			}
			return fmt.Errorf("digest: extract: %w", err)
		}
		result.Candidates = len(candidates)

		for _, c := range candidates {
			res, err := s.writer.StoreFact(ctx, partitionFor(c.Kind), memory.FactInput{
				Content:  c.Content,
				Subjects: c.Subjects,
				TTL:      c.TTL,
				Category: c.Category,
			})
			if err != nil {
				return fmt.Errorf("digest: store %s %q: %w", c.Kind, c.Content, err)
			}
			if res.Action == memory.ActionUpdated {
				result.Updated++
			} else {
				result.Inserted++
			}
		}

		// Only the entries that were read are removed; anything appended
		// since then waits for the next digest.
		cleared, err := s.buffer.DeleteMany(ctx, ids)
		if err != nil {
			return fmt.Errorf("digest: clear live buffer: %w", err)
		}
		result.Cleared = cleared
	}

	if err := s.state.SetLastDigestAt(ctx, result.StartedAt); err != nil {
		return err
	}
	return nil
}

func partitionFor(k reasoning.Kind) memory.Partition {
	switch k {
	case reasoning.KindGoal:
		return memory.Goals
	case reasoning.KindSelf:
		return memory.Self
	default:
		return memory.Facts
	}
}

func (s *Scheduler) finish(ctx context.Context, result *RunResult, err error) {
	s.mu.Lock()
	s.lastRunAt = result.StartedAt
	s.runs++
	if err != nil {
		s.failures++
		s.lastErr = err
	} else {
		s.lastErr = nil
		s.lastResult = result
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObserveDigest(result.Entries, result.Inserted, result.Updated, result.Duration, err)
	}

	if err != nil {
		s.log.ErrorContext(ctx, "digest failed; live buffer kept", "entries", result.Entries, "error", err)
		s.publish("digest.failed", map[string]any{"entries": result.Entries, "error": err.Error()})
		return
	}
	s.log.InfoContext(ctx, "digest completed",
		"entries", result.Entries,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"duration", result.Duration)
	s.publish("digest.completed", result)
}

func (s *Scheduler) publish(eventType string, payload any) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, payload)
	}
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Running:    s.running.Load(),
		LastRunAt:  s.lastRunAt,
		LastResult: s.lastResult,
		Runs:       s.runs,
		Failures:   s.failures,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	loop := s.loop
	s.mu.Unlock()

	if loop != nil {
		st.NextRunAt = loop.Next()
	}
	if st.NextRunAt.IsZero() {
		st.NextRunAt = schedule.ComputeNextFireTime(s.clock(), s.cfg.Hours, s.cfg.Location)
	}
	if last, err := s.state.LastDigestAt(ctx); err == nil {
		st.LastDigestAt = last
	}
	return st
}
