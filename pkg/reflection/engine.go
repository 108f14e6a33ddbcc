// Package reflection decides, without being asked, whether the assistant
// should say something in a room.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/recall/pkg/chat"
	"github.com/goclaw/recall/pkg/embedding"
	"github.com/goclaw/recall/pkg/live"
	"github.com/goclaw/recall/pkg/logger"
	"github.com/goclaw/recall/pkg/memory"
	"github.com/goclaw/recall/pkg/reasoning"
	"github.com/goclaw/recall/pkg/schedule"
	"github.com/goclaw/recall/pkg/state"
)

// ErrReflectionInProgress is returned when a room is already reflecting.
var ErrReflectionInProgress = errors.New("reflection: already in progress for room")

const limiterKey = "reflection:limiter"

// Event types published by the engine.
const (
	EventStatus   = "reflection.status"
	EventProgress = "reflection.progress"
	EventStats    = "reflection.stats"
)

// State is the engine's position in a cycle.
type State int32

const (
	StateIdle State = iota
	StateGathering
	StateThinking
	StateDone
)

// busier orders states for the engine-wide view: a room that is thinking
// outranks one that is gathering, which outranks one that is finishing.
func (s State) busier(than State) bool {
	rank := func(s State) int {
		switch s {
		case StateThinking:
			return 3
		case StateGathering:
			return 2
		case StateDone:
			return 1
		}
		return 0
	}
	return rank(s) > rank(than)
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGathering:
		return "gathering"
	case StateThinking:
		return "thinking"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Activity is the view of the live buffer the engine needs.
type Activity interface {
	Recent(ctx context.Context, room string, n int) ([]live.Entry, error)
	LastAuthor(ctx context.Context, room string) (string, time.Time, bool)
	ObserveAuthor(ctx context.Context, room, author string, at time.Time)
}

// Publisher pushes events to interested clients.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Observer receives every finished reflection, typically for metrics.
type Observer interface {
	ObserveReflection(r Reflection)
}

// Config tunes the engine.
type Config struct {
	AssistantID string
	DefaultRoom string
	Hours       []int
	Location    *time.Location
	Cooldown    time.Duration
	MaxPerDay   int
	HistorySize int
	FactsK      int
	SelfK       int
	// RecentActivity is how many live entries are shown to the decider.
	RecentActivity int
	StoreTimeout   time.Duration
	DecideTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.FactsK <= 0 {
		c.FactsK = 5
	}
	if c.SelfK <= 0 {
		c.SelfK = 5
	}
	if c.RecentActivity <= 0 {
		c.RecentActivity = 20
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.DecideTimeout <= 0 {
		c.DecideTimeout = 15 * time.Second
	}
}

// EngineStatus is a snapshot for the status endpoint.
type EngineStatus struct {
	State     string            `json:"state"`
	Enabled   bool              `json:"enabled"`
	Active    []string          `json:"active_rooms"`
	Rooms     map[string]string `json:"rooms"`
	Limiter   LimiterState `json:"limiter"`
	NextRunAt time.Time    `json:"next_run_at"`
	Stats     Stats        `json:"stats"`
}

// Engine runs reflection cycles. Each room runs at most one cycle at a time;
// overlapping triggers are rejected rather than queued.
type Engine struct {
	store    memory.Store
	activity Activity
	decider  reasoning.Decider
	poster   chat.Poster
	embedder embedding.Embedder
	cfg      Config

	limiter   *RateLimiter
	windows   state.Store
	stats     *StatsStore
	publisher Publisher
	observer  Observer
	clock     func() time.Time
	log       logger.Logger
	tracer    trace.Tracer
	loopOpts  []schedule.LoopOption

	enabled atomic.Bool

	mu     sync.Mutex
	active map[string]State
	loop   *schedule.Loop
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithObserver reports finished reflections.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithEmbedder lets open-mode cycles search facts by recent activity.
func WithEmbedder(emb embedding.Embedder) Option {
	return func(e *Engine) { e.embedder = emb }
}

// WithStateStore persists the rate limiter window so the cooldown and the
// daily cap hold across restarts.
func WithStateStore(s state.Store) Option {
	return func(e *Engine) { e.windows = s }
}

// WithLoopOptions passes options to the fixed-hour loop.
func WithLoopOptions(opts ...schedule.LoopOption) Option {
	return func(e *Engine) { e.loopOpts = append(e.loopOpts, opts...) }
}

// NewEngine creates an engine. It is enabled but not scheduled until Start.
func NewEngine(store memory.Store, activity Activity, decider reasoning.Decider, poster chat.Poster, cfg Config, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		store:    store,
		activity: activity,
		decider:  decider,
		poster:   poster,
		cfg:      cfg,
		clock:    time.Now,
		log:      logger.Nop(),
		tracer:   otel.Tracer("github.com/goclaw/recall/pkg/reflection"),
		active:   make(map[string]State),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "reflection")
	e.limiter = NewRateLimiter(cfg.Cooldown, cfg.MaxPerDay, cfg.Location)
	e.stats = NewStatsStore(cfg.HistorySize, e.publisher)
	e.enabled.Store(true)
	e.loadWindow()
	return e
}

func (e *Engine) loadWindow() {
	if e.windows == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	var w Window
	ok, err := state.GetJSON(ctx, e.windows, limiterKey, &w)
	if err != nil {
		e.log.Warn("cannot load rate limiter window; starting fresh", "error", err)
		return
	}
	if ok {
		e.limiter.Restore(w)
		e.log.Info("rate limiter window restored", "day", w.Day, "today_count", w.TodayCount, "last_message_at", w.LastMessageAt)
	}
}

func (e *Engine) saveWindow(ctx context.Context) {
	if e.windows == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := state.SetJSON(ctx, e.windows, limiterKey, e.limiter.Window()); err != nil {
		e.log.WarnContext(ctx, "cannot persist rate limiter window", "error", err)
	}
}

// State returns the busiest state across rooms, or idle when no room is
// reflecting.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	cur := StateIdle
	for _, s := range e.active {
		if s.busier(cur) {
			cur = s
		}
	}
	return cur
}

// Stats returns the stats store.
func (e *Engine) Stats() *StatsStore {
	return e.stats
}

// Limiter returns the shared rate limiter.
func (e *Engine) Limiter() *RateLimiter {
	return e.limiter
}

// ResetCooldown lets the next trigger speak regardless of the last message.
func (e *Engine) ResetCooldown() {
	e.limiter.ResetCooldown()
	e.saveWindow(context.Background())
	e.log.Info("cooldown reset")
}

// SetLimits changes the cooldown and daily cap at runtime.
func (e *Engine) SetLimits(cooldown time.Duration, maxPerDay int) {
	e.limiter.SetLimits(cooldown, maxPerDay)
	e.log.Info("limits updated", "cooldown", cooldown, "max_per_day", maxPerDay)
}

// SetEnabled toggles scheduled cycles. Manual triggers always run.
func (e *Engine) SetEnabled(enabled bool) {
	e.enabled.Store(enabled)
}

// Start schedules cycles in the default room at the configured hours.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loop != nil {
		return
	}
	opts := append([]schedule.LoopOption{schedule.WithClock(e.clock), schedule.WithLogger(e.log)}, e.loopOpts...)
	e.loop = schedule.NewLoop("reflection", e.cfg.Hours, e.cfg.Location, e.scheduled, opts...)
	e.loop.Start(ctx)
}

// Stop halts scheduled cycles.
func (e *Engine) Stop() {
	e.mu.Lock()
	loop := e.loop
	e.loop = nil
	e.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

func (e *Engine) scheduled(ctx context.Context) {
	if !e.enabled.Load() {
		e.log.DebugContext(ctx, "scheduled reflection skipped: disabled")
		return
	}
	if _, err := e.Trigger(ctx, e.cfg.DefaultRoom, false); err != nil {
		e.log.WarnContext(ctx, "scheduled reflection failed", "error", err)
	}
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	active := make([]string, 0, len(e.active))
	rooms := make(map[string]string, len(e.active))
	for room, s := range e.active {
		active = append(active, room)
		rooms[room] = s.String()
	}
	global := e.stateLocked()
	loop := e.loop
	e.mu.Unlock()
	sort.Strings(active)

	st := EngineStatus{
		State:   global.String(),
		Enabled: e.enabled.Load(),
		Active:  active,
		Rooms:   rooms,
		Limiter: e.limiter.Snapshot(e.clock()),
		Stats:   e.stats.Snapshot(),
	}
	if loop != nil {
		st.NextRunAt = loop.Next()
	}
	if st.NextRunAt.IsZero() {
		st.NextRunAt = schedule.ComputeNextFireTime(e.clock(), e.cfg.Hours, e.cfg.Location)
	}
	return st
}

// Trigger runs one cycle for room. Gate skips return a rate-limited
// reflection and a nil error; a failed cycle returns its reflection and
// the error.
func (e *Engine) Trigger(ctx context.Context, room string, manual bool) (*Reflection, error) {
	if room == "" {
		room = e.cfg.DefaultRoom
	}
	if !e.acquire(room) {
		return nil, fmt.Errorf("%w: %s", ErrReflectionInProgress, room)
	}
	defer e.release(room)

	ctx, span := e.tracer.Start(ctx, "reflection.cycle", trace.WithAttributes(
		attribute.String("room", room),
		attribute.Bool("manual", manual),
	))
	defer span.End()

	start := e.clock()
	r := &Reflection{
		ID:        uuid.New().String(),
		Timestamp: start,
		RoomID:    room,
		Action:    string(reasoning.ActionPass),
		Manual:    manual,
	}

	slot, reason := e.gate(ctx, room, start, manual)
	if slot == nil {
		r.RateLimited = true
		r.Reason = reason
		span.SetAttributes(attribute.String("outcome", string(OutcomeRateLimited)))
		e.log.DebugContext(ctx, "reflection skipped", "room", room, "reason", reason)
		e.record(r, start)
		return r, nil
	}
	defer slot.Release()

	err := e.cycle(ctx, r, slot)
	if err != nil {
		r.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.ErrorContext(ctx, "reflection failed", "room", room, "error", err)
	}
	span.SetAttributes(attribute.String("outcome", string(r.Outcome())))
	e.record(r, start)
	return r, err
}

func (e *Engine) acquire(room string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[room]; busy {
		return false
	}
	e.active[room] = StateIdle
	return true
}

func (e *Engine) release(room string) {
	e.mu.Lock()
	delete(e.active, room)
	e.mu.Unlock()
}

// gate applies the checks that run before any reasoning call. On success it
// holds a rate limiter slot that the caller must commit or release.
func (e *Engine) gate(ctx context.Context, room string, now time.Time, manual bool) (*Reservation, string) {
	if author, _, ok := e.activity.LastAuthor(ctx, room); ok && author == e.cfg.AssistantID {
		return nil, ReasonAssistantLast
	}
	return e.limiter.TryAcquire(now, manual)
}

func (e *Engine) cycle(ctx context.Context, r *Reflection, slot *Reservation) error {
	e.transition(r.RoomID, StateGathering)
	defer e.transition(r.RoomID, StateIdle)
	e.progress(r.RoomID, "gathering", nil)

	req, goal, err := e.gather(ctx, r.RoomID)
	if err != nil {
		return err
	}
	if goal != nil {
		r.GoalID = goal.ID
	}
	e.progress(r.RoomID, "context", map[string]any{
		"goal":   r.GoalID,
		"facts":  len(req.Facts),
		"self":   len(req.Self),
		"recent": len(req.Recent),
	})

	e.transition(r.RoomID, StateThinking)
	e.progress(r.RoomID, "thinking", nil)

	decideCtx, cancel := context.WithTimeout(ctx, e.cfg.DecideTimeout)
	raw, usage, err := e.decider.Decide(decideCtx, req)
	cancel()
	r.InputTokens, r.OutputTokens = usage.InputTokens, usage.OutputTokens
	if err != nil && !errors.Is(err, reasoning.ErrMalformedDecision) {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, reasoning.ErrReasoningTimeout) {
			err = fmt.Errorf("%w: %v", reasoning.ErrReasoningTimeout, err)
		}
		return fmt.Errorf("reflection: decide: %w", err)
	}

	decision, verr := reasoning.Validate(raw, req.AllowPass)
	if err != nil || verr != nil {
		e.log.WarnContext(ctx, "decision rejected; treating as pass", "room", r.RoomID, "error", errors.Join(err, verr))
	}
	r.Reason = reasoning.ReasonOf(decision)

	if msg, ok := decision.(reasoning.Message); ok {
		if err := e.deliver(ctx, r, msg, goal, slot); err != nil {
			return err
		}
	}

	e.transition(r.RoomID, StateDone)
	e.progress(r.RoomID, "done", map[string]any{"action": r.Action, "reason": r.Reason})
	return nil
}

func (e *Engine) gather(ctx context.Context, room string) (reasoning.DecisionRequest, *memory.Record, error) {
	req := reasoning.DecisionRequest{Room: room, Now: e.clock()}

	storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	goals, err := e.store.List(storeCtx, memory.Goals)
	if err != nil {
		return req, nil, fmt.Errorf("reflection: list goals: %w", err)
	}

	recent, err := e.activity.Recent(storeCtx, room, e.cfg.RecentActivity)
	if err != nil {
		return req, nil, fmt.Errorf("reflection: recent activity: %w", err)
	}
	for _, en := range recent {
		req.Recent = append(req.Recent, reasoning.Line{ID: en.ID, Author: en.Author, Room: en.Room, Content: en.Content, Timestamp: en.Timestamp})
	}

	var goal *memory.Record
	var query []float32
	if len(goals) > 0 {
		// List is oldest first.
		goal = goals[len(goals)-1]
		req.Goal = toMemory(goal, 0)
		query = goal.Vector
	} else {
		req.AllowPass = true
		query = e.activityQuery(storeCtx, recent)
	}

	if query != nil {
		if req.Facts, err = e.search(storeCtx, memory.Facts, query, e.cfg.FactsK); err != nil {
			return req, nil, err
		}
		if req.Self, err = e.search(storeCtx, memory.Self, query, e.cfg.SelfK); err != nil {
			return req, nil, err
		}
	}
	return req, goal, nil
}

// activityQuery embeds recent chat for open-mode context. It returns nil when
// there is nothing to search with.
func (e *Engine) activityQuery(ctx context.Context, recent []live.Entry) []float32 {
	if e.embedder == nil || len(recent) == 0 {
		return nil
	}
	parts := make([]string, 0, len(recent))
	for _, en := range recent {
		parts = append(parts, en.Content)
	}
	vec, err := e.embedder.Embed(ctx, strings.Join(parts, "\n"))
	if err != nil {
		e.log.WarnContext(ctx, "cannot embed recent activity", "error", err)
		return nil
	}
	return vec
}

func (e *Engine) search(ctx context.Context, p memory.Partition, query []float32, k int) ([]reasoning.Memory, error) {
	hits, err := e.store.Search(ctx, p, query, k, memory.Filter{})
	if errors.Is(err, memory.ErrDimensionMismatch) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reflection: search %s: %w", p, err)
	}
	out := make([]reasoning.Memory, 0, len(hits))
	for _, h := range hits {
		out = append(out, *toMemory(h.Record, h.Score))
	}
	return out, nil
}

func (e *Engine) deliver(ctx context.Context, r *Reflection, msg reasoning.Message, goal *memory.Record, slot *Reservation) error {
	if err := e.poster.Post(chat.WithIdempotencyKey(ctx, r.ID), r.RoomID, msg.Text); err != nil {
		return fmt.Errorf("reflection: post: %w", err)
	}

	now := e.clock()
	r.Action = string(reasoning.ActionMessage)
	r.Message = msg.Text
	r.Tone = msg.Tone
	slot.Commit(now)
	e.saveWindow(ctx)
	e.activity.ObserveAuthor(ctx, r.RoomID, e.cfg.AssistantID, now)

	if goal != nil {
		storeCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
		if err := e.store.Delete(storeCtx, memory.Goals, goal.ID); err != nil && !errors.Is(err, memory.ErrNotFound) {
			e.log.WarnContext(ctx, "cannot remove fulfilled goal", "goal", goal.ID, "error", err)
		}
	}
	e.log.InfoContext(ctx, "assistant spoke", "room", r.RoomID, "goal", r.GoalID, "reason", r.Reason)
	return nil
}

func (e *Engine) record(r *Reflection, start time.Time) {
	r.Duration = e.clock().Sub(start)
	e.stats.Record(*r)
	if e.observer != nil {
		e.observer.ObserveReflection(*r)
	}
}

func (e *Engine) transition(room string, s State) {
	e.mu.Lock()
	if _, ok := e.active[room]; ok {
		e.active[room] = s
	}
	global := e.stateLocked()
	e.mu.Unlock()

	var status string
	switch s {
	case StateGathering:
		status = "observing"
	case StateThinking:
		status = "thinking"
	case StateIdle:
		status = "idle"
	default:
		return
	}
	e.publish(EventStatus, map[string]any{"status": status, "room_id": room, "engine": global.String()})
}

func (e *Engine) progress(room, stage string, detail map[string]any) {
	payload := map[string]any{"stage": stage, "room_id": room}
	for k, v := range detail {
		payload[k] = v
	}
	e.publish(EventProgress, payload)
}

func (e *Engine) publish(eventType string, payload any) {
	if e.publisher != nil {
		e.publisher.Publish(eventType, payload)
	}
}

func toMemory(rec *memory.Record, score float64) *reasoning.Memory {
	return &reasoning.Memory{
		ID:       rec.ID,
		Content:  rec.Content,
		Subjects: rec.Subjects,
		Category: rec.Category,
		Score:    score,
	}
}
