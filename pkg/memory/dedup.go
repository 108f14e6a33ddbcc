package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goclaw/recall/pkg/embedding"
	"github.com/goclaw/recall/pkg/logger"
)

// DefaultDedupThreshold is the similarity at or above which a new memory is
// considered a restatement of an existing one.
const DefaultDedupThreshold = 0.85

// StoreAction tells whether StoreFact created or replaced a record.
type StoreAction string

const (
	ActionInserted StoreAction = "inserted"
	ActionUpdated  StoreAction = "updated"
)

// FactInput is a memory to be written through the deduplicator.
type FactInput struct {
	Content  string
	Subjects []string
	// TTL is a relative lifetime such as "48h" or "7d"; empty means permanent.
	TTL      string
	Category string
	Metadata map[string]string
}

// StoreResult describes the outcome of StoreFact.
type StoreResult struct {
	Action StoreAction `json:"action"`
	ID     string      `json:"id"`
	// ReplacedID is the superseded record when Action is ActionUpdated.
	ReplacedID string  `json:"replaced_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// DedupObserver is told about every successful write.
type DedupObserver interface {
	ObserveStore(partition string, action string)
}

// Deduplicator is the single write path for durable memories. Before writing
// it looks for a near-identical record in the same partition and, if one is
// found, replaces it instead of adding a second copy.
type Deduplicator struct {
	store      Store
	embedder   embedding.Embedder
	threshold  float64
	candidates int
	timeout    time.Duration
	clock      func() time.Time
	log        logger.Logger
	observer   DedupObserver
}

// DedupOption configures a Deduplicator.
type DedupOption func(*Deduplicator)

// WithThreshold sets the replace threshold.
func WithThreshold(t float64) DedupOption {
	return func(d *Deduplicator) { d.threshold = t }
}

// WithCandidates sets how many neighbours are inspected, clamped to 1..5.
func WithCandidates(n int) DedupOption {
	return func(d *Deduplicator) {
		if n < 1 {
			n = 1
		}
		if n > 5 {
			n = 5
		}
		d.candidates = n
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(timeout time.Duration) DedupOption {
	return func(d *Deduplicator) { d.timeout = timeout }
}

// WithDedupClock overrides time.Now.
func WithDedupClock(clock func() time.Time) DedupOption {
	return func(d *Deduplicator) { d.clock = clock }
}

// WithDedupLogger sets the logger.
func WithDedupLogger(l logger.Logger) DedupOption {
	return func(d *Deduplicator) { d.log = l }
}

// WithDedupObserver reports writes, typically to metrics.
func WithDedupObserver(o DedupObserver) DedupOption {
	return func(d *Deduplicator) { d.observer = o }
}

// NewDeduplicator creates a deduplicating writer over store.
func NewDeduplicator(store Store, embedder embedding.Embedder, opts ...DedupOption) *Deduplicator {
	d := &Deduplicator{
		store:      store,
		embedder:   embedder,
		threshold:  DefaultDedupThreshold,
		candidates: 5,
		timeout:    5 * time.Second,
		clock:      time.Now,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "deduplicator")
	return d
}

// StoreFact embeds in.Content and writes it to partition. If the nearest
// existing record scores at or above the threshold it is replaced, and the
// new subjects supersede the old ones.
func (d *Deduplicator) StoreFact(ctx context.Context, partition Partition, in FactInput) (StoreResult, error) {
	if !partition.Valid() {
		return StoreResult{}, fmt.Errorf("%w: %q", ErrInvalidPartition, partition)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return StoreResult{}, fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	ttl, err := ParseTTL(in.TTL)
	if err != nil {
		return StoreResult{}, err
	}

	vec, err := d.embedder.Embed(ctx, content)
	if err != nil {
		return StoreResult{}, err
	}

	searchCtx, cancel := context.WithTimeout(ctx, d.timeout)
	neighbours, err := d.store.Search(searchCtx, partition, vec, d.candidates, Filter{})
	cancel()
	if err != nil {
		return StoreResult{}, fmt.Errorf("memory: dedup search: %w", err)
	}

	now := d.clock()
	rec := &Record{
		Content:   content,
		Subjects:  normalizeSubjects(in.Subjects),
		Vector:    vec,
		Timestamp: now,
		ExpiresAt: ComputeExpiresAt(now, ttl),
		Partition: partition,
		Category:  in.Category,
		Metadata:  in.Metadata,
	}

	writeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if len(neighbours) > 0 && neighbours[0].Score >= d.threshold {
		old := neighbours[0]
		id, err := d.store.Replace(writeCtx, old.Record.ID, rec)
		if err != nil {
			return StoreResult{}, fmt.Errorf("memory: replace %s: %w", old.Record.ID, err)
		}
		d.log.DebugContext(ctx, "memory replaced",
			"partition", partition, "id", id, "replaced", old.Record.ID, "score", old.Score)
		d.observe(partition, ActionUpdated)
		return StoreResult{Action: ActionUpdated, ID: id, ReplacedID: old.Record.ID, Score: old.Score}, nil
	}

	id, err := d.store.Store(writeCtx, rec)
	if err != nil {
		return StoreResult{}, fmt.Errorf("memory: insert: %w", err)
	}
	d.log.DebugContext(ctx, "memory inserted", "partition", partition, "id", id)
	d.observe(partition, ActionInserted)

	result := StoreResult{Action: ActionInserted, ID: id}
	if len(neighbours) > 0 {
		result.Score = neighbours[0].Score
	}
	return result, nil
}

func (d *Deduplicator) observe(p Partition, action StoreAction) {
	if d.observer != nil {
		d.observer.ObserveStore(string(p), string(action))
	}
}

// normalizeSubjects trims, drops empties and removes case-insensitive repeats.
func normalizeSubjects(subjects []string) []string {
	out := make([]string, 0, len(subjects))
	seen := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
