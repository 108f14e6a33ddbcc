// Package live holds the short-lived buffer of raw chat messages that the
// digest later condenses into durable memories.
package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/goclaw/recall/pkg/embedding"
	"github.com/goclaw/recall/pkg/logger"
	"github.com/goclaw/recall/pkg/memory"
	"github.com/goclaw/recall/pkg/state"
)

// DefaultSearchK is used when SearchRelevant is called with k <= 0.
const DefaultSearchK = 10

// Metadata keys carried on live records.
const (
	metaAuthor = "author"
	metaRoom   = "room"
)

// ErrInvalidEntry is returned for entries without content.
var ErrInvalidEntry = errors.New("live: invalid entry")

// Entry is one observed chat message.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchResult is an entry with its similarity to the query.
type SearchResult struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

type authorMark struct {
	Author string    `json:"author"`
	At     time.Time `json:"at"`
}

func authorKey(room string) string { return "live:last_author:" + room }

// Buffer stores every incoming message in the live partition. It also
// remembers who spoke last in each room. With a state store the mark
// survives Clear and restarts; without one a room's mark is rebuilt from
// the newest buffered entry on first lookup.
type Buffer struct {
	store    memory.Store
	embedder embedding.Embedder
	state    state.Store
	timeout  time.Duration
	clock    func() time.Time
	log      logger.Logger

	mu      sync.RWMutex
	authors map[string]authorMark
	loaded  map[string]bool
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(b *Buffer) { b.clock = clock }
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(b *Buffer) { b.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Buffer) { b.log = l }
}

// WithStateStore persists the last speaker of each room.
func WithStateStore(s state.Store) Option {
	return func(b *Buffer) { b.state = s }
}

// NewBuffer creates a live buffer over store.
func NewBuffer(store memory.Store, embedder embedding.Embedder, opts ...Option) *Buffer {
	b := &Buffer{
		store:    store,
		embedder: embedder,
		timeout:  5 * time.Second,
		clock:    time.Now,
		log:      logger.Nop(),
		authors:  make(map[string]authorMark),
		loaded:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "live_buffer")
	return b
}

// Append embeds and stores e. Content is never filtered. ID and Timestamp
// are filled in when empty.
func (b *Buffer) Append(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Content) == "" {
		return Entry{}, fmt.Errorf("%w: empty content", ErrInvalidEntry)
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock()
	}

	vec, err := b.embedder.Embed(ctx, e.Content)
	if err != nil {
		return Entry{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if _, err := b.store.Store(ctx, toRecord(e, vec)); err != nil {
		return Entry{}, fmt.Errorf("live: append: %w", err)
	}

	b.ObserveAuthor(ctx, e.Room, e.Author, e.Timestamp)
	b.log.DebugContext(ctx, "live message stored", "id", e.ID, "room", e.Room, "author", e.Author)
	return e, nil
}

// ObserveAuthor records author as the latest speaker in room unless a later
// message is already known.
func (b *Buffer) ObserveAuthor(ctx context.Context, room, author string, at time.Time) {
	b.mark(ctx, room)

	m := authorMark{Author: author, At: at}
	b.mu.Lock()
	if cur, ok := b.authors[room]; ok && cur.At.After(at) {
		b.mu.Unlock()
		return
	}
	b.authors[room] = m
	b.mu.Unlock()

	if b.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := state.SetJSON(ctx, b.state, authorKey(room), m); err != nil {
		b.log.WarnContext(ctx, "cannot persist last author", "room", room, "error", err)
	}
}

// LastAuthor returns who spoke last in room and when.
func (b *Buffer) LastAuthor(ctx context.Context, room string) (string, time.Time, bool) {
	m, ok := b.mark(ctx, room)
	return m.Author, m.At, ok
}

// mark returns the last speaker of room, loading it from the state store
// and the buffered entries the first time the room is seen.
func (b *Buffer) mark(ctx context.Context, room string) (authorMark, bool) {
	b.mu.RLock()
	m, ok := b.authors[room]
	loaded := b.loaded[room]
	b.mu.RUnlock()
	if loaded {
		return m, ok
	}

	found, have, err := b.loadMark(ctx, room)
	if err != nil {
		b.log.WarnContext(ctx, "cannot load last author", "room", room, "error", err)
		return m, ok
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, known := b.authors[room]; have && (!known || found.At.After(cur.At)) {
		b.authors[room] = found
	}
	b.loaded[room] = true
	m, ok = b.authors[room]
	return m, ok
}

func (b *Buffer) loadMark(ctx context.Context, room string) (authorMark, bool, error) {
	var best authorMark
	var have bool
	if b.state != nil {
		sctx, cancel := context.WithTimeout(ctx, b.timeout)
		ok, err := state.GetJSON(sctx, b.state, authorKey(room), &best)
		cancel()
		if err != nil {
			return authorMark{}, false, err
		}
		have = ok
	}

	recent, err := b.Recent(ctx, room, 1)
	if err != nil {
		return authorMark{}, false, err
	}
	if len(recent) == 1 && (!have || recent[0].Timestamp.After(best.At)) {
		best = authorMark{Author: recent[0].Author, At: recent[0].Timestamp}
		have = true
	}
	return best, have, nil
}

// SearchRelevant ranks live entries by similarity to query. There is no
// score threshold.
func (b *Buffer) SearchRelevant(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = DefaultSearchK
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	hits, err := b.store.Search(ctx, memory.Live, query, k, memory.Filter{})
	if err != nil {
		return nil, fmt.Errorf("live: search: %w", err)
	}
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchResult{Entry: fromRecord(h.Record), Score: h.Score})
	}
	return out, nil
}

// SearchText embeds text and calls SearchRelevant.
func (b *Buffer) SearchText(ctx context.Context, text string, k int) ([]SearchResult, error) {
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return b.SearchRelevant(ctx, vec, k)
}

// All returns every buffered entry in ingestion order.
func (b *Buffer) All(ctx context.Context) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	records, err := b.store.List(ctx, memory.Live)
	if err != nil {
		return nil, fmt.Errorf("live: list: %w", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, fromRecord(r))
	}
	// ULIDs sort in creation order.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Recent returns the newest n entries of room, oldest first. An empty room
// matches every room; n <= 0 returns all of them.
func (b *Buffer) Recent(ctx context.Context, room string, n int) ([]Entry, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if room == "" || e.Room == room {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Count returns the number of buffered entries.
func (b *Buffer) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.store.Count(ctx, memory.Live)
}

// Delete removes one entry.
func (b *Buffer) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.store.Delete(ctx, memory.Live, id)
}

// DeleteMany removes the given entries and returns how many existed.
func (b *Buffer) DeleteMany(ctx context.Context, ids []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.store.DeleteMany(ctx, memory.Live, ids)
}

// Clear empties the buffer. Last-author marks are kept.
func (b *Buffer) Clear(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	n, err := b.store.Clear(ctx, memory.Live)
	if err != nil {
		return 0, fmt.Errorf("live: clear: %w", err)
	}
	b.log.InfoContext(ctx, "live buffer cleared", "removed", n)
	return n, nil
}

func toRecord(e Entry, vec []float32) *memory.Record {
	return &memory.Record{
		ID:        e.ID,
		Content:   e.Content,
		Vector:    vec,
		Timestamp: e.Timestamp,
		Partition: memory.Live,
		Metadata:  map[string]string{metaAuthor: e.Author, metaRoom: e.Room},
	}
}

func fromRecord(r *memory.Record) Entry {
	return Entry{
		ID:        r.ID,
		Content:   r.Content,
		Author:    r.Metadata[metaAuthor],
		Room:      r.Metadata[metaRoom],
		Timestamp: r.Timestamp,
	}
}
