// Package memory implements the assistant's long-term vector memory: typed
// partitions of embedded records with optional expiry, nearest-neighbour search
// and a similarity-based deduplicating write path.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the memory system.
var (
	ErrStoreUnavailable  = errors.New("memory: store unavailable")
	ErrNotFound          = errors.New("memory: record not found")
	ErrDimensionMismatch = errors.New("memory: vector dimension mismatch")
	ErrInvalidRecord     = errors.New("memory: invalid record")
	ErrInvalidPartition  = errors.New("memory: invalid partition")
	ErrInvalidTTL        = errors.New("memory: invalid ttl")
)

// Partition names a logical collection of records.
type Partition string

const (
	// Facts are durable knowledge about people, places and events.
	Facts Partition = "facts"
	// Self holds the assistant's own traits and opinions.
	Self Partition = "self"
	// Goals are pending intentions such as follow-ups or curiosities.
	Goals Partition = "goals"
	// Live is the raw, short-lived buffer of recent chat lines.
	Live Partition = "live"
)

// Partitions lists every partition in a stable order.
var Partitions = []Partition{Facts, Self, Goals, Live}

// ParsePartition validates a partition name.
func ParsePartition(s string) (Partition, error) {
	p := Partition(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPartition, s)
	}
	return p, nil
}

// Valid reports whether p is a known partition.
func (p Partition) Valid() bool {
	switch p {
	case Facts, Self, Goals, Live:
		return true
	}
	return false
}

// Record is one embedded memory.
type Record struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Subjects  []string          `json:"subjects"`
	Vector    []float32         `json:"vector,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Partition Partition         `json:"partition"`
	Category  string            `json:"category,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the record has passed its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// SearchResult pairs a record with its cosine similarity to the query.
type SearchResult struct {
	Record *Record `json:"record"`
	Score  float64 `json:"score"`
}

// Filter narrows a search. Zero values match everything.
type Filter struct {
	// Subjects matches records sharing at least one subject.
	Subjects []string
	Category string
	// Metadata matches records carrying every listed key/value pair.
	Metadata map[string]string
}

// Store is a partitioned vector store.
//
// Records are immutable once stored; Replace swaps one record for another in a
// single step so readers never observe neither.
type Store interface {
	Store(ctx context.Context, rec *Record) (string, error)
	Replace(ctx context.Context, oldID string, rec *Record) (string, error)
	Get(ctx context.Context, partition Partition, id string) (*Record, error)
	Search(ctx context.Context, partition Partition, query []float32, k int, filter Filter) ([]SearchResult, error)
	List(ctx context.Context, partition Partition) ([]*Record, error)
	Count(ctx context.Context, partition Partition) (int, error)
	Delete(ctx context.Context, partition Partition, id string) error
	DeleteMany(ctx context.Context, partition Partition, ids []string) (int, error)
	DeleteExpired(ctx context.Context, partition Partition, now time.Time) (int, error)
	Clear(ctx context.Context, partition Partition) (int, error)
	Close() error
}

// Options configures a Store implementation.
type Options struct {
	// Dimension fixes the vector size of every partition. Zero lets each
	// partition adopt the size of its first record.
	Dimension int
	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

// DimensionError reports a vector of the wrong size for a partition.
type DimensionError struct {
	Partition Partition
	Expected  int
	Got       int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("memory: partition %s expects %d dimensions, got %d", e.Partition, e.Expected, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }
