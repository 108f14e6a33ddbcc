package memory

import (
	"math"
	"sort"
	"sync"
	"time"
)

// index is the in-process view of every partition. Search is brute-force
// cosine similarity over the partition's vectors.
type index struct {
	mu        sync.RWMutex
	dimension int
	dims      map[Partition]int
	parts     map[Partition]map[string]*Record
}

func newIndex(dimension int) *index {
	ix := &index{
		dimension: dimension,
		dims:      make(map[Partition]int),
		parts:     make(map[Partition]map[string]*Record),
	}
	for _, p := range Partitions {
		ix.parts[p] = make(map[string]*Record)
	}
	return ix
}

// expectedDim returns the vector size records in p must have, or 0 if any
// size is acceptable. Callers hold ix.mu.
func (ix *index) expectedDim(p Partition) int {
	if ix.dimension > 0 {
		return ix.dimension
	}
	if len(ix.parts[p]) == 0 {
		return 0
	}
	return ix.dims[p]
}

// checkDimension validates a vector for insertion into p, ignoring the record
// with id skip (the one being replaced). Callers hold ix.mu.
func (ix *index) checkDimension(p Partition, n int, skip string) error {
	want := ix.expectedDim(p)
	if want == 0 {
		return nil
	}
	if ix.dimension == 0 && len(ix.parts[p]) == 1 {
		if _, ok := ix.parts[p][skip]; ok {
			return nil
		}
	}
	if n != want {
		return &DimensionError{Partition: p, Expected: want, Got: n}
	}
	return nil
}

func (ix *index) put(rec *Record) {
	ix.parts[rec.Partition][rec.ID] = rec
	ix.dims[rec.Partition] = len(rec.Vector)
}

func (ix *index) remove(p Partition, id string) bool {
	if _, ok := ix.parts[p][id]; !ok {
		return false
	}
	delete(ix.parts[p], id)
	return true
}

// locate finds which partition holds id.
func (ix *index) locate(id string) (Partition, bool) {
	for _, p := range Partitions {
		if _, ok := ix.parts[p][id]; ok {
			return p, true
		}
	}
	return "", false
}

func (ix *index) get(p Partition, id string, now time.Time) (*Record, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, ok := ix.parts[p][id]
	if !ok || rec.Expired(now) {
		return nil, false
	}
	return cloneRecord(rec), true
}

func (ix *index) search(p Partition, query []float32, k int, filter Filter, now time.Time) ([]SearchResult, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if want := ix.expectedDim(p); want != 0 && len(query) != want {
		return nil, &DimensionError{Partition: p, Expected: want, Got: len(query)}
	}

	results := make([]SearchResult, 0, len(ix.parts[p]))
	for _, rec := range ix.parts[p] {
		if rec.Expired(now) || !filter.match(rec) {
			continue
		}
		results = append(results, SearchResult{Record: rec, Score: cosineSimilarity(query, rec.Vector)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Record.Timestamp.Equal(results[j].Record.Timestamp) {
			return results[i].Record.Timestamp.After(results[j].Record.Timestamp)
		}
		return results[i].Record.ID < results[j].Record.ID
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Record = cloneRecord(results[i].Record)
	}
	return results, nil
}

// list returns unexpired records ordered by timestamp, then id.
func (ix *index) list(p Partition, now time.Time) []*Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]*Record, 0, len(ix.parts[p]))
	for _, rec := range ix.parts[p] {
		if !rec.Expired(now) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (ix *index) count(p Partition, now time.Time) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, rec := range ix.parts[p] {
		if !rec.Expired(now) {
			n++
		}
	}
	return n
}

// expiredIDs returns ids of records in p whose expiry is at or before now.
// Records without expiry are never returned. Callers hold ix.mu.
func (ix *index) expiredIDs(p Partition, now time.Time) []string {
	var ids []string
	for id, rec := range ix.parts[p] {
		if rec.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// allIDs returns every id in p. Callers hold ix.mu.
func (ix *index) allIDs(p Partition) []string {
	ids := make([]string, 0, len(ix.parts[p]))
	for id := range ix.parts[p] {
		ids = append(ids, id)
	}
	return ids
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is a zero vector or their lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
