package memory

import (
	"fmt"
	"strings"
)

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	clone := *rec
	if rec.Vector != nil {
		clone.Vector = append([]float32(nil), rec.Vector...)
	}
	if rec.Subjects != nil {
		clone.Subjects = append([]string(nil), rec.Subjects...)
	}
	if rec.ExpiresAt != nil {
		exp := *rec.ExpiresAt
		clone.ExpiresAt = &exp
	}
	if rec.Metadata != nil {
		clone.Metadata = make(map[string]string, len(rec.Metadata))
		for key, value := range rec.Metadata {
			clone.Metadata[key] = value
		}
	}
	return &clone
}

// validateRecord checks the invariants every stored record must hold.
func validateRecord(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if !rec.Partition.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, rec.Partition)
	}
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("%w: missing vector", ErrInvalidRecord)
	}
	if rec.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(rec.Timestamp) {
		return fmt.Errorf("%w: expiry must be after timestamp", ErrInvalidRecord)
	}
	return nil
}

func (f Filter) match(rec *Record) bool {
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	for k, v := range f.Metadata {
		if rec.Metadata[k] != v {
			return false
		}
	}
	if len(f.Subjects) == 0 {
		return true
	}
	for _, want := range f.Subjects {
		for _, have := range rec.Subjects {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}
