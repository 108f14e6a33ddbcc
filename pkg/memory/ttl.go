package memory

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxTTL is the longest lifetime ParseTTL accepts. Anything longer should be
// permanent.
const MaxTTL = 3650 * 24 * time.Hour

// ParseTTL parses a relative lifetime of the form <N>h or <N>d, at most
// MaxTTL. Empty input and the words "null", "none" and "permanent" mean no
// expiry and return nil.
func ParseTTL(s string) (*time.Duration, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	switch raw {
	case "", "null", "none", "permanent":
		return nil, nil
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTTL, s)
	}

	var unit time.Duration
	switch raw[len(raw)-1] {
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return nil, fmt.Errorf("%w: %q: unit must be h or d", ErrInvalidTTL, s)
	}

	n, err := strconv.Atoi(strings.TrimSpace(raw[:len(raw)-1]))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: %q: amount must be a positive integer", ErrInvalidTTL, s)
	}
	if n > int(MaxTTL/unit) {
		return nil, fmt.Errorf("%w: %q: longer than %s", ErrInvalidTTL, s, FormatTTL(MaxTTL))
	}
	d := time.Duration(n) * unit
	return &d, nil
}

// ComputeExpiresAt returns now+ttl, or nil for a permanent record.
func ComputeExpiresAt(now time.Time, ttl *time.Duration) *time.Time {
	if ttl == nil {
		return nil
	}
	t := now.Add(*ttl)
	return &t
}

// FormatTTL renders a duration in the shortest <N>d or <N>h form.
func FormatTTL(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	}
	return strconv.Itoa(int((d + time.Hour - 1) / time.Hour)) + "h"
}
