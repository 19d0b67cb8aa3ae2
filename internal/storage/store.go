package storage

import (
	"time"
)

// RateDecision is the outcome of a single rate-limit check.
type RateDecision struct {
	Allowed bool
	// Count is the number of recorded attempts inside the window after this
	// check. A denied attempt is not recorded.
	Count int
	// RetryAfter is how long until the oldest recorded attempt leaves the
	// window. Zero when Allowed.
	RetryAfter time.Duration
}

// RateStore is the persistence interface for the submission rate limiter.
// Keys are caller-derived ("<form>:<ip>"); every Allow is an atomic
// check-and-record with respect to other callers sharing the key.
type RateStore interface {
	// Allow prunes attempts older than window, then records the current
	// attempt only if fewer than max remain. max <= 0 means unlimited.
	Allow(key string, window time.Duration, max int) (RateDecision, error)

	// Prune drops attempts older than window from every key and deletes
	// keys left empty. Returns the number of attempts removed.
	Prune(window time.Duration) (int, error)

	// Len reports the number of keys currently tracked.
	Len() (int, error)

	SizeBytes() (int64, error)
	Close() error
}

// slide applies the sliding-window rule to a timestamp log. It returns the
// surviving log (with now appended when allowed) and the decision.
func slide(timestamps []int64, now time.Time, window time.Duration, max int) ([]int64, RateDecision) {
	cutoff := now.Add(-window).UnixNano()
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			pruned = append(pruned, ts)
		}
	}

	if max > 0 && len(pruned) >= max {
		oldest := pruned[0]
		for _, ts := range pruned[1:] {
			if ts < oldest {
				oldest = ts
			}
		}
		retry := time.Duration(oldest - cutoff)
		if retry < 0 {
			retry = 0
		}
		return pruned, RateDecision{Allowed: false, Count: len(pruned), RetryAfter: retry}
	}

	pruned = append(pruned, now.UnixNano())
	return pruned, RateDecision{Allowed: true, Count: len(pruned)}
}

// expire removes entries at or before the window cutoff.
func expire(timestamps []int64, now time.Time, window time.Duration) []int64 {
	cutoff := now.Add(-window).UnixNano()
	filtered := timestamps[:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			filtered = append(filtered, ts)
		}
	}
	return filtered
}
