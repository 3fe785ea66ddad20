// Package backoff provides the retry delay schedule and the clock
// abstraction injected everywhere timestamps are produced.
package backoff

import "time"

const (
	// MinBackoff is the delay after the first failed attempt.
	MinBackoff = 1000 * time.Millisecond
	// MaxBackoff caps the exponential schedule.
	MaxBackoff = 3_600_000 * time.Millisecond
)

// Delay returns the retry delay after the given 1-indexed attempt:
// min(MinBackoff * 2^(attempt-1), MaxBackoff). Attempts below 1 are
// treated as 1.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^(attempt-1) overflows quickly; anything past the cap exponent
	// is the cap.
	shift := attempt - 1
	if shift > 30 {
		return MaxBackoff
	}
	d := MinBackoff << uint(shift)
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}
