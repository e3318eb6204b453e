package engine

import "time"

// Backoff returns the delay before the next attempt after retryCount
// transient failures: base × 2^retryCount, capped at max.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^retryCount without overflow; the cap makes large counts moot.
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
