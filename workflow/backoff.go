package workflow

import (
	"math/rand"
	"time"
)

const (
	defaultInitialBackoff = 5 * time.Second
	maxBackoff            = 10 * time.Minute
)

// RetryBackoff returns the delay before attempt n (1-based): exponential
// doubling from the initial backoff, capped, with up to 20% jitter so
// synchronized failures do not retry in lockstep.
func RetryBackoff(attempt int, initial time.Duration) time.Duration {
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1))
	return backoff + jitter
}
