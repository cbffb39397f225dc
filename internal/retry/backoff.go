package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// NextDelay calculates exponential backoff with jitter for a retry attempt.
// Uses math/rand/v2 which is safe for non-cryptographic purposes like
// backoff jitter.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.InitialInterval
	}

	multiplier := math.Pow(p.BackoffCoefficient, float64(attempt-1))
	backoff := float64(p.InitialInterval) * multiplier

	jitterFactor := 0.8 + rand.Float64()*0.4
	backoff *= jitterFactor

	if backoff > float64(p.MaximumInterval) {
		backoff = float64(p.MaximumInterval)
	}

	return time.Duration(backoff)
}
