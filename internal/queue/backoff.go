package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxBackoff = time.Hour

// Backoff is the delay before retry number attempt (1-based): base, 2×base,
// 4×base and so on, capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
