package dispatch

import (
	"math"
	"math/rand/v2"
	"time"

	"cloudnetproc/internal/config"
)

// Backoff computes exponential retry delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads delays by up to 20% either way.
	Jitter bool
}

func BackoffFrom(r config.Retry) Backoff {
	return Backoff{Initial: r.InitialDelay, Max: r.MaxDelay, Multiplier: r.Multiplier, Jitter: r.Jitter}
}

// Delay returns the wait before the attempt following attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
