package posting

import (
	"math/rand"
	"time"
)

// RetryPolicy is the single retry/backoff strategy used for every transient
// delivery failure, instead of ad-hoc retry loops per call site.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	Jitter     float64 // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Delay computes the wait before retry number `retry` (1-based).
//
// A non-zero hint (the transport's reported flood wait) takes precedence over
// the exponential schedule; jitter is applied either way to avoid thundering
// herds when several deliveries back off together.
func (p RetryPolicy) Delay(retry int, hint time.Duration, rng *rand.Rand) time.Duration {
	d := hint
	if d <= 0 {
		d = p.BaseDelay
		for i := 1; i < retry; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	return d
}
