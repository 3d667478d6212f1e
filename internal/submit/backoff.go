package submit

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff defaults. Values are overridable via BackoffConfig; zero fields
// fall back to these.
const (
	DefaultMinTimeoutMS        = 1000
	DefaultMaxTimeoutMS        = 30000
	DefaultMultiplier          = 1.5
	DefaultRandomizationFactor = 0.5

	// saturationJitter is applied instead of the full randomization
	// factor once the interval clamps at the maximum, so repeated
	// saturated retries are not perfectly periodic.
	saturationJitter = 0.05
)

// BackoffConfig holds the tunable parameters of a BackoffPolicy.
type BackoffConfig struct {
	MinTimeoutMS        int
	MaxTimeoutMS        int
	Multiplier          float64
	RandomizationFactor float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.MinTimeoutMS <= 0 {
		c.MinTimeoutMS = DefaultMinTimeoutMS
	}
	if c.MaxTimeoutMS <= 0 {
		c.MaxTimeoutMS = DefaultMaxTimeoutMS
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	// Zero means unset; pass a negative value to disable jitter.
	if c.RandomizationFactor == 0 {
		c.RandomizationFactor = DefaultRandomizationFactor
	} else if c.RandomizationFactor < 0 {
		c.RandomizationFactor = 0
	}
	return c
}

// BackoffPolicy generates jittered exponential retry intervals. Not safe
// for concurrent use; each retry sequence owns its policy.
type BackoffPolicy struct {
	cfg      BackoffConfig
	attempts int
}

// NewBackoffPolicy creates a policy at attempt zero.
func NewBackoffPolicy(cfg BackoffConfig) *BackoffPolicy {
	return &BackoffPolicy{cfg: cfg.withDefaults()}
}

// NextInterval returns the sleep before the next attempt and advances the
// attempt counter. base = min * multiplier^attempts, with symmetric
// jitter of up to base*randomizationFactor. Clamped to the maximum; a
// clamped result still carries a small jitter.
func (b *BackoffPolicy) NextInterval() time.Duration {
	base := float64(b.cfg.MinTimeoutMS) * math.Pow(b.cfg.Multiplier, float64(b.attempts))
	b.attempts++

	maxMS := float64(b.cfg.MaxTimeoutMS)
	jitterFactor := b.cfg.RandomizationFactor
	if base > maxMS {
		base = maxMS
		jitterFactor = saturationJitter
	}

	deviation := base * jitterFactor * rand.Float64()
	result := base + deviation
	if rand.Float64() < 0.5 {
		result = base - deviation
	}
	if result < 0 {
		result = 0
	}
	return time.Duration(result * float64(time.Millisecond))
}

// Reset restores attempt-zero behavior. Call before starting a new
// logical retry sequence.
func (b *BackoffPolicy) Reset() {
	b.attempts = 0
}
