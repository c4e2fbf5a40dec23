package jobguard

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig configures a Backoff: a jittered exponential delay used to
// space out reconnect attempts against a broker's Redis client after a
// transient transport error (spec §9: background loops must not spin
// tight against a failing dependency).
type BackoffConfig struct {
	MaxRetries          uint32
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialInterval == 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.RandomizationFactor == 0 {
		c.RandomizationFactor = 0.2
	}
	return c
}

// Backoff computes successive retry delays from a BackoffConfig.
type Backoff struct {
	cfg BackoffConfig
}

// NewBackoff builds a Backoff, filling in spec-default parameters for any
// zero field in cfg.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.withDefaults()}
}

// Next returns the delay before retry number attempt (1-based), and false
// once MaxRetries has been exceeded (MaxRetries == 0 means unlimited).
func (b *Backoff) Next(attempt uint32) (time.Duration, bool) {
	if b.cfg.MaxRetries > 0 && attempt > b.cfg.MaxRetries {
		return 0, false
	}
	exp := float64(b.cfg.InitialInterval) * math.Pow(b.cfg.Multiplier, float64(attempt-1))
	if exp > float64(b.cfg.MaxInterval) {
		exp = float64(b.cfg.MaxInterval)
	}
	if b.cfg.RandomizationFactor > 0 {
		delta := b.cfg.RandomizationFactor * exp
		minExp := exp - delta
		maxExp := exp + delta
		exp = minExp + rand.Float64()*(maxExp-minExp)
	}
	return time.Duration(exp), true
}
