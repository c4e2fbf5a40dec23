// Package breaker implements the fail-fast guard placed in front of every
// database call the repository makes (spec §4.1), built on top of
// sony/gobreaker's state machine and a custom sliding window that turns raw
// outcomes into the percentage-based metrics the coordinator surfaces.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Execute when the breaker is OPEN and the recovery
// timeout has not yet elapsed.
var ErrOpen = errors.New("breaker: circuit open")

// Config configures a Breaker.
//
// FailureThreshold is T in spec §4.1: the number of consecutive failures
// that trips the circuit. RecoveryTimeout is W: how long the breaker stays
// OPEN before admitting a single HALF_OPEN probe. Window is the duration
// over which (success, timestamp) samples are retained for Metrics;
// spec §4.1 fixes it at 60s.
type Config struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	Window           time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.Window == 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// sample is one (success, timestamp) observation retained for the sliding
// window failure-rate metric. It carries no information the state machine
// itself needs; gobreaker owns the consecutive-failure count and the
// CLOSED/OPEN/HALF_OPEN transitions.
type sample struct {
	at      time.Time
	success bool
}

// Breaker guards calls to an unreliable dependency (the database client),
// failing fast once FailureThreshold consecutive failures are observed and
// probing for recovery after RecoveryTimeout, per spec §4.1.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	window time.Duration

	mu      sync.Mutex
	samples []sample
	lastErr time.Time
}

// New constructs a Breaker in the CLOSED state.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{window: cfg.Window}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // exactly one probe admitted in HALF_OPEN, per spec
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Execute runs op under the breaker. If the breaker is OPEN and not yet
// eligible for a HALF_OPEN probe, op is not called and ErrOpen is returned.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.record(false)
		return ErrOpen
	}
	b.record(err == nil)
	return err
}

func (b *Breaker) record(success bool) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, sample{at: now, success: success})
	if !success {
		b.lastErr = now
	}
	b.prune(now)
}

// prune must be called with b.mu held.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.samples = append([]sample(nil), b.samples[i:]...)
	}
}

// State reports the current circuit state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Metrics is the point-in-time snapshot exposed by spec §4.1: state,
// consecutive-failure count, windowed call total, windowed failure-rate
// percentage, and the timestamp of the last recorded failure.
type Metrics struct {
	State               gobreaker.State
	ConsecutiveFailures uint32
	WindowedCalls       int
	WindowedFailureRate float64 // percentage, 0-100
	LastFailure         time.Time
}

// Metrics prunes the sliding window and returns the current metrics
// snapshot.
func (b *Breaker) Metrics() Metrics {
	now := time.Now()
	b.mu.Lock()
	b.prune(now)
	total := len(b.samples)
	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	lastErr := b.lastErr
	b.mu.Unlock()

	rate := 0.0
	if total > 0 {
		rate = float64(failures) / float64(total) * 100
	}
	counts := b.cb.Counts()
	return Metrics{
		State:               b.cb.State(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		WindowedCalls:       total,
		WindowedFailureRate: rate,
		LastFailure:         lastErr,
	}
}
