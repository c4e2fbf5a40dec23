package jobguard

import (
	"sync"
	"time"
)

// Scheduler computes the next reconciliation interval from the outcome of
// the prior cycle (spec §4.7). It is safe for concurrent use, though in
// practice only the owning Reconciler ever calls Next.
type Scheduler struct {
	mu sync.Mutex

	base    time.Duration
	min     time.Duration
	max     time.Duration
	current time.Duration
	empty   int
}

// NewScheduler builds a Scheduler around base, with bounds
// min = max(5s, base/4) and max = base*4, per spec §4.7.
func NewScheduler(base time.Duration) *Scheduler {
	min := base / 4
	if min < 5*time.Second {
		min = 5 * time.Second
	}
	return &Scheduler{
		base:    base,
		min:     min,
		max:     base * 4,
		current: base,
	}
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d < s.min {
		return s.min
	}
	if d > s.max {
		return s.max
	}
	return d
}

// Outcome is what a reconciliation cycle feeds back into the scheduler.
type Outcome struct {
	FoundStuckJobs int
	// SuccessRate is re-enqueued / to-re-enqueue, or 1.0 when the
	// denominator is zero (spec §4.7).
	SuccessRate float64
}

// Next applies the three rules of spec §4.7, in order, and returns the
// interval to wait before the next cycle.
func (s *Scheduler) Next(o Outcome) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.SuccessRate < 0.8 {
		s.current = s.clamp(time.Duration(float64(s.current) * 1.5))
		return s.current
	}

	if o.FoundStuckJobs == 0 {
		s.empty++
		if s.empty >= 3 {
			s.current = s.clamp(time.Duration(float64(s.current) * 1.5))
		}
		return s.current
	}

	s.empty = 0
	s.current = s.clamp(time.Duration(float64(s.current) * 0.8))
	return s.current
}

// Current returns the scheduler's current interval without advancing it.
func (s *Scheduler) Current() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Bounds returns the [min, max] interval range enforced by Next.
func (s *Scheduler) Bounds() (time.Duration, time.Duration) {
	return s.min, s.max
}
