package jobguard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jobguard/jobguard/internal"
	"github.com/jobguard/jobguard/postgres"
	"github.com/jobguard/jobguard/record"
)

// reconcilerRepository is the subset of *postgres.Repository the
// reconciler depends on.
type reconcilerRepository interface {
	GetAndMarkStuckJobs(ctx context.Context, queue string, thresholdMs int64, batchSize int, useHeartbeat bool) (postgres.HarvestResult, error)
}

// quarantineThreshold is the number of consecutive cycle failures after
// which the Reconciler stops scheduling itself until ForceRun is called
// (spec §4.5, §7): a persistently failing database should not be hammered
// every interval.
const quarantineThreshold = 3

// Reconciler runs the periodic stuck-job harvest described in spec §4.5:
// find processing rows whose liveness signal has gone stale, mark them
// stuck, hand the survivors to the adapter's Reenqueue, and mark the
// exhausted ones dead. Its pace adapts via Scheduler (spec §4.7).
type Reconciler struct {
	lcBase

	cfg     ReconciliationConfig
	queue   string
	repo    reconcilerRepository
	adapter Adapter
	sched   *Scheduler
	log     *slog.Logger
	pool    *internal.WorkerPool[reenqueueTask]

	consecutiveFailures int
	quarantined         bool

	cancel context.CancelFunc
	done   internal.DoneChan
}

// reenqueueTask carries a harvested record through the worker pool along
// with the bookkeeping runCycle needs to learn the outcome: a WaitGroup so
// the cycle can wait for every dispatched reenqueue to finish, and a shared
// counter so it can compute the real success rate the scheduler depends on
// (spec §4.7), rather than treating queue-acceptance as success.
type reenqueueTask struct {
	rec     *record.JobRecord
	wg      *sync.WaitGroup
	success *atomic.Int32
}

// NewReconciler wires a Reconciler for queue. adapter is used for its
// Reenqueue method only.
func NewReconciler(queue string, cfg ReconciliationConfig, repo reconcilerRepository, adapter Adapter, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		cfg:     cfg,
		queue:   queue,
		repo:    repo,
		adapter: adapter,
		sched:   NewScheduler(cfg.interval()),
		log:     log,
		pool:    internal.NewWorkerPool[reenqueueTask](4, cfg.BatchSize, log),
	}
}

// Start begins the periodic cycle. It is a no-op returning ErrDoubleStarted
// if already running, and it does nothing at all if the config disables
// reconciliation (spec §6 reconciliation.enabled).
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	if err := r.tryStart(); err != nil {
		return err
	}
	r.pool.Start(ctx, r.handleReenqueue)
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(internal.DoneChan)
	go r.loop(loopCtx)
	return nil
}

// Stop cancels the cycle loop and drains the worker pool, waiting up to
// timeout for both to finish.
func (r *Reconciler) Stop(timeout time.Duration) error {
	return r.tryStop(timeout, func() internal.DoneChan {
		r.cancel()
		return internal.Combine(r.done, r.pool.Stop())
	})
}

// loop drives the reconciliation cadence with a resettable timer rather
// than a fixed ticker, since the scheduler's adaptive interval (spec
// §4.7) changes after every cycle.
func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	timer := time.NewTimer(r.sched.Current())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !r.quarantined {
				_ = r.runCycle(ctx)
			}
			timer.Reset(r.sched.Current())
		}
	}
}

// ForceRun runs one cycle immediately, outside the scheduled cadence, and
// clears quarantine regardless of outcome (spec §6 forceReconciliation()).
func (r *Reconciler) ForceRun(ctx context.Context) error {
	r.quarantined = false
	r.consecutiveFailures = 0
	return r.runCycle(ctx)
}

func (r *Reconciler) runCycle(ctx context.Context) error {
	harvest, err := r.repo.GetAndMarkStuckJobs(ctx, r.queue, r.cfg.StuckThresholdMs, r.cfg.BatchSize, r.cfg.UseHeartbeat)
	if err != nil {
		r.consecutiveFailures++
		if r.consecutiveFailures >= quarantineThreshold {
			r.quarantined = true
			r.log.Error("jobguard: reconciler quarantined after repeated failures",
				"queue", r.queue, "failures", r.consecutiveFailures)
		}
		return Wrap(KindReconciliation, "stuck job harvest failed", err)
	}
	r.consecutiveFailures = 0

	total := len(harvest.ToReenqueue)
	var wg sync.WaitGroup
	var success atomic.Int32
	pacing := r.pacing()
reenqueueLoop:
	for _, rec := range harvest.ToReenqueue {
		if pacing > 0 {
			select {
			case <-ctx.Done():
				break reenqueueLoop
			case <-time.After(pacing):
			}
		}
		wg.Add(1)
		if !r.pool.Push(reenqueueTask{rec: rec, wg: &wg, success: &success}) {
			wg.Done()
			break reenqueueLoop
		}
	}
	// Wait for every dispatched reenqueue to actually run before scoring
	// the cycle: the scheduler's input is the real adapter outcome, not
	// how many records were merely accepted into the dispatch queue.
	wg.Wait()

	successRate := 1.0
	if total > 0 {
		successRate = float64(success.Load()) / float64(total)
	}
	next := r.cfg.interval()
	if r.cfg.AdaptiveScheduling {
		next = r.sched.Next(Outcome{FoundStuckJobs: total + len(harvest.DeadIDs), SuccessRate: successRate})
	}
	r.log.Info("jobguard: reconciliation cycle complete",
		"queue", r.queue, "stuck", total, "dead", len(harvest.DeadIDs),
		"success_rate", successRate, "next_interval", next)
	return nil
}

// pacing returns the spacing between successive re-enqueue dispatches
// implied by reconciliation.rateLimitPerSecond (spec §4.5).
func (r *Reconciler) pacing() time.Duration {
	if r.cfg.RateLimitPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / r.cfg.RateLimitPerSecond)
}

func (r *Reconciler) handleReenqueue(ctx context.Context, task reenqueueTask) {
	defer task.wg.Done()
	if err := r.adapter.Reenqueue(ctx, task.rec); err != nil {
		if errors.Is(err, ErrReconciliation) {
			r.log.Warn("jobguard: reenqueue skipped", "queue", r.queue, "job_id", task.rec.JobID, "err", err)
			return
		}
		r.log.Error("jobguard: reenqueue failed", "queue", r.queue, "job_id", task.rec.JobID, "err", err)
		return
	}
	task.success.Add(1)
}
