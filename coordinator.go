package jobguard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/jobguard/jobguard/breaker"
	"github.com/jobguard/jobguard/internal"
	"github.com/jobguard/jobguard/internal/jglog"
	"github.com/jobguard/jobguard/postgres"
)

// AdapterFactory builds the queue-specific Adapter for a Coordinator. The
// broker package supplies one implementation per queue type (spec §4.6,
// §9 redesign flag: explicit selection, never runtime capability-sniffing
// against an unknown client).
type AdapterFactory func(repo *postgres.Repository, log *slog.Logger) (Adapter, error)

// Stats is the snapshot returned by Coordinator.Stats, combining the
// per-status job counts with pool and breaker health (spec §6).
type Stats struct {
	Jobs         postgres.Statistics
	Pool         postgres.Stats
	Breaker      breaker.Metrics
	NextInterval time.Duration
	Quarantined  bool
}

// Coordinator is the top-level facade described in spec §4: it owns the
// connection manager, circuit breaker, repository, adapter and reconciler
// for a single wrapped queue, and exposes the public operations a caller
// drives it through (spec §6).
type Coordinator struct {
	lcBase

	cfg            Config
	queue          string
	log            *slog.Logger
	mgr            *postgres.Manager
	cb             *breaker.Breaker
	repo           *postgres.Repository
	adapter        Adapter
	adapterFactory AdapterFactory
	rec            *Reconciler

	cleanupTask *internal.TimerTask

	cleanupFailures int
	initOnce        sync.Once
	initErr         error
}

// NewCoordinator validates cfg and builds every component up to, but not
// including, the live connections created by Create (spec §4, §6:
// construction is synchronous and fails fast on bad config; connecting is
// async).
func NewCoordinator(queue string, cfg Config, newAdapter AdapterFactory) (*Coordinator, error) {
	if queue == "" {
		return nil, Wrap(KindValidation, "queue name must not be empty", nil)
	}
	if newAdapter == nil {
		return nil, Wrap(KindUnsupportedQueue, "adapter factory must not be nil", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := jglog.New(jglog.Options{
		Enabled: cfg.Logging.Enabled,
		Level:   cfg.Logging.Level,
		Prefix:  cfg.Logging.Prefix,
	}).With("queue", queue)

	c := &Coordinator{
		cfg:            cfg,
		queue:          queue,
		log:            log,
		cb:             breaker.New(queue, breaker.Config{}),
		adapterFactory: newAdapter,
	}
	return c, nil
}

// Create connects to postgres, runs schema init, builds the adapter,
// attaches broker events, and starts the reconciler and cleanup timer
// (spec §4, §6). It is idempotent: concurrent or repeated calls observe
// the result of the first.
func (c *Coordinator) Create(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.create(ctx)
	})
	return c.initErr
}

func (c *Coordinator) create(ctx context.Context) error {
	if err := c.tryStart(); err != nil {
		return err
	}

	mgr, err := postgres.NewManager(ctx, c.cfg.Postgres, c.log)
	if err != nil {
		return err
	}
	if err := mgr.TestConnection(ctx); err != nil {
		mgr.Close()
		return err
	}
	if err := postgres.InitSchema(ctx, mgr.DB()); err != nil {
		mgr.Close()
		return fmt.Errorf("jobguard: schema init: %w", err)
	}
	mgr.StartMonitor(ctx)

	c.mgr = mgr
	c.repo = postgres.NewRepository(mgr.DB(), c.cb)

	adapter, err := c.adapterFactory(c.repo, c.log)
	if err != nil {
		mgr.Close()
		return err
	}
	if err := adapter.AttachEvents(ctx); err != nil {
		mgr.Close()
		return err
	}
	c.adapter = adapter

	c.rec = NewReconciler(c.queue, c.cfg.Reconciliation, c.repo, c.adapter, c.log)
	if err := c.rec.Start(ctx); err != nil {
		return err
	}

	if c.cfg.Persistence.CleanupEnabled {
		c.cleanupTask = &internal.TimerTask{}
		c.cleanupTask.Start(ctx, c.runCleanup, c.cfg.Persistence.cleanupInterval())
	}

	c.log.Info("jobguard: coordinator started", "queue", c.queue)
	return nil
}

// runCleanup is the internal.TimerHandler driving the retention sweep
// (spec §4.10): a fixed-interval task, unlike the reconciler's adaptive
// one, so the fixed-interval ticker primitive fits here unmodified.
func (c *Coordinator) runCleanup(ctx context.Context) {
	if c.cleanupFailures >= quarantineThreshold {
		return
	}
	n, err := c.repo.DeleteOldJobs(ctx, c.cfg.Persistence.RetentionDays)
	if err != nil {
		c.cleanupFailures++
		c.log.Error("jobguard: cleanup cycle failed", "queue", c.queue, "err", err, "consecutive_failures", c.cleanupFailures)
		return
	}
	c.cleanupFailures = 0
	if n > 0 {
		c.log.Info("jobguard: cleanup removed old jobs", "queue", c.queue, "count", n)
	}
}

// Stats returns the current job/pool/breaker snapshot (spec §6).
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	jobStats, err := c.repo.GetStatistics(ctx, c.queue)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Jobs:         jobStats,
		Pool:         c.mgr.Stats(),
		Breaker:      c.cb.Metrics(),
		NextInterval: c.rec.sched.Current(),
		Quarantined:  c.rec.quarantined,
	}, nil
}

// ForceReconciliation runs one reconciliation cycle immediately (spec §6).
func (c *Coordinator) ForceReconciliation(ctx context.Context) error {
	return c.rec.ForceRun(ctx)
}

// Heartbeat records liveness for a single job (spec §6).
func (c *Coordinator) Heartbeat(ctx context.Context, jobID string) error {
	return c.adapter.Heartbeat(ctx, jobID)
}

// Submit forwards to the wrapped adapter's Submit. The wrapping itself is
// the decorator spec §9 calls for in place of monkey-patching the
// broker's own submit method; Coordinator exposes it here so a caller
// never has to reach past the facade for the one operation it didn't
// already have a dedicated method for.
func (c *Coordinator) Submit(ctx context.Context, jobName string, data []byte, maxAttempts uint32) (string, error) {
	return c.adapter.Submit(ctx, jobName, data, maxAttempts)
}

// Health reports whether the coordinator's dependencies are usable: the
// postgres pool is not critically exhausted and the circuit breaker is not
// open.
func (c *Coordinator) Health() error {
	if err := c.mgr.CheckPoolHealth(); err != nil {
		return err
	}
	if c.cb.State() == gobreaker.StateOpen {
		return Wrap(KindCircuitBreakerOpen, "database circuit open", nil)
	}
	return nil
}

// Shutdown stops the reconciler, the cleanup timer and the adapter, then
// closes the postgres connection. It is idempotent.
func (c *Coordinator) Shutdown(ctx context.Context, timeout time.Duration) error {
	return c.tryStop(timeout, func() internal.DoneChan {
		done := make(internal.DoneChan)
		go func() {
			defer close(done)

			// The reconciler, the cleanup loop and the adapter's event
			// subscription are independent background components: none of
			// their shutdown paths depends on another, so they stop
			// concurrently rather than in sequence.
			var g errgroup.Group
			g.Go(func() error {
				if c.rec == nil {
					return nil
				}
				if err := c.rec.Stop(timeout); err != nil {
					c.log.Warn("jobguard: reconciler stop", "err", err)
				}
				return nil
			})
			g.Go(func() error {
				if c.cleanupTask == nil {
					return nil
				}
				<-c.cleanupTask.Stop()
				return nil
			})
			g.Go(func() error {
				if c.adapter == nil {
					return nil
				}
				if err := c.adapter.Dispose(ctx); err != nil {
					c.log.Warn("jobguard: adapter dispose", "err", err)
				}
				return nil
			})
			_ = g.Wait()

			if c.mgr != nil {
				if err := c.mgr.Close(); err != nil {
					c.log.Warn("jobguard: postgres close", "err", err)
				}
			}
		}()
		return done
	})
}
