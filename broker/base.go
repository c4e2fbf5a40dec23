// Package broker implements the queue-adapter contract (spec §4.4) and its
// Bull, BullMQ and Bee variants (spec §4.4, §4.6, component G), wired
// against github.com/redis/go-redis/v9 — the client the brokers' own
// Redis-backed storage is built on.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	jg "github.com/jobguard/jobguard"
	"github.com/jobguard/jobguard/record"
)

// Repository is the subset of postgres.Repository the adapters need. It is
// declared here, rather than imported from the postgres package, so broker
// stays decoupled from the storage implementation — only the Coordinator
// wires a concrete *postgres.Repository into it.
type Repository interface {
	InsertJob(ctx context.Context, queue string, qt record.QueueType, jobID, jobName string, data []byte, maxAttempts uint32) (*record.JobRecord, error)
	UpdateJobStatus(ctx context.Context, queue string, qt record.QueueType, jobID string, status record.Status) error
	UpdateJobError(ctx context.Context, queue string, qt record.QueueType, jobID string, sanitizedMessage string) error
	UpdateHeartbeat(ctx context.Context, queue string, qt record.QueueType, jobID string) error
	GetJob(ctx context.Context, queue string, qt record.QueueType, jobID string) (*record.JobRecord, error)
}

// Limits mirrors the `limits.*` config section (spec §6).
type Limits struct {
	MaxJobDataSize   int
	MaxJobNameLength int
}

func defaultLimits() Limits {
	return Limits{MaxJobDataSize: 1048576, MaxJobNameLength: 255}
}

// base is embedded by every concrete adapter. It implements the parts of
// the contract (spec §4.4) that do not vary by broker: submit validation,
// error sanitization before persistence, heartbeat delegation, and
// idempotent disposal.
type base struct {
	queue  string
	qt     record.QueueType
	repo   Repository
	limits Limits
	log    *slog.Logger

	disposed atomic.Bool
}

func newBase(queue string, qt record.QueueType, repo Repository, limits Limits, log *slog.Logger) base {
	if limits == (Limits{}) {
		limits = defaultLimits()
	}
	if log == nil {
		log = slog.Default()
	}
	return base{queue: queue, qt: qt, repo: repo, limits: limits, log: log}
}

func (b *base) QueueName() string           { return b.queue }
func (b *base) QueueType() record.QueueType { return b.qt }

// validate enforces the job_name length and serialized payload size caps
// from spec §4.4/§6, before anything is forwarded to the broker.
func (b *base) validate(jobName string, data []byte) error {
	if len(jobName) > b.limits.MaxJobNameLength {
		return jg.Wrap(jg.KindValidation, fmt.Sprintf("job name exceeds %d characters", b.limits.MaxJobNameLength), nil)
	}
	if len(data) > b.limits.MaxJobDataSize {
		return jg.Wrap(jg.KindValidation, fmt.Sprintf("payload exceeds %d bytes", b.limits.MaxJobDataSize), nil)
	}
	if !json.Valid(data) {
		return jg.Wrap(jg.KindValidation, "payload is not valid JSON", nil)
	}
	return nil
}

// persistPending writes the pending record after a successful broker
// submit. A DB failure here is logged, not returned: the job already
// exists in the broker and must run regardless (spec §4.4, §7).
func (b *base) persistPending(ctx context.Context, jobID, jobName string, data []byte, maxAttempts uint32) {
	if _, err := b.repo.InsertJob(ctx, b.queue, b.qt, jobID, jobName, data, maxAttempts); err != nil {
		b.log.Error("jobguard: failed to persist submitted job, job runs untracked",
			"queue", b.queue, "job_id", jobID, "err", err)
	}
}

// onActive, onCompleted and onFailed mirror the three lifecycle
// transitions spec §4.4 lists. Errors are logged and never propagate into
// the broker's own event loop.
func (b *base) onActive(ctx context.Context, jobID string) {
	if err := b.repo.UpdateJobStatus(ctx, b.queue, b.qt, jobID, record.Processing); err != nil {
		b.log.Error("jobguard: failed to record active transition", "job_id", jobID, "err", err)
	}
}

func (b *base) onCompleted(ctx context.Context, jobID string) {
	if err := b.repo.UpdateJobStatus(ctx, b.queue, b.qt, jobID, record.Completed); err != nil {
		b.log.Error("jobguard: failed to record completed transition", "job_id", jobID, "err", err)
	}
}

func (b *base) onFailed(ctx context.Context, jobID string, reason error) {
	msg := ""
	if reason != nil {
		msg = Sanitize(reason.Error())
	}
	if err := b.repo.UpdateJobError(ctx, b.queue, b.qt, jobID, msg); err != nil {
		b.log.Error("jobguard: failed to record failed transition", "job_id", jobID, "err", err)
	}
}

// Heartbeat delegates to the repository (spec §4.4). Failures are
// swallowed by the repository's own no-op-on-wrong-status semantics; any
// transport error is logged, not returned, per spec §7 (a missed
// heartbeat only risks premature stuck classification).
func (b *base) Heartbeat(ctx context.Context, jobID string) error {
	if err := b.repo.UpdateHeartbeat(ctx, b.queue, b.qt, jobID); err != nil {
		b.log.Warn("jobguard: heartbeat failed", "job_id", jobID, "err", err)
	}
	return nil
}

// markDisposed is called by each concrete adapter's Dispose. It reports
// whether this call actually transitioned the adapter (false means a
// previous Dispose already ran), making Dispose idempotent.
func (b *base) markDisposed() bool {
	return !b.disposed.Swap(true)
}
