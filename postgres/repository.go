package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	jg "github.com/jobguard/jobguard"
	"github.com/jobguard/jobguard/breaker"
	"github.com/jobguard/jobguard/record"
)

// Repository is the authoritative layer for all JobRecord data operations
// (spec §4.3). Every public method runs through a circuit breaker guarding
// the database client.
type Repository struct {
	db *bun.DB
	cb *breaker.Breaker
}

// NewRepository wires a Repository against db, guarded by cb.
func NewRepository(db *bun.DB, cb *breaker.Breaker) *Repository {
	return &Repository{db: db, cb: cb}
}

func (r *Repository) guard(ctx context.Context, op func(context.Context) error) error {
	err := r.cb.Execute(ctx, op)
	if errors.Is(err, breaker.ErrOpen) {
		return jg.Wrap(jg.KindCircuitBreakerOpen, "database call rejected", err)
	}
	return err
}

// InsertJob is the UPSERT described in spec §4.3: insert a pending row; on
// conflict with a non-terminal existing row (the active-uniqueness key),
// refresh data and job_name only — attempts and status are left untouched,
// since they belong to the state machine's own transitions (spec §4.9) and
// resubmitting a payload must not resurrect or rewind them. If the existing
// row is terminal, no-op — the WHERE clause on the conflict action excludes
// terminal rows, so a resubmitted job_id on top of a terminal row is left
// untouched and a fresh row is expected from the caller instead (spec §9
// Open Questions).
func (r *Repository) InsertJob(ctx context.Context, queue string, qt record.QueueType, jobID, jobName string, data []byte, maxAttempts uint32) (*record.JobRecord, error) {
	row := &jobRow{
		Id:          uuid.New(),
		QueueName:   queue,
		QueueType:   qt.String(),
		JobID:       jobID,
		JobName:     jobName,
		Data:        data,
		Status:      record.Pending.String(),
		MaxAttempts: maxAttempts,
	}
	var out jobRow
	err := r.guard(ctx, func(ctx context.Context) error {
		return r.db.NewInsert().
			Model(row).
			On("CONFLICT (queue_name, queue_type, job_id) WHERE status NOT IN ('completed','failed','dead') DO UPDATE").
			Set("data = EXCLUDED.data").
			Set("job_name = EXCLUDED.job_name").
			Returning("*").
			Scan(ctx, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.toRecord()
}

// UpdateJobStatus sets status, per the transition rules in spec §4.3/§4.9:
// started_at and last_heartbeat are stamped on entry to processing;
// completed_at is stamped on entry to any terminal state.
func (r *Repository) UpdateJobStatus(ctx context.Context, queue string, qt record.QueueType, jobID string, status record.Status) error {
	now := time.Now()
	return r.guard(ctx, func(ctx context.Context) error {
		q := r.db.NewUpdate().
			Model((*jobRow)(nil)).
			Set("status = ?", status.String()).
			Where("queue_name = ? AND queue_type = ? AND job_id = ?", queue, qt.String(), jobID).
			Where("status NOT IN (?)", bun.In([]string{"completed", "failed", "dead"}))
		if status == record.Processing {
			q = q.Set("started_at = ?", now).Set("last_heartbeat = ?", now)
		}
		if status.Terminal() {
			q = q.Set("completed_at = ?", now)
		}
		_, err := q.Exec(ctx)
		return err
	})
}

// UpdateJobError atomically increments attempts, records the sanitized
// error text, and computes the next status in SQL to avoid races with
// other mutators (spec §4.3): dead once attempts+1 >= max_attempts, else
// failed.
func (r *Repository) UpdateJobError(ctx context.Context, queue string, qt record.QueueType, jobID string, sanitizedMessage string) error {
	return r.guard(ctx, func(ctx context.Context) error {
		_, err := r.db.NewUpdate().
			Model((*jobRow)(nil)).
			Set("attempts = attempts + 1").
			Set("error_message = ?", sanitizedMessage).
			Set("status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'failed' END").
			Set("completed_at = CASE WHEN attempts + 1 >= max_attempts THEN now() ELSE completed_at END").
			Where("queue_name = ? AND queue_type = ? AND job_id = ?", queue, qt.String(), jobID).
			Where("status NOT IN (?)", bun.In([]string{"completed", "failed", "dead"})).
			Exec(ctx)
		return err
	})
}

// UpdateHeartbeat sets last_heartbeat to now() only while status is
// processing; it silently no-ops otherwise (spec §4.3), since a missed or
// late heartbeat on a job that has already moved on is not an error.
func (r *Repository) UpdateHeartbeat(ctx context.Context, queue string, qt record.QueueType, jobID string) error {
	return r.guard(ctx, func(ctx context.Context) error {
		_, err := r.db.NewUpdate().
			Model((*jobRow)(nil)).
			Set("last_heartbeat = ?", time.Now()).
			Where("queue_name = ? AND queue_type = ? AND job_id = ?", queue, qt.String(), jobID).
			Where("status = ?", record.Processing.String()).
			Exec(ctx)
		return err
	})
}

// GetJob looks up a single row by its business key, across all states.
func (r *Repository) GetJob(ctx context.Context, queue string, qt record.QueueType, jobID string) (*record.JobRecord, error) {
	var row jobRow
	err := r.guard(ctx, func(ctx context.Context) error {
		return r.db.NewSelect().
			Model(&row).
			Where("queue_name = ? AND queue_type = ? AND job_id = ?", queue, qt.String(), jobID).
			Order("created_at DESC").
			Limit(1).
			Scan(ctx)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toRecord()
}

// HarvestResult is the pair returned by GetAndMarkStuckJobs: survivors to
// hand to the adapter's re-enqueue, and the ids already marked dead because
// their retry budget was exhausted.
type HarvestResult struct {
	ToReenqueue []*record.JobRecord
	DeadIDs     []uuid.UUID
}

// GetAndMarkStuckJobs is the atomic stuck-job harvest described in spec
// §4.5, the single most important operation in the system:
//
//  1. select up to batchSize processing rows whose liveness signal
//     (COALESCE(last_heartbeat, updated_at)) is older than thresholdMs,
//     locking them FOR UPDATE SKIP LOCKED so concurrent reconcilers never
//     double-harvest the same row;
//  2. mark all selected rows stuck;
//  3. partition by attempts < max_attempts;
//  4. mark the exhausted partition dead with completed_at = now();
//  5. commit and return the partition.
func (r *Repository) GetAndMarkStuckJobs(ctx context.Context, queue string, thresholdMs int64, batchSize int, useHeartbeat bool) (HarvestResult, error) {
	var result HarvestResult
	err := r.guard(ctx, func(ctx context.Context) error {
		return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			var stuck []jobRow
			cutoff := time.Now().Add(-time.Duration(thresholdMs) * time.Millisecond)

			// liveness is last_heartbeat when adapters call Heartbeat
			// (reconciliation.useHeartbeat, spec §6); otherwise updated_at
			// is the only signal a row's processing state is still live.
			liveness := "updated_at"
			if useHeartbeat {
				liveness = "COALESCE(last_heartbeat, updated_at)"
			}

			sub := tx.NewSelect().
				Model((*jobRow)(nil)).
				Column("id").
				Where("queue_name = ? AND status = ?", queue, record.Processing.String()).
				Where(liveness+" < ?", cutoff).
				OrderExpr(liveness + " ASC").
				Limit(batchSize).
				For("UPDATE SKIP LOCKED")

			if err := tx.NewUpdate().
				Model((*jobRow)(nil)).
				Set("status = ?", record.Stuck.String()).
				Where("id IN (?)", sub).
				Returning("*").
				Scan(ctx, &stuck); err != nil {
				return err
			}
			if len(stuck) == 0 {
				return nil
			}

			var toReenqueue []jobRow
			var deadIDs []uuid.UUID
			for _, row := range stuck {
				if row.Attempts < row.MaxAttempts {
					toReenqueue = append(toReenqueue, row)
				} else {
					deadIDs = append(deadIDs, row.Id)
				}
			}

			if len(deadIDs) > 0 {
				if _, err := tx.NewUpdate().
					Model((*jobRow)(nil)).
					Set("status = ?", record.Dead.String()).
					Set("completed_at = ?", time.Now()).
					Where("id IN (?)", bun.In(deadIDs)).
					Exec(ctx); err != nil {
					return err
				}
			}

			recs, err := rowsToRecords(toReenqueue)
			if err != nil {
				return err
			}
			result = HarvestResult{ToReenqueue: recs, DeadIDs: deadIDs}
			return nil
		})
	})
	return result, err
}

// BulkUpdateStatus sets status on a set of rows keyed by internal id. An
// empty ids slice is a no-op returning no error (spec §8 boundary).
func (r *Repository) BulkUpdateStatus(ctx context.Context, ids []uuid.UUID, status record.Status) error {
	if len(ids) == 0 {
		return nil
	}
	return r.guard(ctx, func(ctx context.Context) error {
		_, err := r.db.NewUpdate().
			Model((*jobRow)(nil)).
			Set("status = ?", status.String()).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		return err
	})
}

// BulkMarkDead marks a set of rows dead and stamps completed_at.
func (r *Repository) BulkMarkDead(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.guard(ctx, func(ctx context.Context) error {
		_, err := r.db.NewUpdate().
			Model((*jobRow)(nil)).
			Set("status = ?", record.Dead.String()).
			Set("completed_at = ?", time.Now()).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		return err
	})
}

// DeleteOldJobs deletes terminal rows whose completed_at predates the
// retention cutoff (spec §4.3, §4.10).
func (r *Repository) DeleteOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var affected int64
	err := r.guard(ctx, func(ctx context.Context) error {
		res, err := r.db.NewDelete().
			Model((*jobRow)(nil)).
			Where("status IN (?)", bun.In([]string{"completed", "failed", "dead"})).
			Where("completed_at <= ?", cutoff).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Statistics is the per-status count aggregate returned by GetStatistics.
type Statistics struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Stuck      int64
	Dead       int64
}

// GetStatistics aggregates counts per status for queue (spec §4.3, §6
// stats() surface).
func (r *Repository) GetStatistics(ctx context.Context, queue string) (Statistics, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int64  `bun:"count"`
	}
	err := r.guard(ctx, func(ctx context.Context) error {
		return r.db.NewSelect().
			Model((*jobRow)(nil)).
			ColumnExpr("status").
			ColumnExpr("count(*) AS count").
			Where("queue_name = ?", queue).
			GroupExpr("status").
			Scan(ctx, &rows)
	})
	if err != nil {
		return Statistics{}, err
	}
	var stats Statistics
	for _, row := range rows {
		switch row.Status {
		case "pending":
			stats.Pending = row.Count
		case "processing":
			stats.Processing = row.Count
		case "completed":
			stats.Completed = row.Count
		case "failed":
			stats.Failed = row.Count
		case "stuck":
			stats.Stuck = row.Count
		case "dead":
			stats.Dead = row.Count
		}
	}
	return stats, nil
}
