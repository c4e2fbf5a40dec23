package postgres

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// InitSchema creates the jobguard_jobs table and the indexes that support
// the stuck-harvest and cleanup queries (spec §6), inside a single
// transaction. It is idempotent and safe to call on every process start.
//
// The partial unique index's predicate (status NOT IN (completed, failed,
// dead)) must match the UPSERT's ON CONFLICT predicate in Repository —
// they are a matched pair per spec §6.
func InitSchema(ctx context.Context, db *bun.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := createTable(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createActiveUniqueIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createStuckHarvestIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createCleanupIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createHistoricalIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createUpdatedAtTrigger(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

func createTable(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().
		Model((*jobRow)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

// createActiveUniqueIndex enforces "at most one non-terminal row per
// (queue_name, queue_type, job_id)" (spec §3, invariant: Active uniqueness).
func createActiveUniqueIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*jobRow)(nil)).
		Unique().
		Index("idx_jobguard_jobs_active_unique").
		Column("queue_name", "queue_type", "job_id").
		Where("status NOT IN (?)", bun.In([]string{"completed", "failed", "dead"})).
		IfNotExists().
		Exec(ctx)
	return err
}

// createStuckHarvestIndex supports getAndMarkStuckJobs' WHERE clause (spec
// §4.5, §6).
func createStuckHarvestIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*jobRow)(nil)).
		Index("idx_jobguard_jobs_stuck_harvest").
		Column("queue_name", "status", "last_heartbeat", "updated_at").
		Where("status IN (?)", bun.In([]string{"processing", "stuck"})).
		IfNotExists().
		Exec(ctx)
	return err
}

// createCleanupIndex supports deleteOldJobs' cutoff scan (spec §6).
func createCleanupIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*jobRow)(nil)).
		Index("idx_jobguard_jobs_cleanup").
		Column("completed_at").
		Where("status IN (?)", bun.In([]string{"completed", "failed", "dead"})).
		IfNotExists().
		Exec(ctx)
	return err
}

// createHistoricalIndex supports getJob's business-key lookup across
// terminal rows too (spec §6).
func createHistoricalIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*jobRow)(nil)).
		Index("idx_jobguard_jobs_business_key").
		Column("queue_name", "queue_type", "job_id").
		IfNotExists().
		Exec(ctx)
	return err
}

// createUpdatedAtTrigger bumps updated_at to now() before any UPDATE, per
// spec §6. The trigger syntax differs by dialect; SQLite (test backend
// only) gets its own CREATE TRIGGER form.
func createUpdatedAtTrigger(ctx context.Context, db bun.IDB) error {
	switch db.Dialect().Name() {
	case dialect.PG:
		if _, err := db.ExecContext(ctx, `
			CREATE OR REPLACE FUNCTION jobguard_set_updated_at() RETURNS trigger AS $$
			BEGIN
				NEW.updated_at = now();
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql;
		`); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, `
			DROP TRIGGER IF EXISTS jobguard_jobs_set_updated_at ON jobguard_jobs;
			CREATE TRIGGER jobguard_jobs_set_updated_at
				BEFORE UPDATE ON jobguard_jobs
				FOR EACH ROW EXECUTE FUNCTION jobguard_set_updated_at();
		`)
		return err
	case dialect.SQLite:
		_, err := db.ExecContext(ctx, `
			CREATE TRIGGER IF NOT EXISTS jobguard_jobs_set_updated_at
			AFTER UPDATE ON jobguard_jobs
			FOR EACH ROW
			BEGIN
				UPDATE jobguard_jobs SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
			END;
		`)
		return err
	default:
		// Other dialects are not part of the supported production/test
		// pair; skip the trigger rather than fail schema init.
		return nil
	}
}
