package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/jobguard/jobguard/breaker"
	"github.com/jobguard/jobguard/record"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // important for sqlite
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	require.NoError(t, InitSchema(context.Background(), db))
	return db
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	return NewRepository(newTestDB(t), breaker.New("test", breaker.Config{}))
}

func TestInsertJobThenGetJob(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	rec, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{"a":1}`), 3)
	require.NoError(t, err)
	require.Equal(t, record.Pending, rec.Status)

	got, err := repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "welcome", got.JobName)
}

func TestInsertJobUpsertRefreshesNonTerminalRow(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{"a":1}`), 3)
	require.NoError(t, err)

	rec, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome-v2", []byte(`{"a":2}`), 3)
	require.NoError(t, err)
	require.Equal(t, "welcome-v2", rec.JobName)
	require.JSONEq(t, `{"a":2}`, string(rec.Data))
}

func TestInsertJobAfterTerminalRowCreatesFreshRow(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{"a":1}`), 3)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Processing))
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Completed))

	// The active-uniqueness index only covers non-terminal rows, so a
	// resubmit on top of a terminal row is not a conflict at all: it
	// inserts a brand new pending row rather than reviving the old one.
	rec, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome-v2", []byte(`{"a":2}`), 3)
	require.NoError(t, err)
	require.Equal(t, record.Pending, rec.Status)
	require.Equal(t, "welcome-v2", rec.JobName)

	got, err := repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.Equal(t, record.Pending, got.Status, "GetJob surfaces the newest row by created_at")
}

func TestUpdateJobStatusStampsTimestamps(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Processing))
	rec, err := repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.LastHeartbeat)

	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Completed))
	rec, err = repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.NotNil(t, rec.CompletedAt)
}

func TestUpdateJobErrorMarksFailedOrDead(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{}`), 2)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Processing))

	require.NoError(t, repo.UpdateJobError(ctx, "emails", record.Bull, "1", "boom"))
	rec, err := repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.Equal(t, record.Failed, rec.Status)
	require.EqualValues(t, 1, rec.Attempts)

	_, err = repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{}`), 2)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Processing))
	require.NoError(t, repo.UpdateJobError(ctx, "emails", record.Bull, "1", "boom"))
	rec, err = repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.Equal(t, record.Failed, rec.Status)
}

func TestUpdateHeartbeatOnlyWhileProcessing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateHeartbeat(ctx, "emails", record.Bull, "1"))
	rec, err := repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.Nil(t, rec.LastHeartbeat, "heartbeat must not apply while pending")

	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Processing))
	require.NoError(t, repo.UpdateHeartbeat(ctx, "emails", record.Bull, "1"))
	rec, err = repo.GetJob(ctx, "emails", record.Bull, "1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastHeartbeat)
}

func TestGetAndMarkStuckJobsPartitionsByAttempts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "reenqueue-me", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "reenqueue-me", record.Processing))

	_, err = repo.InsertJob(ctx, "emails", record.Bull, "exhausted", "welcome", []byte(`{}`), 1)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "exhausted", record.Processing))
	require.NoError(t, repo.bumpAttempts(ctx, "emails", record.Bull, "exhausted"))

	// Backdate both rows' last_heartbeat so they read as stale against a
	// threshold in the past. updated_at itself can't be backdated this way
	// in the test harness: the schema's own trigger resets it to now() on
	// every UPDATE, so the useHeartbeat=true liveness signal is exercised
	// here instead.
	_, err = repo.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("last_heartbeat = ?", time.Now().Add(-time.Hour)).
		Where("queue_name = ?", "emails").
		Exec(ctx)
	require.NoError(t, err)

	result, err := repo.GetAndMarkStuckJobs(ctx, "emails", 1000, 10, true)
	require.NoError(t, err)
	require.Len(t, result.ToReenqueue, 1)
	require.Equal(t, "reenqueue-me", result.ToReenqueue[0].JobID)
	require.Len(t, result.DeadIDs, 1)

	dead, err := repo.GetJob(ctx, "emails", record.Bull, "exhausted")
	require.NoError(t, err)
	require.Equal(t, record.Dead, dead.Status)
}

func TestGetAndMarkStuckJobsIgnoresFreshRows(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "1", record.Processing))

	result, err := repo.GetAndMarkStuckJobs(ctx, "emails", 1000, 10, false)
	require.NoError(t, err)
	require.Empty(t, result.ToReenqueue)
	require.Empty(t, result.DeadIDs)
}

func TestDeleteOldJobsRespectsRetentionAndTerminalOnly(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "old-done", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "old-done", record.Completed))
	_, err = repo.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("completed_at = ?", time.Now().AddDate(0, 0, -30)).
		Where("job_id = ?", "old-done").
		Exec(ctx)
	require.NoError(t, err)

	_, err = repo.InsertJob(ctx, "emails", record.Bull, "still-pending", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)

	n, err := repo.DeleteOldJobs(ctx, 7)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	still, err := repo.GetJob(ctx, "emails", record.Bull, "still-pending")
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestGetStatisticsCountsPerStatus(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, err := repo.InsertJob(ctx, "emails", record.Bull, "1", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)
	_, err = repo.InsertJob(ctx, "emails", record.Bull, "2", "welcome", []byte(`{}`), 3)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "2", record.Processing))
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.Bull, "2", record.Completed))

	stats, err := repo.GetStatistics(ctx, "emails")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Pending)
	require.EqualValues(t, 1, stats.Completed)
}

// bumpAttempts is a tiny test-only helper to simulate a job that has
// already failed once (and would be exhausted on the next failure), since
// only UpdateJobError advances attempts in the production API.
func (r *Repository) bumpAttempts(ctx context.Context, queue string, qt record.QueueType, jobID string) error {
	_, err := r.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("attempts = attempts + 1").
		Where("queue_name = ? AND queue_type = ? AND job_id = ?", queue, qt.String(), jobID).
		Exec(ctx)
	return err
}
