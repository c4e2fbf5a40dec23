package broker

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jobguard/jobguard/record"
)

func TestBullMQSubmitEnqueuesAndPersists(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	repo := newFakeRepository()
	a := NewBullMQAdapter("emails", client, repo, Limits{}, nil)

	jobID, err := a.Submit(ctx, "welcome", []byte(`{"to":"a@example.com"}`), 3)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	waiting, err := client.LRange(ctx, bullmqWaitKey("emails"), 0, -1).Result()
	require.NoError(t, err)
	require.Contains(t, waiting, jobID)
}

func TestBullMQAttachEventsMirrorsLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)
	repo := newFakeRepository()
	a := NewBullMQAdapter("emails", client, repo, Limits{}, nil)
	defer a.Dispose(context.Background())

	jobID, err := a.Submit(ctx, "welcome", []byte(`{}`), 3)
	require.NoError(t, err)
	require.NoError(t, a.AttachEvents(ctx))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: bullmqEventsStream("emails"),
		Values: map[string]interface{}{"jobId": jobID, "event": "active"},
	}).Err())

	require.Eventually(t, func() bool {
		return repo.status("emails", record.BullMQ, jobID) == record.Processing
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: bullmqEventsStream("emails"),
		Values: map[string]interface{}{"jobId": jobID, "event": "failed"},
	}).Err())

	require.Eventually(t, func() bool {
		return repo.status("emails", record.BullMQ, jobID) == record.Failed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBullMQReenqueueMovesActiveBackToWait(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	repo := newFakeRepository()
	a := NewBullMQAdapter("emails", client, repo, Limits{}, nil)

	jobID, err := a.Submit(ctx, "welcome", []byte(`{}`), 3)
	require.NoError(t, err)

	require.NoError(t, client.LRem(ctx, bullmqWaitKey("emails"), 0, jobID).Err())
	require.NoError(t, client.LPush(ctx, bullmqActiveKey("emails"), jobID).Err())
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.BullMQ, jobID, record.Stuck))

	rec, err := repo.GetJob(ctx, "emails", record.BullMQ, jobID)
	require.NoError(t, err)

	require.NoError(t, a.Reenqueue(ctx, rec))
	require.Equal(t, record.Pending, repo.status("emails", record.BullMQ, jobID))
}

func TestBullMQReenqueueSkipsWhenRowNoLongerStuck(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	repo := newFakeRepository()
	a := NewBullMQAdapter("emails", client, repo, Limits{}, nil)

	jobID, err := a.Submit(ctx, "welcome", []byte(`{}`), 3)
	require.NoError(t, err)

	// The broker-side active list still shows the job as active, but the
	// DB row already progressed to completed between harvest and this call.
	require.NoError(t, client.LRem(ctx, bullmqWaitKey("emails"), 0, jobID).Err())
	require.NoError(t, client.LPush(ctx, bullmqActiveKey("emails"), jobID).Err())
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.BullMQ, jobID, record.Stuck))
	require.NoError(t, repo.UpdateJobStatus(ctx, "emails", record.BullMQ, jobID, record.Completed))

	rec := &record.JobRecord{QueueName: "emails", QueueType: record.BullMQ, JobID: jobID}
	require.Error(t, a.Reenqueue(ctx, rec))

	active, err := client.LRange(ctx, bullmqActiveKey("emails"), 0, -1).Result()
	require.NoError(t, err)
	require.Contains(t, active, jobID)
}
