package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	jg "github.com/jobguard/jobguard"
	"github.com/jobguard/jobguard/record"
)

// Bee-Queue has no named jobs and no concept of re-submitting a job
// under its original id: its worker protocol removes a job from the
// queue's data on completion/failure. jobguard follows that shape by
// always minting a fresh job id for Bee, both on Submit and on
// Reenqueue (spec §9 Open Question, resolved: Bee reenqueue creates a
// new job and the stuck record is marked failed or dead, never
// recycled as pending, since the original job id cannot run again).
const beePrefix = "bq"

func beeJobKey(queue, jobID string) string { return fmt.Sprintf("%s:%s:jobs:%s", beePrefix, queue, jobID) }
func beeWaitingKey(queue string) string    { return fmt.Sprintf("%s:%s:waiting", beePrefix, queue) }
func beeIDKey(queue string) string         { return fmt.Sprintf("%s:%s:id", beePrefix, queue) }
func beeEventsChannel(queue string) string { return fmt.Sprintf("%s:%s:events", beePrefix, queue) }

// BeeAdapter implements jobguard.Adapter against a Bee-Queue queue.
type BeeAdapter struct {
	base
	client redis.UniversalClient
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewBeeAdapter wires a BeeAdapter for queue against client.
func NewBeeAdapter(queue string, client redis.UniversalClient, repo Repository, limits Limits, log *slog.Logger) *BeeAdapter {
	return &BeeAdapter{base: newBase(queue, record.Bee, repo, limits, log), client: client}
}

type beeJobPayload struct {
	Data interface{} `json:"data"`
}

// Submit ignores jobName (Bee jobs are unnamed) and stores the payload
// under a freshly allocated numeric id, matching Bee's own Job.save().
func (a *BeeAdapter) Submit(ctx context.Context, jobName string, data []byte, maxAttempts uint32) (string, error) {
	if err := a.validate(jobName, data); err != nil {
		return "", err
	}
	id, err := a.client.Incr(ctx, beeIDKey(a.queue)).Result()
	if err != nil {
		return "", jg.Wrap(jg.KindUnsupportedQueue, "bee: failed to allocate job id", err)
	}
	jobID := strconv.FormatInt(id, 10)

	payload, err := json.Marshal(beeJobPayload{Data: json.RawMessage(data)})
	if err != nil {
		return "", jg.Wrap(jg.KindValidation, "bee: failed to marshal job payload", err)
	}

	pipe := a.client.Pipeline()
	pipe.Set(ctx, beeJobKey(a.queue, jobID), payload, 0)
	pipe.LPush(ctx, beeWaitingKey(a.queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", jg.Wrap(jg.KindUnsupportedQueue, "bee: failed to enqueue job", err)
	}

	a.persistPending(ctx, jobID, "", data, maxAttempts)
	return jobID, nil
}

// AttachEvents subscribes to Bee's events channel, matching the
// "<jobId>:<event>" payload convention its workers publish.
func (a *BeeAdapter) AttachEvents(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.pubsub = a.client.Subscribe(subCtx, beeEventsChannel(a.queue))
	if _, err := a.pubsub.Receive(subCtx); err != nil {
		cancel()
		return jg.Wrap(jg.KindUnsupportedQueue, "bee: failed to subscribe to events channel", err)
	}

	ch := a.pubsub.Channel()
	go func() {
		for msg := range ch {
			a.handleEvent(subCtx, msg.Payload)
		}
	}()
	return nil
}

func (a *BeeAdapter) handleEvent(ctx context.Context, payload string) {
	jobID, event, ok := splitEventPayload(payload)
	if !ok {
		return
	}
	switch event {
	case "active":
		a.onActive(ctx, jobID)
	case "succeeded":
		a.onCompleted(ctx, jobID)
	case "failed":
		a.onFailed(ctx, jobID, fmt.Errorf("bee: job reported failed"))
	}
}

// Reenqueue implements the resolution above: it mints a new Bee job
// carrying the stuck record's data, then marks the stuck record's own
// row terminal (failed, or dead if its retry budget is already spent)
// since Bee has no way to resume a job under its original id. It first
// re-reads the row: if the DB no longer shows it stuck (the worker
// reported success or failure between the reconciler's harvest and
// this call), no replacement job is minted.
func (a *BeeAdapter) Reenqueue(ctx context.Context, rec *record.JobRecord) error {
	current, err := a.repo.GetJob(ctx, a.queue, a.qt, rec.JobID)
	if err != nil {
		return jg.Wrap(jg.KindReconciliation, "bee: failed to re-verify job before reenqueue", err)
	}
	if current == nil || current.Status != record.Stuck {
		return jg.Wrap(jg.KindReconciliation, "bee: job no longer stuck, skipping reenqueue", nil)
	}

	id, err := a.client.Incr(ctx, beeIDKey(a.queue)).Result()
	if err != nil {
		return jg.Wrap(jg.KindReconciliation, "bee: failed to allocate replacement job id", err)
	}
	newJobID := strconv.FormatInt(id, 10)

	payload, err := json.Marshal(beeJobPayload{Data: json.RawMessage(rec.Data)})
	if err != nil {
		return jg.Wrap(jg.KindReconciliation, "bee: failed to marshal replacement payload", err)
	}

	pipe := a.client.Pipeline()
	pipe.Set(ctx, beeJobKey(a.queue, newJobID), payload, 0)
	pipe.LPush(ctx, beeWaitingKey(a.queue), newJobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return jg.Wrap(jg.KindReconciliation, "bee: failed to enqueue replacement job", err)
	}

	if _, err := a.repo.InsertJob(ctx, a.queue, a.qt, newJobID, "", rec.Data, rec.MaxAttempts); err != nil {
		a.log.Error("jobguard: failed to persist bee replacement job", "queue", a.queue, "job_id", newJobID, "err", err)
	}

	if rec.Exhausted() {
		return a.repo.UpdateJobError(ctx, a.queue, a.qt, rec.JobID, "bee: retry budget exhausted, replaced with new job "+newJobID)
	}
	return a.repo.UpdateJobError(ctx, a.queue, a.qt, rec.JobID, "bee: stuck, replaced with new job "+newJobID)
}

// Dispose closes the event subscription. Idempotent.
func (a *BeeAdapter) Dispose(ctx context.Context) error {
	if !a.markDisposed() {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.pubsub != nil {
		return a.pubsub.Close()
	}
	return nil
}
