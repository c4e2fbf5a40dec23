package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	jg "github.com/jobguard/jobguard"
	"github.com/jobguard/jobguard/record"
)

// Bull's real Redis layout: a per-job hash at <prefix>:<queue>:<id>, a
// waiting list, and lifecycle events published on a single pub/sub
// channel as "<jobId>:<event>" payloads. jobguard does not run a Bull
// worker; it observes this layout from the outside.
const bullPrefix = "bull"

func bullJobKey(queue, jobID string) string { return fmt.Sprintf("%s:%s:%s", bullPrefix, queue, jobID) }
func bullWaitKey(queue string) string       { return fmt.Sprintf("%s:%s:wait", bullPrefix, queue) }
func bullActiveKey(queue string) string     { return fmt.Sprintf("%s:%s:active", bullPrefix, queue) }
func bullIDKey(queue string) string         { return fmt.Sprintf("%s:%s:id", bullPrefix, queue) }
func bullEventsChannel(queue string) string { return fmt.Sprintf("%s:%s:events", bullPrefix, queue) }

// bullReenqueueScript atomically re-verifies a job is still in the active
// list (not already finished by the worker that owned it), removes it
// from active, and pushes it back onto wait — the re-enqueue half of
// spec §4.6's "atomic verify + remove + resubmit" contract. It returns 1
// if the job was re-enqueued, 0 if it was no longer active (a race with
// the worker completing or failing it first).
const bullReenqueueScript = `
local removed = redis.call('LREM', KEYS[2], 0, ARGV[1])
if removed == 0 then
  return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`

// BullAdapter implements jobguard.Adapter against a classic Bull queue.
type BullAdapter struct {
	base
	client redis.UniversalClient
	pubsub *redis.PubSub
	cancel context.CancelFunc
	script *redis.Script
}

// NewBullAdapter wires a BullAdapter for queue against client.
func NewBullAdapter(queue string, client redis.UniversalClient, repo Repository, limits Limits, log *slog.Logger) *BullAdapter {
	return &BullAdapter{
		base:   newBase(queue, record.Bull, repo, limits, log),
		client: client,
		script: redis.NewScript(bullReenqueueScript),
	}
}

type bullJobPayload struct {
	Data interface{} `json:"data"`
}

// Submit assigns a Bull-style incrementing job id, writes the job hash,
// pushes it onto the wait list, and persists the pending record.
func (a *BullAdapter) Submit(ctx context.Context, jobName string, data []byte, maxAttempts uint32) (string, error) {
	if err := a.validate(jobName, data); err != nil {
		return "", err
	}
	id, err := a.client.Incr(ctx, bullIDKey(a.queue)).Result()
	if err != nil {
		return "", jg.Wrap(jg.KindUnsupportedQueue, "bull: failed to allocate job id", err)
	}
	jobID := strconv.FormatInt(id, 10)

	var raw json.RawMessage = data
	payload, err := json.Marshal(bullJobPayload{Data: raw})
	if err != nil {
		return "", jg.Wrap(jg.KindValidation, "bull: failed to marshal job payload", err)
	}

	pipe := a.client.Pipeline()
	pipe.HSet(ctx, bullJobKey(a.queue, jobID), "data", string(payload), "name", jobName, "timestamp", time.Now().UnixMilli())
	pipe.LPush(ctx, bullWaitKey(a.queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", jg.Wrap(jg.KindUnsupportedQueue, "bull: failed to enqueue job", err)
	}

	a.persistPending(ctx, jobID, jobName, data, maxAttempts)
	return jobID, nil
}

// AttachEvents subscribes to Bull's events channel and mirrors
// active/completed/failed notifications into the repository. It runs
// until ctx is canceled or Dispose is called (spec §9 redesign flag: a
// stream subscription, not a callback registration).
func (a *BullAdapter) AttachEvents(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.pubsub = a.client.Subscribe(subCtx, bullEventsChannel(a.queue))
	if _, err := a.pubsub.Receive(subCtx); err != nil {
		cancel()
		return jg.Wrap(jg.KindUnsupportedQueue, "bull: failed to subscribe to events channel", err)
	}

	ch := a.pubsub.Channel()
	go func() {
		for msg := range ch {
			a.handleEvent(subCtx, msg.Payload)
		}
	}()
	return nil
}

// handleEvent parses a "<jobId>:<event>" payload as published by Bull
// workers and mirrors the corresponding transition.
func (a *BullAdapter) handleEvent(ctx context.Context, payload string) {
	jobID, event, ok := splitEventPayload(payload)
	if !ok {
		return
	}
	switch event {
	case "active":
		a.onActive(ctx, jobID)
	case "completed":
		a.onCompleted(ctx, jobID)
	case "failed":
		a.onFailed(ctx, jobID, fmt.Errorf("bull: job reported failed"))
	}
}

// Reenqueue re-submits a stuck job under its existing jobID, per spec
// §4.6: Bull and BullMQ keep the same job id and bump attempts rather
// than minting a new job. It first re-reads the row: if the DB no
// longer shows it stuck (the worker completed or failed it between the
// reconciler's harvest and this call), reenqueue is skipped rather than
// racing the broker-side script against that worker's own update.
func (a *BullAdapter) Reenqueue(ctx context.Context, rec *record.JobRecord) error {
	current, err := a.repo.GetJob(ctx, a.queue, a.qt, rec.JobID)
	if err != nil {
		return jg.Wrap(jg.KindReconciliation, "bull: failed to re-verify job before reenqueue", err)
	}
	if current == nil || current.Status != record.Stuck {
		return jg.Wrap(jg.KindReconciliation, "bull: job no longer stuck, skipping reenqueue", nil)
	}

	result, err := a.script.Run(ctx, a.client, []string{bullWaitKey(a.queue), bullActiveKey(a.queue)}, rec.JobID).Int()
	if err != nil {
		return jg.Wrap(jg.KindReconciliation, "bull: reenqueue script failed", err)
	}
	if result == 0 {
		return jg.Wrap(jg.KindReconciliation, "bull: job no longer active, skipping reenqueue", nil)
	}
	return a.repo.UpdateJobStatus(ctx, a.queue, a.qt, rec.JobID, record.Pending)
}

// Dispose closes the event subscription. Idempotent.
func (a *BullAdapter) Dispose(ctx context.Context) error {
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

// splitEventPayload parses Bull/Bee's "<jobId>:<event>" pub/sub payload
// convention, shared by bull.go and bee.go.
func splitEventPayload(payload string) (jobID, event string, ok bool) {
	for i := len(payload) - 1; i >= 0; i-- {
		if payload[i] == ':' {
			return payload[:i], payload[i+1:], true
		}
	}
	return "", "", false
}
