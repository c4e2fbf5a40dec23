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

// BullMQ keeps Bull's hash-per-job and list layout but replaces pub/sub
// events with a consumer-group-free Redis Stream, consumed here with
// XREAD rather than XREADGROUP since jobguard only observes events, it
// never acknowledges work on BullMQ's behalf.
const bullmqPrefix = "bullmq"

func bullmqJobKey(queue, jobID string) string { return fmt.Sprintf("%s:%s:%s", bullmqPrefix, queue, jobID) }
func bullmqWaitKey(queue string) string       { return fmt.Sprintf("%s:%s:wait", bullmqPrefix, queue) }
func bullmqActiveKey(queue string) string     { return fmt.Sprintf("%s:%s:active", bullmqPrefix, queue) }
func bullmqIDKey(queue string) string         { return fmt.Sprintf("%s:%s:id", bullmqPrefix, queue) }
func bullmqEventsStream(queue string) string  { return fmt.Sprintf("%s:%s:events", bullmqPrefix, queue) }

const bullmqReenqueueScript = `
local removed = redis.call('LREM', KEYS[2], 0, ARGV[1])
if removed == 0 then
  return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`

// BullMQAdapter implements jobguard.Adapter against a BullMQ queue.
type BullMQAdapter struct {
	base
	client redis.UniversalClient
	cancel context.CancelFunc
	done   chan struct{}
	script *redis.Script
}

// NewBullMQAdapter wires a BullMQAdapter for queue against client.
func NewBullMQAdapter(queue string, client redis.UniversalClient, repo Repository, limits Limits, log *slog.Logger) *BullMQAdapter {
	return &BullMQAdapter{
		base:   newBase(queue, record.BullMQ, repo, limits, log),
		client: client,
		script: redis.NewScript(bullmqReenqueueScript),
	}
}

// Submit mirrors BullAdapter.Submit against the bullmq: key namespace.
func (a *BullMQAdapter) Submit(ctx context.Context, jobName string, data []byte, maxAttempts uint32) (string, error) {
	if err := a.validate(jobName, data); err != nil {
		return "", err
	}
	id, err := a.client.Incr(ctx, bullmqIDKey(a.queue)).Result()
	if err != nil {
		return "", jg.Wrap(jg.KindUnsupportedQueue, "bullmq: failed to allocate job id", err)
	}
	jobID := strconv.FormatInt(id, 10)

	payload, err := json.Marshal(bullJobPayload{Data: json.RawMessage(data)})
	if err != nil {
		return "", jg.Wrap(jg.KindValidation, "bullmq: failed to marshal job payload", err)
	}

	pipe := a.client.Pipeline()
	pipe.HSet(ctx, bullmqJobKey(a.queue, jobID), "data", string(payload), "name", jobName, "timestamp", time.Now().UnixMilli())
	pipe.LPush(ctx, bullmqWaitKey(a.queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", jg.Wrap(jg.KindUnsupportedQueue, "bullmq: failed to enqueue job", err)
	}

	a.persistPending(ctx, jobID, jobName, data, maxAttempts)
	return jobID, nil
}

// AttachEvents reads BullMQ's events stream from its tail forward,
// blocking between batches, and mirrors transitions into the
// repository (spec §9 redesign flag: stream consumption, not a
// callback subscription).
func (a *BullMQAdapter) AttachEvents(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	lastID, err := a.client.XInfoStream(ctx, bullmqEventsStream(a.queue)).Result()
	cursor := "$"
	if err == nil {
		cursor = lastID.LastGeneratedID
	}

	backoff := jg.NewBackoff(jg.BackoffConfig{})
	var failures uint32
	go func() {
		defer close(a.done)
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			streams, err := a.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{bullmqEventsStream(a.queue), cursor},
				Block:   5 * time.Second,
				Count:   100,
			}).Result()
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				if err == redis.Nil {
					// block timeout elapsed with no new entries, not a failure
					continue
				}
				failures++
				delay, _ := backoff.Next(failures)
				a.log.Warn("bullmq: event stream read failed, backing off", "queue", a.queue, "err", err, "delay", delay)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}
			failures = 0
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					cursor = msg.ID
					a.handleEvent(subCtx, msg.Values)
				}
			}
		}
	}()
	return nil
}

func (a *BullMQAdapter) handleEvent(ctx context.Context, values map[string]interface{}) {
	jobID, _ := values["jobId"].(string)
	event, _ := values["event"].(string)
	if jobID == "" {
		return
	}
	switch event {
	case "active":
		a.onActive(ctx, jobID)
	case "completed":
		a.onCompleted(ctx, jobID)
	case "failed":
		a.onFailed(ctx, jobID, fmt.Errorf("bullmq: job reported failed"))
	}
}

// Reenqueue re-submits under the existing jobID (spec §4.6). It first
// re-reads the row: if the DB no longer shows it stuck, reenqueue is
// skipped rather than racing the broker-side script against whatever
// already resolved the job.
func (a *BullMQAdapter) Reenqueue(ctx context.Context, rec *record.JobRecord) error {
	current, err := a.repo.GetJob(ctx, a.queue, a.qt, rec.JobID)
	if err != nil {
		return jg.Wrap(jg.KindReconciliation, "bullmq: failed to re-verify job before reenqueue", err)
	}
	if current == nil || current.Status != record.Stuck {
		return jg.Wrap(jg.KindReconciliation, "bullmq: job no longer stuck, skipping reenqueue", nil)
	}

	result, err := a.script.Run(ctx, a.client, []string{bullmqWaitKey(a.queue), bullmqActiveKey(a.queue)}, rec.JobID).Int()
	if err != nil {
		return jg.Wrap(jg.KindReconciliation, "bullmq: reenqueue script failed", err)
	}
	if result == 0 {
		return jg.Wrap(jg.KindReconciliation, "bullmq: job no longer active, skipping reenqueue", nil)
	}
	return a.repo.UpdateJobStatus(ctx, a.queue, a.qt, rec.JobID, record.Pending)
}

// Dispose stops the stream reader. Idempotent.
func (a *BullMQAdapter) Dispose(ctx context.Context) error {
	if !a.markDisposed() {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
	return nil
}
