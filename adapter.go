package jobguard

import (
	"context"

	"github.com/jobguard/jobguard/record"
)

// Adapter is the broker-specific capability set described in spec §4.4: a
// thin decorator around a live queue instance that intercepts submission,
// subscribes to lifecycle events, and performs atomic re-enqueue on the
// broker. Bull, BullMQ and Bee each implement Adapter (spec §4.4, §4.6).
type Adapter interface {
	// QueueName and QueueType identify the (queue_name, queue_type) this
	// adapter's records live under.
	QueueName() string
	QueueType() record.QueueType

	// Submit intercepts the broker's submission call: it forwards the job
	// to the broker, obtains the broker-assigned job id, then writes the
	// pending JobRecord. Validation failures (job name too long, payload
	// too large) surface to the caller and the submit fails as a whole;
	// a DB failure after a successful broker enqueue is logged by the
	// adapter and does not fail Submit (spec §4.4, §7).
	Submit(ctx context.Context, jobName string, data []byte, maxAttempts uint32) (jobID string, err error)

	// AttachEvents subscribes to the broker's active/completed/failed
	// lifecycle events and mirrors them into the repository (spec §4.4).
	AttachEvents(ctx context.Context) error

	// Reenqueue performs the re-verify + broker-side atomic removal +
	// resubmit protocol of spec §4.6 for a single stuck record: it first
	// re-reads the record and skips if the DB no longer shows it stuck
	// (it raced a worker that has since completed or failed it), then
	// performs the broker-side check-and-remove atomically before
	// resubmitting.
	Reenqueue(ctx context.Context, rec *record.JobRecord) error

	// Heartbeat delegates to the repository's UpdateHeartbeat.
	Heartbeat(ctx context.Context, jobID string) error

	// Dispose restores the original submit surface, detaches listeners,
	// closes any event subscriber, and marks itself disposed. Dispose is
	// idempotent.
	Dispose(ctx context.Context) error
}
