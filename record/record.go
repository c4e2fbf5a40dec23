// Package record defines the durable JobRecord entity mirrored into
// PostgreSQL for every job a wrapped broker accepts, along with its status
// enum and the state-machine rules enforced on top of it.
package record

import (
	"time"

	"github.com/google/uuid"
)

// JobRecord is the single durable entity the system maintains: a snapshot
// of a broker job's lifecycle, keyed internally by Id and externally by the
// (QueueName, QueueType, JobID) business key.
//
// JobRecord instances returned by the repository are snapshots. Mutating
// them in place does not affect stored state; transitions happen through
// repository methods, which re-populate the fields that changed.
type JobRecord struct {
	Id uuid.UUID

	QueueName string
	QueueType QueueType
	JobID     string
	JobName   string // empty for Bee, which has no named jobs

	Data []byte // JSON document, serialized size <= config limit

	Status       Status
	Attempts     uint32
	MaxAttempts  uint32
	ErrorMessage string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
}

// Exhausted reports whether one more failure would push the record past its
// retry budget, i.e. whether the next failed attempt must be terminal.
func (r *JobRecord) Exhausted() bool {
	return r.Attempts+1 >= r.MaxAttempts
}

// Key returns the business key used for active-uniqueness and historical
// lookups: (queue_name, queue_type, job_id).
type Key struct {
	QueueName string
	QueueType QueueType
	JobID     string
}

func (r *JobRecord) Key() Key {
	return Key{QueueName: r.QueueName, QueueType: r.QueueType, JobID: r.JobID}
}
