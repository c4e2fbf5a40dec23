package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/jobguard/jobguard/record"
)

// jobRow is the bun model backing the jobguard_jobs table (spec §6). Column
// names and types mirror the data model in spec §3; Status and QueueType
// are stored as their canonical lower-case strings so the enum reads
// naturally from psql without a custom pg enum type.
type jobRow struct {
	bun.BaseModel `bun:"table:jobguard_jobs,alias:j"`

	Id uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()"`

	QueueName string `bun:"queue_name,notnull"`
	QueueType string `bun:"queue_type,notnull"`
	JobID     string `bun:"job_id,notnull"`
	JobName   string `bun:"job_name,nullzero"`

	Data []byte `bun:"data,type:jsonb,notnull"`

	Status       string `bun:"status,notnull,default:'pending'"`
	Attempts     uint32 `bun:"attempts,notnull,default:0"`
	MaxAttempts  uint32 `bun:"max_attempts,notnull,default:3"`
	ErrorMessage string `bun:"error_message,nullzero"`

	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	StartedAt     *time.Time `bun:"started_at,nullzero"`
	CompletedAt   *time.Time `bun:"completed_at,nullzero"`
	LastHeartbeat *time.Time `bun:"last_heartbeat,nullzero"`
}

func (r *jobRow) toRecord() (*record.JobRecord, error) {
	status, err := record.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	qt, err := record.QueueTypeFromString(r.QueueType)
	if err != nil {
		return nil, err
	}
	return &record.JobRecord{
		Id:            r.Id,
		QueueName:     r.QueueName,
		QueueType:     qt,
		JobID:         r.JobID,
		JobName:       r.JobName,
		Data:          r.Data,
		Status:        status,
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		LastHeartbeat: r.LastHeartbeat,
	}, nil
}

func rowsToRecords(rows []jobRow) ([]*record.JobRecord, error) {
	out := make([]*record.JobRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// nonTerminalStatuses lists the statuses the active-uniqueness partial
// index and the UPSERT's ON CONFLICT predicate both restrict to (spec §3,
// §6). The two predicates must stay in lockstep.
var nonTerminalStatuses = []string{
	record.Pending.String(),
	record.Processing.String(),
	record.Stuck.String(),
}
