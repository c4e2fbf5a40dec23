package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/jobguard/jobguard/record"
)

// fakeRepository is an in-memory Repository used by the adapter tests. It
// mirrors the subset of postgres.Repository's behavior the adapters rely
// on, without needing a real database.
type fakeRepository struct {
	mu   sync.Mutex
	rows map[string]*record.JobRecord
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{rows: make(map[string]*record.JobRecord)}
}

func key(queue string, qt record.QueueType, jobID string) string {
	return fmt.Sprintf("%s|%s|%s", queue, qt, jobID)
}

func (f *fakeRepository) InsertJob(ctx context.Context, queue string, qt record.QueueType, jobID, jobName string, data []byte, maxAttempts uint32) (*record.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &record.JobRecord{
		QueueName:   queue,
		QueueType:   qt,
		JobID:       jobID,
		JobName:     jobName,
		Data:        data,
		Status:      record.Pending,
		MaxAttempts: maxAttempts,
	}
	f.rows[key(queue, qt, jobID)] = r
	return r, nil
}

func (f *fakeRepository) UpdateJobStatus(ctx context.Context, queue string, qt record.QueueType, jobID string, status record.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[key(queue, qt, jobID)]
	if !ok {
		return fmt.Errorf("no such job %s", jobID)
	}
	r.Status = status
	return nil
}

func (f *fakeRepository) UpdateJobError(ctx context.Context, queue string, qt record.QueueType, jobID string, sanitizedMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[key(queue, qt, jobID)]
	if !ok {
		return fmt.Errorf("no such job %s", jobID)
	}
	r.ErrorMessage = sanitizedMessage
	if r.Exhausted() {
		r.Status = record.Dead
	} else {
		r.Status = record.Failed
	}
	return nil
}

func (f *fakeRepository) UpdateHeartbeat(ctx context.Context, queue string, qt record.QueueType, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[key(queue, qt, jobID)]; !ok {
		return fmt.Errorf("no such job %s", jobID)
	}
	return nil
}

func (f *fakeRepository) GetJob(ctx context.Context, queue string, qt record.QueueType, jobID string) (*record.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[key(queue, qt, jobID)]
	if !ok {
		return nil, fmt.Errorf("no such job %s", jobID)
	}
	return r, nil
}

func (f *fakeRepository) status(queue string, qt record.QueueType, jobID string) record.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[key(queue, qt, jobID)].Status
}
