package record

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestJobRecordExhausted(t *testing.T) {
	r := &JobRecord{Attempts: 2, MaxAttempts: 3}
	assert.True(t, r.Exhausted())

	r = &JobRecord{Attempts: 0, MaxAttempts: 3}
	assert.False(t, r.Exhausted())
}

func TestJobRecordKey(t *testing.T) {
	r := &JobRecord{
		Id:        uuid.New(),
		QueueName: "emails",
		QueueType: Bull,
		JobID:     "42",
	}
	assert.Equal(t, Key{QueueName: "emails", QueueType: Bull, JobID: "42"}, r.Key())
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{Completed, Failed, Dead}
	for _, s := range terminal {
		assert.Truef(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []Status{Unknown, Pending, Processing, Stuck}
	for _, s := range nonTerminal {
		assert.Falsef(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, s := range []Status{Pending, Processing, Completed, Failed, Stuck, Dead} {
		text, err := s.MarshalText()
		assert.NoError(t, err)

		var got Status
		assert.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
}

func TestParseStatusUnknown(t *testing.T) {
	_, err := ParseStatus("not-a-status")
	assert.Error(t, err)
}

func TestQueueTypeRoundTrip(t *testing.T) {
	for _, qt := range []QueueType{Bull, BullMQ, Bee} {
		text, err := qt.MarshalText()
		assert.NoError(t, err)

		var got QueueType
		assert.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, qt, got)
	}
}

func TestQueueTypeFromStringUnknown(t *testing.T) {
	_, err := QueueTypeFromString("sidekiq")
	assert.Error(t, err)
}
