package kafkaclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
)

func sealedEvent(t *testing.T) ledger.AuditEvent {
	t.Helper()
	event, err := ledger.Seal(nil, "visit-1", ledger.Draft{
		Actor:     model.Actor{ID: "scheduler-1"},
		Timestamp: time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC),
		Payload: ledger.CreatedPayload{
			Source:       ledger.SourceManual,
			CaregiverID:  "cg-1",
			ClientID:     "cl-1",
			PlannedStart: time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC),
			PlannedEnd:   time.Date(2024, time.January, 2, 11, 0, 0, 0, time.UTC),
		},
	}, 7)
	require.NoError(t, err)
	return event
}

func TestRecord_KeysByVisit(t *testing.T) {
	event := sealedEvent(t)

	r, err := Record(event)
	require.NoError(t, err)

	assert.Equal(t, "visit-1", string(r.Key))
	assert.Equal(t, event.Timestamp, r.Timestamp)
	assert.Empty(t, r.Topic)
	require.Len(t, r.Headers, 2)
	assert.Equal(t, "kind", r.Headers[0].Key)
	assert.Equal(t, "created", string(r.Headers[0].Value))
	assert.Equal(t, event.Hash, string(r.Headers[1].Value))
}

func TestRecord_ValueRecomputesToSameHash(t *testing.T) {
	event := sealedEvent(t)

	r, err := Record(event)
	require.NoError(t, err)

	var decoded ledger.AuditEvent
	require.NoError(t, json.Unmarshal(r.Value, &decoded))
	assert.Equal(t, int64(7), decoded.GlobalSeq)
	assert.NoError(t, ledger.Verify([]ledger.AuditEvent{decoded}))
}

func TestNewPublisher_RequiresBrokersAndTopic(t *testing.T) {
	_, err := NewPublisher(nil, "visits", zap.NewNop())
	assert.Error(t, err)

	_, err = NewPublisher([]string{"localhost:9092"}, "", zap.NewNop())
	assert.Error(t, err)
}
