package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/verification"
	"github.com/jakechorley/carevisit/pkg/core/visits"
)

var visitStart = time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)

func TestRecordClockIn_WithinGeofenceVerified(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)

	got, err := env.core.RecordClockIn(context.Background(), v.ID, clockAt(visitStart.Add(2*time.Minute), verification.Miles(0.05)), carer)
	require.NoError(t, err)

	assert.Equal(t, model.VisitInProgress, got.Status)
	assert.False(t, got.Disputed)
	require.NotNil(t, got.ClockIn)
	assert.Equal(t, model.ClassificationVerified, got.ClockIn.Classification)
	assert.Equal(t, 1, got.ClockIn.PolicyVersion)
	assert.Equal(t, []ledger.Kind{ledger.KindCreated, ledger.KindClockedIn}, env.chainKinds(t, v.ID))
}

func TestRecordClockIn_FarAwayRejectedAndRecorded(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)
	ctx := context.Background()

	_, err := env.core.RecordClockIn(ctx, v.ID, clockAt(visitStart, verification.Miles(2.0)), carer)

	var rejected *model.VerificationRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 1, rejected.PolicyVersion)
	assert.NotEmpty(t, rejected.Reasons)

	stored, err := env.store.GetVisit(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VisitScheduled, stored.Status)
	assert.Nil(t, stored.ClockIn)

	chain, err := env.store.ReadChain(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, ledger.KindRejected, chain[1].Kind)
	payload, err := chain[1].Decode()
	require.NoError(t, err)
	details := payload.(ledger.RejectedPayload)
	assert.Equal(t, verification.ClockIn, details.Event)
	require.NotNil(t, details.DistanceMeters)
	assert.InDelta(t, verification.Miles(2.0), *details.DistanceMeters, 1)

	// A later on-site clock-in still succeeds
	got, err := env.core.RecordClockIn(ctx, v.ID, clockAt(visitStart.Add(time.Minute), 0), carer)
	require.NoError(t, err)
	assert.Equal(t, model.VisitInProgress, got.Status)
}

func TestRecordClockIn_OutsideGraceFlagsDisputed(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)

	got, err := env.core.RecordClockIn(context.Background(), v.ID, clockAt(visitStart.Add(20*time.Minute), 0), carer)
	require.NoError(t, err)

	assert.Equal(t, model.VisitInProgress, got.Status)
	assert.True(t, got.Disputed)
	assert.Equal(t, model.ClassificationFlagged, got.ClockIn.Classification)
}

func TestRecordClockIn_MissingLocationRejectedWhenRequired(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)

	_, err := env.core.RecordClockIn(context.Background(), v.ID, ClockInput{Timestamp: visitStart}, carer)
	assert.ErrorIs(t, err, model.ErrVerificationRejected)
}

func TestRecordClockIn_ManualOverride(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)
	ctx := context.Background()

	in := clockAt(visitStart, verification.Miles(2.0))
	in.Override = &visits.ManualOverride{Reason: "client moved to respite address"}

	_, err := env.core.RecordClockIn(ctx, v.ID, in, carer)
	assert.ErrorIs(t, err, model.ErrForbidden)

	got, err := env.core.RecordClockIn(ctx, v.ID, in, admin)
	require.NoError(t, err)
	assert.Equal(t, model.VisitInProgress, got.Status)
	assert.True(t, got.Disputed)
	assert.True(t, got.ClockIn.Override)

	chain, err := env.store.ReadChain(ctx, v.ID)
	require.NoError(t, err)
	payload, err := chain[len(chain)-1].Decode()
	require.NoError(t, err)
	clockedIn := payload.(ledger.ClockedInPayload)
	require.NotNil(t, clockedIn.Override)
	assert.Equal(t, model.ClassificationRejected, clockedIn.Override.OriginalClassification)
}

func TestRecordClockIn_UnknownPolicyVersion(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)

	in := clockAt(visitStart, 0)
	in.PolicyVersion = 7
	_, err := env.core.RecordClockIn(context.Background(), v.ID, in, carer)
	assert.ErrorIs(t, err, model.ErrPolicyNotFound)
}

func TestRecordClockIn_UnknownVisit(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.core.RecordClockIn(context.Background(), "missing", clockAt(visitStart, 0), carer)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecordClockIn_ConcurrentExactlyOneSucceeds(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.core.RecordClockIn(context.Background(), v.ID, clockAt(visitStart, 0), carer)
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, []ledger.Kind{ledger.KindCreated, ledger.KindClockedIn}, env.chainKinds(t, v.ID))
}

func TestRecordClockOut_BeforeClockInIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)

	_, err := env.core.RecordClockOut(context.Background(), v.ID, clockAt(visitStart.Add(2*time.Hour), 0), carer)

	var invalid *model.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, model.VisitScheduled, invalid.From)
	assert.Equal(t, []ledger.Kind{ledger.KindCreated}, env.chainKinds(t, v.ID))
}

func TestRecordClockOut_CompletesVisit(t *testing.T) {
	publisher := &recordingPublisher{}
	env := newTestEnv(t, WithPublisher(publisher))
	v := env.scheduleAt(t, visitStart)

	done := env.completeVisit(t, v)

	require.NotNil(t, done.ClockOut)
	assert.Equal(t, model.ClassificationVerified, done.ClockOut.Classification)
	assert.True(t, done.Billable())
	assert.Equal(t, []ledger.Kind{ledger.KindCreated, ledger.KindClockedIn, ledger.KindClockedOut}, publisher.Kinds())

	_, err := env.core.RecordClockOut(context.Background(), v.ID, clockAt(v.PlannedEnd, 0), carer)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestRecordClock_DefaultsTimestampToNow(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)
	env.clock.Set(visitStart.Add(3 * time.Minute))

	coords := home
	got, err := env.core.RecordClockIn(context.Background(), v.ID, ClockInput{Coords: &coords, AccuracyMeters: 5}, carer)
	require.NoError(t, err)
	assert.True(t, got.ClockIn.Timestamp.Equal(visitStart.Add(3*time.Minute)))
}
