package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/clients/sheetsclient"
	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/core/verification"
	"github.com/jakechorley/carevisit/pkg/db"
)

// mockBillingSheet records the feed it was asked to publish
type mockBillingSheet struct {
	spreadsheetID string
	feed          *sheetsclient.BillingFeed
	err           error
}

func (m *mockBillingSheet) PublishBilling(ctx context.Context, spreadsheetID string, feed *sheetsclient.BillingFeed) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.spreadsheetID = spreadsheetID
	m.feed = feed
	return len(feed.Rows), nil
}

// newCoreOver builds a second core sharing env's clock over another store
func newCoreOver(t *testing.T, env *testEnv, store db.Store, policies ...model.VerificationPolicy) *Core {
	t.Helper()
	engine, err := recurrence.NewEngine(nil)
	require.NoError(t, err)
	if len(policies) == 0 {
		policies = []model.VerificationPolicy{testPolicy()}
	}
	registry, err := verification.NewRegistry(policies...)
	require.NoError(t, err)
	return NewCore(store, engine, conflict.NewDetector(conflict.ClientBookingPolicy{}), registry, zap.NewNop(), WithClock(env.clock.Now))
}

func TestGetAuditChain_Verifies(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)
	env.completeVisit(t, v)

	chain, err := env.core.GetAuditChain(context.Background(), v.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	for i, e := range chain {
		assert.Equal(t, int64(i+1), e.VisitSeq)
	}
	assert.Equal(t, chain[0].Hash, chain[1].PrevHash)
}

func TestGetAuditChain_ReportsTampering(t *testing.T) {
	env := newTestEnv(t)
	v := env.scheduleAt(t, visitStart)
	env.completeVisit(t, v)

	core := newCoreOver(t, env, &tamperingStore{Memory: env.store, visitID: v.ID})
	chain, err := core.GetAuditChain(context.Background(), v.ID)

	assert.Len(t, chain, 3)
	var integrity *model.LedgerIntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, int64(2), integrity.VisitSeq)
}

func TestListVisits_RejectsBackwardsRange(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.core.ListVisits(context.Background(), db.VisitFilter{
		From: visitStart,
		To:   visitStart.Add(-time.Hour),
	})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestBillableVisits_HoldsDisputedAndTampered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	good := env.completeVisit(t, env.scheduleAt(t, visitStart))
	tampered := env.completeVisit(t, env.scheduleAt(t, visitStart.Add(24*time.Hour)))

	disputed := env.scheduleAt(t, visitStart.Add(48*time.Hour))
	_, err := env.core.RecordClockIn(ctx, disputed.ID, clockAt(disputed.PlannedStart.Add(20*time.Minute), 0), carer)
	require.NoError(t, err)
	_, err = env.core.RecordClockOut(ctx, disputed.ID, clockAt(disputed.PlannedEnd, 0), carer)
	require.NoError(t, err)

	// Still scheduled, so never considered
	env.scheduleAt(t, visitStart.Add(72*time.Hour))

	core := newCoreOver(t, env, &tamperingStore{Memory: env.store, visitID: tampered.ID})
	report, err := core.BillableVisits(ctx, db.VisitFilter{})
	require.NoError(t, err)

	assert.Equal(t, []string{good.ID}, visitIDs(report.Billable))
	require.Len(t, report.Held, 2)
	assert.Equal(t, tampered.ID, report.Held[0].Visit.ID)
	assert.Equal(t, HoldIntegrity, report.Held[0].Reason)
	assert.ErrorIs(t, report.Held[0].Err, model.ErrLedgerIntegrityViolation)
	assert.Equal(t, disputed.ID, report.Held[1].Visit.ID)
	assert.Equal(t, HoldDisputed, report.Held[1].Reason)

	holds := report.IntegrityHolds()
	require.Len(t, holds, 1)
	assert.Equal(t, tampered.ID, holds[0].Visit.ID)
}

func TestExportBilling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v := env.scheduleAt(t, visitStart)
	_, err := env.core.RecordClockIn(ctx, v.ID, clockAt(visitStart.Add(5*time.Minute), 0), carer)
	require.NoError(t, err)
	_, err = env.core.RecordClockOut(ctx, v.ID, clockAt(v.PlannedEnd.Add(-10*time.Minute), 0), carer)
	require.NoError(t, err)

	// Outside the period
	env.completeVisit(t, env.scheduleAt(t, time.Date(2024, time.February, 6, 9, 0, 0, 0, time.UTC)))

	sheet := &mockBillingSheet{}
	from, to := january()
	result, err := env.core.ExportBilling(ctx, sheet, "sheet-1", from, to, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Appended)
	assert.Empty(t, result.Held)
	assert.Equal(t, "sheet-1", sheet.spreadsheetID)
	require.NotNil(t, sheet.feed)
	assert.Equal(t, "2024-01-01", sheet.feed.PeriodStart)
	assert.Equal(t, "2024-01-31", sheet.feed.PeriodEnd)
	require.Len(t, sheet.feed.Rows, 1)

	row := sheet.feed.Rows[0]
	assert.Equal(t, v.ID, row.VisitID)
	assert.Equal(t, "cg-1", row.CaregiverID)
	assert.Equal(t, "2024-01-02T15:00:00Z", row.PlannedStart)
	assert.Equal(t, "2024-01-02T15:05:00Z", row.ClockIn)
	assert.Equal(t, "2024-01-02T16:50:00Z", row.ClockOut)
	assert.Equal(t, 105, row.Minutes)
}

func TestExportBilling_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from, to := january()

	_, err := env.core.ExportBilling(ctx, &mockBillingSheet{}, "sheet-1", to, from, time.UTC)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = env.core.ExportBilling(ctx, &mockBillingSheet{err: errors.New("quota exceeded")}, "sheet-1", from, to, time.UTC)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish billing feed")
}
