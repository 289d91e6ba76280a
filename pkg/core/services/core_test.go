package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/core/verification"
	"github.com/jakechorley/carevisit/pkg/db"
)

var (
	home      = model.Coordinates{Latitude: 51.5588, Longitude: 0.0822}
	scheduler = model.Actor{ID: "scheduler-1"}
	carer     = model.Actor{ID: "cg-1"}
	admin     = model.Actor{ID: "supervisor-1", Elevated: true}
)

// testPolicy is the policy the tests run under: 0.1 mi geofence, 0.5 mi outer bound,
// 15 minute grace, 2 hours before a visit is missed, 12 hours before auto-flag
func testPolicy() model.VerificationPolicy {
	return model.VerificationPolicy{
		Version:                   1,
		EffectiveFrom:             time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC),
		GeofenceRadiusMeters:      verification.Miles(0.1),
		OuterGeofenceRadiusMeters: verification.Miles(0.5),
		GraceWindow:               15 * time.Minute,
		MissedGraceWindow:         2 * time.Hour,
		MaxUnverifiedAge:          12 * time.Hour,
		RequireLocation:           true,
	}
}

func testLocation() model.Location {
	return model.Location{Address: "1 High Street", Coords: home, TimeZone: "Europe/London"}
}

// testClock is a settable clock shared by the core and the test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	core  *Core
	store *db.Memory
	clock *testClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	return newTestEnvWithBooking(t, conflict.ClientBookingPolicy{Default: model.ClientBookingReject}, opts...)
}

func newTestEnvWithBooking(t *testing.T, booking conflict.ClientBookingPolicy, opts ...Option) *testEnv {
	t.Helper()

	engine, err := recurrence.NewEngine(nil)
	require.NoError(t, err)
	registry, err := verification.NewRegistry(testPolicy())
	require.NoError(t, err)

	store := db.NewMemory()
	clock := &testClock{now: time.Date(2023, time.December, 20, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	core := NewCore(store, engine, conflict.NewDetector(booking), registry, zap.NewNop(), opts...)
	return &testEnv{core: core, store: store, clock: clock}
}

// scheduleAt creates an ad-hoc two hour visit for cg-1 at cl-1 starting at start
func (e *testEnv) scheduleAt(t *testing.T, start time.Time) model.ScheduledVisit {
	t.Helper()
	v, err := e.core.ScheduleVisit(context.Background(), ScheduleInput{
		CaregiverID:  "cg-1",
		ClientID:     "cl-1",
		PlannedStart: start,
		PlannedEnd:   start.Add(2 * time.Hour),
		ServiceType:  "personal_care",
		Location:     testLocation(),
	}, scheduler)
	require.NoError(t, err)
	return v
}

// clockAt builds clock input the given distance north of the client's home
func clockAt(ts time.Time, distanceMeters float64) ClockInput {
	coords := verification.OffsetNorth(home, distanceMeters)
	return ClockInput{Timestamp: ts, Coords: &coords, AccuracyMeters: 10, DeviceID: "device-1"}
}

// completeVisit clocks a visit in and out on time at the client's home
func (e *testEnv) completeVisit(t *testing.T, v model.ScheduledVisit) model.ScheduledVisit {
	t.Helper()
	ctx := context.Background()
	_, err := e.core.RecordClockIn(ctx, v.ID, clockAt(v.PlannedStart, 0), carer)
	require.NoError(t, err)
	done, err := e.core.RecordClockOut(ctx, v.ID, clockAt(v.PlannedEnd, 0), carer)
	require.NoError(t, err)
	require.Equal(t, model.VisitCompleted, done.Status)
	return done
}

func (e *testEnv) chainKinds(t *testing.T, visitID string) []ledger.Kind {
	t.Helper()
	chain, err := e.store.ReadChain(context.Background(), visitID)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(chain))
	kinds := make([]ledger.Kind, 0, len(chain))
	for _, ev := range chain {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.AuditEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, events []ledger.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Kinds() []ledger.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]ledger.Kind, 0, len(p.events))
	for _, e := range p.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// tamperingStore shifts the timestamp of one visit's second event, or its only event,
// whenever its chain is read
type tamperingStore struct {
	*db.Memory
	visitID string
}

func (s *tamperingStore) ReadChain(ctx context.Context, visitID string) ([]ledger.AuditEvent, error) {
	chain, err := s.Memory.ReadChain(ctx, visitID)
	if err != nil {
		return nil, err
	}
	return s.tamper(visitID, chain), nil
}

func (s *tamperingStore) WithVisit(ctx context.Context, visitID string, fn func(tx db.VisitTx) error) error {
	return s.Memory.WithVisit(ctx, visitID, func(tx db.VisitTx) error {
		return fn(&tamperingTx{VisitTx: tx, store: s, visitID: visitID})
	})
}

func (s *tamperingStore) tamper(visitID string, chain []ledger.AuditEvent) []ledger.AuditEvent {
	if visitID == s.visitID && len(chain) > 0 {
		i := min(1, len(chain)-1)
		chain[i].Timestamp = chain[i].Timestamp.Add(time.Hour)
	}
	return chain
}

type tamperingTx struct {
	db.VisitTx
	store   *tamperingStore
	visitID string
}

func (t *tamperingTx) Chain(ctx context.Context) ([]ledger.AuditEvent, error) {
	chain, err := t.VisitTx.Chain(ctx)
	if err != nil {
		return nil, err
	}
	return t.store.tamper(t.visitID, chain), nil
}

var errPublish = errors.New("broker unavailable")
