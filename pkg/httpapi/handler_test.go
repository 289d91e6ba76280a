package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/recurrence"
	"github.com/jakechorley/carevisit/pkg/core/services"
	"github.com/jakechorley/carevisit/pkg/core/verification"
	"github.com/jakechorley/carevisit/pkg/db"
	"github.com/jakechorley/carevisit/pkg/metrics"
)

var home = model.Coordinates{Latitude: 51.5588, Longitude: 0.0822}

type testServer struct {
	router http.Handler
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	engine, err := recurrence.NewEngine(nil)
	require.NoError(t, err)
	registry, err := verification.NewRegistry(model.VerificationPolicy{
		Version:                   1,
		EffectiveFrom:             time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC),
		GeofenceRadiusMeters:      verification.Miles(0.1),
		OuterGeofenceRadiusMeters: verification.Miles(0.5),
		GraceWindow:               15 * time.Minute,
		MissedGraceWindow:         2 * time.Hour,
		MaxUnverifiedAge:          12 * time.Hour,
		RequireLocation:           true,
	})
	require.NoError(t, err)

	ts := &testServer{now: time.Date(2023, time.December, 20, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	core := services.NewCore(db.NewMemory(), engine,
		conflict.NewDetector(conflict.ClientBookingPolicy{Default: model.ClientBookingReject}),
		registry, zap.NewNop(),
		services.WithClock(func() time.Time { return ts.now }),
		services.WithMetrics(m))

	ts.router = New(core, m, reg, zap.NewNop()).Router()
	return ts
}

func (s *testServer) do(t *testing.T, method, path, actor string, elevated bool, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(HeaderActorID, actor)
	}
	if elevated {
		req.Header.Set(HeaderActorElevated, "true")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func location() model.Location {
	return model.Location{Address: "1 High Street", Coords: home, TimeZone: "Europe/London"}
}

func (s *testServer) schedule(t *testing.T, start time.Time) *httptest.ResponseRecorder {
	return s.do(t, http.MethodPost, "/v1/visits", "scheduler-1", false, scheduleRequest{
		CaregiverID:  "cg-1",
		ClientID:     "cl-1",
		PlannedStart: start,
		PlannedEnd:   start.Add(2 * time.Hour),
		Location:     location(),
	})
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", false, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequiresActor(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v1/visits", "", false, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/visits", nil)
	req.Header.Set(HeaderActorID, "scheduler-1")
	req.Header.Set(HeaderActorElevated, "sometimes")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleVisit_ConflictReturnsCollisions(t *testing.T) {
	s := newTestServer(t)
	start := time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)

	rec := s.schedule(t, start)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[model.ScheduledVisit](t, rec)
	assert.Equal(t, model.VisitScheduled, first.Status)

	rec = s.schedule(t, start.Add(time.Hour))
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "scheduling_conflict", resp.Code)
	require.NotEmpty(t, resp.Collisions)
	assert.Equal(t, first.ID, resp.Collisions[0].VisitID)
}

func TestScheduleVisit_InvalidBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/visits", strings.NewReader(`{"caregiverId": 12}`))
	req.Header.Set(HeaderActorID, "scheduler-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decodeBody[errorResponse](t, rec).Code)
}

func TestClockIn_VerifiedAndRejected(t *testing.T) {
	s := newTestServer(t)
	start := time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)
	visit := decodeBody[model.ScheduledVisit](t, s.schedule(t, start))

	far := verification.OffsetNorth(home, verification.Miles(2.0))
	rec := s.do(t, http.MethodPost, "/v1/visits/"+visit.ID+"/clock-in", "cg-1", false, clockRequest{Timestamp: &start, Coords: &far})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rejected := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "verification_rejected", rejected.Code)
	assert.NotEmpty(t, rejected.Reasons)

	near := verification.OffsetNorth(home, verification.Miles(0.05))
	rec = s.do(t, http.MethodPost, "/v1/visits/"+visit.ID+"/clock-in", "cg-1", false, clockRequest{Timestamp: &start, Coords: &near})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.VisitInProgress, decodeBody[model.ScheduledVisit](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/v1/visits/"+visit.ID+"/audit", "auditor-1", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[auditResponse](t, rec)
	assert.True(t, audit.Verified)
	require.Len(t, audit.Events, 3)
	assert.Equal(t, ledger.KindRejected, audit.Events[1].Kind)
	assert.Equal(t, ledger.KindClockedIn, audit.Events[2].Kind)
}

func TestClockOutBeforeClockIn(t *testing.T) {
	s := newTestServer(t)
	start := time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)
	visit := decodeBody[model.ScheduledVisit](t, s.schedule(t, start))

	end := start.Add(2 * time.Hour)
	rec := s.do(t, http.MethodPost, "/v1/visits/"+visit.ID+"/clock-out", "cg-1", false, clockRequest{Timestamp: &end, Coords: &home})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decodeBody[errorResponse](t, rec).Code)
}

func TestUnknownVisit(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/visits/missing/audit", "auditor-1", false, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdjudicate_RequiresElevatedActor(t *testing.T) {
	s := newTestServer(t)
	visit := decodeBody[model.ScheduledVisit](t, s.schedule(t, time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)))

	rec := s.do(t, http.MethodPost, "/v1/visits/"+visit.ID+"/adjudicate", "cg-1", false, adjudicateRequest{Note: "looks fine"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelVisit(t *testing.T) {
	s := newTestServer(t)
	visit := decodeBody[model.ScheduledVisit](t, s.schedule(t, time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)))

	rec := s.do(t, http.MethodPost, "/v1/visits/"+visit.ID+"/cancel", "scheduler-1", false, cancelRequest{Reason: "client in hospital"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.VisitCancelled, decodeBody[model.ScheduledVisit](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/v1/visits?status=cancelled", "scheduler-1", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[listResponse](t, rec).Visits, 1)

	rec = s.do(t, http.MethodGet, "/v1/visits?status=lost", "scheduler-1", false, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTemplateGeneration(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v1/templates", "scheduler-1", false, model.TemplateDefinition{
		CaregiverID: "cg-1",
		ClientID:    "cl-1",
		Weekdays:    []string{"tuesday", "thursday"},
		StartTime:   "09:00",
		Duration:    "2h",
		ValidFrom:   model.NewDate(2024, time.January, 1),
		Location:    location(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tpl := decodeBody[model.ShiftTemplate](t, rec)

	rec = s.do(t, http.MethodPost, "/v1/templates/"+tpl.ID+"/generate", "scheduler-1", false, generateRequest{
		From: model.NewDate(2024, time.January, 1),
		To:   model.NewDate(2024, time.January, 31),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	generated := decodeBody[generateResponse](t, rec)
	assert.Equal(t, 9, generated.Created)
	assert.Len(t, generated.Visits, 9)

	rec = s.do(t, http.MethodPost, "/v1/templates/"+tpl.ID+"/generate", "scheduler-1", false, generateRequest{
		From:       model.NewDate(2024, time.January, 1),
		To:         model.NewDate(2024, time.January, 31),
		OnConflict: "sometimes",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/visits?validate=true&templateId="+tpl.ID, "scheduler-1", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[listResponse](t, rec)
	assert.Len(t, listed.Visits, 9)
	assert.Empty(t, listed.Violations)
}

func TestBillableVisits(t *testing.T) {
	s := newTestServer(t)
	start := time.Date(2024, time.January, 2, 15, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	visit := decodeBody[model.ScheduledVisit](t, s.schedule(t, start))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/visits/"+visit.ID+"/clock-in", "cg-1", false, clockRequest{Timestamp: &start, Coords: &home}).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/visits/"+visit.ID+"/clock-out", "cg-1", false, clockRequest{Timestamp: &end, Coords: &home}).Code)

	rec := s.do(t, http.MethodGet, "/v1/billing/visits?from=2024-01-01T00:00:00Z&to=2024-02-01T00:00:00Z", "billing-1", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[billingResponse](t, rec)
	require.Len(t, report.Billable, 1)
	assert.Equal(t, visit.ID, report.Billable[0].ID)
	assert.Empty(t, report.Held)
}

func TestMetricsExposeRoutePattern(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/v1/visits/missing/audit", "auditor-1", false, nil)

	rec := s.do(t, http.MethodGet, "/metrics", "", false, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/v1/visits/{id}/audit"`)
	assert.Contains(t, rec.Body.String(), `status="404"`)
}
