package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/services"
	"github.com/jakechorley/carevisit/pkg/db"
	"github.com/jakechorley/carevisit/pkg/metrics"
)

const (
	// Headers set by the upstream authentication layer
	HeaderActorID       = "X-Actor-ID"
	HeaderActorElevated = "X-Actor-Elevated"

	timeLayout = time.RFC3339
)

// Service defines the core operations exposed over HTTP. *services.Core implements it.
type Service interface {
	CreateTemplate(ctx context.Context, tpl model.ShiftTemplate, actor model.Actor) (model.ShiftTemplate, error)
	SupersedeTemplate(ctx context.Context, oldID string, replacement model.ShiftTemplate, actor model.Actor) (services.SupersedeResult, error)
	GenerateVisits(ctx context.Context, templateID string, from, to model.Date, opts services.GenerateOptions) (services.GenerateResult, error)
	ScheduleVisit(ctx context.Context, in services.ScheduleInput, actor model.Actor) (model.ScheduledVisit, error)
	RecordClockIn(ctx context.Context, visitID string, in services.ClockInput, actor model.Actor) (model.ScheduledVisit, error)
	RecordClockOut(ctx context.Context, visitID string, in services.ClockInput, actor model.Actor) (model.ScheduledVisit, error)
	CancelVisit(ctx context.Context, visitID, reason string, actor model.Actor) (model.ScheduledVisit, error)
	AdjudicateVisit(ctx context.Context, visitID, note string, actor model.Actor) (model.ScheduledVisit, error)
	AmendEvent(ctx context.Context, visitID string, in services.AmendInput, actor model.Actor) (ledger.AuditEvent, error)
	GetAuditChain(ctx context.Context, visitID string) ([]ledger.AuditEvent, error)
	ListVisits(ctx context.Context, filter db.VisitFilter) ([]model.ScheduledVisit, error)
	ValidateSchedule(visits []model.ScheduledVisit) []conflict.ValidationError
	BillableVisits(ctx context.Context, filter db.VisitFilter) (services.BillingReport, error)
}

var _ Service = (*services.Core)(nil)

// Handler serves the visit API
type Handler struct {
	core     Service
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// New creates a Handler. gatherer backs /metrics and may be nil to leave it out.
func New(core Service, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	return &Handler{core: core, metrics: m, gatherer: gatherer, logger: logger}
}

// Router builds the chi router for every route
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.requireActor)

		r.Post("/templates", h.handleCreateTemplate)
		r.Post("/templates/{id}/supersede", h.handleSupersedeTemplate)
		r.Post("/templates/{id}/generate", h.handleGenerateVisits)

		r.Post("/visits", h.handleScheduleVisit)
		r.Get("/visits", h.handleListVisits)
		r.Post("/visits/{id}/clock-in", h.handleClockIn)
		r.Post("/visits/{id}/clock-out", h.handleClockOut)
		r.Post("/visits/{id}/cancel", h.handleCancelVisit)
		r.Post("/visits/{id}/adjudicate", h.handleAdjudicateVisit)
		r.Post("/visits/{id}/amendments", h.handleAmendEvent)
		r.Get("/visits/{id}/audit", h.handleAuditChain)

		r.Get("/billing/visits", h.handleBillableVisits)
	})

	return r
}

// NewServer wraps handler in an http.Server with header timeouts set
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type actorKey struct{}

// requireActor reads the trusted actor headers. Requests without an actor id are refused.
func (h *Handler) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderActorID)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderActorID + " header", Code: "unauthenticated"})
			return
		}
		elevated := false
		if v := r.Header.Get(HeaderActorElevated); v != "" {
			var err error
			elevated, err = strconv.ParseBool(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + HeaderActorElevated + " header", Code: "invalid_input"})
				return
			}
		}
		ctx := context.WithValue(r.Context(), actorKey{}, model.Actor{ID: id, Elevated: elevated})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) model.Actor {
	actor, _ := ctx.Value(actorKey{}).(model.Actor)
	return actor
}

// observe records request latency labelled by route pattern
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}
