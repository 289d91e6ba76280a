package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jakechorley/carevisit/pkg/core/conflict"
	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/services"
	"github.com/jakechorley/carevisit/pkg/core/visits"
	"github.com/jakechorley/carevisit/pkg/db"
)

// decode reads a JSON body into dst. An empty body leaves dst zero.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var def model.TemplateDefinition
	if err := decode(r, &def); err != nil {
		h.writeError(w, r, err)
		return
	}
	tpl, err := def.Template()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.core.CreateTemplate(r.Context(), tpl, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type supersedeResponse struct {
	Template  model.ShiftTemplate `json:"template"`
	Cancelled []string            `json:"cancelled"`
	Kept      []string            `json:"kept"`
	Held      []string            `json:"held"`
}

func (h *Handler) handleSupersedeTemplate(w http.ResponseWriter, r *http.Request) {
	var def model.TemplateDefinition
	if err := decode(r, &def); err != nil {
		h.writeError(w, r, err)
		return
	}
	tpl, err := def.Template()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.core.SupersedeTemplate(r.Context(), chi.URLParam(r, "id"), tpl, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supersedeResponse{
		Template:  result.Template,
		Cancelled: nonNil(result.Cancelled),
		Kept:      nonNil(result.Kept),
		Held:      nonNil(result.Held),
	})
}

type generateRequest struct {
	From       model.Date `json:"from"`
	To         model.Date `json:"to"`
	OnConflict string     `json:"onConflict,omitempty"`
}

type skippedResponse struct {
	PlannedStart time.Time         `json:"plannedStart"`
	PlannedEnd   time.Time         `json:"plannedEnd"`
	Collisions   []model.Collision `json:"collisions"`
}

type generateResponse struct {
	Created  int                    `json:"created"`
	Existing int                    `json:"existing"`
	Skipped  []skippedResponse      `json:"skipped"`
	Visits   []model.ScheduledVisit `json:"visits"`
}

func (h *Handler) handleGenerateVisits(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		h.writeError(w, r, fmt.Errorf("%w: from and to are required", model.ErrInvalidInput))
		return
	}
	opts := services.GenerateOptions{Actor: actorFrom(r.Context())}
	if req.OnConflict != "" {
		resolution, err := services.ParseConflictResolution(req.OnConflict)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		opts.OnConflict = resolution
	}

	result, err := h.core.GenerateVisits(r.Context(), chi.URLParam(r, "id"), req.From, req.To, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := generateResponse{
		Created:  len(result.Created),
		Existing: result.Existing,
		Skipped:  make([]skippedResponse, 0, len(result.Skipped)),
		Visits:   nonNil(result.Visits),
	}
	for _, s := range result.Skipped {
		resp.Skipped = append(resp.Skipped, skippedResponse{
			PlannedStart: s.Candidate.PlannedStart,
			PlannedEnd:   s.Candidate.PlannedEnd,
			Collisions:   s.Collisions,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type scheduleRequest struct {
	CaregiverID  string         `json:"caregiverId"`
	ClientID     string         `json:"clientId"`
	PlannedStart time.Time      `json:"plannedStart"`
	PlannedEnd   time.Time      `json:"plannedEnd"`
	ServiceType  string         `json:"serviceType,omitempty"`
	Location     model.Location `json:"location"`
	Force        bool           `json:"force,omitempty"`
}

func (h *Handler) handleScheduleVisit(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	v, err := h.core.ScheduleVisit(r.Context(), services.ScheduleInput{
		CaregiverID:  req.CaregiverID,
		ClientID:     req.ClientID,
		PlannedStart: req.PlannedStart,
		PlannedEnd:   req.PlannedEnd,
		ServiceType:  req.ServiceType,
		Location:     req.Location,
		Force:        req.Force,
	}, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

type listResponse struct {
	Visits []model.ScheduledVisit `json:"visits"`
	// Violations is only set when validate=true
	Violations []conflict.ValidationError `json:"violations,omitempty"`
}

// handleListVisits filters by caregiverId, clientId, templateId, from, to (RFC3339) and
// status (comma separated)
func (h *Handler) handleListVisits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.VisitFilter{
		CaregiverID: q.Get("caregiverId"),
		ClientID:    q.Get("clientId"),
		TemplateID:  q.Get("templateId"),
	}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		h.writeError(w, r, err)
		return
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			status, err := model.ParseVisitStatus(part)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	found, err := h.core.ListVisits(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := listResponse{Visits: nonNil(found)}
	if q.Get("validate") == "true" {
		resp.Violations = h.core.ValidateSchedule(found)
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q must be RFC3339", model.ErrInvalidInput, s)
	}
	return t, nil
}

type clockRequest struct {
	Timestamp      *time.Time         `json:"timestamp,omitempty"`
	Coords         *model.Coordinates `json:"coords,omitempty"`
	AccuracyMeters float64            `json:"accuracyMeters,omitempty"`
	DeviceID       string             `json:"deviceId,omitempty"`
	PolicyVersion  int                `json:"policyVersion,omitempty"`
	// OverrideReason advances the visit past a rejected event; elevated actors only
	OverrideReason string `json:"overrideReason,omitempty"`
}

func (req clockRequest) input() services.ClockInput {
	in := services.ClockInput{
		Coords:         req.Coords,
		AccuracyMeters: req.AccuracyMeters,
		DeviceID:       req.DeviceID,
		PolicyVersion:  req.PolicyVersion,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}
	if req.OverrideReason != "" {
		in.Override = &visits.ManualOverride{Reason: req.OverrideReason}
	}
	return in
}

func (h *Handler) handleClockIn(w http.ResponseWriter, r *http.Request) {
	var req clockRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.core.RecordClockIn(r.Context(), chi.URLParam(r, "id"), req.input(), actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) handleClockOut(w http.ResponseWriter, r *http.Request) {
	var req clockRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.core.RecordClockOut(r.Context(), chi.URLParam(r, "id"), req.input(), actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancelVisit(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.core.CancelVisit(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type adjudicateRequest struct {
	Note string `json:"note"`
}

func (h *Handler) handleAdjudicateVisit(w http.ResponseWriter, r *http.Request) {
	var req adjudicateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.core.AdjudicateVisit(r.Context(), chi.URLParam(r, "id"), req.Note, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type amendRequest struct {
	Amends   int64  `json:"amends"`
	Field    string `json:"field"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue"`
	Reason   string `json:"reason"`
}

func (h *Handler) handleAmendEvent(w http.ResponseWriter, r *http.Request) {
	var req amendRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.core.AmendEvent(r.Context(), chi.URLParam(r, "id"), services.AmendInput{
		Amends:   req.Amends,
		Field:    req.Field,
		OldValue: req.OldValue,
		NewValue: req.NewValue,
		Reason:   req.Reason,
	}, actorFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

type auditResponse struct {
	VisitID  string              `json:"visitId"`
	Verified bool                `json:"verified"`
	Problem  string              `json:"problem,omitempty"`
	Events   []ledger.AuditEvent `json:"events"`
}

// handleAuditChain returns a broken chain as well, marked unverified, so it can be inspected
func (h *Handler) handleAuditChain(w http.ResponseWriter, r *http.Request) {
	visitID := chi.URLParam(r, "id")
	chain, err := h.core.GetAuditChain(r.Context(), visitID)

	var integrityErr *model.LedgerIntegrityError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, auditResponse{VisitID: visitID, Verified: true, Events: nonNil(chain)})
	case errors.As(err, &integrityErr):
		writeJSON(w, http.StatusOK, auditResponse{VisitID: visitID, Problem: integrityErr.Error(), Events: nonNil(chain)})
	default:
		h.writeError(w, r, err)
	}
}

type heldResponse struct {
	VisitID string `json:"visitId"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

type billingResponse struct {
	Billable []model.ScheduledVisit `json:"billable"`
	Held     []heldResponse         `json:"held"`
}

func (h *Handler) handleBillableVisits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.VisitFilter{CaregiverID: q.Get("caregiverId"), ClientID: q.Get("clientId")}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		h.writeError(w, r, err)
		return
	}

	report, err := h.core.BillableVisits(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := billingResponse{Billable: nonNil(report.Billable), Held: make([]heldResponse, 0, len(report.Held))}
	for _, held := range report.Held {
		hr := heldResponse{VisitID: held.Visit.ID, Reason: held.Reason}
		if held.Err != nil {
			hr.Detail = held.Err.Error()
		}
		resp.Held = append(resp.Held, hr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// nonNil keeps empty lists as [] rather than null in responses
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
