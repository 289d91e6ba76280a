package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/pkg/core/model"
)

// errorResponse is the JSON body of every failed request
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Set for scheduling conflicts
	Collisions []collisionResponse `json:"collisions,omitempty"`
	// Set for rejected clock events
	Reasons []string `json:"reasons,omitempty"`
}

type collisionResponse struct {
	Rule    string `json:"rule"`
	VisitID string `json:"visitId"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// statusFor maps the core's error taxonomy onto HTTP status codes and stable codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrSchedulingConflict):
		return http.StatusConflict, "scheduling_conflict"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrVerificationRejected):
		return http.StatusUnprocessableEntity, "verification_rejected"
	case errors.Is(err, model.ErrPolicyNotFound):
		return http.StatusUnprocessableEntity, "policy_not_found"
	case errors.Is(err, model.ErrLedgerIntegrityViolation):
		return http.StatusInternalServerError, "ledger_integrity_violation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: code}

	var conflictErr *model.SchedulingConflictError
	if errors.As(err, &conflictErr) {
		for _, c := range conflictErr.Collisions {
			resp.Collisions = append(resp.Collisions, collisionResponse{
				Rule:    c.Rule,
				VisitID: c.VisitID,
				Start:   c.Start.UTC().Format(timeLayout),
				End:     c.End.UTC().Format(timeLayout),
			})
		}
	}
	var rejectedErr *model.VerificationRejectedError
	if errors.As(err, &rejectedErr) {
		resp.Reasons = rejectedErr.Reasons
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if code == "internal" {
			resp.Error = "internal error"
		}
	} else {
		h.logger.Debug("Request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
