package ledger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/verification"
)

// Kind is the type of a ledger event. Each kind has exactly one payload type.
type Kind string

const (
	KindCreated    Kind = "created"
	KindClockedIn  Kind = "clocked_in"
	KindClockedOut Kind = "clocked_out"
	KindFlagged    Kind = "flagged"
	KindVerified   Kind = "verified"
	KindRejected   Kind = "rejected"
	KindCancelled  Kind = "cancelled"
	KindSuperseded Kind = "superseded"
	KindMissed     Kind = "missed"
	KindAmended    Kind = "amended"
)

// Kinds lists every event kind
var Kinds = []Kind{
	KindCreated, KindClockedIn, KindClockedOut, KindFlagged, KindVerified,
	KindRejected, KindCancelled, KindSuperseded, KindMissed, KindAmended,
}

// Payload is implemented by the payload struct of each kind
type Payload interface {
	Kind() Kind
}

// CreatedPayload records how a visit came to exist
type CreatedPayload struct {
	Source          string    `json:"source"`
	TemplateID      string    `json:"templateId,omitempty"`
	TemplateVersion int       `json:"templateVersion,omitempty"`
	CaregiverID     string    `json:"caregiverId"`
	ClientID        string    `json:"clientId"`
	ServiceType     string    `json:"serviceType,omitempty"`
	PlannedStart    time.Time `json:"plannedStart"`
	PlannedEnd      time.Time `json:"plannedEnd"`

	// ConflictOverride is set when an elevated actor forced the visit past blocking collisions
	ConflictOverride  bool     `json:"conflictOverride,omitempty"`
	OverriddenVisits  []string `json:"overriddenVisits,omitempty"`
	ClientOverlapWith []string `json:"clientOverlapWith,omitempty"`
}

const (
	SourceTemplate = "template"
	SourceManual   = "manual"
)

// ClockDetails is the device input and the verification decision behind a clock event
type ClockDetails struct {
	Timestamp         time.Time            `json:"timestamp"`
	Coords            *model.Coordinates   `json:"coords,omitempty"`
	AccuracyMeters    float64              `json:"accuracyMeters"`
	DeviceID          string               `json:"deviceId,omitempty"`
	Classification    model.Classification `json:"classification"`
	PolicyVersion     int                  `json:"policyVersion"`
	DistanceMeters    *float64             `json:"distanceMeters,omitempty"`
	RadiusMeters      float64              `json:"radiusMeters"`
	OuterRadiusMeters float64              `json:"outerRadiusMeters"`
	TimeDelta         time.Duration        `json:"timeDeltaNanos"`
	Reasons           []string             `json:"reasons,omitempty"`
}

// NewClockDetails combines a clock event with the decision it produced
func NewClockDetails(event verification.ClockEvent, decision verification.Decision) ClockDetails {
	return ClockDetails{
		Timestamp:         Normalize(event.Timestamp),
		Coords:            event.Coords,
		AccuracyMeters:    event.AccuracyMeters,
		DeviceID:          event.DeviceID,
		Classification:    decision.Classification,
		PolicyVersion:     decision.PolicyVersion,
		DistanceMeters:    decision.DistanceMeters,
		RadiusMeters:      decision.RadiusMeters,
		OuterRadiusMeters: decision.OuterRadiusMeters,
		TimeDelta:         decision.TimeDelta,
		Reasons:           decision.Reasons,
	}
}

// ManualOverride records an elevated actor advancing a visit past a rejected clock event
type ManualOverride struct {
	Reason                 string               `json:"reason"`
	OriginalClassification model.Classification `json:"originalClassification"`
}

type ClockedInPayload struct {
	ClockDetails
	Override *ManualOverride `json:"override,omitempty"`
}

type ClockedOutPayload struct {
	ClockDetails
	Override *ManualOverride `json:"override,omitempty"`
}

// RejectedPayload records a clock event that did not advance the visit
type RejectedPayload struct {
	Event verification.EventKind `json:"event"`
	ClockDetails
}

// FlaggedPayload records a visit marked for review without a clock event
type FlaggedPayload struct {
	Reason        string        `json:"reason"`
	PolicyVersion int           `json:"policyVersion,omitempty"`
	Age           time.Duration `json:"ageNanos,omitempty"`
}

// VerifiedPayload records a supervisor clearing the disputed marker
type VerifiedPayload struct {
	Note string `json:"note"`
}

type CancelledPayload struct {
	Reason string `json:"reason"`
}

// SupersededPayload records cancellation because the originating template was replaced
type SupersededPayload struct {
	TemplateID      string `json:"templateId"`
	TemplateVersion int    `json:"templateVersion"`
	NewTemplateID   string `json:"newTemplateId"`
	NewVersion      int    `json:"newVersion"`
}

// MissedPayload records the sweep marking a visit missed
type MissedPayload struct {
	PolicyVersion int           `json:"policyVersion"`
	PlannedEnd    time.Time     `json:"plannedEnd"`
	GraceWindow   time.Duration `json:"graceWindowNanos"`
	EvaluatedAt   time.Time     `json:"evaluatedAt"`
}

// AmendedPayload corrects a value recorded by an earlier event without altering it
type AmendedPayload struct {
	Amends   int64  `json:"amends"`
	Field    string `json:"field"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue"`
	Reason   string `json:"reason"`
}

func (CreatedPayload) Kind() Kind    { return KindCreated }
func (ClockedInPayload) Kind() Kind  { return KindClockedIn }
func (ClockedOutPayload) Kind() Kind { return KindClockedOut }
func (RejectedPayload) Kind() Kind   { return KindRejected }
func (FlaggedPayload) Kind() Kind    { return KindFlagged }
func (VerifiedPayload) Kind() Kind   { return KindVerified }
func (CancelledPayload) Kind() Kind  { return KindCancelled }
func (SupersededPayload) Kind() Kind { return KindSuperseded }
func (MissedPayload) Kind() Kind     { return KindMissed }
func (AmendedPayload) Kind() Kind    { return KindAmended }

// DecodePayload parses raw payload JSON into the struct for kind
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindCreated:
		return decodeAs[CreatedPayload](raw)
	case KindClockedIn:
		return decodeAs[ClockedInPayload](raw)
	case KindClockedOut:
		return decodeAs[ClockedOutPayload](raw)
	case KindRejected:
		return decodeAs[RejectedPayload](raw)
	case KindFlagged:
		return decodeAs[FlaggedPayload](raw)
	case KindVerified:
		return decodeAs[VerifiedPayload](raw)
	case KindCancelled:
		return decodeAs[CancelledPayload](raw)
	case KindSuperseded:
		return decodeAs[SupersededPayload](raw)
	case KindMissed:
		return decodeAs[MissedPayload](raw)
	case KindAmended:
		return decodeAs[AmendedPayload](raw)
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", model.ErrInvalidInput, kind)
	}
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", p.Kind(), err)
	}
	return p, nil
}

// canonicalJSON encodes a payload deterministically; struct fields marshal in declaration order
func canonicalJSON(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// equivalentJSON reports whether two documents hold the same keys and values, ignoring key order
func equivalentJSON(a, b []byte) (bool, error) {
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil {
		return false, fmt.Errorf("failed to parse stored payload: %w", err)
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return false, fmt.Errorf("failed to parse canonical payload: %w", err)
	}
	return reflect.DeepEqual(left, right), nil
}
