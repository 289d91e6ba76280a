package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SystemActorID is the actor recorded for time-driven transitions
const SystemActorID = "system"

// TemplateStatus is the lifecycle state of a shift template
type TemplateStatus string

const (
	TemplateActive  TemplateStatus = "active"
	TemplatePaused  TemplateStatus = "paused"
	TemplateRetired TemplateStatus = "retired"
)

// VisitStatus is the primary state of a scheduled visit
type VisitStatus string

const (
	VisitScheduled  VisitStatus = "scheduled"
	VisitInProgress VisitStatus = "in_progress"
	VisitCompleted  VisitStatus = "completed"
	VisitMissed     VisitStatus = "missed"
	VisitCancelled  VisitStatus = "cancelled"
)

// IsActive reports whether the status holds a caregiver's time (scheduled or in progress)
func (s VisitStatus) IsActive() bool {
	return s == VisitScheduled || s == VisitInProgress
}

// IsTerminal reports whether no further primary-state transition is possible
func (s VisitStatus) IsTerminal() bool {
	return s == VisitCompleted || s == VisitMissed || s == VisitCancelled
}

// ParseVisitStatus converts a string into a VisitStatus
func ParseVisitStatus(s string) (VisitStatus, error) {
	switch status := VisitStatus(strings.ToLower(strings.TrimSpace(s))); status {
	case VisitScheduled, VisitInProgress, VisitCompleted, VisitMissed, VisitCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown visit status %q", ErrInvalidInput, s)
	}
}

// Classification is the verdict of the verification policy evaluator
type Classification string

const (
	ClassificationVerified Classification = "verified"
	ClassificationFlagged  Classification = "flagged"
	ClassificationRejected Classification = "rejected"
)

// Severity orders classifications so the worst of several can be picked
func (c Classification) Severity() int {
	switch c {
	case ClassificationVerified:
		return 0
	case ClassificationFlagged:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of two classifications
func Worse(a, b Classification) Classification {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Actor is the caller identity supplied by the authentication layer.
// The core trusts it and never re-derives it.
type Actor struct {
	ID       string `json:"id"`
	Elevated bool   `json:"elevated,omitempty"`
}

// SystemActor is used by the background sweep
func SystemActor() Actor {
	return Actor{ID: SystemActorID}
}

// Coordinates is a WGS84 latitude/longitude pair in decimal degrees
type Coordinates struct {
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lon" yaml:"lon"`
}

// Valid reports whether the coordinates are finite and within range
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) || math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Location is where a visit is expected to take place
type Location struct {
	Address string      `json:"address" yaml:"address"`
	Coords  Coordinates `json:"coords" yaml:"coords"`

	// GeofenceRadiusMeters overrides the policy radius when positive
	GeofenceRadiusMeters float64 `json:"geofenceRadiusMeters,omitempty" yaml:"geofenceRadiusMeters,omitempty" validate:"gte=0"`

	// TimeZone is the IANA zone of the client; recurrence keeps wall-clock time fixed in it
	TimeZone string `json:"timeZone" yaml:"timeZone" validate:"required"`
}

// LoadLocation resolves the IANA time zone of the location
func (l Location) LoadLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(l.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid time zone %q: %v", ErrInvalidInput, l.TimeZone, err)
	}
	return loc, nil
}

// RecurrenceRule is a weekly pattern with a fixed time of day and duration
type RecurrenceRule struct {
	// Weekdays the visit recurs on
	Weekdays []time.Weekday `json:"weekdays" yaml:"weekdays" validate:"required,min=1,dive,gte=0,lte=6"`

	// StartTime is the local wall-clock start in HH:MM
	StartTime string `json:"startTime" yaml:"startTime" validate:"required"`

	// Duration of each visit
	Duration time.Duration `json:"duration" yaml:"duration" validate:"required,gt=0,lte=24h"`

	// IntervalWeeks repeats every N weeks (1 = weekly, 2 = bi-weekly)
	IntervalWeeks int `json:"intervalWeeks,omitempty" yaml:"intervalWeeks,omitempty" validate:"gte=0"`

	// EndDate stops generation after this calendar date (inclusive)
	EndDate *Date `json:"endDate,omitempty" yaml:"endDate,omitempty"`

	// Count stops generation after this many occurrences
	Count int `json:"count,omitempty" yaml:"count,omitempty" validate:"gte=0"`
}

// ClockTime parses StartTime into hours and minutes
func (r RecurrenceRule) ClockTime() (hour, minute int, err error) {
	t, err := time.Parse("15:04", r.StartTime)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: start time %q must be HH:MM", ErrInvalidInput, r.StartTime)
	}
	return t.Hour(), t.Minute(), nil
}

// ShiftTemplate defines a recurring caregiver-to-client shift.
// Templates are never edited once visits exist; a change supersedes the template with a new version.
type ShiftTemplate struct {
	ID           string         `json:"id" yaml:"id"`
	Version      int            `json:"version" yaml:"version"`
	SupersedesID string         `json:"supersedesId,omitempty" yaml:"supersedesId,omitempty"`
	CaregiverID  string         `json:"caregiverId" yaml:"caregiverId" validate:"required"`
	ClientID     string         `json:"clientId" yaml:"clientId" validate:"required"`
	ServiceType  string         `json:"serviceType" yaml:"serviceType"`
	Rule         RecurrenceRule `json:"rule" yaml:"rule"`
	ValidFrom    Date           `json:"validFrom" yaml:"validFrom"`
	ValidTo      *Date          `json:"validTo,omitempty" yaml:"validTo,omitempty"`
	Location     Location       `json:"location" yaml:"location"`
	Status       TemplateStatus `json:"status" yaml:"status"`
	CreatedAt    time.Time      `json:"createdAt" yaml:"-"`
	CreatedBy    string         `json:"createdBy" yaml:"-"`
}

// ClockRecord is a clock-in or clock-out that advanced a visit
type ClockRecord struct {
	Timestamp      time.Time      `json:"timestamp"`
	Coords         *Coordinates   `json:"coords,omitempty"`
	AccuracyMeters float64        `json:"accuracyMeters,omitempty"`
	DeviceID       string         `json:"deviceId,omitempty"`
	Classification Classification `json:"classification"`
	PolicyVersion  int            `json:"policyVersion"`
	DistanceMeters *float64       `json:"distanceMeters,omitempty"`
	Override       bool           `json:"override,omitempty"`
}

// ScheduledVisit is a concrete visit instance. Visits are never deleted;
// cancellation is a terminal state.
type ScheduledVisit struct {
	ID                 string       `json:"id"`
	TemplateID         string       `json:"templateId,omitempty"`
	TemplateVersion    int          `json:"templateVersion,omitempty"`
	CaregiverID        string       `json:"caregiverId"`
	ClientID           string       `json:"clientId"`
	ServiceType        string       `json:"serviceType,omitempty"`
	Location           Location     `json:"location"`
	PlannedStart       time.Time    `json:"plannedStart"`
	PlannedEnd         time.Time    `json:"plannedEnd"`
	ClockIn            *ClockRecord `json:"clockIn,omitempty"`
	ClockOut           *ClockRecord `json:"clockOut,omitempty"`
	Status             VisitStatus  `json:"status"`
	Disputed           bool         `json:"disputed"`
	CancellationReason string       `json:"cancellationReason,omitempty"`
	ConflictOverride   bool         `json:"conflictOverride,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// Overlaps reports whether two closed-open intervals [aStart, aEnd) and [bStart, bEnd) intersect
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// OverlapsVisit reports whether the planned intervals of two visits intersect
func (v ScheduledVisit) OverlapsVisit(other ScheduledVisit) bool {
	return Overlaps(v.PlannedStart, v.PlannedEnd, other.PlannedStart, other.PlannedEnd)
}

// Billable reports whether billing may derive payable units from the visit
func (v ScheduledVisit) Billable() bool {
	return v.Status == VisitCompleted && !v.Disputed
}

// VerificationPolicy holds tolerance configuration for classifying clock events
type VerificationPolicy struct {
	Version       int       `json:"version" yaml:"version" validate:"required,gt=0"`
	EffectiveFrom time.Time `json:"effectiveFrom" yaml:"effectiveFrom" validate:"required"`

	GeofenceRadiusMeters      float64 `json:"geofenceRadiusMeters" yaml:"geofenceRadiusMeters" validate:"required,gt=0"`
	OuterGeofenceRadiusMeters float64 `json:"outerGeofenceRadiusMeters,omitempty" yaml:"outerGeofenceRadiusMeters,omitempty" validate:"gte=0"`

	GraceWindow       time.Duration `json:"graceWindow" yaml:"graceWindow" validate:"gte=0"`
	OuterGraceWindow  time.Duration `json:"outerGraceWindow,omitempty" yaml:"outerGraceWindow,omitempty" validate:"gte=0"`
	MissedGraceWindow time.Duration `json:"missedGraceWindow,omitempty" yaml:"missedGraceWindow,omitempty" validate:"gte=0"`

	// MaxUnverifiedAge auto-flags in-progress visits without a clock-out after this long (0 disables)
	MaxUnverifiedAge time.Duration `json:"maxUnverifiedAge,omitempty" yaml:"maxUnverifiedAge,omitempty" validate:"gte=0"`

	RequireLocation   bool    `json:"requireLocation" yaml:"requireLocation"`
	MaxAccuracyMeters float64 `json:"maxAccuracyMeters,omitempty" yaml:"maxAccuracyMeters,omitempty" validate:"gte=0"`
}

// OuterRadius returns the explicit outer geofence bound or twice the given radius
func (p VerificationPolicy) OuterRadius(radius float64) float64 {
	if p.OuterGeofenceRadiusMeters > 0 && p.OuterGeofenceRadiusMeters >= radius {
		return p.OuterGeofenceRadiusMeters
	}
	return 2 * radius
}

// OuterGrace returns the explicit outer grace bound or twice the grace window
func (p VerificationPolicy) OuterGrace() time.Duration {
	if p.OuterGraceWindow > 0 && p.OuterGraceWindow >= p.GraceWindow {
		return p.OuterGraceWindow
	}
	return 2 * p.GraceWindow
}

// MissedAfter returns how long after planned end a visit without clock-in becomes missed
func (p VerificationPolicy) MissedAfter() time.Duration {
	if p.MissedGraceWindow > 0 {
		return p.MissedGraceWindow
	}
	return p.GraceWindow
}

// ClientBookingMode controls whether a client may receive overlapping visits
type ClientBookingMode string

const (
	// ClientBookingReject fails scheduling when a client already has an overlapping visit
	ClientBookingReject ClientBookingMode = "reject"
	// ClientBookingFlag allows the overlap but records it on the created event
	ClientBookingFlag ClientBookingMode = "flag"
	// ClientBookingAllow ignores client overlaps
	ClientBookingAllow ClientBookingMode = "allow"
)

// Valid reports whether the mode is known
func (m ClientBookingMode) Valid() bool {
	switch m {
	case ClientBookingReject, ClientBookingFlag, ClientBookingAllow:
		return true
	}
	return false
}
