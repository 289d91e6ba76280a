package verification

import (
	"fmt"
	"math"
	"time"

	"github.com/jakechorley/carevisit/pkg/core/model"
)

// EventKind distinguishes clock-in from clock-out
type EventKind string

const (
	ClockIn  EventKind = "clock_in"
	ClockOut EventKind = "clock_out"
)

// ClockEvent is a device-reported clock event. Coordinates and accuracy are untrusted input.
type ClockEvent struct {
	Kind           EventKind
	Timestamp      time.Time
	Coords         *model.Coordinates
	AccuracyMeters float64
	DeviceID       string
}

// Decision records what the evaluator decided and every value that produced it.
// TimeDelta is the event time minus the planned start (clock-in) or planned end (clock-out).
type Decision struct {
	Classification    model.Classification `json:"classification"`
	PolicyVersion     int                  `json:"policyVersion"`
	DistanceMeters    *float64             `json:"distanceMeters,omitempty"`
	RadiusMeters      float64              `json:"radiusMeters"`
	OuterRadiusMeters float64              `json:"outerRadiusMeters"`
	TimeDelta         time.Duration        `json:"timeDelta"`
	LocationVerdict   model.Classification `json:"locationVerdict"`
	TimeVerdict       model.Classification `json:"timeVerdict"`
	LocationChecked   bool                 `json:"locationChecked"`
	Reasons           []string             `json:"reasons,omitempty"`
}

// Evaluate classifies a clock event for a visit under an explicit policy version.
// The worse of the location and time verdicts wins.
func Evaluate(policy model.VerificationPolicy, visit model.ScheduledVisit, event ClockEvent) Decision {
	radius := policy.GeofenceRadiusMeters
	if visit.Location.GeofenceRadiusMeters > 0 {
		radius = visit.Location.GeofenceRadiusMeters
	}

	d := Decision{
		PolicyVersion:     policy.Version,
		RadiusMeters:      radius,
		OuterRadiusMeters: policy.OuterRadius(radius),
	}

	d.LocationVerdict = evaluateLocation(policy, visit, event, &d)
	d.TimeVerdict = evaluateTime(policy, visit, event, &d)
	d.Classification = model.Worse(d.LocationVerdict, d.TimeVerdict)
	return d
}

func evaluateLocation(policy model.VerificationPolicy, visit model.ScheduledVisit, event ClockEvent, d *Decision) model.Classification {
	if event.Coords == nil || !event.Coords.Valid() || event.AccuracyMeters < 0 || math.IsNaN(event.AccuracyMeters) {
		if policy.RequireLocation {
			d.Reasons = append(d.Reasons, "location missing or invalid")
			return model.ClassificationRejected
		}
		d.Reasons = append(d.Reasons, "location not provided; not evaluated")
		return model.ClassificationVerified
	}

	d.LocationChecked = true
	distance := DistanceMeters(*event.Coords, visit.Location.Coords)
	d.DistanceMeters = &distance

	verdict := model.ClassificationVerified
	switch {
	case distance <= d.RadiusMeters:
	case distance <= d.OuterRadiusMeters:
		verdict = model.ClassificationFlagged
		d.Reasons = append(d.Reasons, fmt.Sprintf("%.0fm from expected location, outside %.0fm geofence", distance, d.RadiusMeters))
	default:
		verdict = model.ClassificationRejected
		d.Reasons = append(d.Reasons, fmt.Sprintf("%.0fm from expected location, beyond %.0fm outer bound", distance, d.OuterRadiusMeters))
	}

	if policy.MaxAccuracyMeters > 0 && event.AccuracyMeters > policy.MaxAccuracyMeters {
		d.Reasons = append(d.Reasons, fmt.Sprintf("accuracy %.0fm worse than %.0fm", event.AccuracyMeters, policy.MaxAccuracyMeters))
		verdict = model.Worse(verdict, model.ClassificationFlagged)
	}
	return verdict
}

func evaluateTime(policy model.VerificationPolicy, visit model.ScheduledVisit, event ClockEvent, d *Decision) model.Classification {
	planned := visit.PlannedStart
	label := "planned start"
	if event.Kind == ClockOut {
		planned = visit.PlannedEnd
		label = "planned end"
	}
	d.TimeDelta = event.Timestamp.Sub(planned)

	abs := d.TimeDelta.Abs()
	switch {
	case abs <= policy.GraceWindow:
		return model.ClassificationVerified
	case abs <= policy.OuterGrace():
		d.Reasons = append(d.Reasons, fmt.Sprintf("%s from %s, outside %s grace window", d.TimeDelta, label, policy.GraceWindow))
		return model.ClassificationFlagged
	default:
		d.Reasons = append(d.Reasons, fmt.Sprintf("%s from %s, beyond %s outer bound", d.TimeDelta, label, policy.OuterGrace()))
		return model.ClassificationRejected
	}
}
