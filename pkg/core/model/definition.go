package model

import (
	"fmt"
	"strings"
	"time"
)

// TemplateDefinition is a shift template as written by people: weekday names and a
// duration string. It is the body of the template API and the CLI's YAML files.
type TemplateDefinition struct {
	CaregiverID   string   `json:"caregiverId" yaml:"caregiverId"`
	ClientID      string   `json:"clientId" yaml:"clientId"`
	ServiceType   string   `json:"serviceType,omitempty" yaml:"serviceType,omitempty"`
	Weekdays      []string `json:"weekdays" yaml:"weekdays"`
	StartTime     string   `json:"startTime" yaml:"startTime"`
	Duration      string   `json:"duration" yaml:"duration"`
	IntervalWeeks int      `json:"intervalWeeks,omitempty" yaml:"intervalWeeks,omitempty"`
	EndDate       *Date    `json:"endDate,omitempty" yaml:"endDate,omitempty"`
	Count         int      `json:"count,omitempty" yaml:"count,omitempty"`
	ValidFrom     Date     `json:"validFrom" yaml:"validFrom"`
	ValidTo       *Date    `json:"validTo,omitempty" yaml:"validTo,omitempty"`
	Location      Location `json:"location" yaml:"location"`
}

// Template converts the definition. Identity, version and status are left for the core to assign.
func (d TemplateDefinition) Template() (ShiftTemplate, error) {
	weekdays := make([]time.Weekday, 0, len(d.Weekdays))
	for _, name := range d.Weekdays {
		wd, err := ParseWeekday(name)
		if err != nil {
			return ShiftTemplate{}, err
		}
		weekdays = append(weekdays, wd)
	}

	duration, err := time.ParseDuration(d.Duration)
	if err != nil {
		return ShiftTemplate{}, fmt.Errorf("%w: duration %q: %v", ErrInvalidInput, d.Duration, err)
	}

	return ShiftTemplate{
		CaregiverID: d.CaregiverID,
		ClientID:    d.ClientID,
		ServiceType: d.ServiceType,
		Rule: RecurrenceRule{
			Weekdays:      weekdays,
			StartTime:     d.StartTime,
			Duration:      duration,
			IntervalWeeks: d.IntervalWeeks,
			EndDate:       d.EndDate,
			Count:         d.Count,
		},
		ValidFrom: d.ValidFrom,
		ValidTo:   d.ValidTo,
		Location:  d.Location,
	}, nil
}

// ParseWeekday accepts full or three-letter English day names in any case
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		full := strings.ToLower(wd.String())
		if name == full || name == full[:3] {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidInput, s)
}
