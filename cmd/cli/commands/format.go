package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jakechorley/carevisit/pkg/core/ledger"
	"github.com/jakechorley/carevisit/pkg/core/model"
)

const displayLayout = "2006-01-02 15:04 MST"

// parseTime accepts RFC3339 or "YYYY-MM-DD HH:MM" wall time in loc
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q must be RFC3339 or \"YYYY-MM-DD HH:MM\"", s)
	}
	return t, nil
}

// loadTemplateFile reads a YAML template definition. A missing time zone falls back to defaultTZ.
func loadTemplateFile(path, defaultTZ string) (model.ShiftTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ShiftTemplate{}, fmt.Errorf("failed to read template file: %w", err)
	}

	var def model.TemplateDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.ShiftTemplate{}, fmt.Errorf("failed to parse template file: %w", err)
	}
	if def.Location.TimeZone == "" {
		def.Location.TimeZone = defaultTZ
	}
	return def.Template()
}

func weekdayNames(days []time.Weekday) string {
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = d.String()[:3]
	}
	return strings.Join(names, ", ")
}

func printTemplate(tpl model.ShiftTemplate) {
	fmt.Printf("Template ID:  %s (v%d)\n", tpl.ID, tpl.Version)
	if tpl.SupersedesID != "" {
		fmt.Printf("Supersedes:   %s\n", tpl.SupersedesID)
	}
	fmt.Printf("Caregiver:    %s\n", tpl.CaregiverID)
	fmt.Printf("Client:       %s\n", tpl.ClientID)
	fmt.Printf("Pattern:      %s at %s for %s", weekdayNames(tpl.Rule.Weekdays), tpl.Rule.StartTime, tpl.Rule.Duration)
	if tpl.Rule.IntervalWeeks > 1 {
		fmt.Printf(", every %d weeks", tpl.Rule.IntervalWeeks)
	}
	fmt.Println()
	validTo := "open"
	if tpl.ValidTo != nil {
		validTo = tpl.ValidTo.String()
	}
	fmt.Printf("Valid:        %s to %s (%s)\n", tpl.ValidFrom, validTo, tpl.Location.TimeZone)
}

// visitLine renders one visit on a single line in the visit's own time zone
func visitLine(v model.ScheduledVisit) string {
	loc, err := v.Location.LoadLocation()
	if err != nil {
		loc = time.UTC
	}
	line := fmt.Sprintf("%s  %s - %s  %-11s  caregiver=%s client=%s",
		v.ID,
		v.PlannedStart.In(loc).Format(displayLayout),
		v.PlannedEnd.In(loc).Format("15:04"),
		v.Status,
		v.CaregiverID,
		v.ClientID)
	if v.Disputed {
		line += "  [disputed]"
	}
	if v.ConflictOverride {
		line += "  [override]"
	}
	return line
}

func printVisit(v model.ScheduledVisit) {
	fmt.Println(visitLine(v))
	for _, rec := range []struct {
		label string
		r     *model.ClockRecord
	}{{"clock-in", v.ClockIn}, {"clock-out", v.ClockOut}} {
		if rec.r == nil {
			continue
		}
		fmt.Printf("    %-9s %s  %s (policy v%d)", rec.label, rec.r.Timestamp.UTC().Format(time.RFC3339), rec.r.Classification, rec.r.PolicyVersion)
		if rec.r.DistanceMeters != nil {
			fmt.Printf("  %.0fm from location", *rec.r.DistanceMeters)
		}
		fmt.Println()
	}
}

// eventLine renders one ledger event with a shortened hash
func eventLine(e ledger.AuditEvent) string {
	actor := e.Actor.ID
	if e.Actor.Elevated {
		actor += " (elevated)"
	}
	line := fmt.Sprintf("%3d  %-11s  %s  %-24s  %s",
		e.VisitSeq, e.Kind, e.Timestamp.UTC().Format(time.RFC3339), actor, shortHash(e.Hash))
	if e.Amends != nil {
		line += fmt.Sprintf("  amends #%d", *e.Amends)
	}
	return line
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
