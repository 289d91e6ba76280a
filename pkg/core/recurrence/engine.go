package recurrence

import (
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/jakechorley/carevisit/pkg/core/model"
)

// visitNamespace scopes deterministic visit ids generated from templates
var visitNamespace = uuid.MustParse("6f1c9a52-3b8e-4d7a-9c15-2e0b7f4a8d31")

var weekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// Horizon is an inclusive range of calendar dates in the template's time zone
type Horizon struct {
	From model.Date
	To   model.Date
}

// Materialized answers whether a (template id, planned start) pair already exists
type Materialized interface {
	Has(templateID string, plannedStart time.Time) bool
}

// StartSet is an in-memory Materialized keyed by template id and planned start instant
type StartSet map[string]struct{}

func startKey(templateID string, plannedStart time.Time) string {
	return templateID + "|" + strconv.FormatInt(plannedStart.UnixMicro(), 10)
}

// Add records a materialized start
func (s StartSet) Add(templateID string, plannedStart time.Time) {
	s[startKey(templateID, plannedStart)] = struct{}{}
}

// Has implements Materialized
func (s StartSet) Has(templateID string, plannedStart time.Time) bool {
	_, ok := s[startKey(templateID, plannedStart)]
	return ok
}

// Closure is a recurring agency closure during which no visits are generated,
// e.g. "FREQ=YEARLY;BYMONTH=12;BYMONTHDAY=25"
type Closure struct {
	Name  string `yaml:"name"`
	RRule string `yaml:"rrule" validate:"required"`
}

// Engine expands shift templates into candidate visits
type Engine struct {
	closures []Closure
}

// NewEngine returns an engine that skips occurrences falling on any closure date
func NewEngine(closures []Closure) (*Engine, error) {
	for i, c := range closures {
		if _, err := rrule.StrToRRule(c.RRule); err != nil {
			return nil, fmt.Errorf("invalid rrule in closure %d (%s): %w", i, c.Name, err)
		}
	}
	return &Engine{closures: closures}, nil
}

// VisitID returns the deterministic id of the visit generated from a template at a planned start
func VisitID(templateID string, version int, plannedStart time.Time) string {
	name := fmt.Sprintf("%s/%d/%s", templateID, version, plannedStart.UTC().Format(time.RFC3339))
	return uuid.NewSHA1(visitNamespace, []byte(name)).String()
}

// BuildRule converts a template into an rrule anchored at its validity start in the
// location's time zone. Occurrences keep a fixed wall-clock time across DST changes.
func BuildRule(tpl model.ShiftTemplate) (*rrule.RRule, *time.Location, error) {
	loc, err := tpl.Location.LoadLocation()
	if err != nil {
		return nil, nil, err
	}
	if len(tpl.Rule.Weekdays) == 0 {
		return nil, nil, fmt.Errorf("%w: recurrence rule needs at least one weekday", model.ErrInvalidInput)
	}
	if tpl.Rule.Duration <= 0 || tpl.Rule.Duration > 24*time.Hour {
		return nil, nil, fmt.Errorf("%w: duration must be within (0, 24h]", model.ErrInvalidInput)
	}
	if tpl.ValidFrom.IsZero() {
		return nil, nil, fmt.Errorf("%w: template needs a validFrom date", model.ErrInvalidInput)
	}
	hour, minute, err := tpl.Rule.ClockTime()
	if err != nil {
		return nil, nil, err
	}

	byDay := make([]rrule.Weekday, 0, len(tpl.Rule.Weekdays))
	for _, wd := range tpl.Rule.Weekdays {
		rwd, ok := weekdays[wd]
		if !ok {
			return nil, nil, fmt.Errorf("%w: invalid weekday %d", model.ErrInvalidInput, wd)
		}
		byDay = append(byDay, rwd)
	}

	interval := tpl.Rule.IntervalWeeks
	if interval <= 0 {
		interval = 1
	}

	opt := rrule.ROption{
		Freq:      rrule.WEEKLY,
		Interval:  interval,
		Wkst:      rrule.MO,
		Byweekday: byDay,
		Dtstart:   time.Date(tpl.ValidFrom.Year, tpl.ValidFrom.Month, tpl.ValidFrom.Day, hour, minute, 0, 0, loc),
		Count:     tpl.Rule.Count,
	}

	// The earlier of the rule end date and the validity end bounds the series
	end := tpl.Rule.EndDate
	if tpl.ValidTo != nil && (end == nil || tpl.ValidTo.Before(*end)) {
		end = tpl.ValidTo
	}
	if end != nil {
		if end.Before(tpl.ValidFrom) {
			return nil, nil, fmt.Errorf("%w: end date %s is before validFrom %s", model.ErrInvalidInput, end, tpl.ValidFrom)
		}
		opt.Until = end.EndIn(loc).Add(-time.Second)
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build recurrence rule: %w", err)
	}
	return rule, loc, nil
}

// Candidates returns a lazy, finite sequence of visits the template produces within the
// horizon. Each range over the sequence restarts expansion from the beginning. Starts
// already present in materialized are skipped, so regeneration never yields duplicates.
// Paused and retired templates produce nothing.
func (e *Engine) Candidates(tpl model.ShiftTemplate, horizon Horizon, materialized Materialized) (iter.Seq[model.ScheduledVisit], error) {
	if horizon.To.Before(horizon.From) {
		return nil, fmt.Errorf("%w: horizon end %s is before start %s", model.ErrInvalidInput, horizon.To, horizon.From)
	}
	if _, _, err := BuildRule(tpl); err != nil {
		return nil, err
	}

	return func(yield func(model.ScheduledVisit) bool) {
		if tpl.Status != "" && tpl.Status != model.TemplateActive {
			return
		}

		rule, loc, err := BuildRule(tpl)
		if err != nil {
			return
		}
		hour, minute, _ := tpl.Rule.ClockTime()
		from := horizon.From.In(loc)
		to := horizon.To.EndIn(loc)
		closed := e.closedDates(loc, from, to)

		seen := make(StartSet)
		next := rule.Iterator()
		for {
			occurrence, ok := next()
			if !ok {
				return
			}
			// Pin the wall-clock time on the occurrence's local date
			day := model.DateOf(occurrence.In(loc))
			start := time.Date(day.Year, day.Month, day.Day, hour, minute, 0, 0, loc)
			if !start.Before(to) {
				return
			}
			if start.Before(from) {
				continue
			}
			if _, isClosed := closed[day]; isClosed {
				continue
			}
			if seen.Has(tpl.ID, start) || (materialized != nil && materialized.Has(tpl.ID, start)) {
				continue
			}
			seen.Add(tpl.ID, start)

			visit := model.ScheduledVisit{
				ID:              VisitID(tpl.ID, tpl.Version, start),
				TemplateID:      tpl.ID,
				TemplateVersion: tpl.Version,
				CaregiverID:     tpl.CaregiverID,
				ClientID:        tpl.ClientID,
				ServiceType:     tpl.ServiceType,
				Location:        tpl.Location,
				PlannedStart:    start,
				PlannedEnd:      start.Add(tpl.Rule.Duration),
				Status:          model.VisitScheduled,
			}
			if !yield(visit) {
				return
			}
		}
	}, nil
}

// closedDates expands every closure rule over [from, to) into a set of local dates
func (e *Engine) closedDates(loc *time.Location, from, to time.Time) map[model.Date]struct{} {
	closed := make(map[model.Date]struct{})
	for _, c := range e.closures {
		rule, err := rrule.StrToRRule(c.RRule)
		if err != nil {
			continue
		}
		// Anchor a week before the range so rules relative to DTSTART still land on their dates
		searchStart := from.AddDate(0, 0, -7)
		rule.DTStart(searchStart)
		for _, occurrence := range rule.Between(searchStart, to, true) {
			closed[model.DateOf(occurrence.In(loc))] = struct{}{}
		}
	}
	return closed
}

// Collect drains a candidate sequence into a slice
func Collect(seq iter.Seq[model.ScheduledVisit]) []model.ScheduledVisit {
	var out []model.ScheduledVisit
	for v := range seq {
		out = append(out, v)
	}
	return out
}
