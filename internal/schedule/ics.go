package schedule

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"shiftbell/internal/season"
)

const icsProduct = "shiftbell"

// ICS renders the resolved day as an iCalendar feed: one event per usable
// block (with a display alarm alarmBefore the start when > 0) plus yearly
// all-day events for both season boundaries.
func (s *Service) ICS(now time.Time, alarmBefore time.Duration) (string, error) {
	r, err := s.Today(now)
	if err != nil {
		return "", err
	}

	cal := ical.NewCalendarFor(icsProduct)
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(fmt.Sprintf("%s %s", icsProduct, r.Date))
	cal.SetXWRTimezone(s.Location().String())

	for i, b := range r.Blocks {
		start, end, err := b.Minutes()
		if err != nil {
			continue
		}
		ev := cal.AddEvent(fmt.Sprintf("%s-%d@%s", r.Date, i, icsProduct))
		ev.SetDtStampTime(now)
		ev.SetStartAt(wallClock(r.Day, start))
		ev.SetEndAt(wallClock(r.Day, end))
		ev.SetSummary(b.Entity)
		ev.SetDescription(r.Season.Name)
		if alarmBefore > 0 {
			a := ev.AddAlarm()
			a.SetAction(ical.ActionDisplay)
			a.SetTrigger(fmt.Sprintf("-PT%dM", int(alarmBefore/time.Minute)))
		}
	}

	summer := s.cfg.Seasons[season.Summer]
	changes, err := s.Upcoming(now, 2)
	if err != nil {
		return "", err
	}
	for _, c := range changes {
		rule := summer.RuleStart
		if c.Season == season.Winter {
			rule = summer.RuleEnd
		}
		ev := cal.AddEvent(fmt.Sprintf("season-%s@%s", c.Season, icsProduct))
		ev.SetDtStampTime(now)
		ev.SetAllDayStartAt(c.Date)
		ev.SetAllDayEndAt(c.Date.AddDate(0, 0, 1))
		ev.SetSummary(fmt.Sprintf("Season change: %s", c.Label))
		if rrule, err := rule.RecurrenceString(); err == nil {
			ev.AddRrule(rrule)
		}
	}

	return cal.Serialize(), nil
}

// wallClock is minute-of-day on day's date as local time. Adding a duration
// to midnight drifts by an hour on DST transition days.
func wallClock(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, day.Location())
}
