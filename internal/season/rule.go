package season

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

var (
	// ErrNotFound is returned when a month has fewer than n occurrences of a weekday.
	ErrNotFound = errors.New("season: weekday occurrence not found in month")
	// ErrInvalidRule is returned for rules with out-of-range fields.
	ErrInvalidRule = errors.New("season: invalid rule")
	// ErrUnresolved wraps every failure to resolve a season. Callers must treat it
	// as a configuration error, never as a schedule answer.
	ErrUnresolved = errors.New("season: unresolved")
)

// Rule identifies "the Nth occurrence of weekday in month".
//
// Weekday follows time.Weekday numbering (0=Sunday).
type Rule struct {
	Month      int `json:"month"`
	Weekday    int `json:"weekday"`
	Occurrence int `json:"occurrence"`
}

func (r Rule) Validate() error {
	if r.Month < 1 || r.Month > 12 {
		return fmt.Errorf("%w: month %d out of range 1-12", ErrInvalidRule, r.Month)
	}
	if r.Weekday < 0 || r.Weekday > 6 {
		return fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidRule, r.Weekday)
	}
	if r.Occurrence < 1 || r.Occurrence > 5 {
		return fmt.Errorf("%w: occurrence %d out of range 1-5", ErrInvalidRule, r.Occurrence)
	}
	return nil
}

// In returns the rule's date in the given year (midnight, loc).
func (r Rule) In(year int, loc *time.Location) (time.Time, error) {
	return NthWeekdayOfMonth(year, time.Month(r.Month), time.Weekday(r.Weekday), r.Occurrence, loc)
}

// NthWeekdayOfMonth scans month from day 1 forward and returns the n-th date
// falling on weekday, at midnight in loc. It returns ErrNotFound when the
// month has fewer than n such days.
func NthWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, n int, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if n < 1 {
		return time.Time{}, fmt.Errorf("%w: occurrence %d", ErrNotFound, n)
	}
	count := 0
	for d := time.Date(year, month, 1, 0, 0, 0, 0, loc); d.Month() == month; d = d.AddDate(0, 0, 1) {
		if d.Weekday() != weekday {
			continue
		}
		count++
		if count == n {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s #%d in %s %d", ErrNotFound, weekday, n, month, year)
}

var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// RRule expresses the rule as a yearly recurrence starting at dtstart.
func (r Rule) RRule(dtstart time.Time) (*rrule.RRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return rrule.NewRRule(rrule.ROption{
		Freq:      rrule.YEARLY,
		Dtstart:   dtstart,
		Bymonth:   []int{r.Month},
		Byweekday: []rrule.Weekday{rruleWeekdays[r.Weekday].Nth(r.Occurrence)},
	})
}

// RecurrenceString renders the RFC 5545 RRULE value, e.g. "FREQ=YEARLY;BYMONTH=9;BYDAY=+1SA".
func (r Rule) RecurrenceString() (string, error) {
	rr, err := r.RRule(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return "", err
	}
	return rr.OrigOptions.RRuleString(), nil
}
