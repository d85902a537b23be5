package season

import (
	"fmt"
	"sort"
	"time"
)

// Key names one of the two seasons.
type Key string

const (
	Summer Key = "summer"
	Winter Key = "winter"
)

// Other returns the season that follows k.
func (k Key) Other() Key {
	if k == Summer {
		return Winter
	}
	return Summer
}

// Window is one summer interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains applies the half-open law: the end date already belongs to winter.
func (w Window) Contains(day time.Time) bool {
	return !day.Before(w.Start) && day.Before(w.End)
}

// Change describes the next season boundary.
type Change struct {
	Date          time.Time `json:"date"`
	Season        Key       `json:"season"`
	Label         string    `json:"label"`
	DaysRemaining int       `json:"days_remaining"`
}

type Option func(*Resolver)

// WithLocation sets the location "today" is evaluated in. Default time.Local.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithLabel sets the human label reported for k in Change.Label.
func WithLabel(k Key, label string) Option {
	return func(r *Resolver) {
		if label != "" {
			r.labels[k] = label
		}
	}
}

// Resolver maps calendar dates to seasons. It is immutable and safe for
// concurrent use.
type Resolver struct {
	start  *Rule
	end    *Rule
	loc    *time.Location
	labels map[Key]string
}

// NewResolver builds a resolver for the summer rules. Nil or invalid rules are
// accepted here and reported as ErrUnresolved by every query.
func NewResolver(start, end *Rule, opts ...Option) *Resolver {
	r := &Resolver{
		loc:    time.Local,
		labels: map[Key]string{Summer: string(Summer), Winter: string(Winter)},
	}
	if start != nil {
		cp := *start
		r.start = &cp
	}
	if end != nil {
		cp := *end
		r.end = &cp
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

func (r *Resolver) Location() *time.Location { return r.loc }

// Label returns the configured label for k.
func (r *Resolver) Label(k Key) string { return r.labels[k] }

func (r *Resolver) rules() (Rule, Rule, error) {
	if r == nil || r.start == nil || r.end == nil {
		return Rule{}, Rule{}, fmt.Errorf("%w: summer rules missing", ErrUnresolved)
	}
	if err := r.start.Validate(); err != nil {
		return Rule{}, Rule{}, fmt.Errorf("%w: rule_start: %w", ErrUnresolved, err)
	}
	if err := r.end.Validate(); err != nil {
		return Rule{}, Rule{}, fmt.Errorf("%w: rule_end: %w", ErrUnresolved, err)
	}
	if r.start.Month == r.end.Month {
		return Rule{}, Rule{}, fmt.Errorf("%w: rule_start and rule_end share month %d", ErrUnresolved, r.start.Month)
	}
	return *r.start, *r.end, nil
}

// Day truncates t to midnight in the resolver's location.
func (r *Resolver) Day(t time.Time) time.Time {
	t = t.In(r.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, r.loc)
}

// Window returns the summer interval that is current or most recently
// relevant for today. When the rules straddle new year (start month after end
// month) the start year depends on which side of the start month today is;
// otherwise both boundaries fall in today's year.
func (r *Resolver) Window(today time.Time) (Window, error) {
	start, end, err := r.rules()
	if err != nil {
		return Window{}, err
	}
	day := r.Day(today)
	y := day.Year()

	startYear, endYear := y, y
	if start.Month > end.Month {
		if int(day.Month()) >= start.Month {
			endYear = y + 1
		} else {
			startYear = y - 1
		}
	}
	return r.window(start, end, startYear, endYear)
}

func (r *Resolver) window(start, end Rule, startYear, endYear int) (Window, error) {
	s, err := start.In(startYear, r.loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: rule_start %d: %w", ErrUnresolved, startYear, err)
	}
	e, err := end.In(endYear, r.loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: rule_end %d: %w", ErrUnresolved, endYear, err)
	}
	return Window{Start: s, End: e}, nil
}

// Current returns the season active on today's date.
func (r *Resolver) Current(today time.Time) (Key, error) {
	w, err := r.Window(today)
	if err != nil {
		return "", err
	}
	if w.Contains(r.Day(today)) {
		return Summer, nil
	}
	return Winter, nil
}

// NextChange returns the first season boundary strictly after today.
func (r *Resolver) NextChange(today time.Time) (Change, error) {
	w, err := r.Window(today)
	if err != nil {
		return Change{}, err
	}
	day := r.Day(today)

	switch {
	case w.Contains(day):
		return r.change(day, w.End, Winter), nil
	case day.Before(w.Start):
		return r.change(day, w.Start, Summer), nil
	}

	start, _, _ := r.rules()
	next, err := start.In(w.Start.Year()+1, r.loc)
	if err != nil {
		return Change{}, fmt.Errorf("%w: rule_start %d: %w", ErrUnresolved, w.Start.Year()+1, err)
	}
	return r.change(day, next, Summer), nil
}

func (r *Resolver) change(day, at time.Time, k Key) Change {
	return Change{
		Date:          at,
		Season:        k,
		Label:         r.labels[k],
		DaysRemaining: DaysBetween(day, at),
	}
}

// Upcoming lists the next n season boundaries strictly after from, expanding
// both rules as yearly recurrences. Years where an occurrence-5 rule has no
// match are skipped rather than reported.
func (r *Resolver) Upcoming(from time.Time, n int) ([]Change, error) {
	if n <= 0 {
		return nil, nil
	}
	start, end, err := r.rules()
	if err != nil {
		return nil, err
	}
	day := r.Day(from)
	dtstart := time.Date(day.Year()-1, time.January, 1, 0, 0, 0, 0, r.loc)

	startRR, err := start.RRule(dtstart)
	if err != nil {
		return nil, fmt.Errorf("%w: rule_start: %w", ErrUnresolved, err)
	}
	endRR, err := end.RRule(dtstart)
	if err != nil {
		return nil, fmt.Errorf("%w: rule_end: %w", ErrUnresolved, err)
	}

	out := make([]Change, 0, n)
	cursor := day
	for len(out) < n {
		s := startRR.After(cursor, false)
		e := endRR.After(cursor, false)
		if s.IsZero() && e.IsZero() {
			break
		}
		cands := make([]Change, 0, 2)
		if !s.IsZero() {
			cands = append(cands, r.change(day, r.Day(s), Summer))
		}
		if !e.IsZero() {
			cands = append(cands, r.change(day, r.Day(e), Winter))
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].Date.Before(cands[j].Date) })
		next := cands[0]
		out = append(out, next)
		cursor = next.Date
	}
	return out, nil
}

// DaysBetween counts calendar days from a to b using their wall-clock dates,
// so DST shifts never produce fractional days.
func DaysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua) / (24 * time.Hour))
}
