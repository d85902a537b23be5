package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"shiftbell/internal/season"
)

// SeasonInfo is the active season with its display metadata.
type SeasonInfo struct {
	Key         season.Key `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
}

// NextChange is the next season boundary as exposed by the API.
type NextChange struct {
	Date           string     `json:"date"`
	DaysRemaining  int        `json:"daysRemaining"`
	NextSeasonName string     `json:"nextSeasonName"`
	Season         season.Key `json:"season"`
}

// Resolved is the schedule in force on one date. It is computed per call.
type Resolved struct {
	Date             string     `json:"date"`
	Season           SeasonInfo `json:"season"`
	NextSeasonChange NextChange `json:"nextSeasonChange"`
	DayType          DayType    `json:"dayType"`
	Blocks           []Block    `json:"blocks"`

	// Day is midnight of Date in the schedule location.
	Day time.Time `json:"-"`
}

// Service answers schedule queries for an injected, immutable Config.
type Service struct {
	cfg      *Config
	loc      *time.Location
	resolver *season.Resolver
	loadErr  error
}

// NewService wraps cfg. The schedule's own timezone wins over fallback.
// A nil cfg yields a service whose queries all fail with ErrNoConfiguration.
func NewService(cfg *Config, fallback *time.Location) *Service {
	if fallback == nil {
		fallback = time.Local
	}
	s := &Service{cfg: cfg, loc: fallback}
	if cfg == nil {
		s.loadErr = ErrNoConfiguration
		return s
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			s.loc = loc
		}
	}
	summer := cfg.Seasons[season.Summer]
	winter := cfg.Seasons[season.Winter]
	s.resolver = season.NewResolver(summer.RuleStart, summer.RuleEnd,
		season.WithLocation(s.loc),
		season.WithLabel(season.Summer, summer.Name),
		season.WithLabel(season.Winter, winter.Name),
	)
	return s
}

// Unavailable returns a service that reports loadErr on every query.
func Unavailable(loadErr error, loc *time.Location) *Service {
	s := NewService(nil, loc)
	if loadErr != nil {
		s.loadErr = fmt.Errorf("%w: %w", ErrNoConfiguration, loadErr)
		if errors.Is(loadErr, ErrNoConfiguration) {
			s.loadErr = loadErr
		}
	}
	return s
}

// IsUnavailable reports whether err means the schedule cannot be answered
// because of configuration, as opposed to a caller error.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNoConfiguration) || errors.Is(err, season.ErrUnresolved)
}

func (s *Service) Loaded() bool { return s != nil && s.cfg != nil }

// Err returns the load error, if any.
func (s *Service) Err() error {
	if s == nil {
		return ErrNoConfiguration
	}
	return s.loadErr
}

func (s *Service) Location() *time.Location {
	if s == nil || s.loc == nil {
		return time.Local
	}
	return s.loc
}

func (s *Service) Config() *Config { return s.cfg }

func (s *Service) Resolver() (*season.Resolver, error) {
	if !s.Loaded() {
		return nil, s.Err()
	}
	return s.resolver, nil
}

// Today resolves the schedule for the calendar date of now.
func (s *Service) Today(now time.Time) (Resolved, error) {
	if !s.Loaded() {
		return Resolved{}, s.Err()
	}
	day := s.resolver.Day(now)

	key, err := s.resolver.Current(day)
	if err != nil {
		return Resolved{}, err
	}
	next, err := s.resolver.NextChange(day)
	if err != nil {
		return Resolved{}, err
	}

	info := s.cfg.Seasons[key]
	dt := DayTypeOf(day.Weekday())
	blocks := append([]Block{}, s.cfg.Schedules[key].For(dt)...)

	return Resolved{
		Date: day.Format(time.DateOnly),
		Season: SeasonInfo{
			Key:         key,
			Name:        info.Name,
			Description: info.Description,
		},
		NextSeasonChange: NextChange{
			Date:           next.Date.Format(time.DateOnly),
			DaysRemaining:  next.DaysRemaining,
			NextSeasonName: next.Label,
			Season:         next.Season,
		},
		DayType: dt,
		Blocks:  blocks,
		Day:     day,
	}, nil
}

// NextChange returns the next season boundary after now's date.
func (s *Service) NextChange(now time.Time) (season.Change, error) {
	r, err := s.Resolver()
	if err != nil {
		return season.Change{}, err
	}
	return r.NextChange(now)
}

// Upcoming lists the next n season boundaries after now's date.
func (s *Service) Upcoming(now time.Time, n int) ([]season.Change, error) {
	r, err := s.Resolver()
	if err != nil {
		return nil, err
	}
	return r.Upcoming(now, n)
}
