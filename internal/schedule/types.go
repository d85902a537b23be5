package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"shiftbell/internal/season"
)

// ErrNoConfiguration is returned by every query when the schedule document
// could not be loaded.
var ErrNoConfiguration = errors.New("no configuration loaded")

// ErrInvalidBlock marks a block whose times cannot be used.
var ErrInvalidBlock = errors.New("schedule: invalid block")

// Block is a named time window within one day.
type Block struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Entity string `json:"entity"`
}

// Minutes returns the block bounds as minutes after midnight.
func (b Block) Minutes() (start, end int, err error) {
	start, err = ParseClock(b.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: start: %w", ErrInvalidBlock, err)
	}
	end, err = ParseClock(b.End)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: end: %w", ErrInvalidBlock, err)
	}
	if start >= end {
		return 0, 0, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidBlock, b.Start, b.End)
	}
	return start, end, nil
}

// ParseClock parses "HH:MM" (24h) into minutes after midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(mm) != 2 || len(hh) < 1 || len(hh) > 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Season carries display metadata; only summer holds the rules.
type Season struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	RuleStart   *season.Rule `json:"rule_start,omitempty"`
	RuleEnd     *season.Rule `json:"rule_end,omitempty"`
}

// DayBlocks is the weekday table of one season.
type DayBlocks struct {
	MondayToThursday []Block `json:"monday_to_thursday"`
	Friday           []Block `json:"friday"`
}

// Config is the static schedule document. It is immutable once loaded.
type Config struct {
	Timezone  string                   `json:"timezone,omitempty"`
	Seasons   map[season.Key]Season    `json:"seasons"`
	Schedules map[season.Key]DayBlocks `json:"schedules"`
}

// Validate checks the document shape. Rules and block times are checked
// lazily so one bad entry never disables the rest of the schedule.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNoConfiguration
	}
	for _, k := range []season.Key{season.Summer, season.Winter} {
		if _, ok := c.Seasons[k]; !ok {
			return fmt.Errorf("seasons.%s is required", k)
		}
		if _, ok := c.Schedules[k]; !ok {
			return fmt.Errorf("schedules.%s is required", k)
		}
	}
	for k := range c.Seasons {
		if k != season.Summer && k != season.Winter {
			return fmt.Errorf("seasons: unknown key %q (want summer or winter)", k)
		}
	}
	for k := range c.Schedules {
		if k != season.Summer && k != season.Winter {
			return fmt.Errorf("schedules: unknown key %q (want summer or winter)", k)
		}
	}
	if strings.TrimSpace(c.Timezone) != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// Lint reports the problems Validate tolerates: unusable rules and blocks.
func (c *Config) Lint() []error {
	if c == nil {
		return nil
	}
	var out []error
	summer := c.Seasons[season.Summer]
	for name, r := range map[string]*season.Rule{"rule_start": summer.RuleStart, "rule_end": summer.RuleEnd} {
		if r == nil {
			out = append(out, fmt.Errorf("seasons.summer.%s: missing", name))
			continue
		}
		if err := r.Validate(); err != nil {
			out = append(out, fmt.Errorf("seasons.summer.%s: %w", name, err))
		}
	}
	for _, k := range []season.Key{season.Summer, season.Winter} {
		days := c.Schedules[k]
		for dt, blocks := range map[DayType][]Block{MondayToThursday: days.MondayToThursday, Friday: days.Friday} {
			for i, b := range blocks {
				if _, _, err := b.Minutes(); err != nil {
					out = append(out, fmt.Errorf("schedules.%s.%s[%d]: %w", k, dt, i, err))
				}
			}
		}
	}
	return out
}

// DayType groups weekdays that share a block table.
type DayType string

const (
	MondayToThursday DayType = "monday_to_thursday"
	Friday           DayType = "friday"
	Weekend          DayType = "weekend"
)

func DayTypeOf(wd time.Weekday) DayType {
	switch wd {
	case time.Saturday, time.Sunday:
		return Weekend
	case time.Friday:
		return Friday
	default:
		return MondayToThursday
	}
}

func (d DayBlocks) For(dt DayType) []Block {
	switch dt {
	case MondayToThursday:
		return d.MondayToThursday
	case Friday:
		return d.Friday
	default:
		return nil
	}
}
