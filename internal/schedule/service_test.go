package schedule

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"shiftbell/internal/season"
)

func loadFixture(t *testing.T) *Service {
	t.Helper()
	cfg, err := Load(filepath.Join("testdata", "schedules.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return NewService(cfg, time.UTC)
}

func TestTodayScenarios(t *testing.T) {
	t.Parallel()
	svc := loadFixture(t)
	tests := []struct {
		name    string
		now     time.Time
		season  season.Key
		dayType DayType
		blocks  int
		next    string
		days    int
	}{
		{"friday in summer", time.Date(2024, 11, 15, 9, 0, 0, 0, time.UTC), season.Summer, Friday, 1, "2025-04-05", 141},
		{"monday in summer", time.Date(2024, 11, 18, 7, 50, 0, 0, time.UTC), season.Summer, MondayToThursday, 2, "2025-04-05", 138},
		{"saturday", time.Date(2024, 11, 16, 8, 0, 0, 0, time.UTC), season.Summer, Weekend, 0, "2025-04-05", 140},
		{"winter tuesday", time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC), season.Winter, MondayToThursday, 1, "2025-09-06", 88},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r, err := svc.Today(tt.now)
			if err != nil {
				t.Fatalf("Today: %v", err)
			}
			if r.Season.Key != tt.season {
				t.Fatalf("season = %s, want %s", r.Season.Key, tt.season)
			}
			if r.DayType != tt.dayType {
				t.Fatalf("dayType = %s, want %s", r.DayType, tt.dayType)
			}
			if len(r.Blocks) != tt.blocks {
				t.Fatalf("blocks = %d, want %d", len(r.Blocks), tt.blocks)
			}
			if r.NextSeasonChange.Date != tt.next || r.NextSeasonChange.DaysRemaining != tt.days {
				t.Fatalf("next = %+v, want %s in %d days", r.NextSeasonChange, tt.next, tt.days)
			}
			if r.Date != tt.now.Format(time.DateOnly) {
				t.Fatalf("date = %s", r.Date)
			}
		})
	}
}

func TestTodayJSONShape(t *testing.T) {
	t.Parallel()
	svc := loadFixture(t)
	r, err := svc.Today(time.Date(2024, 11, 16, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"date", "season", "nextSeasonChange", "dayType", "blocks"} {
		if _, ok := got[k]; !ok {
			t.Fatalf("missing key %q in %s", k, b)
		}
	}
	if blocks, ok := got["blocks"].([]any); !ok || len(blocks) != 0 {
		t.Fatalf("weekend blocks = %v, want []", got["blocks"])
	}
	next := got["nextSeasonChange"].(map[string]any)
	if next["nextSeasonName"] != "Winter hours" {
		t.Fatalf("nextSeasonName = %v", next["nextSeasonName"])
	}
}

func TestTodayReturnsCopy(t *testing.T) {
	t.Parallel()
	svc := loadFixture(t)
	now := time.Date(2024, 11, 18, 9, 0, 0, 0, time.UTC)
	r, _ := svc.Today(now)
	r.Blocks[0].Entity = "mutated"
	again, _ := svc.Today(now)
	if again.Blocks[0].Entity != "Front Desk" {
		t.Fatalf("config mutated through Resolved: %q", again.Blocks[0].Entity)
	}
}

func TestUnavailable(t *testing.T) {
	t.Parallel()
	_, loadErr := Load(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(loadErr, ErrNoConfiguration) {
		t.Fatalf("Load err = %v", loadErr)
	}
	svc := Unavailable(loadErr, time.UTC)
	if svc.Loaded() {
		t.Fatal("Loaded() = true")
	}
	if _, err := svc.Today(time.Now()); !errors.Is(err, ErrNoConfiguration) || !IsUnavailable(err) {
		t.Fatalf("Today err = %v", err)
	}
	if _, err := svc.Upcoming(time.Now(), 3); !errors.Is(err, ErrNoConfiguration) {
		t.Fatalf("Upcoming err = %v", err)
	}
}

func TestMalformedRulesAreUnresolved(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join("testdata", "schedules.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	summer := cfg.Seasons[season.Summer]
	summer.RuleEnd = nil
	cfg.Seasons[season.Summer] = summer

	svc := NewService(cfg, time.UTC)
	_, err = svc.Today(time.Date(2024, 11, 15, 9, 0, 0, 0, time.UTC))
	if !errors.Is(err, season.ErrUnresolved) || !IsUnavailable(err) {
		t.Fatalf("Today err = %v, want ErrUnresolved", err)
	}
	if errs := cfg.Lint(); len(errs) != 1 {
		t.Fatalf("Lint = %v, want 1 error", errs)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join("testdata", "schedules.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Seasons[season.Summer].RuleStart; got == nil || got.Month != 9 {
		t.Fatalf("rule_start = %+v", got)
	}
	if n := len(cfg.Schedules[season.Winter].MondayToThursday); n != 1 {
		t.Fatalf("winter blocks = %d", n)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", `{"seasons":{},"schedules":{},"extra":1}`},
		{"missing winter", `{"seasons":{"summer":{"name":"s"}},"schedules":{"summer":{},"winter":{}}}`},
		{"unknown season", `{"seasons":{"summer":{},"winter":{},"spring":{}},"schedules":{"summer":{},"winter":{}}}`},
		{"bad timezone", `{"timezone":"Mars/Olympus","seasons":{"summer":{},"winter":{}},"schedules":{"summer":{},"winter":{}}}`},
		{"trailing data", `{"seasons":{"summer":{},"winter":{}},"schedules":{"summer":{},"winter":{}}} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse("schedules.json", []byte(tt.doc)); !errors.Is(err, ErrNoConfiguration) {
				t.Fatalf("Parse err = %v, want ErrNoConfiguration", err)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"00:00", 0, true},
		{"08:05", 485, true},
		{"8:05", 485, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"12", 0, false},
		{"ab:cd", 0, false},
		{"12:5", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseClock(%q) err = %v", tt.in, err)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBlockMinutesOrder(t *testing.T) {
	t.Parallel()
	if _, _, err := (Block{Start: "12:00", End: "08:00"}).Minutes(); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := (Block{Start: "08:00", End: "08:00"}).Minutes(); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("err = %v", err)
	}
}

func TestICS(t *testing.T) {
	t.Parallel()
	svc := loadFixture(t)
	now := time.Date(2024, 11, 18, 7, 0, 0, 0, time.UTC)
	out, err := svc.ICS(now, 10*time.Minute)
	if err != nil {
		t.Fatalf("ICS: %v", err)
	}
	cal, err := ical.ParseCalendar(strings.NewReader(out))
	if err != nil {
		t.Fatalf("ParseCalendar: %v\n%s", err, out)
	}
	events := cal.Events()
	if len(events) != 4 {
		t.Fatalf("events = %d, want 2 blocks + 2 season changes\n%s", len(events), out)
	}
	if got := events[0].GetProperty(ical.ComponentPropertySummary).Value; got != "Front Desk" {
		t.Fatalf("first summary = %q", got)
	}
	start, err := events[0].GetStartAt()
	if err != nil {
		t.Fatalf("GetStartAt: %v", err)
	}
	if !start.Equal(time.Date(2024, 11, 18, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %s", start)
	}
	if !strings.Contains(out, "RRULE:FREQ=YEARLY;BYMONTH=4;BYDAY=+1SA") {
		t.Fatalf("missing season RRULE:\n%s", out)
	}
	if !strings.Contains(out, "TRIGGER:-PT10M") {
		t.Fatalf("missing alarm:\n%s", out)
	}
}

func TestICSKeepsWallClockOnDSTDay(t *testing.T) {
	t.Parallel()
	jerusalem, err := time.LoadLocation("Asia/Jerusalem")
	if err != nil {
		t.Skipf("tzdata: %v", err)
	}
	cfg, err := Load(filepath.Join("testdata", "schedules.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Timezone = "Asia/Jerusalem"
	svc := NewService(cfg, time.UTC)

	// Clocks jump from 02:00 to 03:00 on Friday 2024-03-29.
	tests := []struct {
		name string
		now  time.Time
	}{
		{"transition day", time.Date(2024, 3, 29, 7, 0, 0, 0, jerusalem)},
		{"ordinary day", time.Date(2024, 3, 22, 7, 0, 0, 0, jerusalem)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := svc.ICS(tt.now, 0)
			if err != nil {
				t.Fatalf("ICS: %v", err)
			}
			cal, err := ical.ParseCalendar(strings.NewReader(out))
			if err != nil {
				t.Fatalf("ParseCalendar: %v\n%s", err, out)
			}
			ev := cal.Events()[0]
			start, err := ev.GetStartAt()
			if err != nil {
				t.Fatalf("GetStartAt: %v", err)
			}
			end, err := ev.GetEndAt()
			if err != nil {
				t.Fatalf("GetEndAt: %v", err)
			}
			y, m, d := tt.now.Date()
			wantStart := time.Date(y, m, d, 8, 0, 0, 0, jerusalem)
			wantEnd := time.Date(y, m, d, 14, 0, 0, 0, jerusalem)
			if !start.Equal(wantStart) || !end.Equal(wantEnd) {
				t.Fatalf("block = %s..%s, want %s..%s", start.In(jerusalem), end.In(jerusalem), wantStart, wantEnd)
			}
		})
	}
}

func TestLoadFromTempFile(t *testing.T) {
	t.Parallel()
	src, err := os.ReadFile(filepath.Join("testdata", "schedules.json"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "s.json")
	if err := os.WriteFile(path, src, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
