package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shiftbell/internal/boundary"
	"shiftbell/internal/schedule"
	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

type fakeNotifier struct {
	to  []storage.Recipient
	msg []transport.Message
	err error
}

func (f *fakeNotifier) SendTo(_ context.Context, to storage.Recipient, m transport.Message) error {
	f.to = append(f.to, to)
	f.msg = append(f.msg, m)
	return f.err
}

// Monday 2024-11-18 09:00 UTC, summer.
var fixedNow = time.Date(2024, 11, 18, 9, 0, 0, 0, time.UTC)

type fixture struct {
	h     http.Handler
	store storage.Store
	notif *fakeNotifier
}

func newFixture(t *testing.T, sched Schedule, cfg Config) fixture {
	t.Helper()
	st := storage.NewMemory()
	n := &fakeNotifier{}
	noop := func(context.Context, transport.Recipient, transport.Message) error { return nil }
	deps := Deps{
		Schedule:   sched,
		Recipients: st,
		Notifier:   n,
		Senders:    transport.NewRegistry(transport.SenderFunc{Name: "log", Fn: noop}),
		Tick: func(_ context.Context, now time.Time) boundary.TickResult {
			return boundary.TickResult{At: now, Date: now.Format(time.DateOnly), Events: []boundary.Event{}}
		},
		Status: map[string]func() any{"scheduler": func() any { return map[string]bool{"running": true} }},
		Now:    func() time.Time { return fixedNow },
	}
	return fixture{h: NewRouter(cfg, deps, logx.Nop()), store: st, notif: n}
}

func loadedSchedule(t *testing.T) *schedule.Service {
	t.Helper()
	cfg, err := schedule.Load(filepath.Join("..", "schedule", "testdata", "schedules.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return schedule.NewService(cfg, time.UTC)
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{})
	rec := do(t, f.h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode(t, rec)
	if out["ok"] != true || out["schedule_loaded"] != true || out["scheduler"] == nil {
		t.Fatalf("health = %v", out)
	}
}

func TestToday(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{})
	rec := do(t, f.h, http.MethodGet, "/api/schedule/today", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var res schedule.Resolved
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Date != "2024-11-18" || res.DayType != schedule.MondayToThursday || len(res.Blocks) != 2 {
		t.Fatalf("today = %+v", res)
	}
	if res.NextSeasonChange.Date != "2025-04-05" || res.NextSeasonChange.DaysRemaining != 138 {
		t.Fatalf("next change = %+v", res.NextSeasonChange)
	}

	rec = do(t, f.h, http.MethodGet, "/api/schedule/today?date=2024-11-16", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.DayType != schedule.Weekend || len(res.Blocks) != 0 {
		t.Fatalf("saturday = %+v, %v", res, err)
	}
	if rec := do(t, f.h, http.MethodGet, "/api/schedule/today?date=18-11-2024", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d", rec.Code)
	}
}

func TestTodayWithoutConfiguration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, schedule.Unavailable(errors.New("open schedules.json: no such file"), time.UTC), Config{})
	for _, path := range []string{"/api/schedule/today", "/api/schedule/today.ics", "/api/season/changes"} {
		rec := do(t, f.h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"no configuration loaded"}` {
			t.Fatalf("%s body = %s", path, got)
		}
	}
}

func TestTodayICS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{})
	rec := do(t, f.h, http.MethodGet, "/api/schedule/today.ics", "", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("status = %d, type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	body := rec.Body.String()
	if !strings.Contains(body, "BEGIN:VCALENDAR") || !strings.Contains(body, "Front Desk") {
		t.Fatalf("ics = %s", body)
	}
}

func TestSeasonChanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{})
	rec := do(t, f.h, http.MethodGet, "/api/season/changes?count=3", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	changes, _ := decode(t, rec)["changes"].([]any)
	if len(changes) != 3 {
		t.Fatalf("changes = %v", changes)
	}
	for _, q := range []string{"count=0", "count=x", "count=21"} {
		if rec := do(t, f.h, http.MethodGet, "/api/season/changes?"+q, "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s status = %d", q, rec.Code)
		}
	}
}

func TestSaveAndDeleteToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{DefaultChannel: "log"})
	ctx := context.Background()

	if rec := do(t, f.h, http.MethodPost, "/api/save-token", `{"userAgent":"x"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	if rec := do(t, f.h, http.MethodPost, "/api/save-token", `{not json`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rec.Code)
	}

	rec := do(t, f.h, http.MethodPost, "/api/save-token", `{"token":"abc","userAgent":"Firefox"}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["ok"] != true {
		t.Fatalf("save = %d %s", rec.Code, rec.Body)
	}
	rec = do(t, f.h, http.MethodPost, "/api/save-token", `{"fcmToken":"abc"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save again = %d", rec.Code)
	}
	list, _ := f.store.ListRecipients(ctx)
	if len(list) != 1 || list[0].Channel != "log" || list[0].UserAgent != "Firefox" {
		t.Fatalf("recipients = %+v", list)
	}

	rec = do(t, f.h, http.MethodDelete, "/api/save-token", `{"token":"abc"}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["removed"] != true {
		t.Fatalf("delete = %d %s", rec.Code, rec.Body)
	}
	rec = do(t, f.h, http.MethodDelete, "/api/save-token?token=abc", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["removed"] != false {
		t.Fatalf("delete again = %d %s", rec.Code, rec.Body)
	}
}

func TestTestNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{DefaultChannel: "log"})

	if rec := do(t, f.h, http.MethodPost, "/api/test-notification", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token status = %d", rec.Code)
	}
	if rec := do(t, f.h, http.MethodPost, "/api/test-notification", `{"token":"1","channel":"telegram"}`, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured channel status = %d", rec.Code)
	}

	rec := do(t, f.h, http.MethodPost, "/api/test-notification", `{"fcmToken":"dev-1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	if len(f.notif.msg) != 1 || f.notif.msg[0].Title != testTitle || f.notif.msg[0].Body != testBody || f.notif.to[0].Address != "dev-1" {
		t.Fatalf("sent = %+v to %+v", f.notif.msg, f.notif.to)
	}

	f.notif.err = errors.New("boom")
	rec = do(t, f.h, http.MethodPost, "/api/test-notification", `{"token":"dev-1","title":"Hi"}`, nil)
	if rec.Code != http.StatusInternalServerError || decode(t, rec)["ok"] != false {
		t.Fatalf("failed send = %d %s", rec.Code, rec.Body)
	}
}

func TestTickAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{TickToken: "s3cret"})

	if rec := do(t, f.h, http.MethodPost, "/api/tick", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	if rec := do(t, f.h, http.MethodPost, "/api/tick", "", map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}
	rec := do(t, f.h, http.MethodPost, "/api/tick?at=2024-11-18T07:50:00Z", "", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	if out := decode(t, rec); out["date"] != "2024-11-18" {
		t.Fatalf("tick = %v", out)
	}
}

func TestTickAtNeedsToken(t *testing.T) {
	t.Parallel()
	var calls []time.Time
	deps := Deps{
		Schedule: loadedSchedule(t),
		Tick: func(_ context.Context, now time.Time) boundary.TickResult {
			calls = append(calls, now)
			return boundary.TickResult{At: now, Date: now.Format(time.DateOnly), Events: []boundary.Event{}}
		},
		Now: func() time.Time { return fixedNow },
	}
	h := NewRouter(Config{}, deps, logx.Nop())

	rec := do(t, h, http.MethodPost, "/api/tick?at=2024-11-18T07:50:00Z", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("at without token status = %d %s", rec.Code, rec.Body)
	}
	if len(calls) != 0 {
		t.Fatalf("tick ran %d times for a rejected request", len(calls))
	}

	// The current minute stays open without a token.
	if rec := do(t, h, http.MethodPost, "/api/tick", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("plain tick status = %d", rec.Code)
	}
	if len(calls) != 1 || !calls[0].Equal(fixedNow) {
		t.Fatalf("calls = %v", calls)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, loadedSchedule(t), Config{
		CORSOrigins:        []string{"http://localhost:3000"},
		CORSOriginSuffixes: []string{".github.io"},
	})
	tests := []struct {
		origin string
		allow  bool
	}{
		{"http://localhost:3000", true},
		{"https://someone.github.io", true},
		{"https://github.io.evil.com", false},
		{"https://example.com", false},
	}
	for _, tt := range tests {
		rec := do(t, f.h, http.MethodGet, "/api/health", "", map[string]string{"Origin": tt.origin})
		got := rec.Header().Get("Access-Control-Allow-Origin")
		if (got == tt.origin) != tt.allow {
			t.Fatalf("origin %s: allow header = %q, want allowed=%v", tt.origin, got, tt.allow)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/save-token", nil)
	req.Header.Set("Origin", "https://someone.github.io")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	// Requests without an Origin are served normally.
	if rec := do(t, f.h, http.MethodGet, "/api/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("no-origin status = %d", rec.Code)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Now: func() time.Time { return fixedNow }}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + s.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("still bound after Stop")
	}
}
