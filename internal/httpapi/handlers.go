package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shiftbell/internal/boundary"
	"shiftbell/internal/schedule"
	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

const (
	defaultChangeCount = 4
	maxChangeCount     = 20

	testTitle = "Shiftbell test"
	testBody  = "Test notification from the backend"
)

type handler struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

// tokenRequest accepts the recipient address as token or fcmToken.
type tokenRequest struct {
	Token     string `json:"token"`
	FCMToken  string `json:"fcmToken"`
	UserAgent string `json:"userAgent"`
	Channel   string `json:"channel"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

func (t tokenRequest) address() string {
	if s := strings.TrimSpace(t.Token); s != "" {
		return s
	}
	return strings.TrimSpace(t.FCMToken)
}

func (h *handler) channel(raw string) string {
	if c := strings.TrimSpace(raw); c != "" {
		return c
	}
	if c := strings.TrimSpace(h.cfg.DefaultChannel); c != "" {
		return c
	}
	return "log"
}

func (h *handler) now() time.Time {
	t := h.deps.Now()
	if h.deps.Schedule != nil {
		t = t.In(h.deps.Schedule.Location())
	}
	return t
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"ok":              true,
		"schedule_loaded": h.deps.Schedule != nil && h.deps.Schedule.Loaded(),
		"time":            h.now(),
	}
	for name, fn := range h.deps.Status {
		if fn != nil {
			out[name] = fn()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// scheduleError maps schedule failures: configuration problems are 503.
func (h *handler) scheduleError(w http.ResponseWriter, err error) {
	if schedule.IsUnavailable(err) {
		writeError(w, http.StatusServiceUnavailable, schedule.ErrNoConfiguration.Error())
		return
	}
	h.log.Error("schedule query failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// day is now, or noon of ?date=YYYY-MM-DD in the schedule location.
func (h *handler) day(r *http.Request) (time.Time, error) {
	now := h.now()
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		return now, nil
	}
	d, err := time.ParseInLocation(time.DateOnly, raw, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return d.Add(12 * time.Hour), nil
}

func (h *handler) today(w http.ResponseWriter, r *http.Request) {
	if h.deps.Schedule == nil {
		writeError(w, http.StatusServiceUnavailable, schedule.ErrNoConfiguration.Error())
		return
	}
	at, err := h.day(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.deps.Schedule.Today(at)
	if err != nil {
		h.scheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) todayICS(w http.ResponseWriter, r *http.Request) {
	if h.deps.Schedule == nil {
		writeError(w, http.StatusServiceUnavailable, schedule.ErrNoConfiguration.Error())
		return
	}
	at, err := h.day(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cal, err := h.deps.Schedule.ICS(at, boundary.PreNotificationMinutes*time.Minute)
	if err != nil {
		h.scheduleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="shiftbell-`+at.Format(time.DateOnly)+`.ics"`)
	_, _ = w.Write([]byte(cal))
}

func (h *handler) seasonChanges(w http.ResponseWriter, r *http.Request) {
	if h.deps.Schedule == nil {
		writeError(w, http.StatusServiceUnavailable, schedule.ErrNoConfiguration.Error())
		return
	}
	count := defaultChangeCount
	if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxChangeCount {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be between 1 and %d", maxChangeCount))
			return
		}
		count = n
	}
	changes, err := h.deps.Schedule.Upcoming(h.now(), count)
	if err != nil {
		h.scheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (h *handler) saveToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	addr := req.address()
	if addr == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if h.deps.Recipients == nil {
		writeError(w, http.StatusServiceUnavailable, "recipient storage is not configured")
		return
	}
	rec, err := h.deps.Recipients.SaveRecipient(r.Context(), storage.Recipient{
		Channel:   h.channel(req.Channel),
		Address:   addr,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRecipient) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("save recipient failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not save token")
		return
	}
	h.log.Info("recipient saved", logx.String("channel", rec.Channel), logx.String("address", redact(rec.Address)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Token saved", "recipient": rec})
}

func (h *handler) deleteToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	addr := req.address()
	if addr == "" {
		addr = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if addr == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if h.deps.Recipients == nil {
		writeError(w, http.StatusServiceUnavailable, "recipient storage is not configured")
		return
	}
	ok, err := h.deps.Recipients.RemoveRecipient(r.Context(), h.channel(req.Channel), addr)
	if err != nil {
		h.log.Error("remove recipient failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not remove token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": ok})
}

func (h *handler) testNotification(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	addr := req.address()
	if addr == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	ch := h.channel(req.Channel)
	if h.deps.Notifier == nil || h.deps.Senders == nil {
		writeError(w, http.StatusServiceUnavailable, "notification service is not configured")
		return
	}
	if _, ok := h.deps.Senders.Lookup(ch); !ok {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("notification channel %q is not configured", ch))
		return
	}

	msg := transport.Message{
		Key:   "test|" + strconv.FormatInt(time.Now().UnixNano(), 36),
		Kind:  "test",
		Title: firstNonEmpty(req.Title, testTitle),
		Body:  firstNonEmpty(req.Body, testBody),
	}
	to := storage.Recipient{Channel: strings.ToLower(ch), Address: addr}
	if err := h.deps.Notifier.SendTo(r.Context(), to, msg); err != nil {
		h.log.Warn("test notification failed", logx.String("channel", ch), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channel": to.Channel})
}

// tick runs one boundary evaluation now, or at ?at=<RFC3339>. An explicit
// time delivers real notifications, so it needs tick_token.
func (h *handler) tick(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tick == nil {
		writeError(w, http.StatusServiceUnavailable, "tick is not configured")
		return
	}
	at := h.now()
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		if h.cfg.TickToken == "" {
			writeError(w, http.StatusForbidden, "at requires tick_token")
			return
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = t
	}
	writeJSON(w, http.StatusOK, h.deps.Tick(r.Context(), at))
}

func firstNonEmpty(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

// redact keeps enough of an address to correlate log lines.
func redact(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "..."
}
