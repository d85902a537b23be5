package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"shiftbell/internal/schedule"
	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

func TestMessageHTMLEscapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		msg  transport.Message
		want H
	}{
		{transport.Message{Title: "Now: R&D", Body: "a < b"}, "<b>Now: R&amp;D</b>\na &lt; b"},
		{transport.Message{Title: "Only title"}, "<b>Only title</b>"},
		{transport.Message{Body: "only <body>"}, "only &lt;body&gt;"},
	}
	for _, tt := range tests {
		if got := messageHTML(tt.msg); got != tt.want {
			t.Fatalf("messageHTML(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	if got := split("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("split(empty) = %q", got)
	}
	if got := split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("split(short) = %q", got)
	}

	got := split("line one\nline two\nline three", 12)
	want := []string{"line one", "line two", "line three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("split(lines) = %q, want %q", got, want)
	}

	long := strings.Repeat("é", 25)
	parts := split(long, 10)
	if len(parts) != 3 {
		t.Fatalf("split(runes) = %d parts", len(parts))
	}
	for _, p := range parts {
		if n := utf8.RuneCountInString(p); n > 10 || !utf8.ValidString(p) {
			t.Fatalf("bad part %q (%d runes)", p, n)
		}
	}

	parts = split("abcdefgh&amp;ijk", 10)
	if parts[0] != "abcdefgh" || parts[1] != "&amp;ijk" {
		t.Fatalf("split cut an entity: %q", parts)
	}
}

type fakeDirectory struct {
	saved   []storage.Recipient
	removed map[string]bool
	err     error
}

func (f *fakeDirectory) SaveRecipient(_ context.Context, r storage.Recipient) (storage.Recipient, error) {
	if f.err != nil {
		return storage.Recipient{}, f.err
	}
	f.saved = append(f.saved, r)
	return r, nil
}

func (f *fakeDirectory) RemoveRecipient(_ context.Context, channel, address string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.removed[channel+"|"+address], nil
}

func testBot(t *testing.T, dir Directory, sched Schedule) *Bot {
	t.Helper()
	return &Bot{
		log:   logx.Nop(),
		dir:   dir,
		sched: sched,
		now:   func() time.Time { return time.Date(2024, 11, 18, 9, 0, 0, 0, time.UTC) },
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()
	dir := &fakeDirectory{removed: map[string]bool{"telegram|42": true}}
	b := testBot(t, dir, nil)

	reply, err := b.subscribe(context.Background(), 42, "@ana")
	if err != nil || !strings.Contains(string(reply), "Subscribed") {
		t.Fatalf("subscribe = %q, %v", reply, err)
	}
	if len(dir.saved) != 1 || dir.saved[0].Channel != Channel || dir.saved[0].Address != "42" || dir.saved[0].UserAgent != "telegram:@ana" {
		t.Fatalf("saved = %+v", dir.saved)
	}

	if reply, _ := b.unsubscribe(context.Background(), 42); !strings.Contains(string(reply), "Unsubscribed") {
		t.Fatalf("unsubscribe = %q", reply)
	}
	if reply, _ := b.unsubscribe(context.Background(), 7); !strings.Contains(string(reply), "not subscribed") {
		t.Fatalf("unsubscribe unknown = %q", reply)
	}

	dir.err = errors.New("db down")
	if _, err := b.subscribe(context.Background(), 1, ""); err == nil {
		t.Fatal("subscribe error swallowed")
	}
}

func TestTodayAndNextReplies(t *testing.T) {
	t.Parallel()
	cfg, err := schedule.Load(filepath.Join("..", "..", "schedule", "testdata", "schedules.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b := testBot(t, &fakeDirectory{}, schedule.NewService(cfg, time.UTC))

	today := string(b.todayReply())
	for _, want := range []string{"Monday, 18 Nov 2024", "Summer hours", "<code>8:00 AM - 12:00 PM</code> Front Desk", "Support", "Winter hours starts 2025-04-05 (in 138 days)."} {
		if !strings.Contains(today, want) {
			t.Fatalf("today reply missing %q:\n%s", want, today)
		}
	}

	next := string(b.nextReply())
	if !strings.Contains(next, "Winter hours starts on 2025-04-05, in 138 days.") {
		t.Fatalf("next reply = %s", next)
	}
}

func TestRepliesWithoutSchedule(t *testing.T) {
	t.Parallel()
	b := testBot(t, &fakeDirectory{}, schedule.Unavailable(nil, time.UTC))
	if got := b.todayReply(); got != "No schedule configured." {
		t.Fatalf("today = %q", got)
	}
	if got := b.nextReply(); got != "No schedule configured." {
		t.Fatalf("next = %q", got)
	}
}

func TestSendRejectsBadAddress(t *testing.T) {
	t.Parallel()
	b := testBot(t, &fakeDirectory{}, nil)
	err := b.Send(context.Background(), transport.Recipient{Channel: Channel, Address: "not-a-chat"}, transport.Message{Title: "x"})
	if !errors.Is(err, ErrBadChatID) {
		t.Fatalf("Send = %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, &fakeDirectory{}, nil, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}
