package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shiftbell/internal/boundary"
	"shiftbell/internal/eventbus"
	"shiftbell/internal/schedule"
	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

type fakeSender struct {
	channel string

	mu    sync.Mutex
	calls int
	sent  []string
	fail  func(call int) error
}

func (f *fakeSender) Channel() string { return f.channel }

func (f *fakeSender) Send(_ context.Context, to transport.Recipient, m transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, to.Address+"|"+m.Key)
	return nil
}

func (f *fakeSender) counts() (calls, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.sent)
}

type auditStore struct {
	storage.Store
	mu    sync.Mutex
	audit []storage.AuditEntry
}

func (a *auditStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.audit = append(a.audit, e)
	a.mu.Unlock()
	return a.Store.AppendAudit(ctx, e)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func seed(t *testing.T, st storage.Store, rs ...storage.Recipient) {
	t.Helper()
	for _, r := range rs {
		if _, err := st.SaveRecipient(context.Background(), r); err != nil {
			t.Fatalf("SaveRecipient: %v", err)
		}
	}
}

func TestDeliverFansOut(t *testing.T) {
	t.Parallel()
	st := &auditStore{Store: storage.NewMemory()}
	seed(t, st,
		storage.Recipient{Channel: "telegram", Address: "1"},
		storage.Recipient{Channel: "log", Address: "ops"},
		storage.Recipient{Channel: "sms", Address: "555"},
	)
	tg, lg := &fakeSender{channel: "telegram"}, &fakeSender{channel: "log"}
	bus := eventbus.New()
	s := New(testConfig(), transport.NewRegistry(tg, lg), st, logx.Nop(), bus)

	rep, err := s.Deliver(context.Background(), transport.Message{Key: "2024-11-18|0|start", Title: "Now: Front Desk"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if rep.Recipients != 3 || rep.Sent != 2 || rep.Failed != 1 || len(rep.Errors) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if _, sent := tg.counts(); sent != 1 {
		t.Fatalf("telegram sent = %d", sent)
	}
	if len(st.audit) != 1 || st.audit[0].Sent != 2 || st.audit[0].Failed != 1 || st.audit[0].Key != rep.Key {
		t.Fatalf("audit = %+v", st.audit)
	}
	if h := s.History(0); len(h) != 1 || h[0].Title != "Now: Front Desk" {
		t.Fatalf("history = %+v", h)
	}
	if published, _, _ := bus.Stats(); published != 3 {
		t.Fatalf("bus published = %d, want 3 (2 sent + 1 failed)", published)
	}
}

func TestDeliverDedupsByKey(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, storage.Recipient{Channel: "log", Address: "ops"})
	lg := &fakeSender{channel: "log"}
	s := New(testConfig(), transport.NewRegistry(lg), st, logx.Nop(), nil)

	m := transport.Message{Key: "k", Title: "t"}
	if rep, err := s.Deliver(context.Background(), m); err != nil || rep.Deduped {
		t.Fatalf("first = %+v, %v", rep, err)
	}
	rep, err := s.Deliver(context.Background(), m)
	if err != nil || !rep.Deduped {
		t.Fatalf("second = %+v, %v", rep, err)
	}
	if _, sent := lg.counts(); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if s.Snapshot().Deduped != 1 {
		t.Fatalf("snapshot = %+v", s.Snapshot())
	}

	// Same text without a key hashes to the same dedup key.
	plain := transport.Message{Title: "hello", Body: "world"}
	if dedupKey(plain) != dedupKey(plain) || dedupKey(plain) == dedupKey(transport.Message{Title: "hello"}) {
		t.Fatal("hash key unstable")
	}
}

func TestFailedDeliveryCanBeRetried(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, storage.Recipient{Channel: "log", Address: "ops"})
	down := true
	var mu sync.Mutex
	lg := &fakeSender{channel: "log", fail: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return errors.New("unreachable")
		}
		return nil
	}}
	cfg := testConfig()
	cfg.RetryMax = 0
	s := New(cfg, transport.NewRegistry(lg), st, logx.Nop(), nil)

	m := transport.Message{Key: "k"}
	if _, err := s.Deliver(context.Background(), m); err == nil {
		t.Fatal("expected error when every recipient fails")
	}
	mu.Lock()
	down = false
	mu.Unlock()
	rep, err := s.Deliver(context.Background(), m)
	if err != nil || rep.Deduped || rep.Sent != 1 {
		t.Fatalf("retry = %+v, %v", rep, err)
	}
}

func TestRetryAndPermanentErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		fail      func(int) error
		wantCalls int
		wantErr   bool
	}{
		{"transient then ok", func(n int) error {
			if n < 3 {
				return errors.New("timeout")
			}
			return nil
		}, 3, false},
		{"gives up", func(int) error { return errors.New("timeout") }, 3, true},
		{"permanent", func(int) error { return transport.Permanent(errors.New("bad chat")) }, 1, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sender := &fakeSender{channel: "log", fail: tt.fail}
			s := New(testConfig(), transport.NewRegistry(sender), storage.NewMemory(), logx.Nop(), nil)
			err := s.SendTo(context.Background(), storage.Recipient{Channel: "log", Address: "x"}, transport.Message{Title: "t"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("SendTo err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls, _ := sender.counts(); calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestSendToUnknownChannel(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nil, storage.NewMemory(), logx.Nop(), nil)
	err := s.SendTo(context.Background(), storage.Recipient{Channel: "sms", Address: "1"}, transport.Message{})
	if !errors.Is(err, transport.ErrNoSender) {
		t.Fatalf("SendTo = %v", err)
	}
}

func TestNotifyLifecycle(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, storage.Recipient{Channel: "log", Address: "ops"})
	lg := &fakeSender{channel: "log"}
	s := New(testConfig(), transport.NewRegistry(lg), st, logx.Nop(), nil)
	ctx := context.Background()

	if err := s.Notify(ctx, transport.Message{Key: "a"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before Start = %v", err)
	}
	s.Start(ctx)
	if !s.Running() {
		t.Fatal("not running after Start")
	}
	if err := s.Notify(ctx, transport.Message{Key: "a"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(ctx, transport.Message{Key: "a"}); err != nil {
		t.Fatalf("Notify duplicate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, sent := lg.counts(); sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queued notification never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Running() {
		t.Fatal("running after Stop")
	}
	if err := s.Notify(ctx, transport.Message{Key: "b"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after Stop = %v", err)
	}
	if _, sent := lg.counts(); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, nil, storage.NewMemory(), logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), transport.Message{Key: "a"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify = %v", err)
	}
	if _, err := s.Deliver(context.Background(), transport.Message{Key: "a"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Deliver = %v", err)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, storage.Recipient{Channel: "log", Address: "ops"})
	cfg := testConfig()
	cfg.PersistDedup = true

	first := &fakeSender{channel: "log"}
	if _, err := New(cfg, transport.NewRegistry(first), st, logx.Nop(), nil).Deliver(context.Background(), transport.Message{Key: "k"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	second := &fakeSender{channel: "log"}
	rep, err := New(cfg, transport.NewRegistry(second), st, logx.Nop(), nil).Deliver(context.Background(), transport.Message{Key: "k"})
	if err != nil || !rep.Deduped {
		t.Fatalf("after restart = %+v, %v", rep, err)
	}
	if calls, _ := second.counts(); calls != 0 {
		t.Fatalf("restarted notifier sent %d times", calls)
	}
}

func TestBoundaryAdapter(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, storage.Recipient{Channel: "log", Address: "ops"})
	lg := &fakeSender{channel: "log"}
	s := New(testConfig(), transport.NewRegistry(lg), st, logx.Nop(), nil)

	ev := boundary.Event{
		Kind:       boundary.KindStart,
		Block:      schedule.Block{Start: "08:00", End: "12:00", Entity: "Front Desk"},
		BlockIndex: 0,
		Date:       "2024-11-18",
		Title:      "Day started: Front Desk",
		Body:       "Front Desk runs 8:00 AM to 12:00 PM.",
	}
	m := EventMessage(ev)
	if m.Key != "2024-11-18|0|start" || m.Kind != "start" || m.Title != ev.Title {
		t.Fatalf("EventMessage = %+v", m)
	}

	d := s.Boundary()
	for i := 0; i < 2; i++ {
		if err := d.Deliver(context.Background(), ev); err != nil {
			t.Fatalf("Deliver #%d: %v", i, err)
		}
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if len(lg.sent) != 1 || lg.sent[0] != "ops|2024-11-18|0|start" {
		t.Fatalf("sent = %v", lg.sent)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > time.Second {
			t.Fatalf("attempt %d delay = %s", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay = %s", d)
	}
}

func TestStopDrainsQueueAndPersistsDedup(t *testing.T) {
	t.Parallel()
	st := &auditStore{Store: storage.NewMemory()}
	seed(t, st, storage.Recipient{Channel: "log", Address: "ops"})
	slow := &fakeSender{channel: "log", fail: func(int) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	cfg := testConfig()
	cfg.PersistDedup = true
	s := New(cfg, transport.NewRegistry(slow), st, logx.Nop(), nil)
	ctx := context.Background()
	s.Start(ctx)

	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	for _, k := range keys {
		if err := s.Notify(ctx, transport.Message{Key: k}); err != nil {
			t.Fatalf("Notify %s: %v", k, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if stopCtx.Err() != nil {
		t.Fatal("Stop timed out while draining")
	}

	if _, sent := slow.counts(); sent != len(keys) {
		t.Fatalf("sent = %d, want %d", sent, len(keys))
	}
	for _, k := range keys {
		if _, ok, err := st.GetDedup(ctx, k); err != nil || !ok {
			t.Fatalf("dedup key %s persisted = %v, %v", k, ok, err)
		}
	}
	st.mu.Lock()
	audited := len(st.audit)
	st.mu.Unlock()
	if audited != len(keys) {
		t.Fatalf("audit entries = %d, want %d", audited, len(keys))
	}
	if snap := s.Snapshot(); snap.Sent != uint64(len(keys)) || len(s.History(0)) != len(keys) {
		t.Fatalf("snapshot = %+v", snap)
	}
}
