package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shiftbell/internal/config"
	"shiftbell/internal/storage"
	logx "shiftbell/pkg/logx"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	sched, err := filepath.Abs(filepath.Join("..", "schedule", "testdata", "schedules.json"))
	if err != nil {
		t.Fatal(err)
	}
	body := `{
  "timezone": "UTC",
  "schedule_file": "` + filepath.ToSlash(sched) + `",
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
  "scheduler": {"enabled": true},
  "telegram": {"enabled": false},
  "http": {"enabled": false},
  "delivery": {"default_channel": "log"}` + extra + `
}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name    string
		cfg     config.Config
		workers int
		timeout time.Duration
		delay   time.Duration
		enabled bool
		wantErr bool
	}{
		{"defaults follow scheduler", config.Config{Scheduler: config.SchedulerConfig{Enabled: true}}, 1, 50 * time.Second, 45 * time.Second, true, false},
		{"overrides", config.Config{TaskEngine: &config.TaskEngineConfig{Workers: 3, DefaultTimeout: "20s", MaxQueueDelay: "0s"}}, 3, 20 * time.Second, 0, false, false},
		{"engine off under scheduler", config.Config{Scheduler: config.SchedulerConfig{Enabled: true}, TaskEngine: &config.TaskEngineConfig{Enabled: &off}}, 0, 0, 0, false, true},
		{"bad duration", config.Config{TaskEngine: &config.TaskEngineConfig{DefaultTimeout: "soon"}}, 0, 0, 0, false, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapTaskEngineConfig(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Workers != tt.workers || got.DefaultTimeout != tt.timeout || got.MaxQueueDelay != tt.delay || got.Enabled != tt.enabled {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !nc.Enabled || nc.DedupWindow != 24*time.Hour || nc.RetryBase != 500*time.Millisecond {
		t.Fatalf("defaults = %+v", nc)
	}

	n := config.DefaultNotifier()
	n.PersistDedup = true
	cfg.Notifier = &n
	if nc, _ := mapNotifierConfig(cfg); nc.PersistDedup {
		t.Fatal("persist_dedup kept without a durable store")
	}
	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: "x.db"}
	if nc, _ := mapNotifierConfig(cfg); !nc.PersistDedup {
		t.Fatal("persist_dedup dropped for sqlite")
	}

	n.CatchUp = "nope"
	if _, err := mapCatchUp(cfg); err == nil {
		t.Fatal("bad catch_up accepted")
	}
}

func TestMapHTTPConfigDefaults(t *testing.T) {
	t.Parallel()
	hc, err := mapHTTPConfig(&config.Config{Telegram: config.TelegramConfig{Enabled: true}})
	if err != nil {
		t.Fatal(err)
	}
	if hc.Addr != ":3000" || hc.DefaultChannel != "telegram" || hc.ReadTimeout != 10*time.Second {
		t.Fatalf("got %+v", hc)
	}
}

func TestLoadScheduleMissingFile(t *testing.T) {
	t.Parallel()
	svc := LoadSchedule(&config.Config{ScheduleFile: filepath.Join(t.TempDir(), "missing.json")}, logx.Nop())
	if svc.Loaded() || svc.Err() == nil {
		t.Fatalf("Loaded = %v, Err = %v", svc.Loaded(), svc.Err())
	}
}

func TestTickDeliversToLogRecipients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a, err := NewApp(ctx, writeConfig(t, ""))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.Close()

	if _, err := a.store.SaveRecipient(ctx, storage.Recipient{Channel: "log", Address: "ops"}); err != nil {
		t.Fatal(err)
	}
	monday := time.Date(2024, time.November, 18, 7, 50, 0, 0, time.UTC)
	res := a.Tick(ctx, monday)
	if len(res.Events) != 1 || res.Delivered != 1 || res.Failed != 0 {
		t.Fatalf("tick = %+v", res)
	}
	if !strings.Contains(res.Events[0].Key(), "2024-11-18") {
		t.Fatalf("key = %q", res.Events[0].Key())
	}

	// a repeated minute yields the same event, which delivery drops as a duplicate
	again := a.Tick(ctx, monday.Add(20*time.Second))
	if len(again.Events) != 1 || again.Events[0].Key() != res.Events[0].Key() {
		t.Fatalf("repeat tick = %+v", again)
	}
	if snap := a.notif.Snapshot(); snap.Sent != 1 || snap.Deduped != 1 {
		t.Fatalf("notifier snapshot sent=%d deduped=%d", snap.Sent, snap.Deduped)
	}
}

func TestStartRegistersTickAndStops(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewApp(ctx, writeConfig(t, `, "notifier": {"enabled": true, "catch_up": "2m"}`))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := a.sched.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 || snap.Schedules[0].Name != tickScheduleName {
		t.Fatalf("scheduler snapshot = %+v", snap)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatal("tick has no next run")
	}
	if !a.notif.Running() {
		t.Fatal("notifier not running")
	}

	disabled := *a.cfgm.Get()
	n := config.DefaultNotifier()
	n.Enabled = false
	disabled.Notifier = &n
	a.applyConfig(ctx, &disabled, []string{"notifier"})
	if a.notif.Enabled() || a.notif.Running() {
		t.Fatal("notifier still active after disable")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopCommand); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}
