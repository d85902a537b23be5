package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "shiftbell/pkg/logx"
)

func openTest(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "shiftbell.db")}
	st, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, cfg
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openTest(t, driver)
			ctx := context.Background()

			first, err := st.SaveRecipient(ctx, Recipient{Channel: "Telegram", Address: " 42 "})
			if err != nil {
				t.Fatalf("SaveRecipient: %v", err)
			}
			if first.ID == "" || first.Channel != "telegram" || first.Address != "42" || first.UserAgent != DefaultUserAgent {
				t.Fatalf("first = %+v", first)
			}

			time.Sleep(5 * time.Millisecond)
			again, err := st.SaveRecipient(ctx, Recipient{Channel: "telegram", Address: "42", UserAgent: "bot/1.0"})
			if err != nil {
				t.Fatalf("SaveRecipient again: %v", err)
			}
			if again.ID != first.ID || again.UserAgent != "bot/1.0" || !again.UpdatedAt.After(first.UpdatedAt) {
				t.Fatalf("upsert = %+v, first = %+v", again, first)
			}
			if !again.CreatedAt.Equal(first.CreatedAt) {
				t.Fatalf("CreatedAt changed: %s -> %s", first.CreatedAt, again.CreatedAt)
			}

			if _, err := st.SaveRecipient(ctx, Recipient{Channel: "log", Address: "ops"}); err != nil {
				t.Fatalf("SaveRecipient log: %v", err)
			}
			list, err := st.ListRecipients(ctx)
			if err != nil || len(list) != 2 || list[0].ID != first.ID {
				t.Fatalf("list = %+v, err = %v", list, err)
			}

			ok, err := st.RemoveRecipient(ctx, "telegram", "42")
			if err != nil || !ok {
				t.Fatalf("RemoveRecipient = %v, %v", ok, err)
			}
			if ok, _ := st.RemoveRecipient(ctx, "telegram", "42"); ok {
				t.Fatal("second remove reported success")
			}

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "2024-11-18|0|start", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "2024-11-18|0|start")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %s, %v, %v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatal("missing key found")
			}

			if err := st.AppendAudit(ctx, AuditEntry{Key: "k", Recipients: 1, Sent: 1}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestSaveRecipientValidates(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	for _, r := range []Recipient{{Channel: "telegram"}, {Address: "42"}, {Channel: " ", Address: "42"}} {
		if _, err := st.SaveRecipient(context.Background(), r); !errors.Is(err, ErrInvalidRecipient) {
			t.Fatalf("SaveRecipient(%+v) = %v", r, err)
		}
	}
}

func TestPersistentDriversSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "data", "shiftbell.db")}
			st, err := Open(ctx, cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			saved, err := st.SaveRecipient(ctx, Recipient{Channel: "telegram", Address: "7"})
			if err != nil {
				t.Fatalf("SaveRecipient: %v", err)
			}
			if err := st.PutDedup(ctx, "k", time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			if err := st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour)); err != nil {
				t.Fatalf("PutDedup expired: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(ctx, cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			list, err := st.ListRecipients(ctx)
			if err != nil || len(list) != 1 || list[0].ID != saved.ID {
				t.Fatalf("list after reopen = %+v, %v", list, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "k"); !ok {
				t.Fatal("dedup key lost on reopen")
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(context.Background(), Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
	if Persistent("memory") || !Persistent("sqlite") {
		t.Fatal("Persistent misreports drivers")
	}
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if _, err := st.ListRecipients(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("ListRecipients after Close = %v", err)
	}
}
