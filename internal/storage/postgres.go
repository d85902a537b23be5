package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "shiftbell/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS recipients (
    id         UUID PRIMARY KEY,
    channel    TEXT NOT NULL,
    address    TEXT NOT NULL,
    user_agent TEXT NOT NULL DEFAULT 'unknown',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (channel, address)
);
CREATE TABLE IF NOT EXISTS dedup (
    key   TEXT PRIMARY KEY,
    until TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS audit (
    id         BIGSERIAL PRIMARY KEY,
    at         TIMESTAMPTZ NOT NULL,
    key        TEXT NOT NULL,
    kind       TEXT,
    title      TEXT,
    recipients INT NOT NULL DEFAULT 0,
    sent       INT NOT NULL DEFAULT 0,
    failed     INT NOT NULL DEFAULT 0,
    err        TEXT,
    took_ms    BIGINT NOT NULL DEFAULT 0
);`

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres storage ready", logx.String("host", poolCfg.ConnConfig.Host), logx.String("db", poolCfg.ConnConfig.Database))
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) SaveRecipient(ctx context.Context, r Recipient) (Recipient, error) {
	r, err := normalizeRecipient(r)
	if err != nil {
		return r, err
	}
	now := time.Now().UTC()
	err = s.pool.QueryRow(ctx,
		`INSERT INTO recipients(id, channel, address, user_agent, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$5)
		 ON CONFLICT(channel, address) DO UPDATE SET
		   user_agent = EXCLUDED.user_agent,
		   updated_at = EXCLUDED.updated_at
		 RETURNING id::text, created_at, updated_at`,
		uuid.NewString(), r.Channel, r.Address, r.UserAgent, now,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Recipient{}, err
	}
	return r, nil
}

func (s *pgStore) RemoveRecipient(ctx context.Context, channel, address string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM recipients WHERE channel = $1 AND address = $2`,
		strings.ToLower(strings.TrimSpace(channel)), strings.TrimSpace(address),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) ListRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, channel, address, user_agent, created_at, updated_at
		 FROM recipients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Recipient{}
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.ID, &r.Channel, &r.Address, &r.UserAgent, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, key, kind, title, recipients, sent, failed, err, took_ms)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.At, e.Key, nullStr(e.Kind), nullStr(e.Title), e.Recipients, e.Sent, e.Failed, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2)
		 ON CONFLICT(key) DO UPDATE SET until = EXCLUDED.until`,
		key, until,
	)
	return err
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
