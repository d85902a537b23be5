package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled         = errors.New("storage disabled")
	ErrClosed           = errors.New("storage closed")
	ErrInvalidRecipient = errors.New("recipient needs a channel and an address")
)

// DefaultUserAgent is stored when a registration carries no user agent.
const DefaultUserAgent = "unknown"

// Config configures storage.
//
// Driver values: "" / "none" / "memory", "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Recipient is one delivery target. (Channel, Address) is unique.
type Recipient struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Address   string    `json:"address"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records one delivered (or failed) notification.
type AuditEntry struct {
	At         time.Time `json:"at"`
	Key        string    `json:"key"`
	Kind       string    `json:"kind,omitempty"`
	Title      string    `json:"title,omitempty"`
	Recipients int       `json:"recipients"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}

// Store is the persistence API used by the notifier, the HTTP API and the bot.
type Store interface {
	// SaveRecipient upserts by (Channel, Address). A new recipient gets an ID
	// and CreatedAt; an existing one gets UpdatedAt and UserAgent refreshed.
	SaveRecipient(ctx context.Context, r Recipient) (Recipient, error)
	RemoveRecipient(ctx context.Context, channel, address string) (bool, error)
	// ListRecipients returns every recipient, oldest first.
	ListRecipients(ctx context.Context) ([]Recipient, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

func normalizeRecipient(r Recipient) (Recipient, error) {
	r.Channel = strings.ToLower(strings.TrimSpace(r.Channel))
	r.Address = strings.TrimSpace(r.Address)
	if r.Channel == "" || r.Address == "" {
		return r, ErrInvalidRecipient
	}
	r.UserAgent = strings.TrimSpace(r.UserAgent)
	if r.UserAgent == "" {
		r.UserAgent = DefaultUserAgent
	}
	return r, nil
}

func recipientKey(channel, address string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "|" + strings.TrimSpace(address)
}
