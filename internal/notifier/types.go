package notifier

import (
	"time"
)

// Config controls the delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// SendTimeout bounds a single Send call to one recipient.
const SendTimeout = 10 * time.Second

const historySize = 300

// Report summarizes one delivery across recipients.
type Report struct {
	Key        string   `json:"key"`
	Recipients int      `json:"recipients"`
	Sent       int      `json:"sent"`
	Failed     int      `json:"failed"`
	Deduped    bool     `json:"deduped,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

type HistoryItem struct {
	At         time.Time `json:"at"`
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	Recipients int       `json:"recipients"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
}

// Snapshot is the notifier state for health output.
type Snapshot struct {
	Enabled   bool          `json:"enabled"`
	Running   bool          `json:"running"`
	Queued    int           `json:"queued"`
	Sent      uint64        `json:"sent"`
	Failed    uint64        `json:"failed"`
	Deduped   uint64        `json:"deduped"`
	Dropped   uint64        `json:"dropped"`
	Recent    []HistoryItem `json:"recent,omitempty"`
	DedupKeys int           `json:"dedup_keys"`
}

// NotificationEvent is published on the bus for pipeline lifecycle events.
type NotificationEvent struct {
	Key     string    `json:"key"`
	Kind    string    `json:"kind,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Address string    `json:"address,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
