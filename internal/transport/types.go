package transport

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"shiftbell/internal/storage"
)

// ErrNoSender is returned when no transport serves a recipient's channel.
var ErrNoSender = errors.New("no sender for channel")

// Permanent marks a send error that retrying cannot fix, such as a malformed
// address.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) || errors.Is(err, ErrNoSender)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Recipient is a delivery target from the recipient directory.
type Recipient = storage.Recipient

// Message is one notification. Key identifies it for dedup and audit; for
// boundary events it is "date|block_index|kind".
type Message struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Kind  string `json:"kind,omitempty"`
}

// Text renders the message as plain text, title on the first line.
func (m Message) Text() string {
	t, b := strings.TrimSpace(m.Title), strings.TrimSpace(m.Body)
	switch {
	case t == "":
		return b
	case b == "":
		return t
	default:
		return t + "\n" + b
	}
}

// Sender delivers messages over one channel ("telegram", "log", ...).
type Sender interface {
	Channel() string
	Send(ctx context.Context, to Recipient, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc struct {
	Name string
	Fn   func(ctx context.Context, to Recipient, m Message) error
}

func (f SenderFunc) Channel() string { return f.Name }

func (f SenderFunc) Send(ctx context.Context, to Recipient, m Message) error {
	return f.Fn(ctx, to, m)
}

// Registry maps channel names to senders. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: map[string]Sender{}}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any sender for the same channel.
func (r *Registry) Register(s Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.senders[normalizeChannel(s.Channel())] = s
	r.mu.Unlock()
}

func (r *Registry) Lookup(channel string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[normalizeChannel(channel)]
	return s, ok
}

// Channels lists registered channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.senders))
	for k := range r.senders {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func normalizeChannel(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
