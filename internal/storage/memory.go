package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryAuditCap = 1000

// recipientSet is the in-memory recipient index shared by the memory and
// file drivers.
type recipientSet struct {
	byKey map[string]Recipient
}

func newRecipientSet() recipientSet {
	return recipientSet{byKey: map[string]Recipient{}}
}

func (rs recipientSet) save(r Recipient, now time.Time) (Recipient, error) {
	r, err := normalizeRecipient(r)
	if err != nil {
		return r, err
	}
	k := recipientKey(r.Channel, r.Address)
	if cur, ok := rs.byKey[k]; ok {
		cur.UserAgent = r.UserAgent
		cur.UpdatedAt = now
		rs.byKey[k] = cur
		return cur, nil
	}
	r.ID = uuid.NewString()
	r.CreatedAt = now
	r.UpdatedAt = now
	rs.byKey[k] = r
	return r, nil
}

func (rs recipientSet) remove(channel, address string) bool {
	k := recipientKey(channel, address)
	if _, ok := rs.byKey[k]; !ok {
		return false
	}
	delete(rs.byKey, k)
	return true
}

func (rs recipientSet) list() []Recipient {
	out := make([]Recipient, 0, len(rs.byKey))
	for _, r := range rs.byKey {
		out = append(out, r)
	}
	sortRecipients(out)
	return out
}

func sortRecipients(rs []Recipient) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// memStore keeps everything in process memory.
type memStore struct {
	mu         sync.Mutex
	recipients recipientSet
	dedup      map[string]time.Time
	audit      []AuditEntry
	closed     bool
}

// NewMemory returns a Store that persists nothing.
func NewMemory() Store {
	return &memStore{recipients: newRecipientSet(), dedup: map[string]time.Time{}}
}

func (s *memStore) SaveRecipient(_ context.Context, r Recipient) (Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Recipient{}, ErrClosed
	}
	return s.recipients.save(r, time.Now().UTC())
}

func (s *memStore) RemoveRecipient(_ context.Context, channel, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.recipients.remove(channel, address), nil
}

func (s *memStore) ListRecipients(context.Context) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.recipients.list(), nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	if len(s.audit) > memoryAuditCap {
		s.audit = s.audit[len(s.audit)-memoryAuditCap:]
	}
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
