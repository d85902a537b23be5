package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

// dedupKey is m.Key, or a hash of kind, title and body when unset.
func dedupKey(m transport.Message) string {
	if k := strings.TrimSpace(m.Key); k != "" {
		return k
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(m.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(m.Body))
	return fmt.Sprintf("msg:%x", h.Sum64())
}

// dedupAllow reserves key for the dedup window. It returns false when the key
// is still suppressed in memory or, with persist_dedup, in the store.
func (s *Service) dedupAllow(ctx context.Context, key string) bool {
	s.mu.Lock()
	window, maxEntries, persist := s.cfg.DedupWindow, s.cfg.DedupMaxEntries, s.cfg.PersistDedup
	s.mu.Unlock()
	if window <= 0 || key == "" {
		return true
	}
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if persist && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// commitDedup persists a reserved key once something was delivered.
func (s *Service) commitDedup(key string) {
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	persist := s.cfg.PersistDedup && s.store != nil
	s.mu.Unlock()
	if !persist {
		return
	}

	s.pmu.RLock()
	s.mu.Lock()
	pch := s.persistCh
	s.mu.Unlock()
	queued := false
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
			queued = true
		default:
			s.log.Debug("dedup persist queue full; writing through", logx.String("key", key))
		}
	}
	s.pmu.RUnlock()
	if queued {
		return
	}
	// Inline Deliver, a stopped persist loop or a full queue: write through.
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_ = s.store.PutDedup(ctx, key, until)
}

// forget releases a reservation so a failed delivery can be retried.
func (s *Service) forget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}
