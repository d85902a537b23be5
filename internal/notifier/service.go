package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"shiftbell/internal/eventbus"
	rtsup "shiftbell/internal/runtime/supervisor"
	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Store is the part of storage.Store the pipeline uses.
type Store interface {
	ListRecipients(ctx context.Context) ([]storage.Recipient, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type job struct {
	msg transport.Message
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is the async delivery pipeline: queue, worker pool, rate limit,
// retry and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders *transport.Registry
	store   Store
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	workers  *sync.WaitGroup // counts workers that have not drained the queue
	stopDone chan struct{}   // non-nil while stopping

	// pmu orders sends on persistCh against its close.
	pmu       sync.RWMutex
	persistCh chan dedupWrite

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	deduped atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, senders *transport.Registry, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if senders == nil {
		senders = transport.NewRegistry()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		senders: senders,
		store:   store,
		bus:     bus,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Senders() *transport.Registry { return s.senders }

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst equals the rate so a tick's handful of events go out together.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Running reports whether the worker pool accepts Notify calls.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting && s.queue != nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.workers = &sync.WaitGroup{}
	s.workers.Add(s.cfg.Workers)
	sup, q, pch, workers, wg := s.sup, s.queue, s.persistCh, s.cfg.Workers, s.workers
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.loopExit(c, "persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			if drained := s.workerLoop(c, q); drained || c.Err() != nil {
				wg.Done()
			}
			return s.loopExit(c, "worker")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Strs("channels", s.senders.Channels()))
}

// loopExit classifies a returned loop: shutdown is clean, anything else is
// restarted by the supervisor.
func (s *Service) loopExit(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, wg := s.queue, s.sup, s.workers
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)

		// Workers still commit dedup keys while draining, so the persist
		// channel outlives them.
		drained := make(chan struct{})
		go func() {
			wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-sup.Context().Done():
		}
		s.closePersist()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.workers = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out; queue abandoned", logx.Err(ctx.Err()))
	}
}

// Notify queues m for delivery to every recipient. A message whose key was
// delivered within the dedup window is dropped silently.
func (s *Service) Notify(ctx context.Context, m transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(m)
	if !s.dedupAllow(ctx, key) {
		s.noteDeduped(m, key)
		return nil
	}

	select {
	case q <- job{msg: m, key: key}:
		s.publish("notifier.queued", NotificationEvent{Key: key, Kind: m.Kind})
		return nil
	default:
		s.dropped.Add(1)
		s.forget(key)
		s.publish("notifier.dropped", NotificationEvent{Key: key, Kind: m.Kind, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// workerLoop reports true once q is closed and empty.
func (s *Service) workerLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			rep := s.deliver(ctx, j.msg, j.key)
			if rep.Failed > 0 {
				s.log.Warn("delivery incomplete",
					logx.String("key", rep.Key),
					logx.Int("recipients", rep.Recipients),
					logx.Int("sent", rep.Sent),
					logx.Int("failed", rep.Failed),
				)
			}
		}
	}
}

// closePersist ends the persist loop. Later commits write through.
func (s *Service) closePersist() {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.mu.Lock()
	pch := s.persistCh
	s.persistCh = nil
	s.mu.Unlock()
	if pch != nil {
		close(pch)
	}
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.accepting && s.queue != nil}
	if s.queue != nil {
		snap.Queued = len(s.queue)
	}
	s.mu.Unlock()

	snap.Sent = s.sent.Load()
	snap.Failed = s.failed.Load()
	snap.Deduped = s.deduped.Load()
	snap.Dropped = s.dropped.Load()
	s.dmu.Lock()
	snap.DedupKeys = len(s.dedup)
	s.dmu.Unlock()
	snap.Recent = s.History(20)
	return snap
}

// History returns up to n of the latest deliveries, newest last.
func (s *Service) History(n int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	h := s.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]HistoryItem(nil), h...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	if ev.At.IsZero() {
		ev.At = now
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) noteDeduped(m transport.Message, key string) {
	s.deduped.Add(1)
	s.log.Debug("notification deduped", logx.String("key", key))
	s.publish("notifier.deduped", NotificationEvent{Key: key, Kind: m.Kind})
}
