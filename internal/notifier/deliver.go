package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

const maxReportErrors = 10

// Deliver sends m to every recipient now and reports the outcome. It does
// not need the worker pool. An error means nothing could be sent: the
// recipient list was unreadable or every recipient failed.
func (s *Service) Deliver(ctx context.Context, m transport.Message) (Report, error) {
	if !s.Enabled() {
		return Report{}, ErrDisabled
	}
	key := dedupKey(m)
	if !s.dedupAllow(ctx, key) {
		s.noteDeduped(m, key)
		return Report{Key: key, Deduped: true}, nil
	}
	rep := s.deliver(ctx, m, key)
	if rep.Recipients > 0 && rep.Sent == 0 {
		return rep, fmt.Errorf("all %d deliveries failed: %s", rep.Failed, firstError(rep))
	}
	if rep.Recipients == 0 && len(rep.Errors) > 0 {
		return rep, errors.New(rep.Errors[0])
	}
	return rep, nil
}

// SendTo delivers m to one recipient, bypassing dedup.
func (s *Service) SendTo(ctx context.Context, to storage.Recipient, m transport.Message) error {
	sender, ok := s.senders.Lookup(to.Channel)
	if !ok {
		return fmt.Errorf("%w %q", transport.ErrNoSender, to.Channel)
	}
	err := s.sendWithRetry(ctx, sender, to, m)
	ev := NotificationEvent{Key: m.Key, Kind: m.Kind, Channel: to.Channel, Address: to.Address}
	if err != nil {
		s.failed.Add(1)
		ev.Error = err.Error()
		s.publish("notifier.failed", ev)
		return err
	}
	s.sent.Add(1)
	s.publish("notifier.sent", ev)
	return nil
}

func (s *Service) deliver(ctx context.Context, m transport.Message, key string) Report {
	start := time.Now()
	rep := Report{Key: key}
	m.Key = key

	var recipients []storage.Recipient
	var err error
	if s.store != nil {
		recipients, err = s.store.ListRecipients(ctx)
	}
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("list recipients: %v", err))
		s.forget(key)
		s.log.Error("recipient list unavailable", logx.String("key", key), logx.Err(err))
		s.finish(ctx, m, rep, start)
		return rep
	}
	rep.Recipients = len(recipients)
	if len(recipients) == 0 {
		s.log.Info("no recipients registered", logx.String("key", key), logx.String("title", m.Title))
	}

	for _, r := range recipients {
		ev := NotificationEvent{Key: key, Kind: m.Kind, Channel: r.Channel, Address: r.Address}
		var sendErr error
		if sender, ok := s.senders.Lookup(r.Channel); ok {
			sendErr = s.sendWithRetry(ctx, sender, r, m)
		} else {
			sendErr = fmt.Errorf("%w %q", transport.ErrNoSender, r.Channel)
		}
		if sendErr != nil {
			rep.Failed++
			s.failed.Add(1)
			if len(rep.Errors) < maxReportErrors {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s:%s: %v", r.Channel, r.Address, sendErr))
			}
			ev.Error = sendErr.Error()
			s.publish("notifier.failed", ev)
			continue
		}
		rep.Sent++
		s.sent.Add(1)
		s.publish("notifier.sent", ev)
	}

	if rep.Recipients > 0 && rep.Sent == 0 {
		s.forget(key)
	} else {
		s.commitDedup(key)
	}
	s.finish(ctx, m, rep, start)
	return rep
}

// finish records history and the audit trail for one delivery.
func (s *Service) finish(ctx context.Context, m transport.Message, rep Report, start time.Time) {
	s.appendHistory(HistoryItem{
		At:         start,
		Key:        rep.Key,
		Title:      m.Title,
		Recipients: rep.Recipients,
		Sent:       rep.Sent,
		Failed:     rep.Failed,
	})
	if s.store == nil {
		return
	}
	entry := storage.AuditEntry{
		At:         start,
		Key:        rep.Key,
		Kind:       m.Kind,
		Title:      m.Title,
		Recipients: rep.Recipients,
		Sent:       rep.Sent,
		Failed:     rep.Failed,
		TookMS:     time.Since(start).Milliseconds(),
	}
	if len(rep.Errors) > 0 {
		entry.Error = rep.Errors[0]
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.store.AppendAudit(actx, entry); err != nil {
		s.log.Debug("audit append failed", logx.String("key", rep.Key), logx.Err(err))
	}
}

func (s *Service) sendWithRetry(ctx context.Context, sender transport.Sender, to storage.Recipient, m transport.Message) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, SendTimeout)
		err := sender.Send(callCtx, to, m)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.String("channel", to.Channel),
			logx.String("address", to.Address),
			logx.Int("attempt", attempt),
			logx.Int("max", attempts),
			logx.Err(err),
		)
		if transport.IsPermanent(err) || ctx.Err() != nil || attempt >= attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, with
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, cfg.RetryMaxDelay)
}

func firstError(rep Report) string {
	if len(rep.Errors) == 0 {
		return "unknown error"
	}
	return rep.Errors[0]
}
