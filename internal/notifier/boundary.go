package notifier

import (
	"context"

	"shiftbell/internal/boundary"
	"shiftbell/internal/transport"
)

// EventMessage converts a boundary event. The event key doubles as the dedup
// key so overlapping ticks send each boundary once.
func EventMessage(ev boundary.Event) transport.Message {
	return transport.Message{Key: ev.Key(), Title: ev.Title, Body: ev.Body, Kind: string(ev.Kind)}
}

// Boundary adapts the pipeline for boundary.Notifier. Events are queued while
// the worker pool runs and delivered inline otherwise (one-shot CLI ticks).
func (s *Service) Boundary() boundary.Deliverer {
	return boundary.DeliverFunc(func(ctx context.Context, ev boundary.Event) error {
		m := EventMessage(ev)
		if s.Running() {
			return s.Notify(ctx, m)
		}
		_, err := s.Deliver(ctx, m)
		return err
	})
}
