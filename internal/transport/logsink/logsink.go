// Package logsink is the dry-run transport: every delivery becomes a log line.
package logsink

import (
	"context"

	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

const Channel = "log"

type Sender struct {
	log logx.Logger
}

func New(log logx.Logger) *Sender {
	return &Sender{log: log.With(logx.String("comp", "logsink"))}
}

func (s *Sender) Channel() string { return Channel }

func (s *Sender) Send(ctx context.Context, to transport.Recipient, m transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("notification",
		logx.String("to", to.Address),
		logx.String("key", m.Key),
		logx.String("kind", m.Kind),
		logx.String("title", m.Title),
		logx.String("body", m.Body),
	)
	return nil
}
