// Package telegram delivers notifications to Telegram chats and runs the
// long-poll bot that lets chats subscribe with /start and /stop.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"shiftbell/internal/runtime/supervisor"
	"shiftbell/internal/schedule"
	"shiftbell/internal/season"
	"shiftbell/internal/storage"
	"shiftbell/internal/transport"
	logx "shiftbell/pkg/logx"
)

const Channel = "telegram"

const stopGrace = 2 * time.Second

var ErrBadChatID = errors.New("telegram: address is not a chat id")

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Directory is where /start and /stop register chats.
type Directory interface {
	SaveRecipient(ctx context.Context, r storage.Recipient) (storage.Recipient, error)
	RemoveRecipient(ctx context.Context, channel, address string) (bool, error)
}

// Schedule answers /today and /next.
type Schedule interface {
	Today(now time.Time) (schedule.Resolved, error)
	NextChange(now time.Time) (season.Change, error)
	Location() *time.Location
}

var commands = []tele.Command{
	{Text: "start", Description: "Subscribe this chat to block notifications"},
	{Text: "stop", Description: "Unsubscribe this chat"},
	{Text: "today", Description: "Show today's schedule"},
	{Text: "next", Description: "Show the next season change"},
}

type Bot struct {
	cfg   Config
	log   logx.Logger
	dir   Directory
	sched Schedule
	now   func() time.Time

	bot *tele.Bot

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func New(cfg Config, dir Directory, sched Schedule, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	b := &Bot{cfg: cfg, log: log, dir: dir, sched: sched, now: time.Now, bot: tb}
	tb.Handle("/start", b.onStart)
	tb.Handle("/stop", b.onStop)
	tb.Handle("/today", b.onToday)
	tb.Handle("/next", b.onNext)
	return b, nil
}

func (b *Bot) Channel() string { return Channel }

// Send delivers m to the chat whose id is to.Address.
func (b *Bot) Send(ctx context.Context, to transport.Recipient, m transport.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(to.Address), 10, 64)
	if err != nil {
		return transport.Permanent(fmt.Errorf("%w: %q", ErrBadChatID, to.Address))
	}
	return b.sendHTML(ctx, chatID, messageHTML(m))
}

func (b *Bot) sendHTML(ctx context.Context, chatID int64, text H) error {
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	for _, part := range split(string(text), maxMessageRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(chat, part, opt); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the poll loop under a supervisor until ctx ends or Stop.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sup != nil {
		return
	}
	if err := b.bot.SetCommands(commands); err != nil {
		b.log.Warn("telegram set commands failed", logx.Err(err))
	}
	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(b.log), supervisor.WithCancelOnError(false))
	sup.GoRestart("telegram.poll", func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				b.bot.Stop()
			case <-done:
			}
		}()
		b.log.Info("polling started")
		b.bot.Start()
		close(done)
		return nil
	}, supervisor.WithStopOnCleanExit(false), supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	b.sup = sup
}

// Stop ends polling. A long poll in flight is abandoned after a short grace.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("telegram stop grace elapsed; continuing shutdown", logx.Err(err))
		return nil
	}
	b.log.Info("polling stopped")
	return nil
}

func (b *Bot) onStart(c tele.Context) error {
	reply, err := b.subscribe(context.Background(), c.Chat().ID, senderName(c.Sender()))
	if err != nil {
		b.log.Error("telegram subscribe failed", logx.Int64("chat", c.Chat().ID), logx.Err(err))
	}
	return c.Send(string(reply), tele.ModeHTML)
}

func (b *Bot) onStop(c tele.Context) error {
	reply, err := b.unsubscribe(context.Background(), c.Chat().ID)
	if err != nil {
		b.log.Error("telegram unsubscribe failed", logx.Int64("chat", c.Chat().ID), logx.Err(err))
	}
	return c.Send(string(reply), tele.ModeHTML)
}

func (b *Bot) onToday(c tele.Context) error {
	return c.Send(string(b.todayReply()), tele.ModeHTML)
}

func (b *Bot) onNext(c tele.Context) error {
	return c.Send(string(b.nextReply()), tele.ModeHTML)
}

func (b *Bot) subscribe(ctx context.Context, chatID int64, who string) (H, error) {
	ua := "telegram"
	if who != "" {
		ua += ":" + who
	}
	_, err := b.dir.SaveRecipient(ctx, storage.Recipient{
		Channel:   Channel,
		Address:   strconv.FormatInt(chatID, 10),
		UserAgent: ua,
	})
	if err != nil {
		return Esc("Could not subscribe this chat. Please try again later."), err
	}
	return B("Subscribed.") + Esc(" This chat will get a message before and at the start and end of each block. Send /stop to unsubscribe."), nil
}

func (b *Bot) unsubscribe(ctx context.Context, chatID int64) (H, error) {
	ok, err := b.dir.RemoveRecipient(ctx, Channel, strconv.FormatInt(chatID, 10))
	if err != nil {
		return Esc("Could not unsubscribe this chat. Please try again later."), err
	}
	if !ok {
		return Esc("This chat was not subscribed."), nil
	}
	return Esc("Unsubscribed. Send /start to subscribe again."), nil
}

func (b *Bot) todayReply() H {
	if b.sched == nil {
		return Esc("No schedule configured.")
	}
	r, err := b.sched.Today(b.now().In(b.sched.Location()))
	if err != nil {
		return Esc("No schedule configured.")
	}
	return formatToday(r)
}

func (b *Bot) nextReply() H {
	if b.sched == nil {
		return Esc("No schedule configured.")
	}
	c, err := b.sched.NextChange(b.now().In(b.sched.Location()))
	if err != nil {
		return Esc("No schedule configured.")
	}
	return formatNext(c)
}

func senderName(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
