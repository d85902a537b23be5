package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"shiftbell/internal/boundary"
	"shiftbell/internal/config"
	"shiftbell/internal/eventbus"
	"shiftbell/internal/httpapi"
	"shiftbell/internal/notifier"
	"shiftbell/internal/runtime/supervisor"
	"shiftbell/internal/schedule"
	"shiftbell/internal/storage"
	"shiftbell/internal/task/engine"
	"shiftbell/internal/task/scheduler"
	"shiftbell/internal/transport"
	"shiftbell/internal/transport/logsink"
	"shiftbell/internal/transport/telegram"
	logx "shiftbell/pkg/logx"
)

const tickScheduleName = "boundary.tick"

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	schedule *schedule.Service
	senders  *transport.Registry
	bot      *telegram.Bot
	notif    *notifier.Service
	boundary *boundary.Notifier

	engine *engine.Service
	sched  *scheduler.Service
	http   *httpapi.Server

	tickSpec string
}

// LoadSchedule reads cfg.ScheduleFile. A missing or invalid document yields a
// service that answers every query with schedule.ErrNoConfiguration, so the
// process still starts and reports the problem over the API.
func LoadSchedule(cfg *config.Config, log logx.Logger) *schedule.Service {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	doc, err := schedule.Load(cfg.ScheduleFile)
	if err != nil {
		log.Warn("schedule unavailable", logx.String("path", cfg.ScheduleFile), logx.Err(err))
		return schedule.Unavailable(err, loc)
	}
	svc := schedule.NewService(doc, loc)
	log.Info("schedule loaded", logx.String("path", cfg.ScheduleFile), logx.String("tz", svc.Location().String()))
	return svc
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: eventbus.New(), tickSpec: cfg.TickSpec()}
	if err := a.build(ctx, cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.Bool("persistent", storage.Persistent(sc.Driver)))

	a.schedule = LoadSchedule(cfg, log.With(logx.String("comp", "schedule")))

	a.senders = transport.NewRegistry(logsink.New(log))
	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		bot, err := telegram.New(tc, st, a.schedule, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		a.bot = bot
		a.senders.Register(bot)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.senders, st, log.With(logx.String("comp", "notifier")), a.bus)

	catchUp, err := mapCatchUp(cfg)
	if err != nil {
		return err
	}
	a.boundary = boundary.New(a.schedule, a.notif.Boundary(), log.With(logx.String("comp", "boundary")), boundary.WithCatchUp(catchUp))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")), a.bus)

	// A tick that overlaps the previous one is skipped; the next minute's
	// tick (or catch-up) covers it. Retrying a tick would only fire late.
	_, err = a.sched.AddScheduleOpt(tickScheduleName, a.tickSpec, 0, scheduler.TaskOptions{
		Overlap:  scheduler.OverlapSkipIfRunning,
		RetryMax: -1,
	}, a.runTick)
	if err != nil {
		return fmt.Errorf("scheduler.tick: %w", err)
	}

	if cfg.HTTP.Enabled {
		hc, err := mapHTTPConfig(cfg)
		if err != nil {
			return err
		}
		a.http = httpapi.New(hc, httpapi.Deps{
			Schedule:   a.schedule,
			Recipients: st,
			Notifier:   a.notif,
			Senders:    a.senders,
			Tick:       a.boundary.Fire,
			Status: map[string]func() any{
				"scheduler": func() any { return a.sched.Snapshot() },
				"notifier":  func() any { return a.notif.Snapshot() },
			},
		}, log)
	}
	return nil
}

func (a *App) runTick(ctx context.Context) error {
	res := a.boundary.Tick(ctx, engine.TriggeredAt(ctx))
	if len(res.Events) > 0 || len(res.Errors) > 0 {
		a.log.Debug("tick",
			logx.String("date", res.Date),
			logx.Int("events", len(res.Events)),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed),
		)
	}
	return nil
}

// Tick runs one boundary evaluation outside the scheduler.
func (a *App) Tick(ctx context.Context, now time.Time) boundary.TickResult {
	return a.boundary.Fire(ctx, now)
}

func (a *App) Schedule() *schedule.Service { return a.schedule }

func (a *App) Logger() logx.Logger { return a.log }

// HTTP is nil when the API is disabled.
func (a *App) HTTP() *httpapi.Server { return a.http }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCatchUp(cfg); err != nil {
			return err
		}
		_, err := mapHTTPConfig(cfg)
		return err
	})
	run := a.sup.Context()

	// engine first: the scheduler only enqueues into it
	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.bot != nil {
		a.bot.Start(run)
	}
	if a.http != nil {
		a.http.Start(run)
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Debug only: ticks fire every minute.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("tick", a.tickSpec),
		logx.Strs("channels", a.senders.Channels()),
		logx.Bool("schedule_loaded", a.schedule.Loaded()),
	)
	return nil
}

// Stop shuts down in reverse start order. Every step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// cancel first so background loops start unwinding immediately
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// drain before the transports go away
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases resources of an app that was never started (CLI commands).
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
