package app

import (
	"context"
	"strings"
	"time"

	"shiftbell/internal/config"
	logx "shiftbell/pkg/logx"
)

// reloadLoop applies hot-reloaded config. The schedule document, storage,
// transports and the HTTP listener are fixed for the process life.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.applyConfig(ctx, newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("sections", restart))
	}
	if spec := cfg.TickSpec(); spec != a.tickSpec {
		a.log.Warn("scheduler.tick changed; restart required", logx.String("old", a.tickSpec), logx.String("new", spec))
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	// task engine first on enable, scheduler first on disable
	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	schedCfg := mapSchedulerConfig(cfg)
	a.sched.Apply(schedCfg)

	if prevSched && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		a.bounded(ctx, a.sched.Stop)
	}
	if err == nil && prevEng && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		a.bounded(ctx, a.engine.Stop)
	}
	if err == nil && !prevEng && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	prevNotif := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			a.bounded(ctx, a.notif.Stop)
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}
	if d, err := mapCatchUp(cfg); err != nil {
		a.log.Warn("invalid notifier.catch_up; keeping previous", logx.Err(err))
	} else {
		a.boundary.SetCatchUp(d)
	}
}

func (a *App) bounded(ctx context.Context, stop func(context.Context)) {
	c, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	stop(c)
}
