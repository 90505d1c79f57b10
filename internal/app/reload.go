package app

import (
	"context"
	"strings"
	"time"

	"geopub/internal/config"
	logx "geopub/pkg/logx"
)

// reloadLoop applies committed config reloads until ctx ends.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, applied, next)
			applied = next
		}
	}
}

// apply pushes the live-reloadable sections to their components. Sections
// that need a restart are only reported.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)

	a.logs.Apply(mapLogging(next))

	engCfg := mapTaskEngine(next)
	wasEnabled := a.engine.Enabled()
	a.engine.Apply(ctx, engCfg)
	switch {
	case !wasEnabled && engCfg.Enabled:
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	case wasEnabled && !engCfg.Enabled:
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}

	a.publish.Apply(mapPublish(next))
	a.checker.Apply(mapAccountCheck(next))

	if checkSchedule(prev) != checkSchedule(next) {
		for _, j := range a.jobs(next) {
			if j.ID != jobAccountCheck {
				continue
			}
			if err := a.sched.Add(j); err != nil {
				a.log.Warn("account check schedule not applied", logx.Err(err))
			}
		}
	}
	a.sched.Apply(ctx, mapScheduler(next))

	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
}
