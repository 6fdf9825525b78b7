package app

import (
	"context"
	"strings"
	"time"

	"termsync/internal/config"
	"termsync/internal/eventbus"
	logx "termsync/pkg/logx"
	"termsync/pkg/systemd"
)

// reloadLoop applies validated config updates published by the config watcher.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ec, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if jc, err := mapJobConfig(newCfg); err != nil {
		a.log.Warn("invalid job config; keeping previous", logx.Err(err))
	} else if err := a.runner.Apply(jc); err != nil {
		a.log.Warn("job config rejected; keeping previous", logx.Err(err))
	}
	if err := a.registerJob(newCfg); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}
	if a.sched.Enabled() {
		a.sched.Start(c)
	} else {
		stopCtx, cancel := context.WithTimeout(c, 2*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		if !wasEnabled && nc.Enabled {
			a.notif.Start(c)
		}
	}

	if cc, err := mapControlConfig(newCfg); err != nil {
		a.log.Warn("invalid control config; keeping previous", logx.Err(err))
	} else {
		a.control.Reconfigure(c, cc)
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now()})
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
