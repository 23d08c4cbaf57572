package app

import (
	"context"
	"strings"
	"time"

	"trackbot/internal/config"
	logx "trackbot/pkg/logx"
	"trackbot/pkg/systemd"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *Config) {
	// Track last applied config to generate a safe diff summary.
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
			newCfg = drainLatest(sub, newCfg)
			done := systemd.Reloading(a.log)
			a.applyConfig(ctx, lastApplied, newCfg)
			done()
			lastApplied = newCfg
		}
	}
}

func drainLatest(sub <-chan *Config, cur *Config) *Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes the hot-reloadable sections into the running components.
// Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections that need a restart to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "tracking":
			a.applyTracking(newCfg)
		case "upstream":
			a.applyUpstream(newCfg)
		case "notifier":
			a.applyNotifier(ctx, newCfg)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTracking(cfg *Config) {
	tcfg, err := mapTrackingConfig(cfg)
	if err != nil {
		a.log.Warn("invalid tracking config; keeping previous", logx.Err(err))
		return
	}
	a.tracker.SetCadence(tcfg.Interval, tcfg.Cooldown)

	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
		return
	}
	a.poller.Apply(pcfg)
}

func (a *App) applyUpstream(cfg *Config) {
	ucfg, err := mapUpstreamConfig(cfg)
	if err == nil {
		err = a.upstream.Apply(ucfg)
	}
	if err != nil {
		a.log.Warn("invalid upstream config; keeping previous", logx.Err(err))
	}
}

func (a *App) applyNotifier(ctx context.Context, cfg *Config) {
	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	a.notif.Apply(ncfg)
	switch {
	case prevEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(context.WithoutCancel(ctx))
	}
}
