// Package systemd reports service state to the systemd manager through
// sd_notify. Every call is a no-op when the process is not run by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "trackbot/pkg/logx"
)

// Ready tells systemd that startup finished (Type=notify units).
func Ready(log logx.Logger) {
	notify(log, daemon.SdNotifyReady)
}

// Stopping tells systemd that shutdown has begun.
func Stopping(log logx.Logger) {
	notify(log, daemon.SdNotifyStopping)
}

// Reloading brackets a config reload; call the returned func when done.
func Reloading(log logx.Logger) func() {
	notify(log, daemon.SdNotifyReloading)
	return func() { notify(log, daemon.SdNotifyReady) }
}

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, text string) {
	notify(log, "STATUS="+text)
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Trace("sd_notify", logx.String("state", state))
	}
}

// WatchdogInterval returns the keepalive period to use: half of
// WATCHDOG_USEC. It returns 0 when the watchdog is not enabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval until ctx is done. healthy is asked
// before each ping; a false answer skips the ping so systemd can restart a
// wedged process.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool, log logx.Logger) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("watchdog ping skipped: unhealthy")
				continue
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
