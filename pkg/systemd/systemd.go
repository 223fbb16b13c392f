// Package systemd wraps the sd_notify protocol for running under a
// Type=notify unit. All calls degrade to no-ops outside systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells the service manager startup has finished.
func Ready() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping tells the service manager shutdown has begun.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// WatchdogInterval reports the unit's watchdog deadline, or false when no
// watchdog is configured (or we are not under systemd).
func WatchdogInterval() (time.Duration, bool) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// RunWatchdog pings the watchdog at half the configured deadline until ctx
// ends. Returns immediately when no watchdog is configured.
func RunWatchdog(ctx context.Context) {
	d, ok := WatchdogInterval()
	if !ok {
		return
	}
	t := time.NewTicker(d / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
