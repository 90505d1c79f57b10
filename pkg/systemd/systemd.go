// Package systemd reports service state to systemd when running under it.
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) { return daemon.SdNotify(false, "STATUS="+text) }

// Watchdog pings the systemd watchdog at half the configured interval
// until ctx ends. healthy gates each ping so a wedged process gets
// restarted. It returns at once when the watchdog is not enabled.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
