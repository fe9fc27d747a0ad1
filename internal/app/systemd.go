package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "runq/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Outside systemd every call is a
// no-op.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *sdNotifier) send(state string) {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured interval until ctx ends.
// It returns at once when the unit has no WatchdogSec.
func (n *sdNotifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := interval / 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
