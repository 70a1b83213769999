package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nitewatch/pkg/logx"
)

// sdNotifier speaks the systemd notify protocol. Outside a Type=notify unit
// every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	watchdog time.Duration
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{log: log}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
	} else {
		n.watchdog = d
	}
	return n
}

func (n *sdNotifier) send(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func (n *sdNotifier) ready()          { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) stopping()       { n.send(daemon.SdNotifyStopping) }
func (n *sdNotifier) status(s string) { n.send("STATUS=" + s) }
func (n *sdNotifier) ping()           { n.send(daemon.SdNotifyWatchdog) }

// watchdogLoop pings at half the configured watchdog interval.
func (n *sdNotifier) watchdogLoop(ctx context.Context) error {
	t := time.NewTicker(n.watchdog / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.ping()
		}
	}
}
