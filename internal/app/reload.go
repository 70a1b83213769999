package app

import (
	"context"
	"strings"

	"nitewatch/internal/config"
	"nitewatch/internal/exam"
	"nitewatch/pkg/logx"
)

// reloadLoop applies committed config changes to the running components.
// Sections read only at startup are logged and left alone.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub:
			if !ok {
				return nil
			}
			a.applyUpdate(u)
		}
	}
}

func (a *App) applyUpdate(u config.Update) {
	prev := a.cfg
	changed := config.ChangedSections(prev, u.Config)
	if len(changed) == 0 {
		return
	}
	if config.RestartRequired(prev, u.Config) {
		a.log.Warn("config change needs a restart to take full effect",
			logx.String("changed", strings.Join(changed, ",")))
	}

	a.logs.Apply(u.Runtime.Logging)
	a.sched.Apply(u.Runtime.Scheduler)
	a.dispatcher.Apply(u.Runtime.Dispatch)
	// the catalog is fixed at startup; only the template is live
	if u.Runtime.Template != a.rt.Template {
		if r, err := exam.NewRenderer(a.rt.Catalog, u.Runtime.Template); err == nil {
			a.dispatcher.SetRenderer(r)
		}
	}

	live := *a.rt
	live.Logging = u.Runtime.Logging
	live.Scheduler = u.Runtime.Scheduler
	live.Dispatch = u.Runtime.Dispatch
	live.Template = u.Runtime.Template
	a.rt = &live
	a.cfg = u.Config

	a.log.Info("config applied",
		logx.String("changed", strings.Join(changed, ",")),
		logx.Duration("interval_min", live.Scheduler.IntervalMin),
		logx.Duration("interval_max", live.Scheduler.IntervalMax),
	)
}
