package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"nitewatch/internal/metrics"
	"nitewatch/pkg/logx"
)

const maintenanceTimeout = 5 * time.Minute

type maintainer interface {
	Maintain(ctx context.Context) error
}

// runMaintenance runs st.Maintain on the cron spec until ctx is done. Runs
// never overlap; a tick that arrives during a run is skipped.
func runMaintenance(ctx context.Context, spec string, st maintainer, m *metrics.Metrics, log logx.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		mctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
		defer cancel()
		start := time.Now()
		err := st.Maintain(mctx)
		m.Maintained(err)
		if err != nil {
			log.Warn("storage maintenance failed", logx.Err(err))
			return
		}
		log.Info("storage maintenance done", logx.Duration("took", time.Since(start)))
	})
	if err != nil {
		return err
	}
	c.Start()
	log.Debug("maintenance scheduled", logx.String("spec", spec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
