// Package app wires nitewatch's components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"nitewatch/internal/channel"
	"nitewatch/internal/config"
	"nitewatch/internal/dispatch"
	"nitewatch/internal/events"
	"nitewatch/internal/exam"
	"nitewatch/internal/metrics"
	"nitewatch/internal/runtime/supervisor"
	"nitewatch/internal/scheduler"
	"nitewatch/internal/source"
	"nitewatch/internal/storage"
	"nitewatch/pkg/logx"
)

type Options struct {
	ConfigPath string
	// DryRun replaces every channel sender with one that only logs.
	DryRun bool
}

type App struct {
	opts Options
	cfgm *config.Manager
	cfg  *config.Config
	rt   *config.Runtime

	logs *logx.Service
	log  logx.Logger

	store      storage.Store
	senders    channel.Set
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
	pub        events.Publisher

	reg     *prometheus.Registry
	metrics *metrics.Metrics
	sd      *sdNotifier
	sup     *supervisor.Supervisor
}

// New loads the configuration and builds every component. Nothing runs until
// Run or RunOnce is called.
func New(opts Options) (*App, error) {
	bootLog := logx.NewConsole("info").With(logx.String("comp", "boot"))

	cfgm := config.NewManager(opts.ConfigPath, bootLog)
	cfg, rt, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	senders, err := buildSenders(rt, opts.DryRun, bootLog)
	if err != nil {
		return nil, err
	}
	var alerts logx.AlertSender
	if rt.AlertVia != "" {
		if s, ok := senders.Lookup(rt.AlertVia); ok {
			alerts = s
		}
	}
	logs, log := logx.New(rt.Logging, alerts)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		cfg:     cfg,
		rt:      rt,
		logs:    logs,
		log:     log.With(logx.String("comp", "app")),
		senders: senders,
		reg:     metrics.Registry(),
		sd:      newSDNotifier(log.With(logx.String("comp", "systemd"))),
	}
	a.metrics = metrics.New(a.reg)

	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	st, err := storage.Open(a.rt.Storage, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	src, err := source.NewNITE(a.rt.Source, a.log.With(logx.String("comp", "source")))
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	render, err := exam.NewRenderer(a.rt.Catalog, a.rt.Template)
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.New(a.rt.Dispatch, dispatch.Deps{
		Index:    a.store,
		Senders:  a.senders,
		Renderer: render,
		Metrics:  a.metrics,
		Log:      a.log,
	})

	a.pub = a.buildPublisher()
	a.sched = scheduler.New(a.rt.Scheduler, scheduler.Deps{
		Source:      src,
		Store:       a.store,
		Notifier:    a.dispatcher,
		Publisher:   a.pub,
		TopicPrefix: a.rt.TopicPrefix,
		Catalog:     a.rt.Catalog,
		Metrics:     a.metrics,
		Log:         a.log,
		OnCycle:     a.onCycle,
	})
	return nil
}

// buildPublisher connects the change feed. The feed is best-effort, so an
// unreachable server degrades to a no-op publisher instead of failing startup.
func (a *App) buildPublisher() events.Publisher {
	if a.rt.NATSURL == "" {
		return &events.NoopPublisher{}
	}
	p, err := events.NewNATSPublisher(a.rt.NATSURL,
		nats.Name("nitewatch"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		a.log.Warn("change feed disabled", logx.String("url", a.rt.NATSURL), logx.Err(err))
		return &events.NoopPublisher{}
	}
	a.log.Info("change feed connected", logx.String("url", a.rt.NATSURL), logx.String("prefix", a.rt.TopicPrefix))
	return p
}

func buildSenders(rt *config.Runtime, dryRun bool, log logx.Logger) (channel.Set, error) {
	set := channel.Set{}
	if rt.Telegram != nil {
		if dryRun {
			set[exam.ChannelTelegram] = channel.Logged{Channel: exam.ChannelTelegram, Log: log}
		} else {
			tg, err := channel.NewTelegram(*rt.Telegram)
			if err != nil {
				return nil, fmt.Errorf("telegram: %w", err)
			}
			set[exam.ChannelTelegram] = tg
		}
	}
	if rt.WhatsApp != nil {
		if dryRun {
			set[exam.ChannelWhatsApp] = channel.Logged{Channel: exam.ChannelWhatsApp, Log: log}
		} else {
			wa, err := channel.NewWhatsApp(*rt.WhatsApp)
			if err != nil {
				return nil, fmt.Errorf("whatsapp: %w", err)
			}
			set[exam.ChannelWhatsApp] = wa
		}
	}
	return set, nil
}

func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Store() storage.Store      { return a.store }
func (a *App) Runtime() *config.Runtime  { return a.rt }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Run starts the monitoring loop and its supporting tasks, and blocks until
// ctx is cancelled or a task fails fatally.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithRestartHook(a.metrics.Restarted),
	)

	a.sup.GoRestart("scheduler", a.sched.Run, supervisor.WithBackoff(time.Second, time.Minute))
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	if a.rt.MetricsEnabled {
		opts := []metrics.ServerOption{metrics.WithStatus(a.status)}
		if a.rt.Pprof {
			opts = append(opts, metrics.WithPprof())
		}
		srv := metrics.NewServer(a.rt.MetricsAddr, a.reg, opts...)
		a.sup.GoRestart("metrics.http", srv.Run, supervisor.WithBackoff(time.Second, 30*time.Second))
		a.log.Info("metrics listening", logx.String("addr", a.rt.MetricsAddr))
	}
	if a.rt.Maintenance != "" {
		a.sup.Go("storage.maintenance", func(ctx context.Context) error {
			return runMaintenance(ctx, a.rt.Maintenance, a.store, a.metrics, a.log.With(logx.String("comp", "maintenance")))
		})
	}
	if a.sd.watchdog > 0 {
		a.sup.Go("systemd.watchdog", a.sd.watchdogLoop)
	}

	a.log.Info("nitewatch started",
		logx.String("storage", a.rt.Storage.Driver),
		logx.String("channels", strings.Join(a.senders.Names(), ",")),
		logx.Bool("dry_run", a.opts.DryRun),
		logx.Duration("interval_min", a.rt.Scheduler.IntervalMin),
		logx.Duration("interval_max", a.rt.Scheduler.IntervalMax),
	)
	a.sd.ready()

	<-a.sup.Context().Done()
	a.sd.stopping()
	a.log.Info("nitewatch stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := a.sup.Stop(stopCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("shutdown timed out; some tasks did not stop")
	}
	return err
}

// Status is the /status payload.
type Status struct {
	State string                 `json:"state"`
	Error string                 `json:"error,omitempty"`
	Tasks []supervisor.TaskStats `json:"tasks"`
}

func (a *App) status() any {
	st := Status{State: a.sched.State().String(), Tasks: a.sup.Stats()}
	if err := a.sup.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// RunOnce performs a single cycle without sleeping.
func (a *App) RunOnce(ctx context.Context) (scheduler.CycleReport, error) {
	return a.sched.RunCycle(ctx)
}

func (a *App) onCycle(rep scheduler.CycleReport) {
	a.sd.status(fmt.Sprintf("last cycle %s: %s, %d appeared, %d vanished",
		rep.Started.Format(time.RFC3339), rep.Outcome, len(rep.Appeared), len(rep.Vanished)))
}

// Close releases resources. It is safe after a failed New.
func (a *App) Close() error {
	var errs []error
	if a.pub != nil {
		errs = append(errs, a.pub.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
