package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"nitewatch/internal/channel"
	"nitewatch/internal/dispatch"
	"nitewatch/internal/events"
	"nitewatch/internal/exam"
	"nitewatch/internal/scheduler"
	"nitewatch/internal/source"
	"nitewatch/internal/storage"
	"nitewatch/pkg/logx"
)

// Default returns a config that runs against the public endpoints with a
// local sqlite database and no delivery channels enabled.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Source: SourceConfig{
			MainURL: source.DefaultMainURL,
			APIURL:  source.DefaultAPIURL,
			Timeout: source.DefaultTimeout.String(),
		},
		Scheduler: SchedulerConfig{
			IntervalMin: scheduler.DefaultIntervalMin.String(),
			IntervalMax: scheduler.DefaultIntervalMax.String(),
		},
		Dispatch: DispatchConfig{Workers: 4, SendTimeout: "10s", RatePerSec: 20, Burst: 5},
		Storage:  StorageConfig{Driver: "sqlite", Path: "./data/nitewatch.db"},
		Metrics:  MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}

// Runtime is a validated config converted into component configs.
type Runtime struct {
	Logging   logx.Config
	AlertVia  exam.Channel // empty when alerts are disabled
	Source    source.Config
	Scheduler scheduler.Config
	Dispatch  dispatch.Config
	Template  string
	Catalog   exam.Catalog

	// nil when the channel is disabled
	Telegram *channel.TelegramConfig
	WhatsApp *channel.WhatsAppConfig

	Storage     storage.Config
	Maintenance string

	NATSURL     string
	TopicPrefix string

	MetricsEnabled bool
	MetricsAddr    string
	Pprof          bool
}

// Resolve validates c and converts it. All problems are reported together.
func (c *Config) Resolve() (*Runtime, error) {
	var errs []error
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		fail(err)
		return d
	}

	rt := &Runtime{
		Logging: logx.Config{
			Level:   c.Logging.Level,
			Console: c.Logging.Console,
			File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
			Alerts: logx.AlertConfig{
				Enabled:    c.Logging.Alerts.Enabled,
				Target:     c.Logging.Alerts.Target,
				MinLevel:   c.Logging.Alerts.MinLevel,
				RatePerSec: c.Logging.Alerts.RatePerSec,
			},
		},
		Source: source.Config{
			MainURL:            c.Source.MainURL,
			APIURL:             c.Source.APIURL,
			Headers:            c.Source.Headers,
			Timeout:            dur("source.timeout", c.Source.Timeout, source.DefaultTimeout),
			CAFile:             c.Source.CAFile,
			InsecureSkipVerify: c.Source.InsecureSkipVerify,
		},
		Scheduler: scheduler.Config{
			IntervalMin:  dur("scheduler.interval_min", c.Scheduler.IntervalMin, scheduler.DefaultIntervalMin),
			IntervalMax:  dur("scheduler.interval_max", c.Scheduler.IntervalMax, scheduler.DefaultIntervalMax),
			CycleTimeout: dur("scheduler.cycle_timeout", c.Scheduler.CycleTimeout, 0),
		},
		Dispatch: dispatch.Config{
			Workers:     c.Dispatch.Workers,
			SendTimeout: dur("dispatch.send_timeout", c.Dispatch.SendTimeout, 10*time.Second),
			RatePerSec:  c.Dispatch.RatePerSec,
			Burst:       c.Dispatch.Burst,
		},
		Template: c.Dispatch.Template,
		Storage: storage.Config{
			Driver:       strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
			Path:         c.Storage.Path,
			DSN:          c.Storage.DSN,
			BusyTimeout:  dur("storage.busy_timeout", c.Storage.BusyTimeout, 0),
			MaxOpenConns: c.Storage.MaxOpenConns,
		},
		Maintenance:    strings.TrimSpace(c.Storage.Maintenance),
		NATSURL:        strings.TrimSpace(c.Events.NATSURL),
		TopicPrefix:    c.Events.SubjectPrefix,
		MetricsEnabled: c.Metrics.Enabled,
		MetricsAddr:    c.Metrics.Addr,
		Pprof:          c.Metrics.Pprof,
	}
	if rt.Template == "" {
		rt.Template = exam.DefaultTemplate
	}
	if rt.TopicPrefix == "" {
		rt.TopicPrefix = events.DefaultPrefix
	}

	switch p := source.EmptyPolicy(strings.ToLower(strings.TrimSpace(c.Source.EmptySnapshot))); p {
	case "", source.EmptyAccept:
		rt.Source.EmptySnapshot = source.EmptyAccept
	case source.EmptyReject:
		rt.Source.EmptySnapshot = p
	default:
		fail(fmt.Errorf("source.empty_snapshot: must be accept or reject, got %q", c.Source.EmptySnapshot))
	}

	if rt.Scheduler.IntervalMax < rt.Scheduler.IntervalMin {
		fail(fmt.Errorf("scheduler: interval_max (%s) < interval_min (%s)", rt.Scheduler.IntervalMax, rt.Scheduler.IntervalMin))
	}
	if c.Dispatch.Workers < 0 {
		fail(errors.New("dispatch.workers: must be >= 0"))
	}
	if c.Dispatch.RatePerSec < 0 {
		fail(errors.New("dispatch.rate_per_sec: must be >= 0"))
	}

	rt.Catalog, errs = resolveCatalog(c.Locations, errs)
	if _, err := exam.NewRenderer(rt.Catalog, rt.Template); err != nil {
		fail(fmt.Errorf("dispatch.template: %w", err))
	}

	if tg := c.Channels.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			fail(fmt.Errorf("channels.telegram.token: required (or set %s)", EnvTelegramToken))
		}
		rt.Telegram = &channel.TelegramConfig{Token: tg.Token, APIURL: tg.APIURL, Timeout: rt.Dispatch.SendTimeout}
	}
	if wa := c.Channels.WhatsApp; wa.Enabled {
		if strings.TrimSpace(wa.APIURL) == "" {
			fail(errors.New("channels.whatsapp.api_url: required"))
		}
		if strings.TrimSpace(wa.Token) == "" {
			fail(fmt.Errorf("channels.whatsapp.token: required (or set %s)", EnvWhatsAppToken))
		}
		rt.WhatsApp = &channel.WhatsAppConfig{APIURL: wa.APIURL, Token: wa.Token, Timeout: rt.Dispatch.SendTimeout}
	}

	if a := c.Logging.Alerts; a.Enabled {
		ch, err := exam.ParseChannel(a.Channel)
		switch {
		case err != nil:
			fail(fmt.Errorf("logging.alerts.channel: %w", err))
		case ch == exam.ChannelTelegram && rt.Telegram == nil,
			ch == exam.ChannelWhatsApp && rt.WhatsApp == nil:
			fail(fmt.Errorf("logging.alerts.channel: %s is not enabled", ch))
		default:
			rt.AlertVia = ch
		}
		if strings.TrimSpace(a.Target) == "" {
			fail(errors.New("logging.alerts.target: required"))
		}
	}

	switch rt.Storage.Driver {
	case "", "sqlite":
		rt.Storage.Driver = "sqlite"
		if strings.TrimSpace(rt.Storage.Path) == "" {
			fail(errors.New("storage.path: required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(rt.Storage.DSN) == "" {
			fail(fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvDatabaseURL))
		}
	case "memory":
	default:
		fail(fmt.Errorf("storage.driver: %w %q", storage.ErrUnknownDriver, c.Storage.Driver))
	}
	if rt.Maintenance != "" {
		if _, err := cron.ParseStandard(rt.Maintenance); err != nil {
			fail(fmt.Errorf("storage.maintenance: %w", err))
		}
	}

	if rt.MetricsEnabled && strings.TrimSpace(rt.MetricsAddr) == "" {
		fail(errors.New("metrics.addr: required when metrics are enabled"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rt, nil
}

func resolveCatalog(locs []LocationConfig, errs []error) (exam.Catalog, []error) {
	if len(locs) == 0 {
		return exam.DefaultCatalog(), errs
	}
	cat := make(exam.Catalog, len(locs))
	for i, l := range locs {
		if l.ID <= 0 {
			errs = append(errs, fmt.Errorf("locations[%d].id: must be > 0", i))
			continue
		}
		id := exam.LocationID(l.ID)
		if _, dup := cat[id]; dup {
			errs = append(errs, fmt.Errorf("locations[%d].id: duplicate %d", i, l.ID))
			continue
		}
		if strings.TrimSpace(l.Name) == "" {
			errs = append(errs, fmt.Errorf("locations[%d].name: required", i))
		}
		cat[id] = exam.Location{ID: id, Name: l.Name, Order: l.Order}
	}
	return cat, errs
}
