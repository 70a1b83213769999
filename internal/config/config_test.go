package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nitewatch/internal/exam"
	"nitewatch/internal/source"
	"nitewatch/internal/storage"
	"nitewatch/pkg/logx"
)

const jsonConfig = `{
  "logging": {"level": "debug"},
  "scheduler": {"interval_min": "30s", "interval_max": "90s"},
  "dispatch": {"workers": 2, "send_timeout": "5s"},
  "channels": {"telegram": {"enabled": true, "token": "t0k"}},
  "storage": {"driver": "memory"},
  "locations": [{"id": 7, "name": "אילת", "order": 1}]
}`

const yamlConfig = `
logging:
  level: debug
scheduler:
  interval_min: 30s
  interval_max: 90s
dispatch:
  workers: 2
  send_timeout: 5s
channels:
  telegram:
    enabled: true
    token: t0k
storage:
  driver: memory
locations:
  - id: 7
    name: אילת
    order: 1
`

const tomlConfig = `
[logging]
level = "debug"

[scheduler]
interval_min = "30s"
interval_max = "90s"

[dispatch]
workers = 2
send_timeout = "5s"

[channels.telegram]
enabled = true
token = "t0k"

[storage]
driver = "memory"

[[locations]]
id = 7
name = "אילת"
order = 1
`

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		path string
		data string
	}{
		{"c.json", jsonConfig},
		{"c.yaml", yamlConfig},
		{"c.toml", tomlConfig},
	} {
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tc.path, []byte(tc.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			rt, err := cfg.Resolve()
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if rt.Scheduler.IntervalMin != 30*time.Second || rt.Scheduler.IntervalMax != 90*time.Second {
				t.Fatalf("intervals = %s..%s", rt.Scheduler.IntervalMin, rt.Scheduler.IntervalMax)
			}
			if rt.Dispatch.Workers != 2 || rt.Dispatch.SendTimeout != 5*time.Second {
				t.Fatalf("dispatch = %+v", rt.Dispatch)
			}
			if rt.Telegram == nil || rt.Telegram.Token != "t0k" || rt.WhatsApp != nil {
				t.Fatalf("channels: telegram=%+v whatsapp=%+v", rt.Telegram, rt.WhatsApp)
			}
			if rt.Storage.Driver != "memory" {
				t.Fatalf("driver = %q", rt.Storage.Driver)
			}
			if got := rt.Catalog.Name(7); got != "אילת" || len(rt.Catalog) != 1 {
				t.Fatalf("catalog = %+v", rt.Catalog)
			}
			// untouched keys keep their defaults
			if rt.Source.APIURL != source.DefaultAPIURL || !rt.Logging.Console {
				t.Fatalf("defaults lost: api=%q console=%v", rt.Source.APIURL, rt.Logging.Console)
			}
			if rt.Template != exam.DefaultTemplate || rt.Source.EmptySnapshot != source.EmptyAccept {
				t.Fatalf("template/empty policy not defaulted")
			}
		})
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"c.json": `{"logging": {"levle": "debug"}}`,
		"c.yaml": "storage:\n  drvier: memory\n",
		"c.toml": "[metrics]\nenable = true\n",
	}
	for path, data := range cases {
		if _, err := Decode(path, []byte(data)); err == nil {
			t.Fatalf("%s: expected unknown-field error", path)
		}
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data: err = %v", err)
	}
	if _, err := Decode("c.yaml", []byte("")); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		EnvTelegramToken: "from-env",
		EnvDatabaseURL:   "postgres://x",
		EnvWhatsAppToken: "  ",
	}
	cfg := Default()
	cfg.Channels.WhatsApp.Token = "file"
	applyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Channels.Telegram.Token != "from-env" || cfg.Storage.DSN != "postgres://x" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Channels, cfg.Storage)
	}
	if cfg.Channels.WhatsApp.Token != "file" {
		t.Fatalf("blank env must not override, got %q", cfg.Channels.WhatsApp.Token)
	}
}

func TestDefaultResolves(t *testing.T) {
	t.Parallel()

	rt, err := Default().Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rt.Storage.Driver != "sqlite" || rt.TopicPrefix != "nitewatch" || rt.MetricsEnabled {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
	if len(rt.Catalog) != len(exam.DefaultCatalog()) {
		t.Fatalf("catalog size = %d", len(rt.Catalog))
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"inverted interval", func(c *Config) { c.Scheduler.IntervalMin, c.Scheduler.IntervalMax = "5m", "1m" }, "interval_max"},
		{"bad duration", func(c *Config) { c.Source.Timeout = "soon" }, "source.timeout"},
		{"negative duration", func(c *Config) { c.Dispatch.SendTimeout = "-1s" }, "dispatch.send_timeout"},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }, EnvTelegramToken},
		{"whatsapp without url", func(c *Config) {
			c.Channels.WhatsApp = WhatsAppConfig{Enabled: true, Token: "x"}
		}, "whatsapp.api_url"},
		{"alerts via disabled channel", func(c *Config) {
			c.Logging.Alerts = AlertsConfig{Enabled: true, Channel: "telegram", Target: "1"}
		}, "not enabled"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad cron", func(c *Config) { c.Storage.Maintenance = "every day" }, "storage.maintenance"},
		{"bad empty policy", func(c *Config) { c.Source.EmptySnapshot = "ignore" }, "empty_snapshot"},
		{"bad template", func(c *Config) { c.Dispatch.Template = "{{.Location" }, "dispatch.template"},
		{"duplicate location", func(c *Config) {
			c.Locations = []LocationConfig{{ID: 1, Name: "a"}, {ID: 1, Name: "b"}}
		}, "duplicate"},
		{"metrics without addr", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true} }, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			_, err := cfg.Resolve()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestResolveUnknownDriverWraps(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Storage.Driver = "bolt"
	_, err := cfg.Resolve()
	if !errors.Is(err, storage.ErrUnknownDriver) {
		t.Fatalf("err = %v, want ErrUnknownDriver", err)
	}
}

func TestResolveReportsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Source.Timeout = "x"
	cfg.Storage.Driver = "nope"
	_, err := cfg.Resolve()
	if err == nil || !strings.Contains(err.Error(), "source.timeout") || !strings.Contains(err.Error(), "storage.driver") {
		t.Fatalf("err = %v", err)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestManagerLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"), logx.Nop())
	cfg, rt, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || rt.Scheduler.IntervalMin != 2*time.Minute {
		t.Fatalf("not defaults: %+v", rt.Scheduler)
	}
	if gotCfg, gotRT := m.Get(); gotCfg != cfg || gotRT != rt {
		t.Fatal("Get does not return the committed config")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nitewatch.json")
	writeFile(t, path, `{"storage":{"driver":"memory"}}`)

	m := NewManager(path, logx.Nop())
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if ok, err := m.Reload(); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	writeFile(t, path, `{"storage":{"driver":"memory"},"scheduler":{"interval_min":"10s","interval_max":"20s"}}`)
	if ok, err := m.Reload(); !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case u := <-sub:
		if u.Runtime.Scheduler.IntervalMax != 20*time.Second {
			t.Fatalf("update = %+v", u.Runtime.Scheduler)
		}
	default:
		t.Fatal("no update published")
	}

	writeFile(t, path, `{"storage":{"driver":"mongo"}}`)
	if ok, err := m.Reload(); ok || err == nil {
		t.Fatalf("invalid reload = %v, %v", ok, err)
	}
	if _, rt := m.Get(); rt.Storage.Driver != "memory" || rt.Scheduler.IntervalMax != 20*time.Second {
		t.Fatalf("invalid file replaced active config: %+v", rt)
	}
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json", logx.Nop())
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(Update{Config: first})
	m.publish(Update{Config: second})

	if u := <-sub; u.Config != second {
		t.Fatal("slow subscriber did not receive the newest update")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nitewatch.yaml")
	writeFile(t, path, "storage:\n  driver: memory\n")

	m := NewManager(path, logx.Nop())
	m.debounce = 20 * time.Millisecond
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	// keep rewriting until the watcher is registered and picks it up
	for {
		writeFile(t, path, "storage:\n  driver: memory\ndispatch:\n  workers: 9\n")
		select {
		case u := <-sub:
			if u.Runtime.Dispatch.Workers != 9 {
				t.Fatalf("workers = %d", u.Runtime.Dispatch.Workers)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("watch did not publish the change")
		}
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	b.Dispatch.Workers = 8
	b.Scheduler.IntervalMax = "10m"

	got := strings.Join(ChangedSections(a, b), ",")
	if got != "scheduler,dispatch" {
		t.Fatalf("ChangedSections = %q", got)
	}
	if RestartRequired(a, b) {
		t.Fatal("scheduler/dispatch changes apply live")
	}
	b.Locations = []LocationConfig{{ID: 1, Name: "x"}}
	if !RestartRequired(a, b) {
		t.Fatal("locations change needs a restart")
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	b := newBackoff(100*time.Millisecond, 400*time.Millisecond)
	for i := 0; i < 10; i++ {
		w := b.next()
		if w < 100*time.Millisecond || w > 600*time.Millisecond {
			t.Fatalf("wait %d = %s out of range", i, w)
		}
	}
	if b.cur != 400*time.Millisecond {
		t.Fatalf("cur = %s, want cap", b.cur)
	}
}
