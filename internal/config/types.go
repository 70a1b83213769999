// Package config loads nitewatch's configuration file.
//
// The file may be JSON, YAML or TOML (chosen by extension). YAML and TOML are
// coerced to JSON and decoded strictly, so an unknown key is an error in every
// format. Durations are Go duration strings ("90s", "2m").
package config

type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Source    SourceConfig     `json:"source"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	Channels  ChannelsConfig   `json:"channels"`
	Storage   StorageConfig    `json:"storage"`
	Events    EventsConfig     `json:"events"`
	Metrics   MetricsConfig    `json:"metrics"`
	Locations []LocationConfig `json:"locations,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	Alerts  AlertsConfig      `json:"alerts"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AlertsConfig forwards high-severity log records to an operator through one
// of the configured channels.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SourceConfig struct {
	MainURL            string            `json:"main_url"`
	APIURL             string            `json:"api_url"`
	Headers            map[string]string `json:"headers,omitempty"`
	Timeout            string            `json:"timeout"`
	CAFile             string            `json:"ca_file,omitempty"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify,omitempty"`
	// EmptySnapshot is "accept" (default) or "reject".
	EmptySnapshot string `json:"empty_snapshot,omitempty"`
}

type SchedulerConfig struct {
	IntervalMin  string `json:"interval_min"`
	IntervalMax  string `json:"interval_max"`
	CycleTimeout string `json:"cycle_timeout,omitempty"`
}

type DispatchConfig struct {
	Workers     int     `json:"workers"`
	SendTimeout string  `json:"send_timeout"`
	RatePerSec  float64 `json:"rate_per_sec"`
	Burst       int     `json:"burst,omitempty"`
	// Template is a text/template over {{.Location}} and {{.Date}}.
	Template string `json:"template,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	APIURL  string `json:"api_url,omitempty"`
}

type WhatsAppConfig struct {
	Enabled bool   `json:"enabled"`
	APIURL  string `json:"api_url"`
	Token   string `json:"token"`
}

// StorageConfig selects the state backend.
//
// Driver values: "sqlite" (default), "postgres", "memory".
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	// Maintenance is a cron spec for periodic housekeeping; empty disables it.
	Maintenance string `json:"maintenance,omitempty"`
}

type EventsConfig struct {
	NATSURL       string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// MetricsConfig controls the HTTP endpoint serving /metrics, /healthz and
// /status.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	// Pprof also mounts /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

type LocationConfig struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}
