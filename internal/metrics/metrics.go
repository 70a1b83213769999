// Package metrics exposes nitewatch's Prometheus instruments.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nitewatch"

// Metrics groups every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Cycles        *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Transitions   *prometheus.CounterVec
	Sends         *prometheus.CounterVec
	SendDuration  *prometheus.HistogramVec
	CurrentEvents prometheus.Gauge
	LastSuccess   prometheus.Gauge
	TaskRestarts  *prometheus.CounterVec
	Maintenance   *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles by outcome (ok, fetch_failed, commit_failed, panic).",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent fetching the schedule from the source.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed event transitions by kind.",
		}, []string{"transition"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Notification send attempts by channel and status.",
		}, []string{"channel", "status"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of a single notification send.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		CurrentEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_events",
			Help:      "Events in the committed current state.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that completed without a fetch or commit failure.",
		}),
		TaskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Supervised task restarts after an error or panic.",
		}, []string{"task"}),
		Maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Storage maintenance runs by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.Cycles, m.FetchDuration, m.Transitions, m.Sends, m.SendDuration,
		m.CurrentEvents, m.LastSuccess, m.TaskRestarts, m.Maintenance)
	return m
}

func (m *Metrics) CycleDone(outcome string) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.LastSuccess.SetToCurrentTime()
	}
}

func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) Committed(appeared, vanished, current int) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues("appeared").Add(float64(appeared))
	m.Transitions.WithLabelValues("vanished").Add(float64(vanished))
	m.CurrentEvents.Set(float64(current))
}

func (m *Metrics) Sent(channel string, err error, took time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.Sends.WithLabelValues(channel, status).Inc()
	m.SendDuration.WithLabelValues(channel).Observe(took.Seconds())
}

func (m *Metrics) Restarted(task string, _ error) {
	if m == nil {
		return
	}
	m.TaskRestarts.WithLabelValues(task).Inc()
}

func (m *Metrics) Maintained(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.Maintenance.WithLabelValues(status).Inc()
}

// Registry returns a registry preloaded with the Go runtime and process
// collectors.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Server serves /metrics and /healthz, plus /status and /debug/pprof/ when
// enabled.
type Server struct {
	server *http.Server
}

type ServerOption func(mux *http.ServeMux)

// WithPprof mounts the runtime profiler under /debug/pprof/. Only enable it on
// a loopback address.
func WithPprof() ServerOption {
	return func(mux *http.ServeMux) {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
}

// WithStatus serves the JSON encoding of fn() at /status.
func WithStatus(fn func() any) ServerOption {
	return func(mux *http.ServeMux) {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(fn())
		})
	}
}

func NewServer(addr string, gatherer prometheus.Gatherer, opts ...ServerOption) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for _, o := range opts {
		o(mux)
	}
	return &Server{server: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// profile and trace stream for up to 30s by default
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

func (s *Server) Handler() http.Handler { return s.server.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
