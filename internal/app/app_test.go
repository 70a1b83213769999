package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"nitewatch/internal/config"
	"nitewatch/internal/exam"
	"nitewatch/internal/runtime/supervisor"
	"nitewatch/internal/scheduler"
	"nitewatch/internal/storage"
	"nitewatch/pkg/logx"
)

func newSource(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Storage.Driver = "memory"
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true, Token: "123:abc"}
	cfg.Scheduler.IntervalMin, cfg.Scheduler.IntervalMax = "1s", "1s"
	if mutate != nil {
		mutate(cfg)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "nitewatch.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T, payload string) *App {
	t.Helper()
	srv := newSource(t, payload)
	path := writeConfig(t, func(c *config.Config) {
		c.Source.MainURL = srv.URL + "/"
		c.Source.APIURL = srv.URL + "/api"
		c.Source.Timeout = "2s"
	})
	a, err := New(Options{ConfigPath: path, DryRun: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRunOnceDispatchesToSubscribers(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, `{"2025-11-04":[3]}`)
	ctx := context.Background()
	sub := exam.Subscriber{Channel: exam.ChannelTelegram, ID: "42"}
	if err := a.Store().Subscribe(ctx, sub, []exam.LocationID{3}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	rep, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Outcome != scheduler.OutcomeOK || len(rep.Appeared) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Dispatches) != 1 || rep.Dispatches[0].Succeeded() != 1 {
		t.Fatalf("dispatches = %+v", rep.Dispatches)
	}

	rep, err = a.RunOnce(ctx)
	if err != nil || len(rep.Appeared) != 0 || len(rep.Dispatches) != 0 {
		t.Fatalf("second cycle re-announced: %+v, %v", rep, err)
	}

	log, err := a.Store().ChangeLog(ctx, storage.ChangeQuery{})
	if err != nil || len(log) != 1 || log[0].Transition != exam.Appeared {
		t.Fatalf("change log = %+v, %v", log, err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, func(c *config.Config) { c.Storage.Driver = "etcd" })
	if _, err := New(Options{ConfigPath: path}); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
}

func TestApplyUpdate(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, `{}`)
	next := *a.cfg
	next.Scheduler.IntervalMin, next.Scheduler.IntervalMax = "5m", "6m"
	next.Dispatch.Template = "{{.Date}}"
	rt, err := next.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a.applyUpdate(config.Update{Config: &next, Runtime: rt})

	if a.rt.Scheduler.IntervalMax != 6*time.Minute || a.rt.Template != "{{.Date}}" {
		t.Fatalf("runtime not updated: %+v", a.rt.Scheduler)
	}
	if d := a.sched.NextSleep(); d < 5*time.Minute || d > 6*time.Minute {
		t.Fatalf("scheduler still on old bounds: %s", d)
	}
	if a.cfg != &next {
		t.Fatal("active config not replaced")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type countingMaintainer struct{ n atomic.Int32 }

func (c *countingMaintainer) Maintain(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestRunMaintenance(t *testing.T) {
	t.Parallel()

	m := &countingMaintainer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runMaintenance(ctx, "@every 1s", m, nil, logx.Nop()) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runMaintenance: %v", err)
	}
	if m.n.Load() == 0 {
		t.Fatal("maintenance never ran")
	}
}

func TestRunMaintenanceBadSpec(t *testing.T) {
	t.Parallel()

	if err := runMaintenance(context.Background(), "nope", &countingMaintainer{}, nil, logx.Nop()); err == nil {
		t.Fatal("expected spec error")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, `{}`)
	a.sup = supervisor.New(context.Background())
	defer a.sup.Cancel()
	a.sup.Go("noop", func(ctx context.Context) error { return nil })
	_ = a.sup.Wait(context.Background())

	st, ok := a.status().(Status)
	if !ok || st.State != "IDLE" || st.Error != "" || len(st.Tasks) != 1 || st.Tasks[0].Name != "noop" {
		t.Fatalf("status = %+v", st)
	}
}
