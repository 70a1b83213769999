package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nitewatch/internal/exam"
	logx "nitewatch/pkg/logx"
)

func newSourceServer(t *testing.T, api http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var warmups atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		warmups.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "warm", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/net-registration/all-days", api)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &warmups
}

func newClient(t *testing.T, srv *httptest.Server, mutate func(*Config)) *NITE {
	t.Helper()
	cfg := Config{
		MainURL: srv.URL + "/",
		APIURL:  srv.URL + "/net-registration/all-days?networkExamId=3",
		Timeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewNITE(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("NewNITE: %v", err)
	}
	return c
}

func TestFetchSchedule(t *testing.T) {
	t.Parallel()

	srv, warmups := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "warm" {
			http.Error(w, "no session", http.StatusForbidden)
			return
		}
		if r.Header.Get("origin") != "https://niteop.nite.org.il" {
			http.Error(w, "bad origin", http.StatusForbidden)
			return
		}
		if r.URL.Query().Get("networkExamId") != "3" {
			http.Error(w, "bad exam id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"2025-11-04":[3],"2025-11-05":[2,5]}`))
	})

	sched, err := newClient(t, srv, nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if warmups.Load() != 1 {
		t.Fatalf("expected one warm-up request, got %d", warmups.Load())
	}
	if sched.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", sched.Len())
	}
	if locs := sched[exam.MustDate("2025-11-05")]; len(locs) != 2 || locs[1] != 5 {
		t.Fatalf("2025-11-05 locations: %v", locs)
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		status int
		delay  time.Duration
		policy EmptyPolicy
		want   Kind
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", want: KindStatus},
		{name: "html instead of json", status: http.StatusOK, body: "<html></html>", want: KindPayload},
		{name: "bad date key", status: http.StatusOK, body: `{"04/11/2025":[3]}`, want: KindPayload},
		{name: "empty body", status: http.StatusOK, body: "", want: KindPayload},
		{name: "timeout", status: http.StatusOK, body: "{}", delay: 500 * time.Millisecond, want: KindTimeout},
		{name: "empty rejected", status: http.StatusOK, body: "{}", policy: EmptyReject, want: KindEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c := newClient(t, srv, func(cfg *Config) {
				cfg.EmptySnapshot = tt.policy
				if tt.delay > 0 {
					cfg.Timeout = 100 * time.Millisecond
				}
			})

			sched, err := c.Fetch(context.Background())
			if sched != nil {
				t.Fatalf("expected no schedule, got %v", sched)
			}
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FetchError, got %v", err)
			}
			if fe.Kind != tt.want {
				t.Fatalf("kind: got %s want %s (%v)", fe.Kind, tt.want, err)
			}
		})
	}
}

func TestFetchEmptyAccepted(t *testing.T) {
	t.Parallel()

	srv, _ := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	sched, err := newClient(t, srv, nil).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if sched == nil || len(sched) != 0 {
		t.Fatalf("expected empty non-nil schedule, got %v", sched)
	}
}

func TestFetchWarmUpUnreachable(t *testing.T) {
	t.Parallel()

	srv, _ := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	c := newClient(t, srv, func(cfg *Config) { cfg.MainURL = "http://127.0.0.1:1/" })
	_, err := c.Fetch(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindNetwork {
		t.Fatalf("expected network FetchError, got %v", err)
	}
}

func TestNewNITEBadCAFile(t *testing.T) {
	t.Parallel()
	if _, err := NewNITE(Config{CAFile: "/nonexistent/ca.pem"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}
