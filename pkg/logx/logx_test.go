package logx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type alertRecorder struct {
	mu   sync.Mutex
	to   []string
	msgs []string
	got  chan struct{}
}

func (r *alertRecorder) Send(ctx context.Context, to, text string) error {
	r.mu.Lock()
	r.to = append(r.to, to)
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestFileSinkAndLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}, nil)

	log.With(String("comp", "test")).Info("hidden")
	log.With(String("comp", "test")).Warn("shown", Int("n", 7), Err(errors.New("boom")))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record written at warn level:\n%s", out)
	}
	for _, want := range []string{`"message":"shown"`, `"comp":"test"`, `"n":7`, `"err":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in:\n%s", want, out)
		}
	}
}

func TestApplyChangesLevelForExistingLoggers(t *testing.T) {
	svc, log := New(Config{Level: "info"}, nil)
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info")
	}
	svc.Apply(Config{Level: "debug"})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not reach a logger handed out earlier")
	}
}

func TestAlertsForwardHighSeverity(t *testing.T) {
	rec := &alertRecorder{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level:  "info",
		Alerts: AlertConfig{Enabled: true, Target: "ops", MinLevel: "error", RatePerSec: 10},
		File:   FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")},
	}, rec)
	defer svc.Close()

	log.Warn("not forwarded")
	log.Error("cycle failed", String("cycle", "abc"))

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.msgs) != 1 || rec.to[0] != "ops" {
		t.Fatalf("alerts = %v to %v", rec.msgs, rec.to)
	}
	if !strings.HasPrefix(rec.msgs[0], "[ERROR] cycle failed") || !strings.Contains(rec.msgs[0], "- cycle=abc") {
		t.Fatalf("alert text = %q", rec.msgs[0])
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"warn","time":"x","message":"slow","b":2,"a":"1"}`))
	if got != "[WARN] slow\n- a=1\n- b=2" {
		t.Fatalf("formatAlert = %q", got)
	}
	if got := formatAlert([]byte("not json")); got != "not json" {
		t.Fatalf("raw fallback = %q", got)
	}
	long := strings.Repeat("x", 5000)
	if got := formatAlert([]byte(long)); len(got) != 3500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncation: len %d", len(got))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]zerolog.Level{
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	} {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	t.Parallel()

	var l Logger
	l.With(String("a", "b")).Error("nowhere")
	if l.Enabled(LevelError) {
		t.Fatal("zero logger reports enabled")
	}
}

func TestConsoleWriterColorOnlyOnTerminal(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	cw, ok := newConsoleWriter(&buf).(zerolog.ConsoleWriter)
	if !ok || !cw.NoColor {
		t.Fatal("non-terminal writer must not be colored")
	}
}
