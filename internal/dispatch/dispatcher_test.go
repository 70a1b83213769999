package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"nitewatch/internal/channel"
	"nitewatch/internal/exam"
	"nitewatch/internal/metrics"
	"nitewatch/internal/storage"
	logx "nitewatch/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	sent map[string]string
	fail map[string]error
}

func newRecorder() *recorder {
	return &recorder{sent: map[string]string{}, fail: map[string]error{}}
}

func (r *recorder) Send(ctx context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[to]; err != nil {
		return err
	}
	r.sent[to] = text
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type failingIndex struct{}

func (failingIndex) SubscribersFor(context.Context, exam.LocationID) ([]exam.Subscriber, error) {
	return nil, errors.New("index unavailable")
}

func newDispatcher(t *testing.T, idx storage.SubscriptionIndex, senders channel.Set, cfg Config) (*Dispatcher, *metrics.Metrics) {
	t.Helper()
	r, err := exam.NewRenderer(exam.DefaultCatalog(), "")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	return New(cfg, Deps{Index: idx, Senders: senders, Renderer: r, Metrics: m, Log: logx.Nop()}), m
}

func subscribe(t *testing.T, st *storage.Memory, ch exam.Channel, id string, locs ...exam.LocationID) {
	t.Helper()
	if err := st.Subscribe(context.Background(), exam.Subscriber{Channel: ch, ID: id}, locs); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

var jerusalem = exam.Event{Date: exam.MustDate("2025-04-01"), Location: 3}

func TestNotifyIsolatesFailures(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	subscribe(t, st, exam.ChannelTelegram, "A", 3)
	subscribe(t, st, exam.ChannelTelegram, "B", 3)
	subscribe(t, st, exam.ChannelTelegram, "C", 2)

	tg := newRecorder()
	tg.fail["A"] = errors.New("Forbidden: bot was blocked by the user")

	d, m := newDispatcher(t, st, channel.Set{exam.ChannelTelegram: tg}, Config{Workers: 2})
	res := d.Notify(context.Background(), jerusalem)

	if res.Err != nil {
		t.Fatalf("unexpected result error: %v", res.Err)
	}
	if res.Succeeded() != 1 || res.Failed() != 1 {
		t.Fatalf("succeeded=%d failed=%d", res.Succeeded(), res.Failed())
	}
	f := res.Failures()[0]
	var se *SendError
	if f.Subscriber.ID != "A" || !errors.As(f.Err, &se) || se.Event.Key() != jerusalem.Key() {
		t.Fatalf("failure = %+v", f)
	}
	if tg.sent["B"] != "📢 נוסף מבחן חדש ב-ירושלים, בתאריך 2025-04-01" {
		t.Fatalf("B received %q", tg.sent["B"])
	}
	if _, ok := tg.sent["C"]; ok {
		t.Fatal("subscriber of another location was notified")
	}
	if got := testutil.ToFloat64(m.Sends.WithLabelValues("telegram", "failed")); got != 1 {
		t.Fatalf("failed sends metric = %v", got)
	}
}

func TestNotifyConfigurationGap(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	subscribe(t, st, exam.ChannelTelegram, "1", 3)
	subscribe(t, st, exam.ChannelWhatsApp, "972500000000", 3)

	tg := newRecorder()
	d, _ := newDispatcher(t, st, channel.Set{exam.ChannelTelegram: tg}, Config{})
	res := d.Notify(context.Background(), jerusalem)

	if res.Succeeded() != 1 || res.Failed() != 1 {
		t.Fatalf("succeeded=%d failed=%d", res.Succeeded(), res.Failed())
	}
	if f := res.Failures()[0]; f.Subscriber.Channel != exam.ChannelWhatsApp || !errors.Is(f.Err, ErrNoSender) {
		t.Fatalf("failure = %+v", f)
	}
}

func TestNotifyNoSubscribers(t *testing.T) {
	t.Parallel()

	tg := newRecorder()
	d, _ := newDispatcher(t, storage.NewMemory(), channel.Set{exam.ChannelTelegram: tg}, Config{})
	res := d.Notify(context.Background(), jerusalem)
	if res.Err != nil || len(res.Deliveries) != 0 || tg.count() != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestNotifyLookupFailure(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher(t, failingIndex{}, channel.Set{}, Config{})
	res := d.Notify(context.Background(), jerusalem)
	if res.Err == nil {
		t.Fatal("expected lookup error in result")
	}
}

func TestNotifyRecoversSenderPanic(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	subscribe(t, st, exam.ChannelTelegram, "1", 3)
	subscribe(t, st, exam.ChannelWhatsApp, "2", 3)

	wa := newRecorder()
	senders := channel.Set{
		exam.ChannelTelegram: channel.SenderFunc(func(context.Context, string, string) error { panic("nil map") }),
		exam.ChannelWhatsApp: wa,
	}
	d, _ := newDispatcher(t, st, senders, Config{})
	res := d.Notify(context.Background(), jerusalem)

	if res.Succeeded() != 1 || res.Failed() != 1 || wa.count() != 1 {
		t.Fatalf("succeeded=%d failed=%d", res.Succeeded(), res.Failed())
	}
}

func TestNotifySendTimeout(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	subscribe(t, st, exam.ChannelTelegram, "slow", 3)
	subscribe(t, st, exam.ChannelTelegram, "fast", 3)

	slow := channel.SenderFunc(func(ctx context.Context, to, text string) error {
		if to == "fast" {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	})
	d, _ := newDispatcher(t, st, channel.Set{exam.ChannelTelegram: slow}, Config{SendTimeout: 50 * time.Millisecond})

	start := time.Now()
	res := d.Notify(context.Background(), jerusalem)
	if time.Since(start) > 2*time.Second {
		t.Fatal("Notify blocked on a slow sender")
	}
	if res.Failed() != 1 || !errors.Is(res.Failures()[0].Err, context.DeadlineExceeded) {
		t.Fatalf("failures = %+v", res.Failures())
	}
}

func TestNotifyBoundedConcurrency(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		subscribe(t, st, exam.ChannelTelegram, id, 3)
	}

	var inflight, peak atomic.Int32
	snd := channel.SenderFunc(func(ctx context.Context, to, text string) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})
	d, _ := newDispatcher(t, st, channel.Set{exam.ChannelTelegram: snd}, Config{Workers: 3})
	res := d.Notify(context.Background(), jerusalem)

	if res.Succeeded() != 8 {
		t.Fatalf("succeeded = %d", res.Succeeded())
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds workers", peak.Load())
	}
	for i := 1; i < len(res.Deliveries); i++ {
		if res.Deliveries[i-1].Subscriber.ID > res.Deliveries[i].Subscriber.ID {
			t.Fatal("deliveries not in subscriber order")
		}
	}
}

func TestSetRendererAppliesToNextEvent(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	subscribe(t, st, exam.ChannelTelegram, "A", 3)
	tg := newRecorder()
	d, _ := newDispatcher(t, st, channel.Set{exam.ChannelTelegram: tg}, Config{})

	r, err := exam.NewRenderer(exam.DefaultCatalog(), "new exam {{.Date}} @ {{.Location}}")
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	d.SetRenderer(r)
	res := d.Notify(context.Background(), jerusalem)
	if res.Message != "new exam "+jerusalem.Date.String()+" @ ירושלים" {
		t.Fatalf("message = %q", res.Message)
	}
}
