package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nitewatch/internal/channel"
	"nitewatch/internal/exam"
	"nitewatch/internal/metrics"
	"nitewatch/internal/storage"
	logx "nitewatch/pkg/logx"
)

type Deps struct {
	Index    storage.SubscriptionIndex
	Senders  channel.Set
	Renderer *exam.Renderer
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

type Dispatcher struct {
	index   storage.SubscriptionIndex
	senders channel.Set
	render  *exam.Renderer
	metrics *metrics.Metrics
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiters map[exam.Channel]*rate.Limiter
}

func New(cfg Config, deps Deps) *Dispatcher {
	d := &Dispatcher{
		index:   deps.Index,
		senders: deps.Senders,
		render:  deps.Renderer,
		metrics: deps.Metrics,
		log:     deps.Log.With(logx.String("comp", "dispatch")),
	}
	d.Apply(cfg)
	return d
}

// Apply swaps pacing settings. Sends already waiting keep their old limiter.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	limiters := make(map[exam.Channel]*rate.Limiter, len(d.senders))
	for ch := range d.senders {
		limiters[ch] = rate.NewLimiter(limit, cfg.Burst)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.limiters = limiters
	d.mu.Unlock()
}

// SetRenderer replaces the message template for subsequent events.
func (d *Dispatcher) SetRenderer(r *exam.Renderer) {
	d.mu.Lock()
	d.render = r
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, map[exam.Channel]*rate.Limiter, *exam.Renderer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiters, d.render
}

// Notify renders the announcement for ev and sends it to every subscriber of
// ev's location. It never panics and never returns early because of a single
// failed delivery; there is no retry.
func (d *Dispatcher) Notify(ctx context.Context, ev exam.Event) Result {
	res := Result{Event: ev}
	log := d.log.With(logx.String("event", ev.String()))

	subs, err := d.index.SubscribersFor(ctx, ev.Location)
	if err != nil {
		res.Err = fmt.Errorf("resolve subscribers: %w", err)
		log.Error("subscriber lookup failed", logx.Err(err))
		return res
	}
	if len(subs) == 0 {
		log.Info("no subscribers for location", logx.Int("location", int(ev.Location)))
		return res
	}
	exam.SortSubscribers(subs)

	cfg, limiters, render := d.snapshot()
	msg, err := render.Render(ev)
	if err != nil {
		res.Err = err
		log.Error("message render failed", logx.Err(err))
		return res
	}
	res.Message = msg

	res.Deliveries = make([]Delivery, len(subs))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(cfg.Workers, len(subs)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res.Deliveries[i] = d.deliver(ctx, cfg, limiters, ev, subs[i], msg)
			}
		}()
	}
	for i := range subs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	fields := []logx.Field{
		logx.Int("subscribers", len(subs)),
		logx.Int("failed", res.Failed()),
	}
	if res.Failed() > 0 {
		log.Warn("event dispatched with failures", fields...)
	} else {
		log.Info("event dispatched", fields...)
	}
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, limiters map[exam.Channel]*rate.Limiter, ev exam.Event, sub exam.Subscriber, msg string) (out Delivery) {
	out.Subscriber = sub
	start := time.Now()
	log := d.log.With(
		logx.String("event", ev.String()),
		logx.String("channel", string(sub.Channel)),
		logx.String("subscriber", sub.ID),
	)
	defer func() {
		if r := recover(); r != nil {
			out.Err = &SendError{Subscriber: sub, Event: ev, Err: fmt.Errorf("panic: %v", r)}
			log.Error("sender panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		out.Took = time.Since(start)
		d.metrics.Sent(string(sub.Channel), out.Err, out.Took)
	}()

	snd, ok := d.senders.Lookup(sub.Channel)
	if !ok {
		out.Err = &SendError{Subscriber: sub, Event: ev, Err: ErrNoSender}
		log.Error("configuration gap: subscriber on unconfigured channel")
		return out
	}

	if lim := limiters[sub.Channel]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			out.Err = &SendError{Subscriber: sub, Event: ev, Err: err}
			log.Warn("notification send skipped", logx.Err(err))
			return out
		}
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if err := snd.Send(sctx, sub.ID, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", cfg.SendTimeout, err)
		}
		out.Err = &SendError{Subscriber: sub, Event: ev, Err: err}
		log.Warn("notification send failed", logx.Err(err))
		return out
	}
	log.Debug("notification sent")
	return out
}
