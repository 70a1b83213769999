package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"nitewatch/internal/events"
	"nitewatch/internal/exam"
	"nitewatch/internal/metrics"
	"nitewatch/internal/storage"
	logx "nitewatch/pkg/logx"
)

type Deps struct {
	Source    Source
	Store     storage.StateStore
	Notifier  Notifier
	Publisher events.Publisher
	// TopicPrefix namespaces published subjects.
	TopicPrefix string
	Catalog     exam.Catalog
	Metrics     *metrics.Metrics
	Log         logx.Logger
	// OnCycle, if set, is called after every cycle from the loop goroutine.
	OnCycle func(CycleReport)

	Now   func() time.Time
	NewID func() string
	Rand  *rand.Rand
}

type Scheduler struct {
	deps  Deps
	log   logx.Logger
	state stateBox

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

func New(cfg Config, deps Deps) *Scheduler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	if deps.Publisher == nil {
		deps.Publisher = &events.NoopPublisher{}
	}
	if deps.Catalog == nil {
		deps.Catalog = exam.DefaultCatalog()
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "scheduler")),
		cfg:  cfg.withDefaults(),
		rng:  rng,
	}
}

// Apply replaces the interval bounds; the next sleep uses them.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) State() State { return s.state.get() }

// NextSleep draws a duration uniformly from [IntervalMin, IntervalMax].
func (s *Scheduler) NextSleep() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := s.cfg.IntervalMax - s.cfg.IntervalMin
	if span <= 0 {
		return s.cfg.IntervalMin
	}
	return s.cfg.IntervalMin + time.Duration(s.rng.Int63n(int64(span)+1))
}

// Run loops until ctx is cancelled. A failing or panicking cycle is logged and
// the loop carries on after the usual sleep.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started")
	defer s.log.Info("scheduler stopped")
	for {
		if ctx.Err() != nil {
			s.state.set(StateIdle)
			return nil
		}
		_, _ = s.RunCycle(ctx)

		s.state.set(StateSleeping)
		d := s.NextSleep()
		s.log.Debug("sleeping until next cycle", logx.Duration("sleep", d))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			s.state.set(StateIdle)
			return nil
		case <-t.C:
		}
		s.state.set(StateIdle)
	}
}

// RunCycle performs a single fetch-diff-commit-dispatch pass. The returned
// error is a *source.FetchError, a *storage.CommitError or a recovered panic;
// delivery failures are reported in the CycleReport only.
func (s *Scheduler) RunCycle(ctx context.Context) (rep CycleReport, err error) {
	rep = CycleReport{ID: s.deps.NewID(), Started: s.deps.Now()}
	log := s.log.With(logx.String("cycle", rep.ID))

	s.mu.Lock()
	timeout := s.cfg.CycleTimeout
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			rep.Reached = StateFetchFailed
			rep.Outcome = OutcomePanic
			rep.Err = err
			s.state.set(StateFetchFailed)
			log.Error("cycle panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		rep.Duration = time.Since(rep.Started)
		s.deps.Metrics.CycleDone(rep.Outcome)
		if s.deps.OnCycle != nil {
			s.deps.OnCycle(rep)
		}
	}()

	err = s.cycle(ctx, log, &rep)
	rep.Err = err
	return rep, err
}

func (s *Scheduler) enter(rep *CycleReport, st State) {
	rep.Reached = st
	s.state.set(st)
}

func (s *Scheduler) cycle(ctx context.Context, log logx.Logger, rep *CycleReport) error {
	s.enter(rep, StateFetching)
	fetchStart := time.Now()
	sched, err := s.deps.Source.Fetch(ctx)
	s.deps.Metrics.ObserveFetch(time.Since(fetchStart))
	if err != nil {
		s.enter(rep, StateFetchFailed)
		rep.Outcome = OutcomeFetchFailed
		log.Warn("schedule fetch failed; state left untouched", logx.Err(err))
		return err
	}
	if sched == nil {
		// A nil schedule with no error is a broken source, not an empty one.
		s.enter(rep, StateFetchFailed)
		rep.Outcome = OutcomeFetchFailed
		err := errors.New("source returned no schedule")
		log.Warn("schedule fetch failed; state left untouched", logx.Err(err))
		return err
	}

	now := s.deps.Now()
	fresh := sched.Events(now)
	rep.Fetched = len(fresh)

	s.enter(rep, StateDiffing)
	current, err := s.deps.Store.CurrentEvents(ctx)
	if err != nil {
		rep.Outcome = OutcomeCommitFailed
		log.Error("reading current state failed", logx.Err(err))
		return asCommitError("read current", err)
	}
	diff := exam.Compare(fresh, current)
	rep.Appeared, rep.Vanished = diff.Appeared, diff.Vanished
	if diff.Empty() {
		rep.Outcome = OutcomeOK
		s.deps.Metrics.Committed(0, 0, len(current))
		log.Debug("no schedule changes", logx.Int("events", len(fresh)))
		return nil
	}

	s.enter(rep, StateCommitting)
	applied, err := s.deps.Store.ApplyDiff(ctx, diff, now, rep.ID)
	if err != nil {
		rep.Outcome = OutcomeCommitFailed
		log.Error("commit failed; skipping dispatch", logx.Err(err))
		return asCommitError("apply diff", err)
	}
	rep.Committed = applied
	s.deps.Metrics.Committed(applied.Appeared, applied.Vanished, len(diff.Apply(current)))
	log.Info("schedule changes committed",
		logx.Int("appeared", len(diff.Appeared)),
		logx.Int("vanished", len(diff.Vanished)),
		logx.Int("events", len(fresh)),
	)

	s.publish(ctx, log, diff, now, rep.ID)

	s.enter(rep, StateDispatching)
	for _, ev := range diff.Vanished {
		log.Info("exam vanished",
			logx.String("date", ev.Date.String()),
			logx.String("location", s.deps.Catalog.Name(ev.Location)),
		)
	}
	for _, ev := range diff.Appeared {
		log.Info("exam appeared",
			logx.String("date", ev.Date.String()),
			logx.String("location", s.deps.Catalog.Name(ev.Location)),
		)
		rep.Dispatches = append(rep.Dispatches, s.deps.Notifier.Notify(ctx, ev))
	}
	rep.Outcome = OutcomeOK
	return nil
}

func (s *Scheduler) publish(ctx context.Context, log logx.Logger, diff exam.Diff, at time.Time, cycleID string) {
	send := func(evs []exam.Event, t exam.Transition) {
		topic := events.Topic(s.deps.TopicPrefix, t)
		for _, ev := range evs {
			payload := events.NewExamTransition(ev, t, s.deps.Catalog, at, cycleID)
			if err := s.deps.Publisher.Publish(ctx, topic, payload); err != nil {
				log.Warn("change feed publish failed", logx.String("topic", topic), logx.Err(err))
			}
		}
	}
	send(diff.Appeared, exam.Appeared)
	send(diff.Vanished, exam.Vanished)
}

func asCommitError(op string, err error) error {
	var ce *storage.CommitError
	if errors.As(err, &ce) {
		return err
	}
	return &storage.CommitError{Op: op, Err: err}
}
