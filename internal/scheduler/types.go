// Package scheduler runs the poll loop: fetch the schedule, diff it against the
// committed state, commit, announce new exams, then sleep a randomized interval.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"nitewatch/internal/dispatch"
	"nitewatch/internal/exam"
	"nitewatch/internal/storage"
)

// Source yields the current exam schedule.
type Source interface {
	Fetch(ctx context.Context) (exam.Schedule, error)
}

// Notifier announces one appeared event.
type Notifier interface {
	Notify(ctx context.Context, ev exam.Event) dispatch.Result
}

type State int32

const (
	StateIdle State = iota
	StateFetching
	StateFetchFailed
	StateDiffing
	StateCommitting
	StateDispatching
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateFetchFailed:
		return "FETCH_FAILED"
	case StateDiffing:
		return "DIFFING"
	case StateCommitting:
		return "COMMITTING"
	case StateDispatching:
		return "DISPATCHING"
	case StateSleeping:
		return "SLEEPING"
	default:
		return "UNKNOWN"
	}
}

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) set(s State) { b.v.Store(int32(s)) }
func (b *stateBox) get() State  { return State(b.v.Load()) }

// Cycle outcomes, also used as metric labels.
const (
	OutcomeOK           = "ok"
	OutcomeFetchFailed  = "fetch_failed"
	OutcomeCommitFailed = "commit_failed"
	OutcomePanic        = "panic"
)

type Config struct {
	IntervalMin time.Duration
	IntervalMax time.Duration
	// CycleTimeout bounds one whole cycle; 0 means unbounded.
	CycleTimeout time.Duration
}

const (
	DefaultIntervalMin = 2 * time.Minute
	DefaultIntervalMax = 4 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.IntervalMin <= 0 {
		c.IntervalMin = DefaultIntervalMin
	}
	if c.IntervalMax <= 0 {
		c.IntervalMax = DefaultIntervalMax
	}
	if c.IntervalMax < c.IntervalMin {
		c.IntervalMax = c.IntervalMin
	}
	return c
}

// CycleReport summarizes one pass through the loop.
type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	// Reached is the last state entered before sleeping.
	Reached    State
	Outcome    string
	Fetched    int
	Appeared   []exam.Event
	Vanished   []exam.Event
	Committed  storage.Applied
	Dispatches []dispatch.Result
	Err        error
}

// SendFailures counts failed deliveries across the cycle.
func (r CycleReport) SendFailures() int {
	n := 0
	for _, d := range r.Dispatches {
		n += d.Failed()
	}
	return n
}
