package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nitewatch/internal/exam"
)

var _ Store = (*Memory)(nil)

// Memory is a process-local Store. State is lost on exit.
type Memory struct {
	mu      sync.RWMutex
	current exam.Set
	log     []exam.Change
	subs    map[exam.Subscriber]*exam.Subscription
}

func NewMemory() *Memory {
	return &Memory{
		current: make(exam.Set),
		subs:    make(map[exam.Subscriber]*exam.Subscription),
	}
}

func (m *Memory) CurrentEvents(ctx context.Context) (exam.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(exam.Set, len(m.current))
	for k, e := range m.current {
		out[k] = e
	}
	return out, nil
}

func (m *Memory) ApplyDiff(ctx context.Context, d exam.Diff, at time.Time, cycleID string) (Applied, error) {
	if err := ctx.Err(); err != nil {
		return Applied{}, &CommitError{Op: "begin", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var applied Applied
	for _, e := range d.Appeared {
		if m.current.Has(e.Key()) {
			continue
		}
		if e.FirstSeen.IsZero() {
			e.FirstSeen = at
		}
		m.current[e.Key()] = e
		m.appendLocked(e, exam.Appeared, at, cycleID)
		applied.Appeared++
	}
	for _, e := range d.Vanished {
		if !m.current.Has(e.Key()) {
			continue
		}
		delete(m.current, e.Key())
		m.appendLocked(e, exam.Vanished, at, cycleID)
		applied.Vanished++
	}
	return applied, nil
}

func (m *Memory) appendLocked(e exam.Event, t exam.Transition, at time.Time, cycleID string) {
	m.log = append(m.log, exam.Change{
		Seq:        int64(len(m.log) + 1),
		Date:       e.Date,
		Location:   e.Location,
		Transition: t,
		At:         at.UTC(),
		CycleID:    cycleID,
	})
}

func (m *Memory) ChangeLog(ctx context.Context, q ChangeQuery) ([]exam.Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []exam.Change
	for i := len(m.log) - 1; i >= 0; i-- {
		c := m.log[i]
		if q.Location != 0 && c.Location != q.Location {
			continue
		}
		if !q.Since.IsZero() && c.At.Before(q.Since) {
			continue
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SubscribersFor(ctx context.Context, loc exam.LocationID) ([]exam.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []exam.Subscriber
	for sub, s := range m.subs {
		for _, l := range s.Locations {
			if l == loc {
				out = append(out, sub)
				break
			}
		}
	}
	exam.SortSubscribers(out)
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, sub exam.Subscriber, locs []exam.LocationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[sub]
	if !ok {
		s = &exam.Subscription{Subscriber: sub, CreatedAt: time.Now().UTC()}
		m.subs[sub] = s
	}
	seen := make(map[exam.LocationID]bool, len(locs))
	s.Locations = s.Locations[:0]
	for _, l := range locs {
		if !seen[l] {
			seen[l] = true
			s.Locations = append(s.Locations, l)
		}
	}
	sort.Slice(s.Locations, func(i, j int) bool { return s.Locations[i] < s.Locations[j] })
	return nil
}

func (m *Memory) Unsubscribe(ctx context.Context, sub exam.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub]; !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, sub)
	}
	delete(m.subs, sub)
	return nil
}

func (m *Memory) Subscriptions(ctx context.Context) ([]exam.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]exam.Subscriber, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	exam.SortSubscribers(subs)
	out := make([]exam.Subscription, 0, len(subs))
	for _, sub := range subs {
		s := *m.subs[sub]
		s.Locations = append([]exam.LocationID(nil), s.Locations...)
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) Maintain(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
