// Package events publishes committed exam transitions to a change feed.
package events

import (
	"context"
	"time"

	"nitewatch/internal/exam"
)

const DefaultPrefix = "nitewatch"

// Topic returns the subject a transition is published on.
func Topic(prefix string, t exam.Transition) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	switch t {
	case exam.Appeared:
		return prefix + ".exam.appeared"
	default:
		return prefix + ".exam.vanished"
	}
}

// Publisher sends events to a topic. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// ExamTransition is the payload published for every committed transition.
type ExamTransition struct {
	Date         string          `json:"date"`
	LocationID   exam.LocationID `json:"location_id"`
	LocationName string          `json:"location_name"`
	Transition   exam.Transition `json:"transition"`
	At           time.Time       `json:"at"`
	CycleID      string          `json:"cycle_id"`
}

func NewExamTransition(e exam.Event, t exam.Transition, catalog exam.Catalog, at time.Time, cycleID string) ExamTransition {
	return ExamTransition{
		Date:         e.Date.String(),
		LocationID:   e.Location,
		LocationName: catalog.Name(e.Location),
		Transition:   t,
		At:           at.UTC(),
		CycleID:      cycleID,
	}
}
