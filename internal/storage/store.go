package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nitewatch/internal/exam"
	logx "nitewatch/pkg/logx"
)

// StateStore holds the last committed snapshot and its change log.
type StateStore interface {
	CurrentEvents(ctx context.Context) (exam.Set, error)
	// ApplyDiff commits a diff in one transaction. Re-applying a diff already
	// reflected in the current state changes nothing, change log included.
	ApplyDiff(ctx context.Context, d exam.Diff, at time.Time, cycleID string) (Applied, error)
	// ChangeLog returns entries newest first.
	ChangeLog(ctx context.Context, q ChangeQuery) ([]exam.Change, error)
}

// SubscriptionIndex resolves who follows a location.
type SubscriptionIndex interface {
	SubscribersFor(ctx context.Context, loc exam.LocationID) ([]exam.Subscriber, error)
}

// Registry is the write side of the subscription index, owned by registration.
type Registry interface {
	// Subscribe replaces the subscriber's location set.
	Subscribe(ctx context.Context, sub exam.Subscriber, locs []exam.LocationID) error
	Unsubscribe(ctx context.Context, sub exam.Subscriber) error
	Subscriptions(ctx context.Context) ([]exam.Subscription, error)
}

type Store interface {
	StateStore
	SubscriptionIndex
	Registry
	// Maintain runs periodic housekeeping (statistics, WAL checkpoint).
	Maintain(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
