package storage

import (
	"errors"
	"fmt"
	"time"

	"nitewatch/internal/exam"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrNotSubscribed = errors.New("subscriber not found")
)

// Config configures storage.
type Config struct {
	Driver       string
	Path         string        // sqlite database file
	DSN          string        // postgres connection string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Applied counts the rows an ApplyDiff actually changed.
type Applied struct {
	Appeared int
	Vanished int
}

func (a Applied) Empty() bool { return a.Appeared == 0 && a.Vanished == 0 }

// ChangeQuery filters ChangeLog. Zero values mean "any".
type ChangeQuery struct {
	Location exam.LocationID
	Since    time.Time
	Limit    int
}

// CommitError reports that state could not be read or atomically updated.
// Nothing was changed.
type CommitError struct {
	Op  string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
