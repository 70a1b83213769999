package exam

import "time"

type Transition string

const (
	Appeared Transition = "APPEARED"
	Vanished Transition = "VANISHED"
)

// Change is one change-log entry. Entries are append-only.
type Change struct {
	Seq        int64
	Date       Date
	Location   LocationID
	Transition Transition
	At         time.Time
	CycleID    string
}

func (c Change) Key() Key { return Key{Date: c.Date, Location: c.Location} }
