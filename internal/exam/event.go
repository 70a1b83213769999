package exam

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate accepts YYYY-MM-DD, optionally followed by a time part which is
// ignored ("2025-03-10T00:00:00" parses as 2025-03-10).
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if len(s) > len(dateLayout) && (s[len(dateLayout)] == 'T' || s[len(dateLayout)] == ' ') {
		s = s[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustDate is ParseDate for literals known to be valid.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// LocationID identifies an exam site as the source reports it.
type LocationID int

// Key is an event's identity.
type Key struct {
	Date     Date
	Location LocationID
}

func (k Key) String() string { return fmt.Sprintf("%s@%d", k.Date, k.Location) }

// Less orders keys by date, then location.
func (k Key) Less(o Key) bool {
	if k.Date != o.Date {
		return k.Date.Before(o.Date)
	}
	return k.Location < o.Location
}

// Event is one exam instance at one location. FirstSeen is informational and
// not part of the identity.
type Event struct {
	Date      Date
	Location  LocationID
	FirstSeen time.Time
}

func (e Event) Key() Key { return Key{Date: e.Date, Location: e.Location} }

func (e Event) String() string { return e.Key().String() }

// Set is a collection of events keyed by identity.
type Set map[Key]Event

// NewSet builds a Set; a later duplicate key keeps the first event seen.
func NewSet(events ...Event) Set {
	s := make(Set, len(events))
	for _, e := range events {
		s.Add(e)
	}
	return s
}

// Add inserts e unless an event with the same identity is present.
func (s Set) Add(e Event) {
	if _, ok := s[e.Key()]; !ok {
		s[e.Key()] = e
	}
}

func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the events in deterministic order (date, then location).
func (s Set) Sorted() []Event {
	out := make([]Event, 0, len(s))
	for _, e := range s {
		out = append(out, e)
	}
	SortEvents(out)
	return out
}

func SortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Key().Less(events[j].Key()) })
}

// Schedule is the source's raw shape: for each date, the locations offering an
// exam that day.
type Schedule map[Date][]LocationID

// Events flattens the schedule into a Set, stamping every event with firstSeen.
func (s Schedule) Events(firstSeen time.Time) Set {
	out := make(Set)
	for d, locs := range s {
		for _, l := range locs {
			out.Add(Event{Date: d, Location: l, FirstSeen: firstSeen})
		}
	}
	return out
}

// Len counts (date, location) pairs, duplicates included.
func (s Schedule) Len() int {
	n := 0
	for _, locs := range s {
		n += len(locs)
	}
	return n
}
