// Package dispatch fans a newly appeared exam event out to every subscriber of
// its location, isolating each delivery from the others.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"nitewatch/internal/exam"
)

// ErrNoSender marks a subscriber whose channel has no configured sender.
var ErrNoSender = errors.New("no sender configured for channel")

type Config struct {
	// Workers bounds concurrent sends within one Notify.
	Workers int
	// SendTimeout bounds a single send; expiry counts as a failure.
	SendTimeout time.Duration
	// RatePerSec limits sends per channel; 0 disables limiting.
	RatePerSec float64
	Burst      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// SendError is one failed delivery.
type SendError struct {
	Subscriber exam.Subscriber
	Event      exam.Event
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s to %s: %v", e.Event, e.Subscriber, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Delivery is the outcome for one subscriber. Err is a *SendError or nil.
type Delivery struct {
	Subscriber exam.Subscriber
	Err        error
	Took       time.Duration
}

// Result reports a Notify call. Err is set when no send was attempted at all
// (subscriber lookup or rendering failed).
type Result struct {
	Event      exam.Event
	Message    string
	Deliveries []Delivery
	Err        error
}

func (r Result) Succeeded() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Err == nil {
			n++
		}
	}
	return n
}

func (r Result) Failed() int { return len(r.Deliveries) - r.Succeeded() }

func (r Result) Failures() []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}
