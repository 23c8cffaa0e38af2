package engine

import (
	"sync/atomic"
	"time"
)

// Clock hands out ingestion sequence numbers.
//
// Every stored form gets a strictly increasing seq from this clock. It is the
// tie-break between transactions with equal server_date, so two forms
// received in the same instant still fold in a fixed order.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start. The engine starts
// it at the highest seq already in the store.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// TimeSource supplies wall-clock time for received_on, operation dates and
// rebuild markers. Ordering never depends on it beyond server_date.
type TimeSource interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now().UTC() }
