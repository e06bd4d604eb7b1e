package queue

import "sync/atomic"

// Clock hands out queue sequence numbers.
//
// Every enqueued event is stamped with a strictly increasing seq. FIFO order
// on reload is the seq order recorded in the index, so wall-clock jumps on
// a device without RTC cannot reorder the queue.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next value is start+1.
// Used on load to resume after the highest persisted seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
