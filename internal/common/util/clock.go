package util

import (
	"sync"
	"time"
)

// Clock is the source of timestamps for leases, chart buckets and run records.
type Clock interface {
	Now() time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now() }

// DummyClock is a Clock that only moves when told to. Safe for concurrent use.
type DummyClock struct {
	mutex sync.Mutex
	t     time.Time
}

func NewDummyClock(t time.Time) *DummyClock {
	return &DummyClock{t: t}
}

func (c *DummyClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.t
}

func (c *DummyClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.t = c.t.Add(d)
}
