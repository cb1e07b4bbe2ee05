// Package atomic_clock keeps wall clock reading in atomic int64.
// Use for time accounting, not where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

// Zero value is "never".
type Clock struct{ v int64 }

func Now() *Clock {
	c := &Clock{}
	c.SetNow()
	return c
}

func (c *Clock) IsZero() bool    { return atomic.LoadInt64(&c.v) == 0 }
func (c *Clock) UnixNano() int64 { return atomic.LoadInt64(&c.v) }
func (c *Clock) SetNow()         { atomic.StoreInt64(&c.v, time.Now().UnixNano()) }

func (c *Clock) SetTime(t time.Time) { atomic.StoreInt64(&c.v, t.UnixNano()) }

func (c *Clock) Time() time.Time {
	if v := atomic.LoadInt64(&c.v); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

// Since zero clock is time since unix epoch.
func Since(begin *Clock) time.Duration {
	return time.Duration(time.Now().UnixNano() - begin.UnixNano())
}
