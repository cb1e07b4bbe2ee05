package lox

// Complex values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"bytes"
	"expvar"
	"fmt"
)

const kindCount = int(KindUnknown) + 1

type SessionStat struct {
	Conn         expvar.Int
	DecodeErrors expvar.Int
	Recv         Counters
	Send         CountSizePair
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Conn.Add(other.Conn.Value())
	ss.DecodeErrors.Add(other.DecodeErrors.Value())
	ss.Recv.Add(&other.Recv)
	ss.Send.Add(&other.Send)
}

// AddMoveFrom transfers counters of finished session into aggregate.
func (ss *SessionStat) AddMoveFrom(other *SessionStat) {
	tmp := other.Value()
	ss.Add(&tmp)
	other.Sub(&tmp)
}

func (ss *SessionStat) Sub(other *SessionStat) {
	ss.Conn.Add(-other.Conn.Value())
	ss.DecodeErrors.Add(-other.DecodeErrors.Value())
	ss.Recv.Sub(&other.Recv)
	ss.Send.Sub(&other.Send)
}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Conn.Set(ss.Conn.Value())
	r.DecodeErrors.Set(ss.DecodeErrors.Value())
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	return
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"decode_errors":%d,"recv":%s,"send":%s}`,
		ss.Conn.Value(), ss.DecodeErrors.Value(), ss.Recv.String(), ss.Send.String())
}

// Counters of received frames. Total.Size counts wire bytes (headers included),
// per kind Size counts payload bytes.
type Counters struct {
	Total CountSizePair
	Kind  [kindCount]CountSizePair
}

func (c *Counters) Add(c2 *Counters) {
	c.Total.Add(&c2.Total)
	for i := range c.Kind {
		c.Kind[i].Add(&c2.Kind[i])
	}
}

func (c *Counters) Register(h Header) {
	c.Total.Count.Add(1)
	k := &c.Kind[h.Kind]
	k.Count.Add(1)
	k.Size.Add(int64(h.PayloadLength))
}

func (c *Counters) Set(new Counters) {
	c.Total.Set(new.Total.Value())
	for i := range c.Kind {
		c.Kind[i].Set(new.Kind[i].Value())
	}
}

func (c *Counters) Sub(other *Counters) {
	c.Total.Sub(&other.Total)
	for i := range c.Kind {
		c.Kind[i].Sub(&other.Kind[i])
	}
}

func (c *Counters) Value() (r Counters) {
	r.Total = c.Total.Value()
	for i := range c.Kind {
		r.Kind[i] = c.Kind[i].Value()
	}
	return
}

func (c *Counters) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"total.count":%d,"total.size":%d`, c.Total.Count.Value(), c.Total.Size.Value())
	for i := range c.Kind {
		if n := c.Kind[i].Count.Value(); n != 0 {
			fmt.Fprintf(&buf, `,"%s.count":%d,"%s.size":%d`,
				FrameKind(i), n, FrameKind(i), c.Kind[i].Size.Value())
		}
	}
	buf.WriteByte('}')
	return buf.String()
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Add(other *CountSizePair) {
	csp.Count.Add(other.Count.Value())
	csp.Size.Add(other.Size.Value())
}

func (csp *CountSizePair) Register(size int) {
	csp.Count.Add(1)
	csp.Size.Add(int64(size))
}

func (csp *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, csp.Count.Value(), csp.Size.Value())
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}

func (csp *CountSizePair) Sub(other *CountSizePair) {
	csp.Count.Add(-other.Count.Value())
	csp.Size.Add(-other.Size.Value())
}
