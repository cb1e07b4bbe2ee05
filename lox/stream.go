package lox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/lox/helpers"
	"github.com/temoto/lox/helpers/atomic_clock"
)

type streamConn struct {
	wmu  sync.Mutex
	err  helpers.AtomicError
	last atomic_clock.Clock
	dec  Decoder
	ws   *websocket.Conn
	opt  ConnOptions
	stat SessionStat
}

var _ Conn = &streamConn{}

func NewStreamConn(ws *websocket.Conn, opt ConnOptions) *streamConn {
	opt.setDefaults()
	c := &streamConn{
		ws:  ws,
		opt: opt,
	}
	c.ws.SetReadLimit(int64(opt.ReadLimit) + HeaderSize)
	// websocket frame overhead for small messages
	const wsOverhead = 2
	statread := helpers.NewStatReader(&messageStream{ws: ws}, &c.stat.Recv.Total.Size, wsOverhead)
	c.dec.Attach(bufio.NewReaderSize(statread, 32<<10), opt.ReadLimit)
	c.last.SetNow()
	c.stat.Conn.Add(1)
	return c
}

func (c *streamConn) Close() error {
	return c.die(ErrClosing)
}

func (c *streamConn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

// ReadFrame returns next header and exactly PayloadLength payload bytes.
// Must be called from single goroutine.
func (c *streamConn) ReadFrame(ctx context.Context) (Header, []byte, error) {
	if err, closed := c.err.Load(); closed {
		return Header{}, nil, transportError("read", err)
	}
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		err = &TransportError{Op: "SetReadDeadline", Err: err}
		_ = c.die(err)
		return Header{}, nil, err
	}
	h, payload, err := c.dec.Read()
	if err != nil {
		if _, ok := errors.Cause(err).(*MalformedHeaderError); !ok {
			err = transportError("read", err)
		}
		_ = c.die(err)
		return Header{}, nil, err
	}
	c.last.SetNow()
	c.stat.Recv.Register(h)
	return h, payload, nil
}

func (c *streamConn) SendText(ctx context.Context, cmd string) error {
	if err, closed := c.err.Load(); closed {
		return transportError("send", err)
	}
	c.opt.Log.Debugf("send cmd=%s", trimForLog([]byte(cmd)))
	deadline, _ := ctx.Deadline()
	if deadline.IsZero() {
		deadline = time.Now().Add(c.opt.NetworkTimeout)
	}
	err := helpers.WithLockError(&c.wmu, func() error {
		if err := c.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return c.ws.WriteMessage(websocket.TextMessage, []byte(cmd))
	})
	if err != nil {
		err = &TransportError{Op: "send", Err: err}
		_ = c.die(err)
		return err
	}
	c.stat.Send.Register(len(cmd))
	return nil
}

func (c *streamConn) Options() *ConnOptions        { return &c.opt }
func (c *streamConn) RemoteAddr() net.Addr         { return c.ws.RemoteAddr() }
func (c *streamConn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *streamConn) Stat() *SessionStat           { return &c.stat }

func (c *streamConn) String() string {
	return fmt.Sprintf("(remote=%s)", addrString(c.RemoteAddr()))
}

func (c *streamConn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	if e == ErrClosing {
		helpers.WithLock(&c.wmu, func() {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		})
	}
	_ = c.ws.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") || websocket.IsCloseError(errors.Cause(e), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		estr = "closed by remote"
	}
	c.opt.Log.Debugf("die +close local=%s remote=%s e=%s", addrString(c.ws.LocalAddr()), addrString(c.RemoteAddr()), estr)
	return e
}

// messageStream joins websocket messages into one byte stream.
// Frame boundaries are defined by headers only, not by messages.
type messageStream struct {
	ws  *websocket.Conn
	cur io.Reader
}

func (m *messageStream) Read(p []byte) (int, error) {
	for {
		if m.cur == nil {
			_, r, err := m.ws.NextReader()
			if err != nil {
				return 0, err
			}
			m.cur = r
		}
		n, err := m.cur.Read(p)
		if err == io.EOF {
			m.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Decoder reads exactly HeaderSize bytes, then exactly PayloadLength bytes.
type Decoder struct {
	r   io.Reader
	max uint32
	hb  [HeaderSize]byte
}

func (d *Decoder) Attach(r io.Reader, max uint32) {
	d.max = max
	d.r = r
}

// Read returns fresh payload slice, caller may keep it.
func (d *Decoder) Read() (Header, []byte, error) {
	if _, err := io.ReadFull(d.r, d.hb[:]); err != nil {
		return Header{}, nil, errors.Annotate(err, "header")
	}
	h, err := DecodeHeader(d.hb[:])
	if err != nil {
		return Header{}, nil, err
	}
	if d.max != 0 && h.PayloadLength > d.max {
		return Header{}, nil, errors.Errorf("frame %s payload exceeds limit=%d", h, d.max)
	}
	payload := make([]byte, h.PayloadLength)
	_, err = io.ReadFull(d.r, payload)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return Header{}, nil, errors.Annotatef(err, "payload %s", h)
	}
	return h, payload, nil
}
