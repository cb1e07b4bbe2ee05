package lox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lox/log2"
)

// Event is one decoded state change or raw frame.
// Value and text table records produce one event each, other kinds carry Payload.
type Event struct {
	Kind        FrameKind
	Code        byte
	MoreFollows bool

	ID     string
	IconID string
	Name   string
	Value  float64
	Text   string

	Payload []byte
}

func (e *Event) String() string {
	switch e.Kind {
	case KindValueTable:
		return fmt.Sprintf("value %s(%s)=%v", e.Name, e.ID, e.Value)
	case KindTextTable:
		return fmt.Sprintf("text %s(%s)=%q", e.Name, e.ID, e.Text)
	default:
		return fmt.Sprintf("%s code=%d more=%t payload=(%d)%s", e.Kind, e.Code, e.MoreFollows, len(e.Payload), trimForLog(e.Payload))
	}
}

type Sink interface {
	Emit(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Emit(e Event) error { return f(e) }

type DispatchOptions struct {
	Log      *log2.Log
	Resolver Resolver
	Sink     Sink

	// StrictDecode makes table decoding errors fatal, otherwise frame is dropped.
	StrictDecode bool
	// FrameLimit stops Run after this many frames, 0 means no limit.
	FrameLimit int
	// ReadTimeout bounds wait for each frame, 0 means wait forever.
	ReadTimeout time.Duration
}

// Dispatcher reads frames after handshake and routes payloads by kind.
type Dispatcher struct {
	conn   Conn
	opt    DispatchOptions
	frames int64
}

func NewDispatcher(conn Conn, opt DispatchOptions) *Dispatcher {
	if opt.Sink == nil {
		opt.Sink = SinkFunc(func(Event) error { return nil })
	}
	return &Dispatcher{conn: conn, opt: opt}
}

func (d *Dispatcher) Frames() int { return int(atomic.LoadInt64(&d.frames)) }

// Run returns nil when frame limit reached, ctx error on cancel, otherwise fatal error.
func (d *Dispatcher) Run(ctx context.Context) error {
	for n := 0; d.opt.FrameLimit == 0 || n < d.opt.FrameLimit; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		h, payload, err := d.read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return errors.Annotate(err, "dispatch")
		}
		atomic.AddInt64(&d.frames, 1)
		if err = d.Dispatch(h, payload); err != nil {
			if IsFatal(err) || d.opt.StrictDecode {
				return errors.Annotatef(err, "dispatch frame=%s", h)
			}
			d.conn.Stat().DecodeErrors.Add(1)
			d.opt.Log.Errorf("dispatch drop frame=%s err=%v", h, err)
		}
	}
	return nil
}

func (d *Dispatcher) read(ctx context.Context) (Header, []byte, error) {
	if d.opt.ReadTimeout == 0 {
		return d.conn.ReadFrame(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d.opt.ReadTimeout)
	defer cancel()
	return d.conn.ReadFrame(ctx)
}

// Dispatch routes one frame. Every kind has its own branch.
func (d *Dispatcher) Dispatch(h Header, payload []byte) error {
	switch h.Kind {
	case KindText:
		d.emit(rawEvent(h, payload))
	case KindBinary:
		d.emit(rawEvent(h, payload))
	case KindValueTable:
		return d.valueTable(h, payload)
	case KindTextTable:
		return d.textTable(h, payload)
	case KindDayTimerTable:
		d.emit(rawEvent(h, payload))
	case KindOutOfService:
		d.opt.Log.Infof("controller out of service")
		d.emit(rawEvent(h, payload))
	case KindKeepAlive:
		d.emit(rawEvent(h, payload))
	case KindWeather:
		d.emit(rawEvent(h, payload))
	case KindUnknown:
		d.opt.Log.Debugf("dispatch unknown kind code=%d len=%d", h.Code, len(payload))
		d.emit(rawEvent(h, payload))
	default:
		panic(fmt.Sprintf("code error frame kind=%d not handled", h.Kind))
	}
	return nil
}

func (d *Dispatcher) valueTable(h Header, payload []byte) error {
	states, err := DecodeValueTable(payload)
	if err != nil {
		return err
	}
	for _, st := range states {
		id := st.ID.String()
		d.emit(Event{
			Kind:        h.Kind,
			Code:        h.Code,
			MoreFollows: h.MoreFollows,
			ID:          id,
			Name:        ResolveOrUnknown(d.opt.Resolver, id),
			Value:       st.Value,
		})
	}
	return nil
}

func (d *Dispatcher) textTable(h Header, payload []byte) error {
	states, err := DecodeTextTable(payload)
	if err != nil {
		return err
	}
	for _, st := range states {
		id := st.ID.String()
		d.emit(Event{
			Kind:        h.Kind,
			Code:        h.Code,
			MoreFollows: h.MoreFollows,
			ID:          id,
			IconID:      st.IconID.String(),
			Name:        ResolveOrUnknown(d.opt.Resolver, id),
			Text:        st.Text,
		})
	}
	return nil
}

// Sink errors are not session errors.
func (d *Dispatcher) emit(e Event) {
	if err := d.opt.Sink.Emit(e); err != nil {
		d.opt.Log.Errorf("sink event=%s err=%v", e.String(), err)
	}
}

func rawEvent(h Header, payload []byte) Event {
	return Event{Kind: h.Kind, Code: h.Code, MoreFollows: h.MoreFollows, Payload: payload}
}
