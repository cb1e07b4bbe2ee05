package sink

import (
	"io"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/lox/helpers"
	"github.com/temoto/lox/lox"
)

// LogSink writes one line per event.
type LogSink struct {
	mu            sync.Mutex
	w             io.Writer
	skipKeepalive bool
}

var _ lox.Sink = &LogSink{}

func NewLogSink(w io.Writer, skipKeepalive bool) *LogSink {
	return &LogSink{w: w, skipKeepalive: skipKeepalive}
}

func (ls *LogSink) Emit(e lox.Event) error {
	if ls.skipKeepalive && e.Kind == lox.KindKeepAlive {
		return nil
	}
	line := []byte(e.String() + "\n")
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return errors.Annotate(helpers.WriteAll(ls.w, line), "log sink")
}

func (ls *LogSink) Close() error {
	if c, ok := ls.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
