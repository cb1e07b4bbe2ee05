// Package sink delivers decoded controller events outside of process.
package sink

import (
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lox/helpers"
	"github.com/temoto/lox/log2"
)

// New builds enabled sinks. Empty result is valid, events are dropped.
func New(log *log2.Log, c Config) (Multi, error) {
	var m Multi
	if c.Log.Enable {
		var w io.Writer = struct{ io.Writer }{os.Stdout}
		if c.Log.Path != "" && c.Log.Path != "-" {
			f, err := os.OpenFile(c.Log.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, errors.Annotate(err, "sink.log")
			}
			w = f
		}
		m = append(m, NewLogSink(w, c.Log.SkipKeepalive))
	}
	if c.Mqtt.Enable {
		ms, err := NewMqttSink(log, c.Mqtt)
		if err != nil {
			_ = m.Close()
			return nil, errors.Annotate(err, "sink.mqtt")
		}
		if c.Spool.Path == "" {
			m = append(m, ms)
		} else {
			spool, err := NewSpool(log, c.Spool.Path, ms,
				helpers.IntSecondDefault(c.Spool.RetryMinSec, time.Second),
				helpers.IntSecondDefault(c.Spool.RetryMaxSec, time.Minute))
			if err != nil {
				_ = ms.Close()
				_ = m.Close()
				return nil, errors.Annotate(err, "sink.spool")
			}
			m = append(m, spool)
		}
	}
	return m, nil
}
