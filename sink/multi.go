package sink

import (
	"io"

	"github.com/temoto/lox/helpers"
	"github.com/temoto/lox/lox"
)

// Multi emits every event to all sinks, errors are folded.
type Multi []lox.Sink

var _ lox.Sink = Multi(nil)

func (m Multi) Emit(e lox.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return helpers.FoldErrors(errs)
}
