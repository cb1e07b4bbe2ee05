// Offline frame decoder: hex input, header and events output.
package decode

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/lox/cmd/loxclient/subcmd"
	"github.com/temoto/lox/helpers/cli"
	"github.com/temoto/lox/lox"
	"github.com/temoto/lox/state"
)

const modName = "decode"

const usage = `syntax: one or more frames (header + payload) in hex per line
whitespace and ':' separators are ignored
- help          show this text
- structure=P   resolve names with LoxAPP3.json at path P
`

var Mod = subcmd.Mod{Name: modName, Usage: "decode hex frames from stdin", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	d := NewDecoder(g.Log.Infof)
	if config.Structure.Path != "" {
		if err := d.LoadStructure(config.Structure.Path); err != nil {
			return err
		}
	}
	cli.MainLoop(modName, func(line string) {
		if err := d.Line(line); err != nil {
			g.Log.Error(errors.ErrorStack(err))
		}
	}, newCompleter())
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "help", Description: "show usage"},
		{Text: "structure=", Description: "load LoxAPP3.json"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

type Decoder struct {
	printf    func(format string, args ...interface{})
	structure *lox.Structure
}

func NewDecoder(printf func(format string, args ...interface{})) *Decoder {
	return &Decoder{printf: printf}
}

func (d *Decoder) LoadStructure(path string) error {
	st, err := lox.LoadStructureFile(path)
	if err != nil {
		return err
	}
	d.structure = st
	d.printf("structure loaded names=%d modified=%s", st.Len(), st.LastModified)
	return nil
}

// Line decodes all frames in line, stops at first malformed one.
func (d *Decoder) Line(line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "help":
		d.printf(usage)
		return nil
	case strings.HasPrefix(line, "structure="):
		return d.LoadStructure(strings.TrimPrefix(line, "structure="))
	}

	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ':':
			return -1
		}
		return r
	}, line)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return errors.Annotate(err, "hex")
	}

	disp := lox.NewDispatcher(nil, lox.DispatchOptions{
		Resolver: d.resolver(),
		Sink: lox.SinkFunc(func(e lox.Event) error {
			d.printf("  %s", e.String())
			return nil
		}),
	})
	var dec lox.Decoder
	dec.Attach(bytes.NewReader(b), 0)
	for i := 0; ; i++ {
		h, payload, err := dec.Read()
		if errors.Cause(err) == io.EOF && i > 0 {
			return nil
		} else if err != nil {
			return errors.Annotatef(err, "frame %d", i)
		}
		d.printf("frame %d %s", i, h.String())
		if err = disp.Dispatch(h, payload); err != nil {
			d.printf("  decode error: %v", err)
		}
	}
}

func (d *Decoder) resolver() lox.Resolver {
	if d.structure == nil {
		return nil
	}
	return d.structure
}
