package state

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lox/log2"
	"github.com/temoto/lox/lox"
	"github.com/temoto/lox/sink"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Client       *lox.Client
	Config       *Config
	Log          *log2.Log
	Sink         sink.Multi

	// OnAuthenticated is passed to client, set before Init.
	OnAuthenticated func(*lox.Session)

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: "unknown",
		Log:          log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)

	opt, err := lox.ClientOptionsFromConfig(g.Log, cfg.Lox)
	if err != nil {
		return err
	}
	if cfg.Structure.Path != "" {
		// fallback for names missing from controller structure
		st, err := lox.LoadStructureFile(cfg.Structure.Path)
		if err != nil {
			return errors.Annotate(err, "config structure.path")
		}
		opt.Dispatch.Resolver = st
	}

	if g.Sink, err = sink.New(g.Log.Clone(log2.LInfo), cfg.Sink); err != nil {
		return err
	}
	opt.Dispatch.Sink = g.Sink
	opt.OnAuthenticated = g.OnAuthenticated
	if g.Client, err = lox.NewClient(opt); err != nil {
		_ = g.Sink.Close()
		return err
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// Run blocks until client stops or Global is stopped.
func (g *Global) Run(ctx context.Context) error {
	if g.Client == nil {
		return errors.Errorf("code error Run() before Init()")
	}
	if !g.Alive.Add(1) {
		return nil
	}
	defer g.Alive.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := g.Client.Run(ctx)
	if !g.Alive.IsRunning() {
		switch errors.Cause(err) {
		case context.Canceled, lox.ErrClosing:
			err = nil
		}
	}
	return err
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

// StopWait stops client, closes sinks, waits for Run to return.
func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	if g.Client != nil {
		if err := g.Client.Close(); err != nil {
			g.Log.Debugf("client close err=%v", err)
		}
	}
	ok := true
	select {
	case <-g.Alive.WaitChan():
	case <-time.After(timeout):
		ok = false
	}
	if g.Sink != nil {
		if err := g.Sink.Close(); err != nil {
			g.Log.Errorf("sink close err=%v", err)
		}
	}
	return ok
}
