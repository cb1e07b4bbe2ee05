package main

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/temoto/lox/cmd/loxclient/decode"
	"github.com/temoto/lox/cmd/loxclient/run"
	"github.com/temoto/lox/cmd/loxclient/subcmd"
	"github.com/temoto/lox/log2"
	"github.com/temoto/lox/state"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	run.Mod,
	decode.Mod,
}

func main() {
	flags := pflag.NewFlagSet("loxclient", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "lox.hcl", "config file path")
	debug := flags.Bool("debug", false, "debug logging, overrides lox.log_debug")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: loxclient [flags] command\ncommands: %s\n", subcmd.Names(modules))
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	log := log2.NewStderr(log2.LInfo)
	if *debug {
		log.SetLevel(log2.LDebug)
	}
	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	command := "run"
	if flags.NArg() > 0 {
		command = flags.Arg(0)
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	config := state.MustReadConfig(log, state.NewOsFullReader(), *configPath)
	if *debug {
		config.Lox.LogDebug = true
	}
	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
