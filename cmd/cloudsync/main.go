package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/bifravst/cloudsync/cmd/cloudsync/console"
	"github.com/bifravst/cloudsync/cmd/cloudsync/run"
	"github.com/bifravst/cloudsync/cmd/cloudsync/subcmd"
	"github.com/bifravst/cloudsync/config"
	"github.com/bifravst/cloudsync/log2"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "cloudsync.hcl", "")
	flagDebug := cmdline.Bool("debug", false, "log level debug")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "Usage: %s [options] command\n\nCommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(cmdline.Output(), "\nOptions:\n")
		cmdline.PrintDefaults()
	}
	err := cmdline.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") || !isatty.IsTerminal(os.Stderr.Fd()) {
		// under systemd or redirected, assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	if !*flagDebug {
		log.SetLevel(log2.LInfo)
	}

	config := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	redacted := config.Cloud
	if redacted.MqttPassword != "" {
		redacted.MqttPassword = "(secret)"
	}
	log.Debugf("config=%+v", redacted)

	ctx := context.Background()
	if err := mod.Main(ctx, log, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
