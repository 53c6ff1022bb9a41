package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/ftcan/ftcan/cmd/ftcan/acquire"
	"github.com/ftcan/ftcan/cmd/ftcan/broker"
	"github.com/ftcan/ftcan/cmd/ftcan/set"
	"github.com/ftcan/ftcan/cmd/ftcan/subcmd"
	"github.com/ftcan/ftcan/cmd/ftcan/tap"
	"github.com/ftcan/ftcan/gateway"
	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/state"
)

var modules = []subcmd.Mod{
	broker.Mod,
	acquire.Mod,
	{Name: "both", Main: bothMain},
	tap.Mod,
	set.Mod,
}

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "ftcan.hcl", "")
	flagDebug := flag.Bool("debug", false, "")
	flag.Parse()

	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}
	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "command line: %v\n", err)
		fmt.Fprintf(os.Stderr, "usage: ftcan [-config=ftcan.hcl] [-debug] {broker|gateway|both|tap|set}\n")
		os.Exit(1)
	}

	config, err := state.ReadConfigFile(*flagConfig)
	if err != nil {
		log.Fatalf("%s", errors.ErrorStack(err))
	}
	log.Debugf("config=%+v", config)

	ctx, cancel := context.WithCancel(context.Background())
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.Infof("signal=%v stopping", sig)
		subcmd.SdNotify(daemon.SdNotifyStopping)
		cancel()
	}()

	if err := mod.Main(ctx, log, config); err != nil {
		log.Fatalf("%s: %s", mod.Name, errors.ErrorStack(err))
	}
}

// both runs the broker and the gateway in one process, the default
// single-host deployment.
func bothMain(ctx context.Context, log *log2.Log, config *state.Config) error {
	b, err := broker.Start(ctx, log, config)
	if err != nil {
		return errors.Trace(err)
	}
	defer b.Close()

	g, err := gateway.New(log, config)
	if err != nil {
		return errors.Trace(err)
	}
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = g.Start(startCtx)
	cancel()
	if err != nil {
		_ = g.Stop()
		return errors.Trace(err)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	<-ctx.Done()
	return g.Stop()
}
