// Acquisition gateway process: polls the bus and feeds the two
// channels through an already running broker.
package acquire

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/ftcan/ftcan/cmd/ftcan/subcmd"
	"github.com/ftcan/ftcan/gateway"
	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/state"
)

var Mod = subcmd.Mod{Name: "gateway", Main: Main}

const startTimeout = 30 * time.Second

func Main(ctx context.Context, log *log2.Log, config *state.Config) error {
	g, err := gateway.New(log, config)
	if err != nil {
		return errors.Annotate(err, "gateway init")
	}
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
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
