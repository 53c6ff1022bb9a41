// Standalone message broker: binds the telemetry and control
// forwarders and runs until interrupted.
package broker

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/ftcan/ftcan/cmd/ftcan/subcmd"
	"github.com/ftcan/ftcan/helpers"
	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/mqtt"
	"github.com/ftcan/ftcan/state"
)

var Mod = subcmd.Mod{Name: "broker", Main: Main}

// Broker owns one forwarder per channel. Each forwarder binds two
// endpoints, publishers connect to one, subscribers to the other.
type Broker struct {
	Telemetry *mqtt.Server
	Control   *mqtt.Server
}

func Start(ctx context.Context, log *log2.Log, config *state.Config) (*Broker, error) {
	netTimeout := helpers.IntSecondDefault(config.Mqtt.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout)
	b := &Broker{
		Telemetry: mqtt.NewServer(mqtt.ServerOptions{Log: log, NetworkTimeout: netTimeout}),
		Control:   mqtt.NewServer(mqtt.ServerOptions{Log: log, NetworkTimeout: netTimeout}),
	}
	err := b.Telemetry.Listen(ctx, []string{config.Mqtt.TelemetryPubURL, config.Mqtt.TelemetrySubURL})
	if err != nil {
		b.Close()
		return nil, errors.Annotate(err, "telemetry broker")
	}
	err = b.Control.Listen(ctx, []string{config.Mqtt.ControlPubURL, config.Mqtt.ControlSubURL})
	if err != nil {
		b.Close()
		return nil, errors.Annotate(err, "control broker")
	}
	log.Infof("broker telemetry=%v control=%v", b.Telemetry.Addrs(), b.Control.Addrs())
	return b, nil
}

func (b *Broker) Close() error {
	return helpers.FoldErrors([]error{b.Telemetry.Close(), b.Control.Close()})
}

func Main(ctx context.Context, log *log2.Log, config *state.Config) error {
	b, err := Start(ctx, log, config)
	if err != nil {
		return errors.Trace(err)
	}
	defer b.Close()
	subcmd.SdNotify(daemon.SdNotifyReady)
	<-ctx.Done()
	return nil
}
