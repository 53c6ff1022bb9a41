// Console subscriber: prints everything on the telemetry channel,
// the stand-in for a visualization consumer.
package tap

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/ftcan/ftcan/cmd/ftcan/subcmd"
	"github.com/ftcan/ftcan/helpers"
	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/state"
)

var Mod = subcmd.Mod{Name: "tap", Main: Main}

func tokenWait(t mqtt.Token, timeout time.Duration, tag string) error {
	if !t.WaitTimeout(timeout) {
		return errors.Errorf("%s timeout=%v", tag, timeout)
	}
	return errors.Annotate(t.Error(), tag)
}

func Main(ctx context.Context, log *log2.Log, config *state.Config) error {
	networkTimeout := helpers.IntSecondDefault(config.Mqtt.NetworkTimeoutSec, 5*time.Second)

	mqttLog := log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		fmt.Printf("%s %s\n", msg.Topic(), msg.Payload())
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(config.Mqtt.TelemetrySubURL).
		SetClientID(fmt.Sprintf("ftcan-tap-%d", helpers.RandUnix().Int31())).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(networkTimeout).
		SetDefaultPublishHandler(onMessage)
	m := mqtt.NewClient(mopt)
	defer m.Disconnect(uint(networkTimeout / time.Millisecond))

	if err := tokenWait(m.Connect(), networkTimeout, "tap connect"); err != nil {
		return errors.Trace(err)
	}
	if err := tokenWait(m.Subscribe("#", 0, nil), networkTimeout, "tap subscribe"); err != nil {
		return errors.Trace(err)
	}
	log.Infof("tap broker=%s", config.Mqtt.TelemetrySubURL)

	<-ctx.Done()
	return nil
}
