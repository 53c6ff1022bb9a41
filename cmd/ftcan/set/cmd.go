// One-shot frequency reconfiguration: publishes a request on the
// control channel and waits for the matching acknowledge.
package set

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/ftcan/ftcan/cmd/ftcan/subcmd"
	"github.com/ftcan/ftcan/gateway"
	"github.com/ftcan/ftcan/helpers"
	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/state"
)

var Mod = subcmd.Mod{Name: "set", Main: Main}

func Main(ctx context.Context, log *log2.Log, config *state.Config) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	flagID := fs.String("id", "", "device id, 0x-hex or decimal")
	flagFreq := fs.Float64("freq", 0, "polling frequency Hz, 0 pauses")
	flagWait := fs.Duration("wait", 10*time.Second, "acknowledge timeout")
	if err := fs.Parse(flag.Args()[1:]); err != nil {
		return errors.Trace(err)
	}
	id, err := state.ParseDeviceID(*flagID)
	if err != nil {
		return errors.Annotate(err, "set -id")
	}
	if *flagFreq < 0 {
		return errors.Errorf("set -freq=%g must be >= 0", *flagFreq)
	}

	networkTimeout := helpers.IntSecondDefault(config.Mqtt.NetworkTimeoutSec, 5*time.Second)
	mqttLog := log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog

	ackCh := make(chan gateway.FreqMessage, 16)
	onAck := func(_ mqtt.Client, msg mqtt.Message) {
		var m gateway.FreqMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			log.Errorf("set ack payload=%x err=%v", msg.Payload(), err)
			return
		}
		ackCh <- m
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(config.Mqtt.ControlPubURL).
		SetClientID(fmt.Sprintf("ftcan-set-%d", helpers.RandUnix().Int31())).
		SetCleanSession(true).
		SetConnectTimeout(networkTimeout)
	m := mqtt.NewClient(mopt)
	defer m.Disconnect(uint(networkTimeout / time.Millisecond))

	if err := tokenWait(m.Connect(), networkTimeout, "set connect"); err != nil {
		return errors.Trace(err)
	}
	if err := tokenWait(m.Subscribe(gateway.TopicConfigAck, 0, onAck), networkTimeout, "set subscribe"); err != nil {
		return errors.Trace(err)
	}

	payload, err := json.Marshal(gateway.FreqMessage{
		Type:      gateway.MsgFrequencyUpdate,
		ID:        state.FormatDeviceID(id),
		Frequency: *flagFreq,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := tokenWait(m.Publish(gateway.TopicConfig, 0, false, payload), networkTimeout, "set publish"); err != nil {
		return errors.Trace(err)
	}
	log.Infof("set sent id=%s freq=%g", state.FormatDeviceID(id), *flagFreq)

	deadline := time.After(*flagWait)
	for {
		select {
		case ack := <-ackCh:
			ackID, err := state.ParseDeviceID(ack.ID)
			if err != nil || ack.Type != gateway.MsgFrequencyApplied || ackID != id {
				log.Debugf("set ignore ack=%+v", ack)
				continue
			}
			fmt.Printf("applied id=%s freq=%g\n", ack.ID, ack.Frequency)
			return nil
		case <-deadline:
			return errors.Errorf("no acknowledge for id=%s within %v", state.FormatDeviceID(id), *flagWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func tokenWait(t mqtt.Token, timeout time.Duration, tag string) error {
	if !t.WaitTimeout(timeout) {
		return errors.Errorf("%s timeout=%v", tag, timeout)
	}
	return errors.Annotate(t.Error(), tag)
}
