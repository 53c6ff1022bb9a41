// Package gateway is the composition root: it owns the bus, the shared
// state, the polling scheduler, the audit sink and the two channel
// clients, and runs the receive loop that turns bus frames into
// telemetry publishes.
package gateway

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/ftcan/ftcan/audit"
	"github.com/ftcan/ftcan/can"
	"github.com/ftcan/ftcan/codec"
	"github.com/ftcan/ftcan/helpers"
	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/mqtt"
	"github.com/ftcan/ftcan/sched"
	"github.com/ftcan/ftcan/state"
)

const recvTimeout = 200 * time.Millisecond

type Gateway struct {
	log       *log2.Log
	alive     *alive.Alive
	bus       can.Bus
	st        *state.State
	sched     *sched.Scheduler
	sink      audit.Sink
	telemetry *mqtt.Client
	control   *mqtt.Client
}

func New(log *log2.Log, cfg *state.Config) (*Gateway, error) {
	descriptors, err := cfg.Descriptors()
	if err != nil {
		return nil, errors.Trace(err)
	}

	g := &Gateway{
		log:   log,
		alive: alive.NewAlive(),
		st:    state.New(descriptors),
		sink:  audit.NopSink{},
	}

	canLog := log.Clone(log2.LInfo)
	if cfg.Can.LogDebug {
		canLog.SetLevel(log2.LDebug)
	}
	switch cfg.Can.Driver {
	case "sim":
		g.bus = can.NewSim(descriptors, rand.New(rand.NewSource(time.Now().UnixNano())), canLog)
	case "socketcan":
		ids := make([]uint32, 0, len(descriptors))
		for _, d := range descriptors {
			ids = append(ids, d.ID)
		}
		g.bus, err = can.NewSocketCAN(cfg.Can.Interface, ids, canLog)
		if err != nil {
			return nil, errors.Trace(err)
		}
	default:
		return nil, errors.Errorf("config can.driver=%s expected sim or socketcan", cfg.Can.Driver)
	}

	if cfg.Audit.Path != "" {
		g.sink, err = audit.NewCSVSink(log, cfg.Audit.Path)
		if err != nil {
			g.bus.Close()
			return nil, errors.Trace(err)
		}
	}

	netTimeout := helpers.IntSecondDefault(cfg.Mqtt.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout)
	// quiet channels must outlive the broker's read deadline: keepalive
	// well under NetworkTimeout so PINGREQ keeps idle connections up
	keepalive := uint16(netTimeout / (2 * time.Second))
	if keepalive == 0 {
		keepalive = 1
	}
	g.telemetry, err = mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      cfg.Mqtt.TelemetryPubURL,
		ClientID:       "ftcan-gateway-telemetry",
		KeepaliveSec:   keepalive,
		NetworkTimeout: netTimeout,
		Log:            log,
	})
	if err != nil {
		g.closePartial()
		return nil, errors.Trace(err)
	}
	g.control, err = mqtt.NewClient(mqtt.ClientOptions{
		BrokerURL:      cfg.Mqtt.ControlSubURL,
		ClientID:       "ftcan-gateway-control",
		KeepaliveSec:   keepalive,
		NetworkTimeout: netTimeout,
		Subscriptions:  []string{TopicConfig},
		OnMessage:      g.onControl,
		Log:            log,
	})
	if err != nil {
		g.closePartial()
		return nil, errors.Trace(err)
	}

	g.sched = sched.New(log, g.bus, g.st)
	return g, nil
}

// State is exposed for command tooling and tests.
func (g *Gateway) State() *state.State { return g.st }

// Start blocks until both channel clients are connected and subscribed,
// then launches the scheduler and the receive loop. Any failure leaves
// nothing half-running.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.telemetry.WaitReady(ctx); err != nil {
		return errors.Annotate(err, "gateway telemetry channel")
	}
	if err := g.control.WaitReady(ctx); err != nil {
		return errors.Annotate(err, "gateway control channel")
	}
	if !g.alive.Add(1) {
		return errors.Errorf("gateway already stopped")
	}
	g.sched.Start()
	go g.recvLoop()
	g.log.Infof("gateway started devices=%d", len(g.st.IDs()))
	return nil
}

func (g *Gateway) Stop() error {
	g.alive.Stop()
	g.sched.Stop()
	g.alive.Wait()
	errs := []error{
		g.bus.Close(),
		g.telemetry.Close(),
		g.control.Close(),
		g.sink.Close(),
	}
	return helpers.FoldErrors(errs)
}

func (g *Gateway) closePartial() {
	g.bus.Close()
	g.sink.Close()
	if g.telemetry != nil {
		g.telemetry.Close()
	}
}

func (g *Gateway) recvLoop() {
	defer g.alive.Done()
	stopch := g.alive.StopChan()
	backoff := helpers.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, K: 2}
	for {
		select {
		case <-stopch:
			return
		default:
		}
		f, ok, err := g.bus.Receive(recvTimeout)
		if err != nil {
			if errors.Cause(err) == can.ErrClosed {
				return
			}
			g.log.Errorf("gateway receive err=%v", err)
			select {
			case <-time.After(backoff.DelayAfter(false)):
			case <-stopch:
				return
			}
			continue
		}
		backoff.DelayAfter(true)
		if !ok {
			continue
		}
		g.onFrame(f)
	}
}

func (g *Gateway) onFrame(f can.Frame) {
	if f.RTR {
		// own request echoed back by the interface
		return
	}
	d := g.st.Descriptor(f.ID)
	if d == nil {
		g.log.Infof("gateway drop unknown frame=%s", f.String())
		return
	}
	values := codec.Decode(d, f.Data)
	if len(values) == 0 {
		g.log.Debugf("gateway empty decode frame=%s", f.String())
		return
	}
	g.st.MergeSnapshot(values)

	now := time.Now()
	for _, v := range d.Variables {
		if val, ok := values[v.Name]; ok {
			g.sink.Record(now, f.ID, v.Name, val)
		}
	}

	g.publishJSON(TopicCAN(f.ID), values)
	g.publishJSON(TopicSensors, g.st.Snapshot())
}

func (g *Gateway) publishJSON(topic string, values map[string]float64) {
	payload, err := json.Marshal(values)
	if err != nil {
		g.log.Errorf("gateway marshal topic=%s err=%v", topic, err)
		return
	}
	err = g.telemetry.Publish(&packet.Message{Topic: topic, Payload: payload})
	if err != nil {
		g.log.Errorf("gateway publish topic=%s err=%v", topic, err)
	}
}

// onControl handles one CONFIG request. Invalid input is logged and
// dropped without an ack; a valid request mutates the frequency table
// and is acknowledged exactly once, even when it changes nothing.
func (g *Gateway) onControl(msg *packet.Message) error {
	if msg.Topic != TopicConfig {
		return nil
	}
	id, hz, err := ParseFreqRequest(msg.Payload)
	if err != nil {
		g.log.Errorf("gateway control drop err=%v", err)
		return nil
	}
	g.st.SetFreq(id, hz)
	g.log.Infof("gateway frequency id=%s freq=%g", state.FormatDeviceID(id), hz)
	err = g.control.Publish(&packet.Message{Topic: TopicConfigAck, Payload: encodeFreqAck(id, hz)})
	if err != nil {
		g.log.Errorf("gateway ack id=%s err=%v", state.FormatDeviceID(id), err)
	}
	return nil
}
