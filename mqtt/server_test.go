package mqtt_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/mqtt"
)

const testTimeout = 5 * time.Second

type tenv struct {
	t    testing.TB
	ctx  context.Context
	log  *log2.Log
	s    *mqtt.Server
	urls []string
}

func newTenv(t testing.TB, listens int) *tenv {
	env := &tenv{
		t:   t,
		ctx: context.Background(),
		log: log2.NewTest(t, log2.LDebug),
	}
	env.s = mqtt.NewServer(mqtt.ServerOptions{Log: env.log, NetworkTimeout: testTimeout})
	urls := make([]string, listens)
	for i := range urls {
		urls[i] = "tcp://127.0.0.1:0"
	}
	require.NoError(t, env.s.Listen(env.ctx, urls))
	for _, addr := range env.s.Addrs() {
		env.urls = append(env.urls, fmt.Sprintf("tcp://%s", addr))
	}
	require.Len(t, env.urls, listens)
	return env
}

func connDial(env *tenv, url string) transport.Conn {
	dialer := transport.NewDialer(transport.DialConfig{Timeout: testTimeout})
	conn, err := dialer.Dial(url)
	require.NoError(env.t, err)
	return conn
}

func connConnect(env *tenv, conn transport.Conn, clientID string) {
	pktConnect := packet.NewConnect()
	pktConnect.ClientID = clientID
	pktConnect.CleanSession = true
	require.NoError(env.t, conn.Send(pktConnect, false))
	conn.SetReadTimeout(testTimeout)
	pkt, err := conn.Receive()
	require.NoError(env.t, err)
	connack, ok := pkt.(*packet.Connack)
	require.True(env.t, ok, "expected CONNACK pkt=%v", pkt)
	require.Equal(env.t, packet.ConnectionAccepted, connack.ReturnCode)
}

func connSubscribe(env *tenv, conn transport.Conn, topics ...string) {
	pktSub := packet.NewSubscribe()
	pktSub.ID = 1
	for _, topic := range topics {
		pktSub.Subscriptions = append(pktSub.Subscriptions,
			packet.Subscription{Topic: topic, QOS: packet.QOSAtMostOnce})
	}
	require.NoError(env.t, conn.Send(pktSub, false))
	pkt, err := conn.Receive()
	require.NoError(env.t, err)
	suback, ok := pkt.(*packet.Suback)
	require.True(env.t, ok, "expected SUBACK pkt=%v", pkt)
	for _, code := range suback.ReturnCodes {
		require.Equal(env.t, packet.QOSAtMostOnce, code)
	}
}

func connPublish(env *tenv, conn transport.Conn, topic string, payload []byte) {
	pub := packet.NewPublish()
	pub.Message = packet.Message{Topic: topic, Payload: payload}
	require.NoError(env.t, conn.Send(pub, false))
}

func connReceivePublish(env *tenv, conn transport.Conn) *packet.Message {
	conn.SetReadTimeout(testTimeout)
	pkt, err := conn.Receive()
	require.NoError(env.t, err)
	pub, ok := pkt.(*packet.Publish)
	require.True(env.t, ok, "expected PUBLISH pkt=%v", pkt)
	return &pub.Message
}

func TestServerBasicForward(t *testing.T) {
	t.Parallel()
	env := newTenv(t, 1)
	defer func() { assert.NoError(t, env.s.Close()) }()

	sub := connDial(env, env.urls[0])
	connConnect(env, sub, "sub")
	connSubscribe(env, sub, "SENSORS")

	pub := connDial(env, env.urls[0])
	connConnect(env, pub, "pub")
	connPublish(env, pub, "SENSORS", []byte(`{"adc_ch1":2457}`))

	msg := connReceivePublish(env, sub)
	assert.Equal(t, "SENSORS", msg.Topic)
	assert.Equal(t, []byte(`{"adc_ch1":2457}`), msg.Payload)
	assert.Equal(t, packet.QOSAtMostOnce, msg.QOS)
}

func TestServerTopicFilter(t *testing.T) {
	t.Parallel()
	env := newTenv(t, 1)
	defer func() { assert.NoError(t, env.s.Close()) }()

	sub := connDial(env, env.urls[0])
	connConnect(env, sub, "sub")
	connSubscribe(env, sub, "CAN_100")

	pub := connDial(env, env.urls[0])
	connConnect(env, pub, "pub")
	connPublish(env, pub, "CAN_200", []byte("no"))
	connPublish(env, pub, "CAN_100", []byte("yes"))

	msg := connReceivePublish(env, sub)
	assert.Equal(t, "CAN_100", msg.Topic)
	assert.Equal(t, []byte("yes"), msg.Payload)
}

// publishers on the inbound listener, subscribers on the outbound one:
// every subscriber sees every message from every publisher, each
// publisher's own order preserved.
func TestServerFanOutTwoEndpoints(t *testing.T) {
	t.Parallel()
	const nPubs = 3
	const mSubs = 3
	const perPub = 10

	env := newTenv(t, 2)
	defer func() { assert.NoError(t, env.s.Close()) }()
	inURL, outURL := env.urls[0], env.urls[1]

	subs := make([]transport.Conn, mSubs)
	for i := range subs {
		subs[i] = connDial(env, outURL)
		connConnect(env, subs[i], fmt.Sprintf("sub%d", i))
		connSubscribe(env, subs[i], "#")
	}

	for p := 0; p < nPubs; p++ {
		conn := connDial(env, inURL)
		connConnect(env, conn, fmt.Sprintf("pub%d", p))
		for seq := 0; seq < perPub; seq++ {
			connPublish(env, conn, "SENSORS", []byte(fmt.Sprintf("p%d-%d", p, seq)))
		}
	}

	for i, conn := range subs {
		lastSeq := map[int]int{}
		for n := 0; n < nPubs*perPub; n++ {
			msg := connReceivePublish(env, conn)
			var pub, seq int
			_, err := fmt.Sscanf(string(msg.Payload), "p%d-%d", &pub, &seq)
			require.NoError(env.t, err)
			prev, seen := lastSeq[pub]
			if seen {
				require.Equal(env.t, prev+1, seq, "sub=%d publisher=%d out of order", i, pub)
			} else {
				require.Equal(env.t, 0, seq, "sub=%d publisher=%d first message", i, pub)
			}
			lastSeq[pub] = seq
		}
		require.Len(env.t, lastSeq, nPubs)
	}
}

func TestServerPing(t *testing.T) {
	t.Parallel()
	env := newTenv(t, 1)
	defer func() { assert.NoError(t, env.s.Close()) }()

	conn := connDial(env, env.urls[0])
	connConnect(env, conn, "pinger")
	require.NoError(t, conn.Send(packet.NewPingreq(), false))
	pkt, err := conn.Receive()
	require.NoError(t, err)
	_, ok := pkt.(*packet.Pingresp)
	assert.True(t, ok)
}

func TestServerListenFailFast(t *testing.T) {
	t.Parallel()
	env := newTenv(t, 1)
	defer func() { assert.NoError(t, env.s.Close()) }()

	// second server on the same address must error out as a whole
	s2 := mqtt.NewServer(mqtt.ServerOptions{Log: env.log})
	err := s2.Listen(env.ctx, []string{env.urls[0]})
	require.Error(t, err)
	assert.NoError(t, s2.Close())
}

func TestServerListenPartialFailureCleanup(t *testing.T) {
	t.Parallel()
	s := mqtt.NewServer(mqtt.ServerOptions{Log: log2.NewTest(t, log2.LDebug)})
	// first url binds, second is rejected: the bound listener must not
	// survive the failed Listen as a whole
	err := s.Listen(context.Background(), []string{"tcp://127.0.0.1:0", "bogus://nowhere"})
	require.Error(t, err)
	assert.Empty(t, s.Addrs())
	assert.NoError(t, s.Close())
}

func TestServerRejectedConnect(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	s := mqtt.NewServer(mqtt.ServerOptions{
		Log:       log,
		OnConnect: func(pkt *packet.Connect) bool { return pkt.Username == "telemetry" },
	})
	require.NoError(t, s.Listen(context.Background(), []string{"tcp://127.0.0.1:0"}))
	defer func() { assert.NoError(t, s.Close()) }()
	url := fmt.Sprintf("tcp://%s", s.Addrs()[0])

	env := &tenv{t: t, log: log}
	conn := connDial(env, url)
	pktConnect := packet.NewConnect()
	pktConnect.ClientID = "nope"
	require.NoError(t, conn.Send(pktConnect, false))
	conn.SetReadTimeout(testTimeout)
	pkt, err := conn.Receive()
	require.NoError(t, err)
	connack, ok := pkt.(*packet.Connack)
	require.True(t, ok)
	assert.Equal(t, packet.NotAuthorized, connack.ReturnCode)
}
