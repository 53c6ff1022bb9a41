package mqtt

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/ftcan/ftcan/log2"
)

const DefaultReconnectDelay = 3 * time.Second

var (
	ErrClientClosing      = fmt.Errorf("mqtt: client is closing")
	ErrClientNotConnected = fmt.Errorf("mqtt: client is not connected")
)

type ClientOptions struct {
	BrokerURL      string
	ClientID       string
	KeepaliveSec   uint16
	NetworkTimeout time.Duration
	ReconnectDelay time.Duration
	Subscriptions  []string
	// OnMessage error only logs; the connection stays up
	OnMessage func(*packet.Message) error
	Log       *log2.Log

	dialer *transport.Dialer
}

// Client is the channel end used by publishers and subscribers.
// - NewClient returns only configuration errors, network IO runs in
//   background with unlimited reconnect until Close
// - clean session, fixed subscription list
// - Publish is fire and forget (QOS 0); while offline it returns
//   ErrClientNotConnected and the caller decides to log or retry
type Client struct {
	lk      sync.Mutex
	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
}

func NewClient(opt ClientOptions) (*Client, error) {
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	if len(opt.Subscriptions) != 0 && opt.OnMessage == nil {
		return nil, errors.Errorf("code error mqtt.ClientOptions.OnMessage=nil with subscriptions")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	opt.dialer = transport.NewDialer(transport.DialConfig{Timeout: opt.NetworkTimeout})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	_ = c.clientConn(true)
	if !c.alive.Add(1) {
		return nil, ErrClientClosing
	}
	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	// grab the connection first: after Stop clientConn returns nil and
	// shutdown would always be abortive
	cc := c.clientConn(false)
	c.alive.Stop()
	if cc != nil {
		_ = cc.send(packet.NewDisconnect())
		_ = cc.die(ErrClientClosing)
	}
	c.alive.Wait()
	return nil
}

// Publish sends one QOS 0 message, fire and forget.
func (c *Client) Publish(msg *packet.Message) error {
	cc := c.clientConn(false)
	if cc == nil || !cc.ready() {
		return ErrClientNotConnected
	}
	pub := packet.NewPublish()
	pub.Message = *msg
	pub.Message.QOS = packet.QOSAtMostOnce
	return cc.send(pub)
}

// WaitReady blocks until connected and subscribed, the context expires or
// the client is closed.
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc != nil {
			select {
			case <-cc.readyCh:
				return nil
			case <-cc.alive.WaitChan():
				// connection lost, wait for the next attempt
			case <-donech:
				return context.Canceled
			case <-stopch:
				return ErrClientClosing
			}
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-donech:
			return context.Canceled
		case <-stopch:
			return ErrClientClosing
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.lk.Lock()
	defer c.lk.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		c.current = newClientConn(c.opt, c.nextID())
	}
	return c.current
}

func (c *Client) nextID() packet.ID {
	u32 := atomic.AddUint32(&c.lastID, 1)
	return packet.ID(u32 % (1 << 16))
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			return
		}

		c.opt.Log.Debugf("mqtt client reconnect delay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			return
		}
	}
}

// Single connection: dial, CONNECT, subscribe once, then reader+pinger.
type clientConn struct {
	alive   *alive.Alive
	closed  uint32
	conn    atomic.Value // transport.Conn
	sendlk  sync.Mutex
	readyCh chan struct{}
	subID   packet.ID
	opt     ClientOptions
	pingat  atomic_clock.Clock // last outgoing control packet
	pongat  atomic_clock.Clock // last incoming control packet
}

func newClientConn(opt ClientOptions, subID packet.ID) *clientConn {
	cc := &clientConn{
		alive:   alive.NewAlive(),
		opt:     opt,
		readyCh: make(chan struct{}),
		subID:   subID,
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) ready() bool {
	select {
	case <-cc.readyCh:
		return true
	default:
		return false
	}
}

func (cc *clientConn) die(e error) error {
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	cc.alive.Stop()
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "dial broker=%s", cc.opt.BrokerURL))
		cc.opt.Log.Infof("mqtt client dial broker=%s err=%v", cc.opt.BrokerURL, err)
		return
	}
	cc.conn.Store(conn)

	conpkt := packet.NewConnect()
	conpkt.ClientID = cc.opt.ClientID
	conpkt.KeepAlive = cc.opt.KeepaliveSec
	conpkt.CleanSession = true
	if err = cc.send(conpkt); err != nil {
		return
	}

	conn.SetReadTimeout(cc.opt.NetworkTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		_ = cc.die(errors.Annotate(err, "expect CONNACK"))
		return
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = cc.die(errors.Errorf("expected CONNACK pkt=%s", PacketString(pkt)))
		return
	}
	if connack.ReturnCode != packet.ConnectionAccepted {
		err = errors.Errorf("connection denied: %s", connack.ReturnCode.String())
		cc.opt.Log.Errorf("mqtt client broker=%s %v", cc.opt.BrokerURL, err)
		_ = cc.die(err)
		return
	}
	conn.SetReadTimeout(0)

	if len(cc.opt.Subscriptions) == 0 {
		close(cc.readyCh)
	} else {
		subpkt := packet.NewSubscribe()
		subpkt.ID = cc.subID
		for _, pattern := range cc.opt.Subscriptions {
			subpkt.Subscriptions = append(subpkt.Subscriptions,
				packet.Subscription{Topic: pattern, QOS: packet.QOSAtMostOnce})
		}
		if err = cc.send(subpkt); err != nil {
			return
		}
	}

	if !cc.alive.Add(2) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()
	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF:
			cc.opt.Log.Infof("mqtt client server closed connection")
			_ = cc.die(nil)
			return

		default:
			if !isClosedConn(err) {
				cc.opt.Log.Infof("mqtt client receive err=%v", err)
			}
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}

		switch pt := pkt.(type) {
		case *packet.Pingresp:
			cc.pongat.SetNow()

		case *packet.Suback:
			cc.onSuback(pt)

		case *packet.Publish:
			if err := cc.opt.OnMessage(&pt.Message); err != nil {
				cc.opt.Log.Errorf("mqtt client onMessage msg=%s err=%v", MessageString(&pt.Message), err)
			}

		default:
			cc.opt.Log.Debugf("mqtt client unexpected pkt=%s", PacketString(pkt))
		}
	}
}

func (cc *clientConn) onSuback(suback *packet.Suback) {
	if suback.ID != cc.subID {
		_ = cc.die(errors.Errorf("SUBACK.id=%d expected=%d", suback.ID, cc.subID))
		return
	}
	for _, code := range suback.ReturnCodes {
		if code == packet.QOSFailure {
			_ = cc.die(errors.Errorf("subscription rejected"))
			return
		}
	}
	select {
	case <-cc.readyCh:
	default:
		close(cc.readyCh)
	}
}

// PINGREQ late enough to minimize traffic while respecting
// [MQTT-3.1.2-24]: control packets at most KeepaliveSec*1.5 apart.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}
	keepalive := time.Duration(cc.opt.KeepaliveSec) * time.Second
	interval := keepalive / 2
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		window := atomic_clock.Since(&cc.pingat)
		if window < interval {
			select {
			case <-time.After(interval - window):
				continue
			case <-stopch:
				return
			}
		}
		if err := cc.send(packet.NewPingreq()); err != nil {
			return
		}
		if atomic_clock.Since(&cc.pongat) > keepalive+keepalive/2 {
			_ = cc.die(errors.Errorf("missing PINGRESP"))
			return
		}
		select {
		case <-time.After(interval):
		case <-stopch:
			return
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	conn := cc.getConn()
	if conn == nil {
		return ErrClientNotConnected
	}
	cc.sendlk.Lock()
	err := conn.Send(p, false)
	cc.sendlk.Unlock()
	if err != nil {
		return cc.die(errors.Annotatef(err, "send %s", p.Type().String()))
	}
	cc.pingat.SetNow()
	return nil
}
