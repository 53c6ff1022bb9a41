// Package mqtt carries the two pub/sub channels of the telemetry fabric.
//
// Server is an embedded MQTT forwarder: any number of publishers and
// subscribers connect, every inbound PUBLISH is relayed unmodified to
// every connection whose subscription matches the topic. The broker owns
// the well-known rendezvous addresses so peers may start in any order.
// Delivery is best effort, QOS 0 end to end: no retain, no persistence,
// no broker-side queueing beyond transport buffering.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/ftcan/ftcan/helpers"
	"github.com/ftcan/ftcan/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	defaultReadLimit      = 1 << 20
)

var (
	ErrClosing    = fmt.Errorf("mqtt: server is closing")
	ErrSameClient = fmt.Errorf("mqtt: clientid overtake")
)

type ServerOptions struct {
	Log            *log2.Log
	NetworkTimeout time.Duration
	ReadLimit      int64
	// nil allows every client
	OnConnect func(*packet.Connect) bool
}

// Server.subs is a prefix tree of pattern -> *subscription
type subscription struct {
	pattern string
	client  string
}

type Server struct {
	alive    *alive.Alive
	opt      ServerOptions
	ctx      context.Context
	log      *log2.Log
	anonSeq  uint32
	lk       sync.Mutex
	listens  []*transport.NetServer
	subs     *topic.Tree
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
}

func NewServer(opt ServerOptions) *Server {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = defaultReadLimit
	}
	s := &Server{
		alive: alive.NewAlive(),
		opt:   opt,
		log:   opt.Log,
		subs:  topic.NewStandardTree(),
	}
	s.backends.m = make(map[string]*backend)
	return s
}

// Listen binds every url or fails as a whole: a channel must not run
// half-initialized.
func (s *Server) Listen(ctx context.Context, urls []string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.ctx = ctx

	for _, u := range urls {
		s.log.Debugf("mqtt listen url=%s timeout=%v", u, s.opt.NetworkTimeout)
		ns, err := listen(u)
		if err != nil {
			_ = s.closeListens()
			return errors.Annotatef(err, "mqtt listen url=%s", u)
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			_ = s.closeListens()
			return ErrClosing
		}
		s.listens = append(s.listens, ns)
		go s.acceptLoop(ns, u)
	}
	return nil
}

// caller must hold s.lk
func (s *Server) closeListens() error {
	errs := make([]error, 0, len(s.listens))
	for _, ns := range s.listens {
		if err := ns.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.listens = nil
	return helpers.FoldErrors(errs)
}

func (s *Server) Addrs() []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	addrs := make([]string, 0, len(s.listens))
	for _, ns := range s.listens {
		addrs = append(addrs, ns.Addr().String())
	}
	return addrs
}

func (s *Server) Close() error {
	s.alive.Stop()
	err := helpers.WithLockError(&s.lk, s.closeListens)
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, b := range s.backends.m {
			_ = b.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return err
}

func listen(u string) (*transport.NetServer, error) {
	parsed, err := url.ParseRequestURI(u)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	switch parsed.Scheme {
	case "tcp", "unix":
		l, err := net.Listen(parsed.Scheme, parsed.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", parsed.Scheme, parsed.Host)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.Errorf("unsupported listen url=%s", u)
}

func (s *Server) acceptLoop(ns *transport.NetServer, u string) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", u))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn)
	}
}

// CONNECT handshake. Empty client id gets a server-assigned one.
func (s *Server) handshake(conn transport.Conn) (*backend, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Errorf("expected CONNECT pkt=%s", PacketString(pkt))
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false
	if s.opt.OnConnect != nil && !s.opt.OnConnect(pktConnect) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Errorf("rejected clientid=%s", pktConnect.ClientID)
	}
	clientID := pktConnect.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", atomic.AddUint32(&s.anonSeq, 1))
	}

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > s.opt.NetworkTimeout {
		keepalive = s.opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)

	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	s.log.Debugf("mqtt CONNECT addr=%s client=%s keepalive=%d",
		addrString(conn.RemoteAddr()), clientID, pktConnect.KeepAlive)
	return newBackend(conn, clientID, s.log), nil
}

func (s *Server) processConn(conn transport.Conn) {
	defer s.alive.Done()

	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(s.opt.ReadLimit)
	conn.SetReadTimeout(s.opt.NetworkTimeout)
	b, err := s.handshake(conn)
	if err != nil {
		s.log.Infof("mqtt handshake addr=%s err=%v", addrString(conn.RemoteAddr()), err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.backends, func() {
		if ex, ok := s.backends.m[b.id]; ok {
			s.log.Infof("mqtt client overtake id=%s ex=%s new=%s",
				b.id, addrString(ex.RemoteAddr()), addrString(b.RemoteAddr()))
			_ = ex.die(ErrSameClient)
		}
		s.backends.m[b.id] = b
	})

	for {
		pkt, err := b.Receive()
		if !s.alive.IsRunning() {
			_ = b.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		if done := s.processPacket(b, pkt); done {
			break
		}
	}

	helpers.WithLock(&s.backends, func() {
		if ex := s.backends.m[b.id]; b == ex {
			delete(s.backends.m, b.id)
		}
	})
	helpers.WithLock(&s.lk, func() {
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == b.id {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	_ = b.die(ErrClosing)
}

// one incoming packet after the handshake; true means connection is done
func (s *Server) processPacket(b *backend, pkt packet.Generic) bool {
	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = b.Send(packet.NewPingresp())

	case *packet.Publish:
		// ack QOS1 immediately, delivery downstream is still at most once
		if pt.Message.QOS == packet.QOSAtLeastOnce {
			puback := packet.NewPuback()
			puback.ID = pt.ID
			err = b.Send(puback)
		}
		if err == nil {
			s.forward(&pt.Message)
		}

	case *packet.Subscribe:
		err = s.onSubscribe(b, pt)

	case *packet.Unsubscribe:
		s.lk.Lock()
		for _, pattern := range pt.Topics {
			for _, value := range s.subs.All() {
				if sub := value.(*subscription); sub.client == b.id && sub.pattern == pattern {
					s.subs.Remove(sub.pattern, value)
				}
			}
		}
		s.lk.Unlock()
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		err = b.Send(unsuback)

	case *packet.Disconnect:
		_ = b.die(nil)
		return true

	default:
		err = errors.Errorf("unexpected pkt=%s", PacketString(pkt))
	}
	if err != nil {
		_ = b.die(err)
		return true
	}
	return false
}

func (s *Server) onSubscribe(b *backend, pkt *packet.Subscribe) error {
	// [MQTT-3.8.3-3] empty subscription list is a protocol violation
	if len(pkt.Subscriptions) == 0 {
		return errors.Errorf("subscribe request with empty sub list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	s.lk.Lock()
	for _, sub := range pkt.Subscriptions {
		s.subs.Add(sub.Topic, &subscription{pattern: sub.Topic, client: b.id})
		// best-effort fabric: every subscription is downgraded to QOS 0
		suback.ReturnCodes = append(suback.ReturnCodes, packet.QOSAtMostOnce)
	}
	s.lk.Unlock()
	return b.Send(suback)
}

// forward relays one message to every matching subscriber. It runs in the
// publisher's connection goroutine, which preserves each publisher's own
// send order.
func (s *Server) forward(msg *packet.Message) {
	var uniq map[string]struct{}
	s.lk.Lock()
	matches := s.subs.Match(msg.Topic)
	uniq = make(map[string]struct{}, len(matches))
	for _, x := range matches {
		uniq[x.(*subscription).client] = struct{}{}
	}
	s.lk.Unlock()
	if len(uniq) == 0 {
		s.log.Debugf("mqtt forward no subscribers msg=%s", MessageString(msg))
		return
	}

	out := packet.NewPublish()
	out.Message = *msg
	out.Message.QOS = packet.QOSAtMostOnce
	out.Message.Retain = false
	helpers.WithLock(s.backends.RLocker(), func() {
		for client := range uniq {
			b, ok := s.backends.m[client]
			if !ok {
				continue
			}
			if err := b.Send(out); err != nil {
				// slow or dead subscriber is the transport's problem
				s.log.Infof("mqtt forward client=%s err=%v", client, err)
			}
		}
	})
}
