package mqtt

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"

	"github.com/ftcan/ftcan/log2"
)

// Server side connection state, a thin transport.Conn wrapper.
// Send is serialized: the owning reader goroutine and forwards from other
// publishers' goroutines share the connection.
type backend struct {
	id     string
	conn   transport.Conn
	sendlk sync.Mutex
	closed uint32
	log    *log2.Log
}

func newBackend(conn transport.Conn, id string, log *log2.Log) *backend {
	return &backend{id: id, conn: conn, log: log}
}

func (b *backend) Receive() (packet.Generic, error) {
	pkt, err := b.conn.Receive()
	switch err {
	case nil:
		b.log.Debugf("mqtt recv id=%s pkt=%s", b.id, PacketString(pkt))
		return pkt, nil

	case io.EOF: // remote properly closed connection
		_ = b.die(err)
		return nil, err

	default:
		if b.isDead() && isClosedConn(err) {
			// conn.Close was used to interrupt a blocking Receive
			return nil, ErrClosing
		}
		_ = b.die(err)
		return nil, err
	}
}

func (b *backend) Send(pkt packet.Generic) error {
	if b.isDead() {
		return ErrClosing
	}
	b.sendlk.Lock()
	err := b.conn.Send(pkt, false)
	b.sendlk.Unlock()
	if err != nil {
		if b.isDead() && isClosedConn(err) {
			return ErrClosing
		}
		err = errors.Annotatef(err, "clientid=%s", b.id)
		return b.die(err)
	}
	b.log.Debugf("mqtt send id=%s pkt=%s", b.id, PacketString(pkt))
	return nil
}

func (b *backend) RemoteAddr() net.Addr { return b.conn.RemoteAddr() }

func (b *backend) die(e error) error {
	if !atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		return e
	}
	if e != nil && e != ErrClosing && e != io.EOF {
		b.log.Debugf("mqtt conn id=%s die err=%v", b.id, e)
	}
	_ = b.conn.Close()
	return e
}

func (b *backend) isDead() bool { return atomic.LoadUint32(&b.closed) == 1 }
