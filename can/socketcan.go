package can

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"

	"github.com/ftcan/ftcan/log2"
)

const canFrameSize = 16 // struct can_frame, classical CAN

// SocketCAN is the hardware-backed bus variant over a Linux AF_CAN raw
// socket. The kernel receive filter is restricted to the configured
// device ids.
type SocketCAN struct {
	mu         sync.Mutex
	fd         int
	rcvTimeout time.Duration
	closed     bool
	log        *log2.Log
}

func NewSocketCAN(ifname string, ids []uint32, log *log2.Log) (*SocketCAN, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, errors.Annotatef(err, "socketcan interface=%s", ifname)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, errors.Annotate(err, "socketcan socket")
	}
	if len(ids) != 0 {
		filters := make([]unix.CanFilter, 0, len(ids))
		for _, id := range ids {
			mask := uint32(unix.CAN_SFF_MASK)
			if id > MaxStdID {
				mask = unix.CAN_EFF_MASK
			}
			filters = append(filters, unix.CanFilter{Id: id, Mask: mask})
		}
		if err = unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
			_ = unix.Close(fd)
			return nil, errors.Annotate(err, "socketcan filter")
		}
	}
	if err = unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Annotatef(err, "socketcan bind interface=%s", ifname)
	}
	return &SocketCAN{fd: fd, rcvTimeout: -1, log: log}, nil
}

func (s *SocketCAN) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	var buf [canFrameSize]byte
	id := f.ID
	if f.Extended {
		id |= unix.CAN_EFF_FLAG
	}
	if f.RTR {
		id |= unix.CAN_RTR_FLAG
	}
	// can_id and data layout per linux/can.h, host byte order
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := unix.Write(s.fd, buf[:])
	return errors.Trace(err)
}

func (s *SocketCAN) Receive(timeout time.Duration) (Frame, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, false, ErrClosed
	}
	fd := s.fd
	if timeout != s.rcvTimeout {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			s.mu.Unlock()
			return Frame{}, false, errors.Annotate(err, "socketcan SO_RCVTIMEO")
		}
		s.rcvTimeout = timeout
	}
	s.mu.Unlock()

	var buf [canFrameSize]byte
	n, err := unix.Read(fd, buf[:])
	switch err {
	case nil:

	// EWOULDBLOCK is the same errno as EAGAIN on Linux
	case unix.EAGAIN, unix.EINTR:
		return Frame{}, false, nil

	default:
		if s.isClosed() {
			return Frame{}, false, ErrClosed
		}
		return Frame{}, false, errors.Annotate(err, "socketcan read")
	}
	if n < canFrameSize {
		return Frame{}, false, errors.Errorf("socketcan short read n=%d", n)
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	f := Frame{
		Extended: id&unix.CAN_EFF_FLAG != 0,
		RTR:      id&unix.CAN_RTR_FLAG != 0,
	}
	if f.Extended {
		f.ID = id & unix.CAN_EFF_MASK
	} else {
		f.ID = id & unix.CAN_SFF_MASK
	}
	dlc := int(buf[4])
	if dlc > MaxDataLen {
		dlc = MaxDataLen
	}
	f.Data = append([]byte(nil), buf[8:8+dlc]...)
	return f, true, nil
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *SocketCAN) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
