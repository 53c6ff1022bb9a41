package can

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ftcan/ftcan/codec"
	"github.com/ftcan/ftcan/log2"
)

const simQueueDepth = 64

// Sim is the in-memory bus variant for running without hardware.
// Send of a request frame for a configured device synthesizes a response
// with random values honoring each variable's encoding and enqueues it;
// Receive drains the queue FIFO.
type Sim struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	byID   map[uint32]*codec.Descriptor
	queue  chan Frame
	stopCh chan struct{}
	closed bool
	log    *log2.Log
}

func NewSim(descriptors []codec.Descriptor, rnd *rand.Rand, log *log2.Log) *Sim {
	s := &Sim{
		rnd:    rnd,
		byID:   make(map[uint32]*codec.Descriptor, len(descriptors)),
		queue:  make(chan Frame, simQueueDepth),
		stopCh: make(chan struct{}),
		log:    log,
	}
	for i := range descriptors {
		d := &descriptors[i]
		s.byID[d.ID] = d
	}
	return s
}

func (s *Sim) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !f.RTR {
		// data frames go nowhere in simulation
		s.log.Debugf("sim send drop data frame=%s", f.String())
		return nil
	}
	d, ok := s.byID[f.ID]
	if !ok {
		s.log.Debugf("sim send request for unknown id=0x%X", f.ID)
		return nil
	}
	response := Frame{ID: f.ID, Data: codec.EncodeRandom(d, s.rnd)}
	select {
	case s.queue <- response:
	default:
		s.log.Errorf("sim queue overflow, response dropped frame=%s", response.String())
	}
	return nil
}

func (s *Sim) Receive(timeout time.Duration) (Frame, bool, error) {
	select {
	case f := <-s.queue:
		return f, true, nil
	case <-s.stopCh:
		return Frame{}, false, ErrClosed
	case <-time.After(timeout):
		return Frame{}, false, nil
	}
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}
