package sched

import (
	"sync"
	"time"

	"github.com/temoto/alive/v2"

	"github.com/ftcan/ftcan/can"
	"github.com/ftcan/ftcan/helpers"
	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/state"
)

const DefaultReconcileInterval = 250 * time.Millisecond

type BusSender interface {
	Send(can.Frame) error
}

// Scheduler keeps at most one polling goroutine per device id.
// A supervisor loop reconciles running tasks against the live
// frequency table: positive frequency starts a task, zero or
// negative stops it. Tasks re-read their frequency every cycle,
// so a rate change takes effect without a restart.
type Scheduler struct {
	log      *log2.Log
	bus      BusSender
	st       *state.State
	alive    *alive.Alive
	interval time.Duration

	lk    sync.Mutex
	tasks map[uint32]*alive.Alive
}

func New(log *log2.Log, bus BusSender, st *state.State) *Scheduler {
	return &Scheduler{
		log:      log,
		bus:      bus,
		st:       st,
		alive:    alive.NewAlive(),
		interval: DefaultReconcileInterval,
		tasks:    make(map[uint32]*alive.Alive),
	}
}

func (s *Scheduler) Start() {
	if !s.alive.Add(1) {
		return
	}
	go s.run()
}

func (s *Scheduler) Stop() {
	s.alive.Stop()
	s.alive.Wait()
}

// ActiveIDs reports devices with a live polling task.
func (s *Scheduler) ActiveIDs() []uint32 {
	s.lk.Lock()
	defer s.lk.Unlock()
	ids := make([]uint32, 0, len(s.tasks))
	for id, ta := range s.tasks {
		select {
		case <-ta.WaitChan():
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Scheduler) run() {
	defer s.alive.Done()
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		s.reconcile()
		select {
		case <-s.alive.StopChan():
			s.stopAll()
			return
		case <-tick.C:
		}
	}
}

func (s *Scheduler) reconcile() {
	freqs := s.st.Freqs()
	s.lk.Lock()
	defer s.lk.Unlock()

	// reap tasks that exited on their own
	for id, ta := range s.tasks {
		select {
		case <-ta.WaitChan():
			delete(s.tasks, id)
		default:
		}
	}

	for id, hz := range freqs {
		ta, running := s.tasks[id]
		switch {
		case hz > 0 && !running:
			ta = alive.NewAlive()
			if !ta.Add(1) {
				continue
			}
			s.tasks[id] = ta
			s.log.Debugf("sched start id=0x%X freq=%g", id, hz)
			go s.poll(id, ta)

		case hz <= 0 && running:
			s.log.Debugf("sched stop id=0x%X", id)
			ta.Stop()
			delete(s.tasks, id)
		}
	}
}

func (s *Scheduler) stopAll() {
	s.lk.Lock()
	tasks := s.tasks
	s.tasks = make(map[uint32]*alive.Alive)
	s.lk.Unlock()
	for _, ta := range tasks {
		ta.Stop()
	}
	for _, ta := range tasks {
		ta.Wait()
	}
}

// A panicked task is contained here, reaped by reconcile and recreated
// on the next tick while its frequency stays positive.
func (s *Scheduler) poll(id uint32, ta *alive.Alive) {
	defer ta.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("sched task id=0x%X panic=%v", id, r)
		}
	}()
	frame := can.NewRTR(id)
	backoff := helpers.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, K: 2}
	for ta.IsRunning() {
		hz, ok := s.st.Freq(id)
		if !ok || hz <= 0 {
			return
		}
		delay := time.Duration(float64(time.Second) / hz)
		if err := s.bus.Send(frame); err != nil {
			s.log.Errorf("sched send id=0x%X err=%v", id, err)
			if bd := backoff.DelayAfter(false); bd > delay {
				delay = bd
			}
		} else {
			backoff.DelayAfter(true)
		}
		select {
		case <-ta.StopChan():
			return
		case <-time.After(delay):
		}
	}
}
