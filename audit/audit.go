// Package audit appends every accepted telemetry sample to durable
// local storage, independent of whether any subscriber is listening.
package audit

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/ftcan/ftcan/log2"
	"github.com/ftcan/ftcan/state"
)

type Sink interface {
	Record(t time.Time, id uint32, variable string, value float64)
	Close() error
}

type NopSink struct{}

func (NopSink) Record(time.Time, uint32, string, float64) {}
func (NopSink) Close() error                              { return nil }

type record struct {
	t        time.Time
	id       uint32
	variable string
	value    float64
}

// CSVSink writes one row per sample through a bounded queue and a
// single writer goroutine. Record never blocks the caller: when the
// queue is full the sample is dropped and counted.
type CSVSink struct {
	log     *log2.Log
	f       *os.File
	w       *csv.Writer
	queue   chan record
	alive   *alive.Alive
	dropped uint32
}

const csvQueueCap = 1024

func NewCSVSink(log *log2.Log, path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "audit open path=%s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	s := &CSVSink{
		log:   log,
		f:     f,
		w:     csv.NewWriter(f),
		queue: make(chan record, csvQueueCap),
		alive: alive.NewAlive(),
	}
	if fi.Size() == 0 {
		if err := s.w.Write([]string{"timestamp", "rtr_id", "variable", "value"}); err != nil {
			f.Close()
			return nil, errors.Trace(err)
		}
		s.w.Flush()
	}
	s.alive.Add(1)
	go s.run()
	return s, nil
}

func (s *CSVSink) Record(t time.Time, id uint32, variable string, value float64) {
	select {
	case s.queue <- record{t: t, id: id, variable: variable, value: value}:
	default:
		if n := atomic.AddUint32(&s.dropped, 1); n%100 == 1 {
			s.log.Errorf("audit queue full dropped=%d", n)
		}
	}
}

func (s *CSVSink) Close() error {
	s.alive.Stop()
	s.alive.Wait()
	return s.f.Close()
}

func (s *CSVSink) run() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		select {
		case r := <-s.queue:
			s.write(r)
		case <-stopch:
			for {
				select {
				case r := <-s.queue:
					s.write(r)
				default:
					s.w.Flush()
					return
				}
			}
		}
	}
}

func (s *CSVSink) write(r record) {
	row := []string{
		r.t.Format(time.RFC3339Nano),
		state.FormatDeviceID(r.id),
		r.variable,
		strconv.FormatFloat(r.value, 'g', -1, 64),
	}
	if err := s.w.Write(row); err != nil {
		s.log.Errorf("audit write err=%v", err)
		return
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.log.Errorf("audit flush err=%v", err)
	}
}
