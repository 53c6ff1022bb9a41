package state

import (
	"sync"

	"github.com/ftcan/ftcan/codec"
)

// State is the single authoritative container for process-wide mutable
// state: the frequency table (desired polling rate per device) and the
// cumulative sensor snapshot. Each map sits behind its own narrow lock;
// mutation is atomic per key, no multi-key transactions.
type State struct {
	byID map[uint32]*codec.Descriptor

	freqMu sync.RWMutex
	freq   map[uint32]float64

	snapMu sync.RWMutex
	snap   map[string]float64
}

// New seeds the frequency table from descriptor defaults.
func New(descriptors []codec.Descriptor) *State {
	s := &State{
		byID: make(map[uint32]*codec.Descriptor, len(descriptors)),
		freq: make(map[uint32]float64, len(descriptors)),
		snap: make(map[string]float64),
	}
	for i := range descriptors {
		d := &descriptors[i]
		s.byID[d.ID] = d
		s.freq[d.ID] = d.DefaultFreq
	}
	return s
}

// Descriptor returns the immutable template for id, nil when the id is
// not configured.
func (s *State) Descriptor(id uint32) *codec.Descriptor {
	return s.byID[id]
}

func (s *State) IDs() []uint32 {
	ids := make([]uint32, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	return ids
}

// SetFreq upserts the desired polling rate, last write wins.
// Zero is a valid explicit pause, distinct from never-configured.
// The table is open: unknown ids are accepted.
func (s *State) SetFreq(id uint32, hz float64) {
	s.freqMu.Lock()
	s.freq[id] = hz
	s.freqMu.Unlock()
}

func (s *State) Freq(id uint32) (float64, bool) {
	s.freqMu.RLock()
	hz, ok := s.freq[id]
	s.freqMu.RUnlock()
	return hz, ok
}

func (s *State) Freqs() map[uint32]float64 {
	s.freqMu.RLock()
	defer s.freqMu.RUnlock()
	m := make(map[uint32]float64, len(s.freq))
	for id, hz := range s.freq {
		m[id] = hz
	}
	return m
}

// MergeSnapshot folds freshly decoded values into the cumulative
// snapshot. Values are only ever overwritten, never rolled back.
func (s *State) MergeSnapshot(values map[string]float64) {
	s.snapMu.Lock()
	for name, v := range values {
		s.snap[name] = v
	}
	s.snapMu.Unlock()
}

// Snapshot returns a copy, safe to serialize without further locking.
func (s *State) Snapshot() map[string]float64 {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	m := make(map[string]float64, len(s.snap))
	for name, v := range s.snap {
		m[name] = v
	}
	return m
}
