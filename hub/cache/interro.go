package cache

import (
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
)

// InterroEntry couples the originating interrogation command with the values
// the RTU returns while the interrogation runs.
type InterroEntry struct {
	Entry
	// Values accumulates answers per IOA. Duplicate arrivals overwrite,
	// last write wins.
	Values map[iec104.InfoObjAddr]interface{}
}

// InterroStore is keyed by station: the standard permits one running general
// interrogation per COA.
type InterroStore struct {
	mu sync.Mutex
	m  map[iec104.CommonAddr]*InterroEntry
}

func (s *InterroStore) init() {
	s.m = make(map[iec104.CommonAddr]*InterroEntry)
}

// Insert registers a new interrogation for a station.
func (s *InterroStore) Insert(coa iec104.CommonAddr, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[coa]; ok {
		return &CollisionError{Ref: cur.RefNr}
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	s.m[coa] = &InterroEntry{
		Entry:  *e,
		Values: make(map[iec104.InfoObjAddr]interface{}),
	}
	activeEntries.WithLabelValues("interrogation").Inc()
	return nil
}

// Confirm moves the interrogation to RECEIVED_ACK. Only after this do
// interrogated-by-station data points get accepted.
func (s *InterroStore) Confirm(coa iec104.CommonAddr) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[coa]
	if !ok {
		return "", ErrNotFound
	}
	e.State = ReceivedAck
	return e.RefNr, nil
}

// AddValue accumulates one interrogation answer and returns the running
// interrogation's reference so the publication can be keyed to it.
func (s *InterroStore) AddValue(coa iec104.CommonAddr, ioa iec104.InfoObjAddr, v interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[coa]
	if !ok {
		return "", ErrNotFound
	}
	if e.State != ReceivedAck {
		return "", ErrNotAcked
	}
	e.Values[ioa] = v
	return e.RefNr, nil
}

// Ref returns the running interrogation's reference for a station.
func (s *InterroStore) Ref(coa iec104.CommonAddr) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[coa]
	if !ok {
		return "", false
	}
	return e.RefNr, true
}

// Pop finishes the interrogation and hands back the accumulated values.
func (s *InterroStore) Pop(coa iec104.CommonAddr) (*InterroEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[coa]
	if !ok {
		return nil, false
	}
	delete(s.m, coa)
	activeEntries.WithLabelValues("interrogation").Dec()
	return e, true
}

func (s *InterroStore) cleanForRTU(coa iec104.CommonAddr) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[coa]
	if !ok {
		return nil
	}
	delete(s.m, coa)
	activeEntries.WithLabelValues("interrogation").Dec()
	return []string{e.RefNr}
}

func (s *InterroStore) collectRefs(out map[iec104.CommonAddr][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for coa, e := range s.m {
		out[coa] = append(out[coa], e.RefNr)
	}
}
