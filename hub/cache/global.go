package cache

import (
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
)

// globalKey addresses a station-wide command.
type globalKey struct {
	COA  iec104.CommonAddr
	Type iec104.TypeID
}

// fanoutGroup tracks one GlobalCOA command being fanned out to individual
// RTUs. The queue entry is released on the first per-RTU activation; the
// group completes when the last contributing RTU terminates.
type fanoutGroup struct {
	Ref      string
	Entry    *Entry
	Pending  map[iec104.CommonAddr]bool
	Released bool
}

// GlobalStore is keyed by (COA, type) for plain station commands and by type
// for GlobalCOA fan-outs.
type GlobalStore struct {
	mu     sync.Mutex
	active map[globalKey]*Entry
	groups map[iec104.TypeID]*fanoutGroup
}

func (s *GlobalStore) init() {
	s.active = make(map[globalKey]*Entry)
	s.groups = make(map[iec104.TypeID]*fanoutGroup)
}

// LookupActive returns the active entry's reference and state.
func (s *GlobalStore) LookupActive(coa iec104.CommonAddr, typ iec104.TypeID) (string, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coa == iec104.GlobalCOA {
		if g, ok := s.groups[typ]; ok {
			return g.Ref, g.Entry.State, true
		}
		return "", 0, false
	}
	if e, ok := s.active[globalKey{coa, typ}]; ok {
		return e.RefNr, e.State, true
	}
	return "", 0, false
}

// Insert registers a station command. For GlobalCOA a fan-out group is
// created instead of a plain entry. Clock synchronization is exempt from the
// at-most-one rule: RTUs may confirm overlapping syncs without a preceding
// termination, so a second insert supersedes the first instead of colliding.
func (s *GlobalStore) Insert(coa iec104.CommonAddr, typ iec104.TypeID, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	if coa == iec104.GlobalCOA {
		if g, ok := s.groups[typ]; ok {
			if typ != iec104.CCsNa1 {
				return &CollisionError{Ref: g.Ref}
			}
			// Supersede in place, the gauge already counts this slot.
			s.groups[typ] = &fanoutGroup{
				Ref:     e.RefNr,
				Entry:   e,
				Pending: make(map[iec104.CommonAddr]bool),
			}
			return nil
		}
		s.groups[typ] = &fanoutGroup{
			Ref:     e.RefNr,
			Entry:   e,
			Pending: make(map[iec104.CommonAddr]bool),
		}
		activeEntries.WithLabelValues("global").Inc()
		return nil
	}
	key := globalKey{coa, typ}
	if cur, ok := s.active[key]; ok {
		if !cur.State.Terminal() && typ != iec104.CCsNa1 {
			return &CollisionError{Ref: cur.RefNr}
		}
		s.active[key] = e
		return nil
	}
	s.active[key] = e
	activeEntries.WithLabelValues("global").Inc()
	return nil
}

// Activate records the outbound per-RTU APDU of a fan-out. The first
// activation releases the group's queue slot.
func (s *GlobalStore) Activate(typ iec104.TypeID, rtu iec104.CommonAddr) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[typ]
	if !ok {
		return "", false
	}
	g.Pending[rtu] = true
	released := false
	if !g.Released {
		g.Released = true
		g.Entry.State = InRTUProgress
		released = true
	}
	s.active[globalKey{rtu, typ}] = &Entry{
		Msg:     g.Entry.Msg,
		RefNr:   g.Ref,
		State:   SentNoAck,
		COA:     rtu,
		Type:    typ,
		Created: time.Now(),
	}
	return g.Ref, released
}

// Transition updates the station entry's state in place.
func (s *GlobalStore) Transition(coa iec104.CommonAddr, typ iec104.TypeID, st State) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[globalKey{coa, typ}]
	if !ok {
		return nil, ErrNotFound
	}
	e.State = st
	return e, nil
}

// Confirm transitions the station entry to RECEIVED_ACK.
func (s *GlobalStore) Confirm(coa iec104.CommonAddr, typ iec104.TypeID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[globalKey{coa, typ}]
	if !ok {
		return nil, ErrNotFound
	}
	e.State = ReceivedAck
	return e, nil
}

// Terminate finishes the station entry. The second return value reports
// whether this termination completed a fan-out group, in which case the
// group's reference is the first return's RefNr.
func (s *GlobalStore) Terminate(coa iec104.CommonAddr, typ iec104.TypeID) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := globalKey{coa, typ}
	e, ok := s.active[key]
	if !ok {
		return nil, false, ErrNotFound
	}
	delete(s.active, key)
	activeEntries.WithLabelValues("global").Dec()
	e.State = ReceivedTerm

	g, ok := s.groups[typ]
	if !ok || g.Ref != e.RefNr {
		return e, false, nil
	}
	delete(g.Pending, coa)
	if len(g.Pending) > 0 {
		return e, false, nil
	}
	delete(s.groups, typ)
	activeEntries.WithLabelValues("global").Dec()
	g.Entry.State = ReceivedTerm
	return g.Entry, true, nil
}

// NegAck removes the station entry as negatively confirmed. A fan-out group
// member drags the whole group down with it.
func (s *GlobalStore) NegAck(coa iec104.CommonAddr, typ iec104.TypeID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := globalKey{coa, typ}
	e, ok := s.active[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.active, key)
	activeEntries.WithLabelValues("global").Dec()
	e.State = ReceivedNegAck
	if g, ok := s.groups[typ]; ok && g.Ref == e.RefNr {
		delete(g.Pending, coa)
		if len(g.Pending) == 0 {
			delete(s.groups, typ)
			activeEntries.WithLabelValues("global").Dec()
		}
	}
	return e, nil
}

func (s *GlobalStore) cleanForRTU(coa iec104.CommonAddr) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []string
	for key, e := range s.active {
		if key.COA != coa {
			continue
		}
		refs = append(refs, e.RefNr)
		delete(s.active, key)
		activeEntries.WithLabelValues("global").Dec()
		if g, ok := s.groups[key.Type]; ok && g.Ref == e.RefNr {
			delete(g.Pending, coa)
			if len(g.Pending) == 0 {
				delete(s.groups, key.Type)
				activeEntries.WithLabelValues("global").Dec()
			}
		}
	}
	return refs
}

func (s *GlobalStore) collectRefs(out map[iec104.CommonAddr][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.active {
		out[key.COA] = append(out[key.COA], e.RefNr)
	}
	for _, g := range s.groups {
		out[iec104.GlobalCOA] = append(out[iec104.GlobalCOA], g.Ref)
	}
}
