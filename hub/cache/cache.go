// Package cache tracks every in-flight exchange between the hub and its RTUs
// so asynchronous protocol responses can be correlated back to the command
// that caused them.
//
// Four sub-stores cover the four correlation shapes: per data point, per
// global (station-wide) command, per parameter and per interrogation. Each
// sub-store has its own lock and no operation ever holds two of them, which
// rules out lock ordering deadlocks by construction.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State is the lifecycle position of a cache entry.
type State int

const (
	WaitingForSend State = iota
	SentNoAck
	ReceivedAck
	ReceivedTerm
	ReceivedNegAck
	// InRTUProgress marks a long-running global operation between the first
	// per-RTU activation and the last termination.
	InRTUProgress
)

var stateNames = [...]string{
	"WAITING_FOR_SEND", "SENT_NO_ACK", "RECEIVED_ACK",
	"RECEIVED_TERM", "RECEIVED_NEG_ACK", "IN_RTU_PROGRESS",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State<%d>", int(s))
}

// Terminal reports whether the entry is finished.
func (s State) Terminal() bool { return s == ReceivedTerm || s == ReceivedNegAck }

// Entry binds a command to its correlation state.
type Entry struct {
	Msg     message.Message
	RefNr   string
	State   State
	COA     iec104.CommonAddr
	Type    iec104.TypeID
	IOAs    []iec104.InfoObjAddr
	Created time.Time
}

// CollisionError reports an insertion against a target that already has an
// active entry. Ref names the colliding entry so the caller can queue behind
// it or report it.
type CollisionError struct {
	Ref string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("cache: target busy with %q", e.Ref)
}

// ErrNotFound is returned for transitions against a missing entry. Receiving
// it for an inbound confirmation means the RTU answered something the hub
// never asked, or answered after a disconnect cleanup.
var ErrNotFound = errors.New("cache: no matching entry")

// ErrNotAcked guards interrogation accumulation: data points are accepted
// only after the interrogation's activation was confirmed.
var ErrNotAcked = errors.New("cache: interrogation not in RECEIVED_ACK")

var activeEntries = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "mtu_cache_active_entries",
		Help: "Number of non-terminal cache entries per sub-store",
	},
	[]string{"store"},
)

// Cache is the hub's correlation store.
type Cache struct {
	points   PointStore
	params   PointStore
	globals  GlobalStore
	interros InterroStore
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	c.points.init("datapoint")
	c.params.init("parameter")
	c.globals.init()
	c.interros.init()
	return c
}

// Points accesses the per-data-point sub-store.
func (c *Cache) Points() *PointStore { return &c.points }

// Params accesses the per-parameter sub-store. Parameter activations overlap
// with reads on the same address, hence the separate store.
func (c *Cache) Params() *PointStore { return &c.params }

// Globals accesses the per-global sub-store.
func (c *Cache) Globals() *GlobalStore { return &c.globals }

// Interros accesses the per-interrogation sub-store.
func (c *Cache) Interros() *InterroStore { return &c.interros }

// CleanForRTU removes every non-terminal entry bound to the station and
// returns the abandoned reference numbers, deduplicated, in discovery order.
// Used on disconnection to build the cancellation broadcast.
func (c *Cache) CleanForRTU(coa iec104.CommonAddr) []string {
	var refs []string
	seen := map[string]bool{}
	add := func(r string) {
		if r != "" && !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}
	for _, r := range c.points.cleanForRTU(coa) {
		add(r)
	}
	for _, r := range c.params.cleanForRTU(coa) {
		add(r)
	}
	for _, r := range c.globals.cleanForRTU(coa) {
		add(r)
	}
	for _, r := range c.interros.cleanForRTU(coa) {
		add(r)
	}
	return refs
}

// ActiveRefs snapshots every active reference grouped by station.
func (c *Cache) ActiveRefs() map[iec104.CommonAddr][]string {
	out := map[iec104.CommonAddr][]string{}
	c.points.collectRefs(out)
	c.params.collectRefs(out)
	c.globals.collectRefs(out)
	c.interros.collectRefs(out)
	return out
}

// PointStore is keyed by (COA, IOA) and enforces at most one active entry per
// target. A confirmed entry parks in archived until termination.
type PointStore struct {
	mu       sync.Mutex
	name     string
	active   map[iec104.PointID]*Entry
	archived map[iec104.PointID]*Entry
}

func (s *PointStore) init(name string) {
	s.name = name
	s.active = make(map[iec104.PointID]*Entry)
	s.archived = make(map[iec104.PointID]*Entry)
}

// LookupActive returns the active entry's reference and state for a target.
func (s *PointStore) LookupActive(pid iec104.PointID) (string, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.active[pid]; ok {
		return e.RefNr, e.State, true
	}
	return "", 0, false
}

// InsertActive registers a new in-flight entry. A second insertion against
// the same target fails with CollisionError.
func (s *PointStore) InsertActive(pid iec104.PointID, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.active[pid]; ok {
		return &CollisionError{Ref: cur.RefNr}
	}
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	s.active[pid] = e
	activeEntries.WithLabelValues(s.name).Inc()
	return nil
}

// Transition updates the active entry's state in place.
func (s *PointStore) Transition(pid iec104.PointID, st State) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[pid]
	if !ok {
		return nil, ErrNotFound
	}
	e.State = st
	return e, nil
}

// PopActive removes and returns the active entry.
func (s *PointStore) PopActive(pid iec104.PointID) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[pid]
	if !ok {
		return nil, false
	}
	delete(s.active, pid)
	activeEntries.WithLabelValues(s.name).Dec()
	return e, true
}

// MarkConfirmed archives the active entry in RECEIVED_ACK, freeing the
// target for queued commands while the termination is still outstanding.
func (s *PointStore) MarkConfirmed(pid iec104.PointID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[pid]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.active, pid)
	e.State = ReceivedAck
	s.archived[pid] = e
	return e, nil
}

// MarkTerminated removes the archived entry outright. A termination with no
// preceding confirmation falls back to the active entry.
func (s *PointStore) MarkTerminated(pid iec104.PointID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.archived[pid]; ok {
		delete(s.archived, pid)
		activeEntries.WithLabelValues(s.name).Dec()
		e.State = ReceivedTerm
		return e, nil
	}
	if e, ok := s.active[pid]; ok {
		delete(s.active, pid)
		activeEntries.WithLabelValues(s.name).Dec()
		e.State = ReceivedTerm
		return e, nil
	}
	return nil, ErrNotFound
}

// MarkNegAck removes the active entry as negatively confirmed.
func (s *PointStore) MarkNegAck(pid iec104.PointID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[pid]
	if !ok {
		if e, ok = s.archived[pid]; !ok {
			return nil, ErrNotFound
		}
		delete(s.archived, pid)
	} else {
		delete(s.active, pid)
	}
	activeEntries.WithLabelValues(s.name).Dec()
	e.State = ReceivedNegAck
	return e, nil
}

func (s *PointStore) cleanForRTU(coa iec104.CommonAddr) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []string
	for pid, e := range s.active {
		if pid.COA == coa {
			refs = append(refs, e.RefNr)
			delete(s.active, pid)
			activeEntries.WithLabelValues(s.name).Dec()
		}
	}
	for pid, e := range s.archived {
		if pid.COA == coa {
			refs = append(refs, e.RefNr)
			delete(s.archived, pid)
			activeEntries.WithLabelValues(s.name).Dec()
		}
	}
	return refs
}

func (s *PointStore) collectRefs(out map[iec104.CommonAddr][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, e := range s.active {
		out[pid.COA] = append(out[pid.COA], e.RefNr)
	}
	for pid, e := range s.archived {
		out[pid.COA] = append(out[pid.COA], e.RefNr)
	}
}
