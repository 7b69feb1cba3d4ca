package translator

import (
	"errors"

	"github.com/gridfabric/telehub/hub/cache"
	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
	log "github.com/sirupsen/logrus"
)

// Classified translator failures. ErrUnsupported covers type ids outside the
// catalog, ErrInvalid covers shape violations. The policy decides whether
// either aborts the receive path or is logged and dropped.
var (
	ErrUnsupported = errors.New("translator: unsupported")
	ErrInvalid     = errors.New("translator: invalid")
)

// RefSource hands out hub-unique reference numbers and recognizes
// hub-initiated ones.
type RefSource interface {
	Next() string
	IsHub(ref string) bool
}

// Result is what one inbound APDU produced.
type Result struct {
	// Publish lists messages for the broadcast channel, in order.
	Publish []message.Message
	// Released lists point targets freed by this APDU; the command server
	// drains queued commands for them.
	Released []iec104.PointID
}

// PointResult is what one inbound data point produced.
type PointResult struct {
	// Publish is the message for the broadcast channel, nil when the point
	// is suppressed or deferred.
	Publish message.Message
	// Periodic asks the caller to hand the point to the periodic
	// aggregator instead of publishing.
	Periodic bool
	// Released is the read target freed by this reply, if any.
	Released *iec104.PointID
}

// Translator is the stateful APDU/message mapping. It is safe for concurrent
// use: all shared state lives in the cache, which locks per sub-store.
type Translator struct {
	policy SubscriptionPolicy
	cache  *cache.Cache
	refs   RefSource
	log    *log.Entry
}

// New builds a translator after validating the policy.
func New(policy SubscriptionPolicy, c *cache.Cache, refs RefSource) (*Translator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Translator{
		policy: policy,
		cache:  c,
		refs:   refs,
		log:    log.WithField("component", "translator"),
	}, nil
}

// Policy returns the immutable policy the translator was built with.
func (t *Translator) Policy() SubscriptionPolicy { return t.policy }

// Outbound handles the codec's on-send callback: it binds the APDU to its
// queued cache entry (or creates one for hub-initiated traffic) and returns
// the message to broadcast, which may be nil.
func (t *Translator) Outbound(apdu iec104.APDU, rtu iec104.CommonAddr) (message.Message, error) {
	if apdu.Frame != iec104.FrameI {
		return t.flowFrame(apdu, rtu), nil
	}
	if !apdu.Type.Supported() {
		t.log.Warnf("dropping outbound %s: type not supported", apdu.Type)
		return nil, nil
	}
	if !controlCause(apdu.COT.Cause) {
		t.log.Warnf("dropping outbound %s %s: cause illegal in control direction", apdu.Type, apdu.COT)
		return nil, nil
	}

	switch {
	case apdu.Type.GlobalCompatible():
		return t.outboundGlobal(apdu, rtu)
	case apdu.Type.Parameter():
		return t.outboundPoint(t.cache.Params(), apdu)
	default:
		return t.outboundPoint(t.cache.Points(), apdu)
	}
}

func controlCause(c iec104.Cause) bool {
	switch c {
	case iec104.CauseActivation, iec104.CauseDeactivation, iec104.CauseRequest:
		return true
	}
	return false
}

func (t *Translator) outboundGlobal(apdu iec104.APDU, rtu iec104.CommonAddr) (message.Message, error) {
	gs := t.cache.Globals()
	if apdu.COA == iec104.GlobalCOA {
		// The codec fans the broadcast out itself; per-RTU sends arrive
		// here with the individual station address.
		if ref, _, ok := gs.LookupActive(iec104.GlobalCOA, apdu.Type); ok {
			return t.sendEcho(apdu, ref)
		}
	}
	if ref, ok := t.fanoutActivation(apdu, rtu); ok {
		return t.sendEcho(apdu, ref)
	}
	if ref, st, ok := gs.LookupActive(apdu.COA, apdu.Type); ok && st == cache.WaitingForSend {
		if e, err := gs.Transition(apdu.COA, apdu.Type, cache.SentNoAck); err == nil {
			t.decTries(e.Msg)
		}
		if apdu.Type == iec104.CIcNa1 {
			ie := entryFromAPDU(apdu, ref, cache.SentNoAck)
			if err := t.cache.Interros().Insert(apdu.COA, ie); err != nil {
				t.log.Debugf("interrogation already running for %d: %v", apdu.COA, err)
			}
		}
		return t.sendEcho(apdu, ref)
	}
	ref := t.refs.Next()
	e := entryFromAPDU(apdu, ref, cache.SentNoAck)
	if err := gs.Insert(apdu.COA, apdu.Type, e); err != nil {
		var coll *cache.CollisionError
		if errors.As(err, &coll) {
			// Clock syncs overlap legally; anything else colliding here
			// means the codec resent without the hub's knowledge.
			t.log.Warnf("outbound %s for %d collides with %s", apdu.Type, apdu.COA, coll.Ref)
			return t.sendEcho(apdu, coll.Ref)
		}
		return nil, err
	}
	if apdu.Type == iec104.CIcNa1 && apdu.COA != iec104.GlobalCOA {
		ie := entryFromAPDU(apdu, ref, cache.SentNoAck)
		if err := t.cache.Interros().Insert(apdu.COA, ie); err != nil {
			t.log.Debugf("interrogation already running for %d: %v", apdu.COA, err)
		}
	}
	return t.sendEcho(apdu, ref)
}

// fanoutActivation records the per-RTU leg of a GLOBAL_COA broadcast.
func (t *Translator) fanoutActivation(apdu iec104.APDU, rtu iec104.CommonAddr) (string, bool) {
	if apdu.COA == iec104.GlobalCOA || rtu == iec104.GlobalCOA {
		return "", false
	}
	if ref, released := t.cache.Globals().Activate(apdu.Type, rtu); ref != "" {
		if released {
			t.log.Debugf("fan-out of %s released queue entry %s", apdu.Type, ref)
		}
		if apdu.Type == iec104.CIcNa1 {
			ie := entryFromAPDU(apdu, ref, cache.SentNoAck)
			ie.COA = rtu
			if err := t.cache.Interros().Insert(rtu, ie); err != nil {
				t.log.Debugf("interrogation already running for %d: %v", rtu, err)
			}
		}
		return ref, true
	}
	return "", false
}

func (t *Translator) outboundPoint(store *cache.PointStore, apdu iec104.APDU) (message.Message, error) {
	if len(apdu.IOAs) == 0 {
		t.log.Warnf("dropping outbound %s: no information objects", apdu.Type)
		return nil, nil
	}
	var ref string
	for _, ioa := range apdu.IOAs {
		pid := iec104.PointID{COA: apdu.COA, IOA: ioa}
		if r, st, ok := store.LookupActive(pid); ok && st == cache.WaitingForSend {
			e, err := store.Transition(pid, cache.SentNoAck)
			if err == nil {
				t.decTries(e.Msg)
				ref = r
			}
			continue
		}
		if ref == "" {
			ref = t.refs.Next()
		}
		e := entryFromAPDU(apdu, ref, cache.SentNoAck)
		if err := store.InsertActive(pid, e); err != nil {
			var coll *cache.CollisionError
			if errors.As(err, &coll) {
				t.log.Warnf("outbound %s collides at %s with %s", apdu.Type, pid, coll.Ref)
				continue
			}
			return nil, err
		}
	}
	return t.sendEcho(apdu, ref)
}

// sendEcho builds the broadcastable record of an outbound APDU: hub-initiated
// traffic is published as the message itself, subscriber commands as a
// SUCCESSFUL_SEND confirmation carrying the original reference.
func (t *Translator) sendEcho(apdu iec104.APDU, ref string) (message.Message, error) {
	if ref == "" {
		ref = t.refs.Next()
	}
	if t.refs.IsHub(ref) {
		m, err := message.FromAPDU(apdu)
		if err != nil {
			return nil, err
		}
		m.Hdr().RefNr = ref
		return m, nil
	}
	c := &Confirm{Status: message.StatusSuccessfulSend}
	return c.build(ref), nil
}

// Confirm is a small builder for Confirmation messages.
type Confirm struct {
	Status message.Status
	Reason message.FailReason
}

func (c *Confirm) build(ref string) *message.Confirmation {
	m := &message.Confirmation{Status: c.Status, Reason: c.Reason}
	m.RefNr = ref
	return m
}

func (t *Translator) decTries(m message.Message) {
	if m == nil {
		return
	}
	if h := m.Hdr(); h.MaxTries > 0 {
		h.MaxTries--
	}
}

func entryFromAPDU(apdu iec104.APDU, ref string, st cache.State) *cache.Entry {
	m, err := message.FromAPDU(apdu)
	if err != nil {
		m = nil
	} else {
		m.Hdr().RefNr = ref
	}
	return &cache.Entry{
		Msg:   m,
		RefNr: ref,
		State: st,
		COA:   apdu.COA,
		Type:  apdu.Type,
		IOAs:  append([]iec104.InfoObjAddr(nil), apdu.IOAs...),
	}
}
