package translator

import (
	"fmt"

	"github.com/gridfabric/telehub/hub/cache"
	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
)

// Inbound handles the codec's on-receive callback for a whole APDU. It runs
// the cache transitions the frame implies and returns the confirmations to
// broadcast. Per-point monitor data is produced by InboundDataPoint, which
// the codec calls afterwards for each information object.
func (t *Translator) Inbound(apdu iec104.APDU, rtu iec104.CommonAddr) (*Result, error) {
	if apdu.Frame != iec104.FrameI {
		res := &Result{}
		if m := t.flowFrame(apdu, rtu); m != nil {
			res.Publish = append(res.Publish, m)
		}
		return res, nil
	}
	if !apdu.Type.Supported() {
		return t.unsupported("inbound type %s from %d", apdu.Type, rtu)
	}
	if apdu.COA == iec104.GlobalCOA {
		// RTUs never answer on the broadcast address.
		return t.invalid("inbound APDU from %d carries GlobalCOA", rtu)
	}
	if apdu.Type.SingleIOA() && len(apdu.IOAs) != 1 {
		return t.invalid("inbound %s from %d carries %d information objects", apdu.Type, rtu, len(apdu.IOAs))
	}

	switch {
	case apdu.Type.Monitor():
		return t.inboundMonitor(apdu)
	case apdu.Type.Control():
		return t.inboundConfirm(t.cache.Points(), apdu)
	case apdu.Type.Parameter():
		return t.inboundConfirm(t.cache.Params(), apdu)
	case apdu.Type.SysInfoControl():
		return t.inboundSysInfo(apdu)
	case apdu.Type.SysInfoMonitor():
		m := &message.SysInfoMonitor{
			COA:      apdu.COA,
			Type:     apdu.Type,
			Cause:    apdu.COT.Cause,
			Positive: !apdu.COT.IsNegative,
		}
		m.RefNr = t.refs.Next()
		return &Result{Publish: []message.Message{m}}, nil
	}
	return t.unsupported("inbound %s from %d has no translation", apdu.Type, rtu)
}

// inboundMonitor validates monitor-direction ASDUs. The per-point payload is
// handled in InboundDataPoint; here only the causes that gate acceptance are
// checked.
func (t *Translator) inboundMonitor(apdu iec104.APDU) (*Result, error) {
	cause := apdu.COT.Cause
	switch {
	case cause == iec104.CausePeriodic,
		cause == iec104.CauseSpontaneous,
		cause == iec104.CauseBackground,
		cause == iec104.CauseRequest,
		cause >= 11 && cause <= 12: // return information by remote/local command
		return &Result{}, nil
	case cause == iec104.CauseInterroStation || cause.InterrogatedByGroup():
		// Invariant: an interrogation must be confirmed before its
		// answers are accepted.
		if _, ok := t.cache.Interros().Ref(apdu.COA); !ok {
			return t.invalid("interrogation data from %d without running interrogation", apdu.COA)
		}
		return &Result{}, nil
	case cause.Unknown():
		return t.unsupported("monitor data from %d with error cause %s", apdu.COA, cause)
	}
	if t.policy.IgnoreUnknownCOTDataPoints {
		t.log.Debugf("dropping monitor ASDU from %d: cause %s", apdu.COA, cause)
		return &Result{}, nil
	}
	return t.invalid("monitor data from %d with cause %s", apdu.COA, cause)
}

// inboundConfirm handles echoes of control and parameter commands:
// ACT_CON/ACT_TERM and their deactivation counterparts.
func (t *Translator) inboundConfirm(store *cache.PointStore, apdu iec104.APDU) (*Result, error) {
	res := &Result{}
	for _, ioa := range apdu.IOAs {
		pid := iec104.PointID{COA: apdu.COA, IOA: ioa}
		switch apdu.COT.Cause {
		case iec104.CauseActivationCon, iec104.CauseDeactivationCon:
			if apdu.COT.IsNegative {
				e, err := store.MarkNegAck(pid)
				if err != nil {
					t.logOrphan(apdu, pid, err)
					continue
				}
				res.Released = append(res.Released, pid)
				res.Publish = append(res.Publish,
					(&Confirm{Status: message.StatusFail, Reason: message.FailNegative}).build(e.RefNr))
				continue
			}
			e, err := store.MarkConfirmed(pid)
			if err != nil {
				t.logOrphan(apdu, pid, err)
				continue
			}
			res.Released = append(res.Released, pid)
			if t.policy.Acks {
				res.Publish = append(res.Publish,
					(&Confirm{Status: message.StatusPositiveConfirm}).build(e.RefNr))
			}
		case iec104.CauseActivationTerm:
			e, err := store.MarkTerminated(pid)
			if err != nil {
				t.logOrphan(apdu, pid, err)
				continue
			}
			res.Released = append(res.Released, pid)
			res.Publish = append(res.Publish,
				(&Confirm{Status: message.StatusSuccessfulTerm}).build(e.RefNr))
		case iec104.CauseUnknownTypeID, iec104.CauseUnknownCOT,
			iec104.CauseUnknownCA, iec104.CauseUnknownIOA:
			e, err := store.MarkNegAck(pid)
			if err != nil {
				t.logOrphan(apdu, pid, err)
				continue
			}
			res.Released = append(res.Released, pid)
			res.Publish = append(res.Publish,
				(&Confirm{Status: message.StatusFail, Reason: failReasonFor(apdu.COT.Cause)}).build(e.RefNr))
		default:
			return t.invalid("confirmation %s from %d with cause %s", apdu.Type, apdu.COA, apdu.COT.Cause)
		}
	}
	return res, nil
}

func failReasonFor(c iec104.Cause) message.FailReason {
	switch c {
	case iec104.CauseUnknownTypeID:
		return message.FailTypeUnsupported
	case iec104.CauseUnknownCA:
		return message.FailCOA
	case iec104.CauseUnknownIOA:
		return message.FailIOA
	}
	return message.FailRTUSide
}

// inboundSysInfo handles confirmations of system commands: interrogation,
// counter interrogation, clock sync and reset process.
func (t *Translator) inboundSysInfo(apdu iec104.APDU) (*Result, error) {
	gs := t.cache.Globals()
	res := &Result{}
	cause := apdu.COT.Cause

	switch cause {
	case iec104.CauseActivationCon:
		if apdu.COT.IsNegative {
			e, err := gs.NegAck(apdu.COA, apdu.Type)
			if err != nil {
				return t.orphanSysInfo(apdu, err)
			}
			if apdu.Type == iec104.CIcNa1 {
				t.cache.Interros().Pop(apdu.COA)
			}
			res.Publish = append(res.Publish,
				(&Confirm{Status: message.StatusFail, Reason: message.FailNegative}).build(e.RefNr))
			return res, nil
		}
		// Clock sync may never terminate; treat the confirmation as the
		// end of the exchange unless the policy insists otherwise.
		if apdu.Type == iec104.CCsNa1 && !t.policy.StrictClockSyncTerm {
			e, _, err := gs.Terminate(apdu.COA, apdu.Type)
			if err != nil {
				return t.orphanSysInfo(apdu, err)
			}
			if t.policy.Acks && (t.policy.IndependentClockSync || !t.refs.IsHub(e.RefNr)) {
				res.Publish = append(res.Publish,
					(&Confirm{Status: message.StatusPositiveConfirm}).build(e.RefNr))
			}
			return res, nil
		}
		e, err := gs.Confirm(apdu.COA, apdu.Type)
		if err != nil {
			return t.orphanSysInfo(apdu, err)
		}
		if apdu.Type == iec104.CIcNa1 {
			if _, err := t.cache.Interros().Confirm(apdu.COA); err != nil {
				t.log.Warnf("interrogation confirm for %d without entry: %v", apdu.COA, err)
			}
		}
		if t.policy.Acks {
			res.Publish = append(res.Publish,
				(&Confirm{Status: message.StatusPositiveConfirm}).build(e.RefNr))
		}
		return res, nil

	case iec104.CauseActivationTerm:
		e, groupDone, err := gs.Terminate(apdu.COA, apdu.Type)
		if err != nil {
			if apdu.Type == iec104.CCsNa1 && !t.policy.StrictClockSyncTerm {
				// Already closed out at ACT_CON.
				return res, nil
			}
			return t.orphanSysInfo(apdu, err)
		}
		if apdu.Type == iec104.CIcNa1 {
			t.cache.Interros().Pop(apdu.COA)
		}
		res.Publish = append(res.Publish,
			(&Confirm{Status: message.StatusSuccessfulTerm}).build(e.RefNr))
		if groupDone {
			t.log.Infof("broadcast %s completed with %s", apdu.Type, e.RefNr)
		}
		return res, nil

	case iec104.CauseDeactivationCon:
		e, err := gs.NegAck(apdu.COA, apdu.Type)
		if err != nil {
			return t.orphanSysInfo(apdu, err)
		}
		if apdu.Type == iec104.CIcNa1 {
			t.cache.Interros().Pop(apdu.COA)
		}
		if t.policy.Acks {
			res.Publish = append(res.Publish,
				(&Confirm{Status: message.StatusFinalRespRcvd}).build(e.RefNr))
		}
		return res, nil

	case iec104.CauseUnknownTypeID, iec104.CauseUnknownCOT,
		iec104.CauseUnknownCA, iec104.CauseUnknownIOA:
		e, err := gs.NegAck(apdu.COA, apdu.Type)
		if err != nil {
			return t.orphanSysInfo(apdu, err)
		}
		if apdu.Type == iec104.CIcNa1 {
			t.cache.Interros().Pop(apdu.COA)
		}
		res.Publish = append(res.Publish,
			(&Confirm{Status: message.StatusFail, Reason: failReasonFor(cause)}).build(e.RefNr))
		return res, nil
	}
	return t.invalid("sys-info %s from %d with cause %s", apdu.Type, apdu.COA, cause)
}

// InboundDataPoint handles the per-IOA callback. The ASDU was already vetted
// by Inbound; here the point is routed to the interrogation accumulator, a
// pending read, the periodic aggregator or straight to publication.
func (t *Translator) InboundDataPoint(p iec104.DataPoint, hdr iec104.ASDUHeader) (*PointResult, error) {
	if !t.policy.IgnoreQuality && !p.Quality.Good() {
		t.log.Debugf("suppressing %d/%d: quality 0x%02x", p.COA, p.IOA, uint8(p.Quality))
		return &PointResult{}, nil
	}

	cause := hdr.COT.Cause
	switch {
	case cause == iec104.CausePeriodic:
		if t.policy.CombinePeriodicIOs {
			return &PointResult{Periodic: true}, nil
		}
		m := &message.PeriodicUpdate{
			COA:    p.COA,
			Type:   p.Type,
			ValMap: message.ValMap{p.IOA: p.Value},
		}
		stampTs(m.Hdr(), &m.TsMap, p)
		m.RefNr = t.refs.Next()
		return &PointResult{Publish: m}, nil

	case cause == iec104.CauseInterroStation || cause.InterrogatedByGroup():
		ref, err := t.cache.Interros().AddValue(p.COA, p.IOA, p.Value)
		if err != nil {
			pr, err2 := t.dropOrRaise(err, "interrogation point %d/%d", p.COA, p.IOA)
			return pr, err2
		}
		m := t.monitorMsg(p, cause)
		m.RefNr = ref
		return &PointResult{Publish: m}, nil

	case cause == iec104.CauseRequest:
		// Reply to an explicit read.
		pid := iec104.PointID{COA: p.COA, IOA: p.IOA}
		if e, ok := t.cache.Points().PopActive(pid); ok {
			m := t.monitorMsg(p, cause)
			m.RefNr = e.RefNr
			return &PointResult{Publish: m, Released: &pid}, nil
		}
		// Unsolicited requested value: publish like a spontaneous one.
		m := t.monitorMsg(p, cause)
		m.RefNr = t.refs.Next()
		return &PointResult{Publish: m}, nil

	case cause == iec104.CauseSpontaneous, cause == iec104.CauseBackground,
		cause >= 11 && cause <= 12:
		m := t.monitorMsg(p, cause)
		m.RefNr = t.refs.Next()
		return &PointResult{Publish: m}, nil
	}

	if t.policy.IgnoreUnknownCOTDataPoints {
		t.log.Debugf("dropping point %d/%d: cause %s", p.COA, p.IOA, cause)
		return &PointResult{}, nil
	}
	return nil, fmt.Errorf("%w: point %d/%d with cause %s", ErrInvalid, p.COA, p.IOA, cause)
}

func (t *Translator) monitorMsg(p iec104.DataPoint, cause iec104.Cause) *message.ProcessInfoMonitor {
	m := &message.ProcessInfoMonitor{
		COA:    p.COA,
		Type:   p.Type,
		Cause:  cause,
		ValMap: message.ValMap{p.IOA: p.Value},
	}
	if !p.Ts.IsZero() {
		m.TsMap = message.TsMap{p.IOA: p.Ts.UnixMilli()}
	}
	return m
}

func stampTs(_ *message.Header, ts *message.TsMap, p iec104.DataPoint) {
	if p.Ts.IsZero() {
		return
	}
	if *ts == nil {
		*ts = message.TsMap{}
	}
	(*ts)[p.IOA] = p.Ts.UnixMilli()
}

// flowFrame reports an S or U frame when the policy exposes them.
func (t *Translator) flowFrame(apdu iec104.APDU, rtu iec104.CommonAddr) message.Message {
	if apdu.Frame == iec104.FrameS && !t.policy.SFrames {
		return nil
	}
	if apdu.Frame == iec104.FrameU && !t.policy.UFrames {
		return nil
	}
	m := &message.FlowControlFrame{COA: rtu, Frame: apdu.Frame.String()}
	m.RefNr = t.refs.Next()
	return m
}

func (t *Translator) logOrphan(apdu iec104.APDU, pid iec104.PointID, err error) {
	t.log.Warnf("%s %s for %s matches no entry: %v", apdu.Type, apdu.COT, pid, err)
}

func (t *Translator) orphanSysInfo(apdu iec104.APDU, err error) (*Result, error) {
	t.log.Warnf("%s %s from %d matches no entry: %v", apdu.Type, apdu.COT, apdu.COA, err)
	return &Result{}, nil
}

func (t *Translator) unsupported(format string, args ...interface{}) (*Result, error) {
	if t.policy.RaiseUnsupported {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
	}
	t.log.Warnf("dropping unsupported: "+format, args...)
	return &Result{}, nil
}

func (t *Translator) invalid(format string, args ...interface{}) (*Result, error) {
	if t.policy.RaiseInvalid {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	t.log.Warnf("dropping invalid: "+format, args...)
	return &Result{}, nil
}

func (t *Translator) dropOrRaise(cause error, format string, args ...interface{}) (*PointResult, error) {
	if t.policy.RaiseInvalid {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, fmt.Sprintf(format, args...), cause)
	}
	t.log.Warnf("dropping: "+format+": %v", append(args, cause)...)
	return &PointResult{}, nil
}
