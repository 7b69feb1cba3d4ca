package iecp5

import (
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/marrasen/go-iecp5/asdu"
)

// stationHandler receives parsed ASDUs from one library client and converts
// them into the hub's callback contract: one OnReceiveAPDU per ASDU, then one
// OnReceiveDataPoint per monitor-direction information object.
type stationHandler struct {
	a  *Adapter
	st *station
}

func (h *stationHandler) Handle(c asdu.Connect, msg asdu.Message) error {
	ident := msg.Header().Identifier
	apdu := iec104.APDU{
		Frame: iec104.FrameI,
		Type:  iec104.TypeID(ident.Type),
		COT: iec104.COT{
			Cause:      iec104.Cause(ident.Coa.Cause),
			IsNegative: ident.Coa.IsNegative,
			IsTest:     ident.Coa.IsTest,
		},
		COA: iec104.CommonAddr(ident.CommonAddr),
	}

	recv := time.Now()
	var points []iec104.DataPoint
	add := func(ioa asdu.InfoObjAddr, value interface{}, qds asdu.QualityDescriptor, ts time.Time) {
		apdu.IOAs = append(apdu.IOAs, iec104.InfoObjAddr(ioa))
		points = append(points, iec104.DataPoint{
			COA:     apdu.COA,
			IOA:     iec104.InfoObjAddr(ioa),
			Type:    apdu.Type,
			Value:   value,
			Quality: iec104.QualityDescriptor(qds),
			Ts:      ts,
			RecvTs:  recv,
		})
	}

	switch m := msg.(type) {
	case *asdu.SinglePointMsg:
		for _, it := range m.Items {
			add(it.Ioa, it.Value, it.Qds, it.Time)
		}
	case *asdu.DoublePointMsg:
		for _, it := range m.Items {
			add(it.Ioa, int(it.Value), it.Qds, it.Time)
		}
	case *asdu.StepPositionMsg:
		for _, it := range m.Items {
			add(it.Ioa, it.Value.Val, it.Qds, it.Time)
		}
	case *asdu.BitString32Msg:
		for _, it := range m.Items {
			add(it.Ioa, it.Value, it.Qds, it.Time)
		}
	case *asdu.MeasuredValueNormalMsg:
		for _, it := range m.Items {
			add(it.Ioa, float64(it.Value), it.Qds, it.Time)
		}
	case *asdu.MeasuredValueScaledMsg:
		for _, it := range m.Items {
			add(it.Ioa, float64(it.Value), it.Qds, it.Time)
		}
	case *asdu.MeasuredValueFloatMsg:
		for _, it := range m.Items {
			add(it.Ioa, float64(it.Value), it.Qds, it.Time)
		}
	case *asdu.IntegratedTotalsMsg:
		for _, it := range m.Items {
			add(it.Ioa, it.Value, 0, it.Time)
		}
	case *asdu.SingleCommandMsg:
		// Command confirmation: address only, no monitor data point.
		apdu.IOAs = append(apdu.IOAs, iec104.InfoObjAddr(m.Cmd.Ioa))
	case *asdu.DoubleCommandMsg:
		apdu.IOAs = append(apdu.IOAs, iec104.InfoObjAddr(m.Cmd.Ioa))
	case *asdu.SetpointCommandFloatMsg:
		apdu.IOAs = append(apdu.IOAs, iec104.InfoObjAddr(m.Cmd.Ioa))
	default:
		// System confirmations (interrogation, clock sync, reset) and any
		// ASDU kind without a dedicated decoder are surfaced at header
		// granularity; the correlation layer keys them by (COA, type).
	}

	hdr := iec104.ASDUHeader{
		Type:  apdu.Type,
		COT:   apdu.COT,
		COA:   apdu.COA,
		NumIx: len(points),
	}

	if h.a.cbs.OnReceiveAPDU != nil {
		h.a.cbs.OnReceiveAPDU(apdu, h.st.coa)
	}
	if h.a.cbs.OnReceiveDataPoint == nil {
		return nil
	}
	for _, p := range points {
		prev := h.st.swapShadow(p)
		h.a.cbs.OnReceiveDataPoint(p, prev, hdr)
	}
	return nil
}

// swapShadow stores the new value and returns the previous one, if any.
func (st *station) swapShadow(p iec104.DataPoint) *iec104.DataPoint {
	st.mu.Lock()
	defer st.mu.Unlock()
	var prev *iec104.DataPoint
	if old, ok := st.shadow[p.IOA]; ok {
		cp := old
		prev = &cp
	}
	st.shadow[p.IOA] = p
	return prev
}
