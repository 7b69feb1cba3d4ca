package message

import (
	"errors"
	"fmt"

	"github.com/gridfabric/telehub/hub/iec104"
)

// ErrUnsupportedType is returned when an APDU carries a type the hub does not
// translate.
var ErrUnsupportedType = errors.New("message: unsupported type id")

// FromAPDU builds the application message an I-format APDU maps to. The
// reference number is left empty; the caller binds it to the originating
// command or stamps a hub reference.
func FromAPDU(apdu iec104.APDU) (Message, error) {
	if !apdu.Type.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, apdu.Type)
	}

	t, cot := apdu.Type, apdu.COT
	switch {
	case t.Monitor() && cot.Cause == iec104.CausePeriodic:
		m := &PeriodicUpdate{COA: apdu.COA, Type: t, ValMap: valuesOf(apdu)}
		return m, nil
	case t.Monitor():
		m := &ProcessInfoMonitor{COA: apdu.COA, Type: t, Cause: cot.Cause, ValMap: valuesOf(apdu)}
		return m, nil
	case t == iec104.CRdNa1:
		m := &ReadDatapoint{COA: apdu.COA}
		if len(apdu.IOAs) > 0 {
			m.IOA = apdu.IOAs[0]
			if v, ok := apdu.Values[m.IOA]; ok {
				m.Value = v
			}
		}
		return m, nil
	case t.Control():
		m := &ProcessInfoControl{COA: apdu.COA, Type: t, ValMap: valuesOf(apdu)}
		return m, nil
	case t.SysInfoControl():
		return &SysInfoControl{COA: apdu.COA, Type: t, Cause: cot.Cause}, nil
	case t.SysInfoMonitor():
		return &SysInfoMonitor{COA: apdu.COA, Type: t, Cause: cot.Cause, Positive: !cot.IsNegative}, nil
	case t == iec104.PAcNa1:
		m := &ParameterActivate{COA: apdu.COA, Cause: cot.Cause}
		if len(apdu.IOAs) > 0 {
			m.IOA = apdu.IOAs[0]
		}
		return m, nil
	case t.Parameter():
		m := &ParameterLoad{COA: apdu.COA, Type: t}
		if len(apdu.IOAs) > 0 {
			m.IOA = apdu.IOAs[0]
			if v, ok := apdu.Values[m.IOA]; ok {
				m.Value = v
			}
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, apdu.Type)
}

func valuesOf(apdu iec104.APDU) ValMap {
	vm := make(ValMap, len(apdu.IOAs))
	for _, ioa := range apdu.IOAs {
		if v, ok := apdu.Values[ioa]; ok {
			vm[ioa] = v
		} else {
			vm[ioa] = nil
		}
	}
	return vm
}
