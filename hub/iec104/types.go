// Package iec104 holds the narrow boundary types shared between the hub core
// and the IEC 60870-5-104 codec. The codec's own frame types never cross this
// boundary; the adapter converts at the edge.
package iec104

import (
	"fmt"
	"time"
)

// TypeID is the ASDU type identification.
// See companion standard 101, subclass 7.2.1.
type TypeID uint8

// The subset of the standard type catalog the hub drives. Monitoring types
// flow upstream only; control, system and parameter types are sent by the hub.
const (
	MSpNa1 TypeID = 1  // single-point information
	MDpNa1 TypeID = 3  // double-point information
	MStNa1 TypeID = 5  // step position information
	MBoNa1 TypeID = 7  // bitstring of 32 bit
	MMeNa1 TypeID = 9  // measured value, normalized
	MMeNb1 TypeID = 11 // measured value, scaled
	MMeNc1 TypeID = 13 // measured value, short float
	MItNa1 TypeID = 15 // integrated totals
	MSpTb1 TypeID = 30 // single-point with CP56Time2a
	MDpTb1 TypeID = 31 // double-point with CP56Time2a
	MMeTf1 TypeID = 36 // short float with CP56Time2a

	CScNa1 TypeID = 45 // single command
	CDcNa1 TypeID = 46 // double command
	CRcNa1 TypeID = 47 // regulating step command
	CSeNa1 TypeID = 48 // set-point, normalized
	CSeNb1 TypeID = 49 // set-point, scaled
	CSeNc1 TypeID = 50 // set-point, short float
	CBoNa1 TypeID = 51 // bitstring command

	MEiNa1 TypeID = 70 // end of initialization

	CIcNa1 TypeID = 100 // interrogation command
	CCiNa1 TypeID = 101 // counter interrogation command
	CRdNa1 TypeID = 102 // read command
	CCsNa1 TypeID = 103 // clock synchronization command
	CRpNa1 TypeID = 105 // reset process command

	PMeNa1 TypeID = 110 // parameter, normalized
	PMeNb1 TypeID = 111 // parameter, scaled
	PMeNc1 TypeID = 112 // parameter, short float
	PAcNa1 TypeID = 113 // parameter activation
)

var typeNames = map[TypeID]string{
	MSpNa1: "M_SP_NA_1", MDpNa1: "M_DP_NA_1", MStNa1: "M_ST_NA_1",
	MBoNa1: "M_BO_NA_1", MMeNa1: "M_ME_NA_1", MMeNb1: "M_ME_NB_1",
	MMeNc1: "M_ME_NC_1", MItNa1: "M_IT_NA_1", MSpTb1: "M_SP_TB_1",
	MDpTb1: "M_DP_TB_1", MMeTf1: "M_ME_TF_1",
	CScNa1: "C_SC_NA_1", CDcNa1: "C_DC_NA_1", CRcNa1: "C_RC_NA_1",
	CSeNa1: "C_SE_NA_1", CSeNb1: "C_SE_NB_1", CSeNc1: "C_SE_NC_1",
	CBoNa1: "C_BO_NA_1", MEiNa1: "M_EI_NA_1",
	CIcNa1: "C_IC_NA_1", CCiNa1: "C_CI_NA_1", CRdNa1: "C_RD_NA_1",
	CCsNa1: "C_CS_NA_1", CRpNa1: "C_RP_NA_1",
	PMeNa1: "P_ME_NA_1", PMeNb1: "P_ME_NB_1", PMeNc1: "P_ME_NC_1",
	PAcNa1: "P_AC_NA_1",
}

func (t TypeID) String() string {
	if s, ok := typeNames[t]; ok {
		return "TID<" + s + ">"
	}
	return fmt.Sprintf("TID<%d>", uint8(t))
}

// Supported reports whether the hub knows the type at all.
func (t TypeID) Supported() bool {
	_, ok := typeNames[t]
	return ok
}

// Monitor reports a type carrying process information in the monitor direction.
func (t TypeID) Monitor() bool { return t >= 1 && t <= 40 }

// Control reports a type carrying process information in the control direction.
func (t TypeID) Control() bool { return t >= 45 && t <= 69 }

// SysInfoControl reports a system command in the control direction.
func (t TypeID) SysInfoControl() bool { return t >= 100 && t <= 107 }

// SysInfoMonitor reports system information in the monitor direction.
func (t TypeID) SysInfoMonitor() bool { return t == MEiNa1 }

// Parameter reports a parameter type in the control direction.
func (t TypeID) Parameter() bool { return t >= 110 && t <= 113 }

// GlobalCompatible reports whether the type may be addressed to GlobalCOA.
// Use is restricted to interrogation, counter interrogation, clock sync and
// reset process, matching the standard's broadcast rules.
func (t TypeID) GlobalCompatible() bool {
	switch t {
	case CIcNa1, CCiNa1, CCsNa1, CRpNa1:
		return true
	}
	return false
}

// SingleIOA reports whether ASDUs of this type carry exactly one information
// object.
func (t TypeID) SingleIOA() bool {
	return t.Control() || t.SysInfoControl() || t.Parameter()
}

// Cause is the cause of transmission, bit5-bit0.
// See companion standard 101, subclass 7.2.3.
type Cause uint8

const (
	CausePeriodic        Cause = 1
	CauseBackground      Cause = 2
	CauseSpontaneous     Cause = 3
	CauseInitialized     Cause = 4
	CauseRequest         Cause = 5
	CauseActivation      Cause = 6
	CauseActivationCon   Cause = 7
	CauseDeactivation    Cause = 8
	CauseDeactivationCon Cause = 9
	CauseActivationTerm  Cause = 10
	CauseInterroStation  Cause = 20
	CauseUnknownTypeID   Cause = 44
	CauseUnknownCOT      Cause = 45
	CauseUnknownCA       Cause = 46
	CauseUnknownIOA      Cause = 47
)

var causeNames = map[Cause]string{
	CausePeriodic:        "Periodic",
	CauseBackground:      "Background",
	CauseSpontaneous:     "Spontaneous",
	CauseInitialized:     "Initialized",
	CauseRequest:         "Request",
	CauseActivation:      "Activation",
	CauseActivationCon:   "ActivationCon",
	CauseDeactivation:    "Deactivation",
	CauseDeactivationCon: "DeactivationCon",
	CauseActivationTerm:  "ActivationTerm",
	CauseInterroStation:  "InterrogatedByStation",
	CauseUnknownTypeID:   "UnknownTypeID",
	CauseUnknownCOT:      "UnknownCOT",
	CauseUnknownCA:       "UnknownCA",
	CauseUnknownIOA:      "UnknownIOA",
}

func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Cause<%d>", uint8(c))
}

// Unknown reports the error causes an RTU raises for a malformed request.
func (c Cause) Unknown() bool {
	return c >= CauseUnknownTypeID && c <= CauseUnknownIOA
}

// InterrogatedByGroup reports a group interrogation response cause (21..36).
func (c Cause) InterrogatedByGroup() bool { return c >= 21 && c <= 36 }

// COT is the full cause-of-transmission octet: cause plus the test and
// positive/negative bits.
type COT struct {
	Cause      Cause
	IsNegative bool
	IsTest     bool
}

func (c COT) String() string {
	s := "COT<" + c.Cause.String()
	if c.IsNegative {
		s += ",neg"
	}
	if c.IsTest {
		s += ",test"
	}
	return s + ">"
}

// CommonAddr is a station (RTU) address.
type CommonAddr uint16

// GlobalCOA is the broadcast station address. Legal only for
// global-compatible types.
const GlobalCOA CommonAddr = 65535

// InfoObjAddr is a data-point address, unique within its station.
type InfoObjAddr uint32

// PointID is the global identity of a data point.
type PointID struct {
	COA CommonAddr
	IOA InfoObjAddr
}

func (p PointID) String() string {
	return fmt.Sprintf("%d/%d", p.COA, p.IOA)
}

// QualityDescriptor is the QDS octet of a monitor-direction object.
type QualityDescriptor uint8

const (
	// QDSGood means no remarks.
	QDSGood QualityDescriptor = 0
	// QDSInvalid is the IV bit.
	QDSInvalid QualityDescriptor = 0x80
)

// Good reports whether no quality remark is set.
func (q QualityDescriptor) Good() bool { return q == QDSGood }

// DataPoint is one information object as delivered by the codec, already
// converted out of the wire representation.
type DataPoint struct {
	COA     CommonAddr
	IOA     InfoObjAddr
	Type    TypeID
	Value   interface{}
	Quality QualityDescriptor
	// Ts is the device timestamp when the type carries one, else zero.
	Ts time.Time
	// RecvTs is stamped by the codec on arrival.
	RecvTs time.Time
}

// ASDUHeader describes the ASDU a DataPoint arrived in.
type ASDUHeader struct {
	Type TypeID
	COT  COT
	COA  CommonAddr
	// NumIx is the number of information objects in the ASDU.
	NumIx int
}
