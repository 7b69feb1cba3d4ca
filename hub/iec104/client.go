package iec104

import "context"

// FrameClass distinguishes the three IEC-104 frame formats. Only I-format
// frames carry ASDUs; S and U frames are flow control and are surfaced to the
// core only so the subscription policy can expose them.
type FrameClass int

const (
	FrameI FrameClass = iota
	FrameS
	FrameU
)

func (f FrameClass) String() string {
	switch f {
	case FrameI:
		return "I"
	case FrameS:
		return "S"
	case FrameU:
		return "U"
	}
	return "?"
}

// APDU is the boundary representation of a decoded frame. For S/U frames only
// Frame is meaningful. For I-format frames the ASDU identifier and the
// addresses of its information objects are carried; Values holds the
// control-direction command value per IOA where one applies.
type APDU struct {
	Frame  FrameClass
	Type   TypeID
	COT    COT
	COA    CommonAddr
	IOAs   []InfoObjAddr
	Values map[InfoObjAddr]interface{}
}

// Callbacks is the inbound half of the codec contract. The codec invokes
// OnReceiveAPDU for every decoded frame, then OnReceiveDataPoint once per
// information object of a relevant I-format ASDU. OnSendAPDU fires
// synchronously after every outbound frame. OnConnectionChange is
// edge-triggered.
type Callbacks struct {
	OnReceiveAPDU      func(apdu APDU, rtu CommonAddr)
	OnReceiveDataPoint func(p DataPoint, prev *DataPoint, hdr ASDUHeader)
	OnSendAPDU         func(apdu APDU, rtu CommonAddr)
	OnConnectionChange func(coa CommonAddr, connected bool, ip string, port int)
}

// Client is the outbound half of the codec contract. Implementations must
// deliver sends FIFO per RTU. All methods are safe for concurrent use.
type Client interface {
	// Send transmits a control-direction process command for a single point.
	Send(coa CommonAddr, ioa InfoObjAddr, value interface{}, typ TypeID, cot COT) error
	// SendSysInfo transmits a system command (interrogation, clock sync,
	// counter interrogation, reset process). A GlobalCOA fans out to every
	// connected RTU.
	SendSysInfo(typ TypeID, coa CommonAddr) error
	// SendParameterActivate transmits a parameter activation for a point.
	SendParameterActivate(coa CommonAddr, ioa InfoObjAddr, cot COT) error
	// UpdateDataPoint refreshes the codec's shadow value for a point without
	// touching the wire.
	UpdateDataPoint(coa CommonAddr, ioa InfoObjAddr, value interface{}) error
	// AddServer registers an RTU endpoint and begins connection management.
	AddServer(ip string, coa CommonAddr, port int) error
	// Connected reports link state for an RTU.
	Connected(coa CommonAddr) bool

	Start(ctx context.Context) error
	Stop() error
}
