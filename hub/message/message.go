// Package message defines the application messages exchanged between the hub
// and its subscribers, and their wire codec. Every message is a JSON object
// keyed by an integer id so decoders can dispatch without reflection over the
// whole catalog.
package message

import (
	"fmt"

	"github.com/gridfabric/telehub/hub/iec104"
)

// ID tags each message category on the wire.
type ID int

const (
	IDProcessInfoMonitor ID = iota + 1
	IDProcessInfoControl
	IDReadDatapoint
	IDSysInfoControl
	IDSysInfoMonitor
	IDParameterActivate
	IDParameterLoad
	IDPeriodicUpdate
	IDConfirmation
	IDTotalInterroReq
	IDTotalInterroReply
	IDRTUStatusReq
	IDRTUStatusReply
	IDMtuCacheReq
	IDMtuCacheReply
	IDConnectionStatusChange
	IDDisconnectCancel
	IDSubscriptionInit
	IDSubscriptionInitReply
	IDUnknownMessage
	IDFlowControlFrame
)

var idNames = map[ID]string{
	IDProcessInfoMonitor:     "ProcessInfoMonitor",
	IDProcessInfoControl:     "ProcessInfoControl",
	IDReadDatapoint:          "ReadDatapoint",
	IDSysInfoControl:         "SysInfoControl",
	IDSysInfoMonitor:         "SysInfoMonitor",
	IDParameterActivate:      "ParameterActivate",
	IDParameterLoad:          "ParameterLoad",
	IDPeriodicUpdate:         "PeriodicUpdate",
	IDConfirmation:           "Confirmation",
	IDTotalInterroReq:        "TotalInterroReq",
	IDTotalInterroReply:      "TotalInterroReply",
	IDRTUStatusReq:           "RTUStatusReq",
	IDRTUStatusReply:         "RTUStatusReply",
	IDMtuCacheReq:            "MtuCacheReq",
	IDMtuCacheReply:          "MtuCacheReply",
	IDConnectionStatusChange: "ConnectionStatusChange",
	IDDisconnectCancel:       "DisconnectCancelMsgsChange",
	IDSubscriptionInit:       "SubscriptionInitMsg",
	IDSubscriptionInitReply:  "SubscriptionInitReply",
	IDUnknownMessage:         "UnknownMessage",
	IDFlowControlFrame:       "FlowControlFrame",
}

func (id ID) String() string {
	if s, ok := idNames[id]; ok {
		return s
	}
	return fmt.Sprintf("ID<%d>", int(id))
}

// Direction classifies where a message flows.
type Direction int

const (
	// DirMonitor flows hub -> subscribers (process data going upstream).
	DirMonitor Direction = iota
	// DirControl flows subscriber -> hub -> RTU.
	DirControl
	// DirAppReply is hub bookkeeping addressed at subscribers (replies,
	// status changes, snapshots).
	DirAppReply
)

// Direction derives the flow of a message category from its id.
func (id ID) Direction() Direction {
	switch id {
	case IDProcessInfoMonitor, IDSysInfoMonitor, IDParameterLoad,
		IDPeriodicUpdate, IDFlowControlFrame:
		return DirMonitor
	case IDProcessInfoControl, IDReadDatapoint, IDSysInfoControl,
		IDParameterActivate, IDSubscriptionInit, IDTotalInterroReq,
		IDRTUStatusReq, IDMtuCacheReq:
		return DirControl
	}
	return DirAppReply
}

// Status is the user-visible command outcome.
type Status string

const (
	StatusWaitingForSend  Status = "WAITING_FOR_SEND"
	StatusSuccessfulSend  Status = "SUCCESSFUL_SEND"
	StatusSuccessfulTerm  Status = "SUCCESSFUL_TERM"
	StatusPositiveConfirm Status = "POSITIVE_CONFIRMATION"
	StatusFail            Status = "FAIL"
	StatusQueued          Status = "QUEUED"
	StatusClientQueued    Status = "CLIENT_QUEUED"
	StatusFinalRespRcvd   Status = "FINAL_RESP_RCVD"
)

// Terminal reports whether no further reply for the command will follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccessfulTerm, StatusFail, StatusFinalRespRcvd:
		return true
	}
	return false
}

// FailReason qualifies a Status of FAIL.
type FailReason string

const (
	FailNegative        FailReason = "NEGATIVE"
	FailNetwork         FailReason = "NETWORK"
	FailCOA             FailReason = "COA"
	FailIOA             FailReason = "IOA"
	FailCollision       FailReason = "COLLISION"
	FailRTUSide         FailReason = "RTU_SIDE"
	FailTypeUnsupported FailReason = "TYPE_UNSUPPORTED"
)

// Header is the common prefix of every message.
type Header struct {
	RefNr    string `json:"reference_nr"`
	MaxTries int    `json:"max_tries"`
}

// Message is the sum type over all categories. Concrete types are plain
// structs; dispatch goes through ID().
type Message interface {
	ID() ID
	// Ref returns the reference number binding replies to requests.
	Ref() string
	// Hdr exposes the mutable common header.
	Hdr() *Header
}

func (h *Header) Ref() string  { return h.RefNr }
func (h *Header) Hdr() *Header { return h }

// ValMap carries per-point values. InfoObjAddr is an integer type, so
// encoding/json transports the keys as strings and restores them as integers.
type ValMap map[iec104.InfoObjAddr]interface{}

// TsMap carries per-point device timestamps as Unix milliseconds.
type TsMap map[iec104.InfoObjAddr]int64

// ProcessInfoMonitor reports monitor-direction process data: spontaneous
// updates, interrogation answers and read replies.
type ProcessInfoMonitor struct {
	Header
	COA    iec104.CommonAddr `json:"coa"`
	Type   iec104.TypeID     `json:"type_id"`
	Cause  iec104.Cause      `json:"cot"`
	ValMap ValMap            `json:"val_map"`
	TsMap  TsMap             `json:"ts_map,omitempty"`
}

func (*ProcessInfoMonitor) ID() ID { return IDProcessInfoMonitor }

// ProcessInfoControl is a subscriber command against one or more points of a
// single RTU.
type ProcessInfoControl struct {
	Header
	COA              iec104.CommonAddr `json:"coa"`
	Type             iec104.TypeID     `json:"type_id"`
	ValMap           ValMap            `json:"val_map"`
	QueueOnCollision bool              `json:"queue_on_collision,omitempty"`
}

func (*ProcessInfoControl) ID() ID { return IDProcessInfoControl }

// ReadDatapoint requests the current value of a single point; the reply form
// carries Value.
type ReadDatapoint struct {
	Header
	COA   iec104.CommonAddr  `json:"coa"`
	IOA   iec104.InfoObjAddr `json:"ioa"`
	Value interface{}        `json:"value,omitempty"`
}

func (*ReadDatapoint) ID() ID { return IDReadDatapoint }

// SysInfoControl is a system command: general interrogation, clock sync,
// counter interrogation or reset process.
type SysInfoControl struct {
	Header
	COA   iec104.CommonAddr `json:"coa"`
	Type  iec104.TypeID     `json:"type_id"`
	Cause iec104.Cause      `json:"cot"`
}

func (*SysInfoControl) ID() ID { return IDSysInfoControl }

// SysInfoMonitor reports monitor-direction system information, e.g. end of
// initialization, or an unrequested clock sync under the
// independent_clock_sync policy.
type SysInfoMonitor struct {
	Header
	COA      iec104.CommonAddr `json:"coa"`
	Type     iec104.TypeID     `json:"type_id"`
	Cause    iec104.Cause      `json:"cot"`
	Positive bool              `json:"positive"`
}

func (*SysInfoMonitor) ID() ID { return IDSysInfoMonitor }

// ParameterActivate activates a previously loaded parameter on a point.
type ParameterActivate struct {
	Header
	COA   iec104.CommonAddr  `json:"coa"`
	IOA   iec104.InfoObjAddr `json:"ioa"`
	Cause iec104.Cause       `json:"cot"`
}

func (*ParameterActivate) ID() ID { return IDParameterActivate }

// ParameterLoad transports a parameter value towards a point.
type ParameterLoad struct {
	Header
	COA   iec104.CommonAddr  `json:"coa"`
	IOA   iec104.InfoObjAddr `json:"ioa"`
	Type  iec104.TypeID      `json:"type_id"`
	Value interface{}        `json:"value"`
}

func (*ParameterLoad) ID() ID { return IDParameterLoad }

// PeriodicUpdate aggregates cyclic measurements of one (COA, type) pair that
// arrived within one batching window.
type PeriodicUpdate struct {
	Header
	COA    iec104.CommonAddr `json:"coa"`
	Type   iec104.TypeID     `json:"type_id"`
	ValMap ValMap            `json:"val_map"`
	TsMap  TsMap             `json:"ts_map,omitempty"`
}

func (*PeriodicUpdate) ID() ID { return IDPeriodicUpdate }

// Confirmation is the per-command reply. Its reference number always equals
// the originating command's.
type Confirmation struct {
	Header
	Status       Status               `json:"status"`
	Reason       FailReason           `json:"fail_reason,omitempty"`
	CollisionRef string               `json:"collision_reference,omitempty"`
	SentIOAs     []iec104.InfoObjAddr `json:"sent_ioas,omitempty"`
	OrigID       ID                   `json:"orig_id,omitempty"`
}

func (*Confirmation) ID() ID { return IDConfirmation }

// TotalInterroReq asks for the hub's last-seen value of every known point.
type TotalInterroReq struct {
	Header
}

func (*TotalInterroReq) ID() ID { return IDTotalInterroReq }

// TotalInterroReply snapshots last-seen values grouped by RTU.
type TotalInterroReply struct {
	Header
	Values map[iec104.CommonAddr]ValMap `json:"values"`
}

func (*TotalInterroReply) ID() ID { return IDTotalInterroReply }

// RTUStatus describes one RTU link.
type RTUStatus struct {
	Connected bool   `json:"connected"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	SinceMs   int64  `json:"since_ms"`
}

// RTUStatusReq asks for the link state of every RTU.
type RTUStatusReq struct {
	Header
}

func (*RTUStatusReq) ID() ID { return IDRTUStatusReq }

// RTUStatusReply snapshots link states.
type RTUStatusReply struct {
	Header
	Statuses map[iec104.CommonAddr]RTUStatus `json:"statuses"`
}

func (*RTUStatusReply) ID() ID { return IDRTUStatusReply }

// MtuCacheReq asks for the hub's in-flight correlation state.
type MtuCacheReq struct {
	Header
}

func (*MtuCacheReq) ID() ID { return IDMtuCacheReq }

// MtuCacheReply snapshots active references per RTU.
type MtuCacheReply struct {
	Header
	ActiveRefs map[iec104.CommonAddr][]string `json:"active_refs"`
}

func (*MtuCacheReply) ID() ID { return IDMtuCacheReply }

// ConnectionStatusChange reports an RTU link edge.
type ConnectionStatusChange struct {
	Header
	COA       iec104.CommonAddr `json:"coa"`
	Connected bool              `json:"connected"`
	IP        string            `json:"ip"`
	Port      int               `json:"port"`
}

func (*ConnectionStatusChange) ID() ID { return IDConnectionStatusChange }

// DisconnectCancel lists every in-flight reference abandoned because its RTU
// disconnected. Emitted once per disconnection, after the status change.
type DisconnectCancel struct {
	Header
	COA           iec104.CommonAddr `json:"coa"`
	CancelledRefs []string          `json:"cancelled_ref_nrs"`
}

func (*DisconnectCancel) ID() ID { return IDDisconnectCancel }

// SubscriptionInit is the mandatory first request of every subscriber.
type SubscriptionInit struct {
	Header
	SubscriberType string `json:"subscriber_type"`
}

func (*SubscriptionInit) ID() ID { return IDSubscriptionInit }

// SubscriptionInitReply assigns the subscriber its unique reference prefix.
type SubscriptionInitReply struct {
	Header
	Prefix string `json:"prefix"`
}

func (*SubscriptionInitReply) ID() ID { return IDSubscriptionInitReply }

// UnknownMessage is the sentinel reply for requests the hub cannot decode.
type UnknownMessage struct {
	Header
}

func (*UnknownMessage) ID() ID { return IDUnknownMessage }

// FlowControlFrame surfaces an S or U frame when the policy asks for them.
type FlowControlFrame struct {
	Header
	COA   iec104.CommonAddr `json:"coa"`
	Frame string            `json:"frame"`
}

func (*FlowControlFrame) ID() ID { return IDFlowControlFrame }
