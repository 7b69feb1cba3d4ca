package message

import (
	"errors"
	"fmt"

	json "github.com/clarketm/json"
)

// ErrUnknownID is returned when decoding a message whose id is not in the
// registry.
var ErrUnknownID = errors.New("message: unknown id")

// registry maps each id to a prototype constructor for decoding.
var registry = map[ID]func() Message{
	IDProcessInfoMonitor:     func() Message { return &ProcessInfoMonitor{} },
	IDProcessInfoControl:     func() Message { return &ProcessInfoControl{} },
	IDReadDatapoint:          func() Message { return &ReadDatapoint{} },
	IDSysInfoControl:         func() Message { return &SysInfoControl{} },
	IDSysInfoMonitor:         func() Message { return &SysInfoMonitor{} },
	IDParameterActivate:      func() Message { return &ParameterActivate{} },
	IDParameterLoad:          func() Message { return &ParameterLoad{} },
	IDPeriodicUpdate:         func() Message { return &PeriodicUpdate{} },
	IDConfirmation:           func() Message { return &Confirmation{} },
	IDTotalInterroReq:        func() Message { return &TotalInterroReq{} },
	IDTotalInterroReply:      func() Message { return &TotalInterroReply{} },
	IDRTUStatusReq:           func() Message { return &RTUStatusReq{} },
	IDRTUStatusReply:         func() Message { return &RTUStatusReply{} },
	IDMtuCacheReq:            func() Message { return &MtuCacheReq{} },
	IDMtuCacheReply:          func() Message { return &MtuCacheReply{} },
	IDConnectionStatusChange: func() Message { return &ConnectionStatusChange{} },
	IDDisconnectCancel:       func() Message { return &DisconnectCancel{} },
	IDSubscriptionInit:       func() Message { return &SubscriptionInit{} },
	IDSubscriptionInitReply:  func() Message { return &SubscriptionInitReply{} },
	IDUnknownMessage:         func() Message { return &UnknownMessage{} },
	IDFlowControlFrame:       func() Message { return &FlowControlFrame{} },
}

// Encode serializes a message to its wire JSON, injecting the dispatch id.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s: %w", m.ID(), err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("message: encode %s: %w", m.ID(), err)
	}
	fields["id"] = int(m.ID())
	return json.Marshal(fields)
}

// Decode parses wire JSON back into the concrete message for its id.
func Decode(data []byte) (Message, error) {
	var probe struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}
	mk, ok := registry[probe.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, int(probe.ID))
	}
	m := mk()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("message: decode %s: %w", probe.ID, err)
	}
	return m, nil
}
