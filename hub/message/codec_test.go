package message

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/gridfabric/telehub/hub/iec104"
)

func roundTrip(t *testing.T, in Message) Message {
	t.Helper()
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.ID() != in.ID() {
		t.Fatalf("id changed: sent %s, got %s", in.ID(), out.ID())
	}
	return out
}

func TestControlRoundTrip(t *testing.T) {
	in := &ProcessInfoControl{
		COA:              101,
		Type:             iec104.CScNa1,
		ValMap:           ValMap{5: true},
		QueueOnCollision: true,
	}
	in.RefNr = "scada_ui_1_3"
	in.MaxTries = 2

	out := roundTrip(t, in).(*ProcessInfoControl)
	if out.Ref() != "scada_ui_1_3" || out.MaxTries != 2 {
		t.Fatalf("header mangled: %+v", out.Header)
	}
	if !out.QueueOnCollision || out.COA != 101 || out.Type != iec104.CScNa1 {
		t.Fatalf("body mangled: %+v", out)
	}
	// Integer map keys survive the string detour JSON forces on them.
	v, ok := out.ValMap[5]
	if !ok {
		t.Fatalf("IOA key lost: %v", out.ValMap)
	}
	if v != true {
		t.Fatalf("value mangled: %v (%T)", v, v)
	}
}

func TestMonitorRoundTrip(t *testing.T) {
	in := &ProcessInfoMonitor{
		COA:    200,
		Type:   iec104.MMeNc1,
		Cause:  iec104.CauseSpontaneous,
		ValMap: ValMap{1200: 3.5},
		TsMap:  TsMap{1200: 1724400000000},
	}
	in.RefNr = "MTU_44"

	out := roundTrip(t, in).(*ProcessInfoMonitor)
	if diff := deep.Equal(out.TsMap, in.TsMap); diff != nil {
		t.Fatalf("ts map: %v", diff)
	}
	if out.ValMap[1200] != 3.5 {
		t.Fatalf("value mangled: %v", out.ValMap)
	}
}

func TestReplyRoundTrips(t *testing.T) {
	status := &RTUStatusReply{
		Statuses: map[iec104.CommonAddr]RTUStatus{
			101: {Connected: true, IP: "10.0.0.7", Port: 2404, SinceMs: 1724400000000},
		},
	}
	status.RefNr = "cli_1_1"
	out := roundTrip(t, status).(*RTUStatusReply)
	if diff := deep.Equal(out.Statuses, status.Statuses); diff != nil {
		t.Fatalf("statuses: %v", diff)
	}

	dc := &DisconnectCancel{COA: 101, CancelledRefs: []string{"a_1_1", "MTU_9"}}
	dc.RefNr = "MTU_10"
	outDC := roundTrip(t, dc).(*DisconnectCancel)
	if diff := deep.Equal(outDC.CancelledRefs, dc.CancelledRefs); diff != nil {
		t.Fatalf("cancelled refs: %v", diff)
	}

	conf := &Confirmation{
		Status:       StatusFail,
		Reason:       FailCollision,
		CollisionRef: "scada_ui_2_9",
		SentIOAs:     []iec104.InfoObjAddr{1, 2},
		OrigID:       IDProcessInfoControl,
	}
	conf.RefNr = "scada_ui_1_4"
	outC := roundTrip(t, conf).(*Confirmation)
	if outC.CollisionRef != "scada_ui_2_9" || outC.Reason != FailCollision {
		t.Fatalf("confirmation mangled: %+v", outC)
	}
}

func TestDecodeUnknownID(t *testing.T) {
	_, err := Decode([]byte(`{"id":9999,"reference_nr":"x"}`))
	if !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSuccessfulTerm, StatusFail, StatusFinalRespRcvd}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []Status{StatusWaitingForSend, StatusSuccessfulSend, StatusPositiveConfirm, StatusQueued}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
