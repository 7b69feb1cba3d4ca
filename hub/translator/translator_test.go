package translator_test

import (
	"errors"
	"testing"

	"github.com/gridfabric/telehub/hub/cache"
	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/manager"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/gridfabric/telehub/hub/translator"
)

func newTranslator(t *testing.T, policy translator.SubscriptionPolicy) (*translator.Translator, *cache.Cache) {
	t.Helper()
	c := cache.New()
	tr, err := translator.New(policy, c, &manager.Refs{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, c
}

func subscriberEntry(ref string, coa iec104.CommonAddr, typ iec104.TypeID, ioas ...iec104.InfoObjAddr) *cache.Entry {
	return &cache.Entry{RefNr: ref, State: cache.WaitingForSend, COA: coa, Type: typ, IOAs: ioas}
}

func cmdAPDU(typ iec104.TypeID, cot iec104.COT, coa iec104.CommonAddr, ioas ...iec104.InfoObjAddr) iec104.APDU {
	return iec104.APDU{Frame: iec104.FrameI, Type: typ, COT: cot, COA: coa, IOAs: ioas}
}

func TestPolicyRejectsCombineIOs(t *testing.T) {
	_, err := translator.New(translator.SubscriptionPolicy{CombineIOs: true}, cache.New(), &manager.Refs{})
	if !errors.Is(err, translator.ErrCombineNotImplemented) {
		t.Fatalf("expected ErrCombineNotImplemented, got %v", err)
	}
}

func TestOutboundSubscriberCommandEcho(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	pid := iec104.PointID{COA: 101, IOA: 5}
	if err := c.Points().InsertActive(pid, subscriberEntry("ui_1_1", 101, iec104.CScNa1, 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m, err := tr.Outbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivation}, 101, 5), 101)
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	conf, ok := m.(*message.Confirmation)
	if !ok {
		t.Fatalf("published %T, expected *Confirmation", m)
	}
	if conf.Status != message.StatusSuccessfulSend || conf.Ref() != "ui_1_1" {
		t.Fatalf("echo %s ref %q", conf.Status, conf.Ref())
	}

	_, st, ok := c.Points().LookupActive(pid)
	if !ok || st != cache.SentNoAck {
		t.Fatalf("entry in %s, want SENT_NO_ACK", st)
	}
}

func TestOutboundHubCommandPublishesItself(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())

	// No pre-inserted entry: the hub itself originated this command.
	m, err := tr.Outbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivation}, 101, 5), 101)
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	pic, ok := m.(*message.ProcessInfoControl)
	if !ok {
		t.Fatalf("published %T, expected *ProcessInfoControl", m)
	}
	if pic.Ref() == "" {
		t.Fatal("hub-initiated publication carries no reference")
	}
	if _, _, ok := c.Points().LookupActive(iec104.PointID{COA: 101, IOA: 5}); !ok {
		t.Fatal("outbound command left no cache entry")
	}
}

func TestOutboundParameterLoadEcho(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	pid := iec104.PointID{COA: 101, IOA: 4}
	if err := c.Params().InsertActive(pid, subscriberEntry("ui_1_4", 101, iec104.PMeNc1, 4)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m, err := tr.Outbound(cmdAPDU(iec104.PMeNc1, iec104.COT{Cause: iec104.CauseActivation}, 101, 4), 101)
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	conf, ok := m.(*message.Confirmation)
	if !ok {
		t.Fatalf("published %T, expected *Confirmation", m)
	}
	if conf.Status != message.StatusSuccessfulSend || conf.Ref() != "ui_1_4" {
		t.Fatalf("echo %s ref %q", conf.Status, conf.Ref())
	}

	// The queued entry moved forward in the parameter store; the per-point
	// store stays free for controls and reads.
	_, st, ok := c.Params().LookupActive(pid)
	if !ok || st != cache.SentNoAck {
		t.Fatalf("parameter entry in %s, want SENT_NO_ACK", st)
	}
	if _, _, ok := c.Points().LookupActive(pid); ok {
		t.Fatal("parameter send must not occupy the point store")
	}
}

func TestCommandConfirmationFlow(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	pid := iec104.PointID{COA: 101, IOA: 5}
	if err := c.Points().InsertActive(pid, subscriberEntry("ui_1_1", 101, iec104.CScNa1, 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tr.Outbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivation}, 101, 5), 101); err != nil {
		t.Fatalf("Outbound: %v", err)
	}

	res, err := tr.Inbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivationCon}, 101, 5), 101)
	if err != nil {
		t.Fatalf("ACT_CON: %v", err)
	}
	if len(res.Publish) != 1 {
		t.Fatalf("ACT_CON published %d messages", len(res.Publish))
	}
	conf := res.Publish[0].(*message.Confirmation)
	if conf.Status != message.StatusPositiveConfirm || conf.Ref() != "ui_1_1" {
		t.Fatalf("ACT_CON -> %s ref %q", conf.Status, conf.Ref())
	}
	if len(res.Released) != 1 || res.Released[0] != pid {
		t.Fatalf("ACT_CON released %v", res.Released)
	}

	res, err = tr.Inbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivationTerm}, 101, 5), 101)
	if err != nil {
		t.Fatalf("ACT_TERM: %v", err)
	}
	conf = res.Publish[0].(*message.Confirmation)
	if conf.Status != message.StatusSuccessfulTerm || conf.Ref() != "ui_1_1" {
		t.Fatalf("ACT_TERM -> %s ref %q", conf.Status, conf.Ref())
	}
}

func TestNegativeConfirmation(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	pid := iec104.PointID{COA: 101, IOA: 5}
	if err := c.Points().InsertActive(pid, subscriberEntry("ui_1_1", 101, iec104.CScNa1, 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tr.Outbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivation}, 101, 5), 101); err != nil {
		t.Fatalf("Outbound: %v", err)
	}

	res, err := tr.Inbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivationCon, IsNegative: true}, 101, 5), 101)
	if err != nil {
		t.Fatalf("negative ACT_CON: %v", err)
	}
	conf := res.Publish[0].(*message.Confirmation)
	if conf.Status != message.StatusFail || conf.Reason != message.FailNegative {
		t.Fatalf("got %s/%s, want FAIL/NEGATIVE", conf.Status, conf.Reason)
	}
	if _, _, ok := c.Points().LookupActive(pid); ok {
		t.Fatal("neg-acked command must leave the cache")
	}
}

func TestUnknownIOAConfirmation(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	pid := iec104.PointID{COA: 101, IOA: 5}
	if err := c.Points().InsertActive(pid, subscriberEntry("ui_1_1", 101, iec104.CScNa1, 5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tr.Outbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseActivation}, 101, 5), 101); err != nil {
		t.Fatalf("Outbound: %v", err)
	}

	res, err := tr.Inbound(cmdAPDU(iec104.CScNa1, iec104.COT{Cause: iec104.CauseUnknownIOA}, 101, 5), 101)
	if err != nil {
		t.Fatalf("unknown-IOA reply: %v", err)
	}
	conf := res.Publish[0].(*message.Confirmation)
	if conf.Status != message.StatusFail || conf.Reason != message.FailIOA {
		t.Fatalf("got %s/%s, want FAIL/IOA", conf.Status, conf.Reason)
	}
}

func TestClockSyncTerminatesOnConfirmation(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	if err := c.Globals().Insert(101, iec104.CCsNa1, subscriberEntry("ui_1_1", 101, iec104.CCsNa1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tr.Outbound(cmdAPDU(iec104.CCsNa1, iec104.COT{Cause: iec104.CauseActivation}, 101), 101); err != nil {
		t.Fatalf("Outbound: %v", err)
	}

	// Most RTUs never send ACT_TERM for a clock sync; the confirmation closes
	// the exchange.
	res, err := tr.Inbound(cmdAPDU(iec104.CCsNa1, iec104.COT{Cause: iec104.CauseActivationCon}, 101), 101)
	if err != nil {
		t.Fatalf("ACT_CON: %v", err)
	}
	conf := res.Publish[0].(*message.Confirmation)
	if conf.Status != message.StatusPositiveConfirm || conf.Ref() != "ui_1_1" {
		t.Fatalf("got %s ref %q", conf.Status, conf.Ref())
	}
	if _, _, ok := c.Globals().LookupActive(101, iec104.CCsNa1); ok {
		t.Fatal("confirmed clock sync must leave the store")
	}

	// A late ACT_TERM from a pedantic RTU is swallowed, not an error.
	res, err = tr.Inbound(cmdAPDU(iec104.CCsNa1, iec104.COT{Cause: iec104.CauseActivationTerm}, 101), 101)
	if err != nil {
		t.Fatalf("late ACT_TERM: %v", err)
	}
	if len(res.Publish) != 0 {
		t.Fatalf("late ACT_TERM published %v", res.Publish)
	}
}

func TestInterrogationLifecycle(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	if err := c.Globals().Insert(101, iec104.CIcNa1, subscriberEntry("ui_1_1", 101, iec104.CIcNa1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tr.Outbound(cmdAPDU(iec104.CIcNa1, iec104.COT{Cause: iec104.CauseActivation}, 101), 101); err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	if _, ok := c.Interros().Ref(101); !ok {
		t.Fatal("outbound interrogation registered no accumulator")
	}

	// Answers before the confirmation violate the protocol.
	_, err := tr.InboundDataPoint(
		iec104.DataPoint{COA: 101, IOA: 7, Type: iec104.MSpNa1, Value: true},
		iec104.ASDUHeader{Type: iec104.MSpNa1, COT: iec104.COT{Cause: iec104.CauseInterroStation}, COA: 101},
	)
	if !errors.Is(err, translator.ErrInvalid) {
		t.Fatalf("unconfirmed interrogation data: %v", err)
	}

	if _, err := tr.Inbound(cmdAPDU(iec104.CIcNa1, iec104.COT{Cause: iec104.CauseActivationCon}, 101), 101); err != nil {
		t.Fatalf("ACT_CON: %v", err)
	}

	pr, err := tr.InboundDataPoint(
		iec104.DataPoint{COA: 101, IOA: 7, Type: iec104.MSpNa1, Value: true},
		iec104.ASDUHeader{Type: iec104.MSpNa1, COT: iec104.COT{Cause: iec104.CauseInterroStation}, COA: 101},
	)
	if err != nil {
		t.Fatalf("InboundDataPoint: %v", err)
	}
	pim := pr.Publish.(*message.ProcessInfoMonitor)
	if pim.Ref() != "ui_1_1" {
		t.Fatalf("answer keyed to %q, want the interrogation's ui_1_1", pim.Ref())
	}

	res, err := tr.Inbound(cmdAPDU(iec104.CIcNa1, iec104.COT{Cause: iec104.CauseActivationTerm}, 101), 101)
	if err != nil {
		t.Fatalf("ACT_TERM: %v", err)
	}
	conf := res.Publish[0].(*message.Confirmation)
	if conf.Status != message.StatusSuccessfulTerm {
		t.Fatalf("got %s, want SUCCESSFUL_TERM", conf.Status)
	}
	if _, ok := c.Interros().Ref(101); ok {
		t.Fatal("terminated interrogation must release the accumulator")
	}
}

func TestReadReplyReleasesPoint(t *testing.T) {
	tr, c := newTranslator(t, translator.DefaultPolicy())
	pid := iec104.PointID{COA: 101, IOA: 9}
	if err := c.Points().InsertActive(pid, subscriberEntry("ui_1_1", 101, iec104.CRdNa1, 9)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pr, err := tr.InboundDataPoint(
		iec104.DataPoint{COA: 101, IOA: 9, Type: iec104.MMeNc1, Value: 2.25},
		iec104.ASDUHeader{Type: iec104.MMeNc1, COT: iec104.COT{Cause: iec104.CauseRequest}, COA: 101},
	)
	if err != nil {
		t.Fatalf("InboundDataPoint: %v", err)
	}
	pim := pr.Publish.(*message.ProcessInfoMonitor)
	if pim.Ref() != "ui_1_1" || pim.ValMap[9] != 2.25 {
		t.Fatalf("reply ref %q values %v", pim.Ref(), pim.ValMap)
	}
	if pr.Released == nil || *pr.Released != pid {
		t.Fatalf("released %v, want %v", pr.Released, pid)
	}
	if _, _, ok := c.Points().LookupActive(pid); ok {
		t.Fatal("answered read must leave the cache")
	}
}

func TestPeriodicRouting(t *testing.T) {
	p := iec104.DataPoint{COA: 101, IOA: 1, Type: iec104.MMeNa1, Value: 0.5}
	hdr := iec104.ASDUHeader{Type: iec104.MMeNa1, COT: iec104.COT{Cause: iec104.CausePeriodic}, COA: 101}

	tr, _ := newTranslator(t, translator.DefaultPolicy())
	pr, err := tr.InboundDataPoint(p, hdr)
	if err != nil {
		t.Fatalf("InboundDataPoint: %v", err)
	}
	if !pr.Periodic || pr.Publish != nil {
		t.Fatalf("batching policy must defer to the aggregator: %+v", pr)
	}

	direct := translator.DefaultPolicy()
	direct.CombinePeriodicIOs = false
	tr, _ = newTranslator(t, direct)
	pr, err = tr.InboundDataPoint(p, hdr)
	if err != nil {
		t.Fatalf("InboundDataPoint: %v", err)
	}
	pu, ok := pr.Publish.(*message.PeriodicUpdate)
	if !ok {
		t.Fatalf("published %T, expected *PeriodicUpdate", pr.Publish)
	}
	if pu.ValMap[1] != 0.5 || pu.Ref() == "" {
		t.Fatalf("update %v ref %q", pu.ValMap, pu.Ref())
	}
}

func TestQualitySuppression(t *testing.T) {
	policy := translator.DefaultPolicy()
	policy.IgnoreQuality = false
	tr, _ := newTranslator(t, policy)

	pr, err := tr.InboundDataPoint(
		iec104.DataPoint{COA: 101, IOA: 1, Type: iec104.MSpNa1, Value: true, Quality: iec104.QDSInvalid},
		iec104.ASDUHeader{Type: iec104.MSpNa1, COT: iec104.COT{Cause: iec104.CauseSpontaneous}, COA: 101},
	)
	if err != nil {
		t.Fatalf("InboundDataPoint: %v", err)
	}
	if pr.Publish != nil {
		t.Fatalf("invalid-quality point must be suppressed, got %v", pr.Publish)
	}
}

func TestFlowFramePolicy(t *testing.T) {
	tr, _ := newTranslator(t, translator.DefaultPolicy())
	res, err := tr.Inbound(iec104.APDU{Frame: iec104.FrameS}, 101)
	if err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	if len(res.Publish) != 0 {
		t.Fatalf("S frame published despite policy: %v", res.Publish)
	}

	exposed := translator.DefaultPolicy()
	exposed.SFrames = true
	tr, _ = newTranslator(t, exposed)
	res, err = tr.Inbound(iec104.APDU{Frame: iec104.FrameS}, 101)
	if err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	fc, ok := res.Publish[0].(*message.FlowControlFrame)
	if !ok || fc.Frame != "S" || fc.COA != 101 {
		t.Fatalf("published %+v", res.Publish[0])
	}
}

func TestInterrogationDataWithoutInterrogation(t *testing.T) {
	tr, _ := newTranslator(t, translator.DefaultPolicy())
	_, err := tr.Inbound(cmdAPDU(iec104.MSpNa1, iec104.COT{Cause: iec104.CauseInterroStation}, 102, 7), 102)
	if !errors.Is(err, translator.ErrInvalid) {
		t.Fatalf("expected ErrInvalid without a running interrogation, got %v", err)
	}
}

func TestInboundGlobalCOARejected(t *testing.T) {
	tr, _ := newTranslator(t, translator.DefaultPolicy())
	_, err := tr.Inbound(cmdAPDU(iec104.CIcNa1, iec104.COT{Cause: iec104.CauseActivationCon}, iec104.GlobalCOA), 101)
	if !errors.Is(err, translator.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for GlobalCOA answer, got %v", err)
	}
}
