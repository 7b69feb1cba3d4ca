package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gridfabric/telehub/hub/cache"
	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/manager"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/gridfabric/telehub/hub/translator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePub struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (p *capturePub) Publish(m message.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
}

func (p *capturePub) snapshot() []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message.Message(nil), p.msgs...)
}

type sentCmd struct {
	COA   iec104.CommonAddr
	IOA   iec104.InfoObjAddr
	Value interface{}
	Type  iec104.TypeID
}

type fakeClient struct {
	mu       sync.Mutex
	up       map[iec104.CommonAddr]bool
	sent     []sentCmd
	sysInfo  []iec104.TypeID
	failSend bool
}

func newFakeClient(up ...iec104.CommonAddr) *fakeClient {
	f := &fakeClient{up: make(map[iec104.CommonAddr]bool)}
	for _, coa := range up {
		f.up[coa] = true
	}
	return f
}

func (f *fakeClient) Send(coa iec104.CommonAddr, ioa iec104.InfoObjAddr, value interface{}, typ iec104.TypeID, _ iec104.COT) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("link saturated")
	}
	f.sent = append(f.sent, sentCmd{COA: coa, IOA: ioa, Value: value, Type: typ})
	return nil
}

func (f *fakeClient) SendSysInfo(typ iec104.TypeID, _ iec104.CommonAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("link saturated")
	}
	f.sysInfo = append(f.sysInfo, typ)
	return nil
}

func (f *fakeClient) SendParameterActivate(iec104.CommonAddr, iec104.InfoObjAddr, iec104.COT) error {
	return nil
}
func (f *fakeClient) UpdateDataPoint(iec104.CommonAddr, iec104.InfoObjAddr, interface{}) error {
	return nil
}
func (f *fakeClient) AddServer(string, iec104.CommonAddr, int) error { return nil }
func (f *fakeClient) Connected(coa iec104.CommonAddr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up[coa]
}
func (f *fakeClient) Start(context.Context) error { return nil }
func (f *fakeClient) Stop() error                 { return nil }

func (f *fakeClient) sends() []sentCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCmd(nil), f.sent...)
}

func newTestServer(t *testing.T, fc *fakeClient) (*CommandServer, *manager.Manager, *capturePub) {
	t.Helper()
	c := cache.New()
	refs := &manager.Refs{}
	tr, err := translator.New(translator.DefaultPolicy(), c, refs)
	require.NoError(t, err)
	pub := &capturePub{}
	mgr := manager.New(fc, tr, c, pub, refs, manager.Config{})
	return NewCommand(mgr, pub, DefaultCommandConfig()), mgr, pub
}

func control(ref string, coa iec104.CommonAddr, vals message.ValMap) *message.ProcessInfoControl {
	m := &message.ProcessInfoControl{COA: coa, Type: iec104.CScNa1, ValMap: vals}
	m.RefNr = ref
	return m
}

func TestIdentityRegister(t *testing.T) {
	id := NewIdentity()

	// The first subscriber of a type gets the bare type as prefix.
	p1, err := id.Register("scada_ui")
	require.NoError(t, err)
	assert.Equal(t, "scada_ui", p1)

	p2, err := id.Register("scada_ui")
	require.NoError(t, err)
	assert.Equal(t, "scada_ui_2", p2)

	p3, err := id.Register("archiver")
	require.NoError(t, err)
	assert.Equal(t, "archiver", p3)

	_, err = id.Register("")
	assert.Error(t, err)
	_, err = id.Register("MTU")
	assert.Error(t, err, "the hub prefix must stay reserved")
}

func TestCollisionQueueFIFO(t *testing.T) {
	q := newCollisionQueue()
	pid := iec104.PointID{COA: 101, IOA: 5}

	q.push(pid, pendingCmd{msg: control("a_1_1", 101, nil), ioa: 5})
	q.push(pid, pendingCmd{msg: control("a_1_2", 101, nil), ioa: 5})
	assert.Equal(t, 2, q.depth())

	head, ok := q.pop(pid)
	require.True(t, ok)
	assert.Equal(t, "a_1_1", head.msg.Ref())
	head, ok = q.pop(pid)
	require.True(t, ok)
	assert.Equal(t, "a_1_2", head.msg.Ref())
	_, ok = q.pop(pid)
	assert.False(t, ok)
}

func TestCollisionQueueDropRTU(t *testing.T) {
	q := newCollisionQueue()
	q.push(iec104.PointID{COA: 101, IOA: 5}, pendingCmd{msg: control("a_1_1", 101, nil), ioa: 5})
	q.push(iec104.PointID{COA: 101, IOA: 6}, pendingCmd{msg: control("a_1_2", 101, nil), ioa: 6})
	q.push(iec104.PointID{COA: 102, IOA: 5}, pendingCmd{msg: control("b_1_1", 102, nil), ioa: 5})

	refs := q.dropRTU(101)
	assert.ElementsMatch(t, []string{"a_1_1", "a_1_2"}, refs)
	assert.Equal(t, 1, q.depth(), "the other station's queue must survive")
}

func TestHandleControl(t *testing.T) {
	fc := newFakeClient(101)
	s, mgr, _ := newTestServer(t, fc)

	m := control("ui_1_1", 101, message.ValMap{5: true, 3: false})
	reply := s.handle(m)
	conf := reply.(*message.Confirmation)
	assert.Equal(t, message.StatusWaitingForSend, conf.Status)
	assert.Equal(t, "ui_1_1", conf.Ref())
	// Addresses go out in ascending order.
	assert.Equal(t, []iec104.InfoObjAddr{3, 5}, conf.SentIOAs)

	sends := fc.sends()
	require.Len(t, sends, 2)
	assert.Equal(t, iec104.InfoObjAddr(3), sends[0].IOA)
	assert.Equal(t, iec104.InfoObjAddr(5), sends[1].IOA)

	ref, st, ok := mgr.Cache().Points().LookupActive(iec104.PointID{COA: 101, IOA: 5})
	require.True(t, ok)
	assert.Equal(t, "ui_1_1", ref)
	assert.Equal(t, cache.WaitingForSend, st)
}

func TestHandleControlRejections(t *testing.T) {
	fc := newFakeClient(101)
	s, _, _ := newTestServer(t, fc)

	badType := control("ui_1_1", 101, message.ValMap{5: true})
	badType.Type = iec104.MSpNa1
	conf := s.handle(badType).(*message.Confirmation)
	assert.Equal(t, message.StatusFail, conf.Status)
	assert.Equal(t, message.FailTypeUnsupported, conf.Reason)

	empty := control("ui_1_2", 101, nil)
	conf = s.handle(empty).(*message.Confirmation)
	assert.Equal(t, message.FailIOA, conf.Reason)

	down := control("ui_1_3", 102, message.ValMap{5: true})
	conf = s.handle(down).(*message.Confirmation)
	assert.Equal(t, message.FailNetwork, conf.Reason)
}

func TestHandleControlCollision(t *testing.T) {
	fc := newFakeClient(101)
	s, _, _ := newTestServer(t, fc)

	require.IsType(t, &message.Confirmation{}, s.handle(control("ui_1_1", 101, message.ValMap{5: true})))

	conf := s.handle(control("ui_2_1", 101, message.ValMap{5: true})).(*message.Confirmation)
	assert.Equal(t, message.StatusFail, conf.Status)
	assert.Equal(t, message.FailCollision, conf.Reason)
	assert.Equal(t, "ui_1_1", conf.CollisionRef)

	queued := control("ui_2_2", 101, message.ValMap{5: true})
	queued.QueueOnCollision = true
	conf = s.handle(queued).(*message.Confirmation)
	assert.Equal(t, message.StatusQueued, conf.Status)
	assert.Equal(t, "ui_1_1", conf.CollisionRef, "QUEUED must name the colliding command")
	assert.Equal(t, 1, s.queue.depth())
}

func TestDrainDispatchesQueued(t *testing.T) {
	fc := newFakeClient(101)
	s, mgr, _ := newTestServer(t, fc)
	pid := iec104.PointID{COA: 101, IOA: 5}

	s.handle(control("ui_1_1", 101, message.ValMap{5: true}))
	queued := control("ui_2_1", 101, message.ValMap{5: false})
	queued.QueueOnCollision = true
	s.handle(queued)
	require.Equal(t, 1, s.queue.depth())

	// The point frees up and the queued command goes out.
	_, ok := mgr.Cache().Points().PopActive(pid)
	require.True(t, ok)
	s.Drain(pid)

	assert.Equal(t, 0, s.queue.depth())
	sends := fc.sends()
	require.Len(t, sends, 2)
	assert.Equal(t, false, sends[1].Value)

	ref, _, ok := mgr.Cache().Points().LookupActive(pid)
	require.True(t, ok)
	assert.Equal(t, "ui_2_1", ref)
}

func TestDrainBroadcastsSendFailure(t *testing.T) {
	fc := newFakeClient(101)
	s, mgr, pub := newTestServer(t, fc)
	pid := iec104.PointID{COA: 101, IOA: 5}

	s.handle(control("ui_1_1", 101, message.ValMap{5: true}))
	queued := control("ui_2_1", 101, message.ValMap{5: false})
	queued.QueueOnCollision = true
	s.handle(queued)

	_, ok := mgr.Cache().Points().PopActive(pid)
	require.True(t, ok)
	fc.mu.Lock()
	fc.failSend = true
	fc.mu.Unlock()

	s.Drain(pid)

	// The synchronous reply window closed with QUEUED, so the failure is
	// broadcast instead.
	msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	conf := msgs[0].(*message.Confirmation)
	assert.Equal(t, message.StatusFail, conf.Status)
	assert.Equal(t, message.FailNetwork, conf.Reason)
	assert.Equal(t, "ui_2_1", conf.Ref())
	_, _, stillThere := mgr.Cache().Points().LookupActive(pid)
	assert.False(t, stillThere)
}

func TestHandleSysInfo(t *testing.T) {
	fc := newFakeClient(101)
	s, mgr, _ := newTestServer(t, fc)

	m := &message.SysInfoControl{COA: 101, Type: iec104.CIcNa1, Cause: iec104.CauseActivation}
	m.RefNr = "ui_1_1"
	conf := s.handle(m).(*message.Confirmation)
	assert.Equal(t, message.StatusWaitingForSend, conf.Status)

	ref, _, ok := mgr.Cache().Globals().LookupActive(101, iec104.CIcNa1)
	require.True(t, ok)
	assert.Equal(t, "ui_1_1", ref)

	// Reset process is reserved for the hub operator.
	reserved := &message.SysInfoControl{COA: 101, Type: iec104.CRpNa1}
	reserved.RefNr = "ui_1_2"
	conf = s.handle(reserved).(*message.Confirmation)
	assert.Equal(t, message.StatusFail, conf.Status)
	assert.Equal(t, message.FailTypeUnsupported, conf.Reason)
}

func TestHandleSysInfoSendFailureCleansUp(t *testing.T) {
	fc := newFakeClient(101)
	fc.failSend = true
	s, mgr, _ := newTestServer(t, fc)

	m := &message.SysInfoControl{COA: 101, Type: iec104.CIcNa1}
	m.RefNr = "ui_1_1"
	conf := s.handle(m).(*message.Confirmation)
	assert.Equal(t, message.StatusFail, conf.Status)
	assert.Equal(t, message.FailNetwork, conf.Reason)

	_, _, ok := mgr.Cache().Globals().LookupActive(101, iec104.CIcNa1)
	assert.False(t, ok, "failed send must not leave a dangling entry")
}

func TestHandleRead(t *testing.T) {
	fc := newFakeClient(101)
	s, _, _ := newTestServer(t, fc)

	m := &message.ReadDatapoint{COA: 101, IOA: 9}
	m.RefNr = "ui_1_1"
	conf := s.handle(m).(*message.Confirmation)
	assert.Equal(t, message.StatusWaitingForSend, conf.Status)

	sends := fc.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, iec104.CRdNa1, sends[0].Type)

	// The read occupies the point like any command.
	again := &message.ReadDatapoint{COA: 101, IOA: 9}
	again.RefNr = "ui_1_2"
	conf = s.handle(again).(*message.Confirmation)
	assert.Equal(t, message.FailCollision, conf.Reason)
	assert.Equal(t, "ui_1_1", conf.CollisionRef)
}

func TestHandleSnapshotRequests(t *testing.T) {
	fc := newFakeClient(101)
	s, _, _ := newTestServer(t, fc)

	status := &message.RTUStatusReq{}
	status.RefNr = "cli_1_1"
	reply := s.handle(status)
	require.IsType(t, &message.RTUStatusReply{}, reply)
	assert.Equal(t, "cli_1_1", reply.Ref())

	cacheReq := &message.MtuCacheReq{}
	cacheReq.RefNr = "cli_1_2"
	reply = s.handle(cacheReq)
	require.IsType(t, &message.MtuCacheReply{}, reply)
	assert.Equal(t, "cli_1_2", reply.Ref())
}

func TestHandleUnknown(t *testing.T) {
	fc := newFakeClient()
	s, _, _ := newTestServer(t, fc)

	// A reply-direction message on the request channel is answered with the
	// sentinel.
	stray := &message.Confirmation{Status: message.StatusFail}
	stray.RefNr = "ui_1_9"
	reply := s.handle(stray)
	require.IsType(t, &message.UnknownMessage{}, reply)
	assert.Equal(t, "ui_1_9", reply.Ref())
}

func TestHandleParamActivate(t *testing.T) {
	fc := newFakeClient(101)
	s, mgr, _ := newTestServer(t, fc)

	m := &message.ParameterActivate{COA: 101, IOA: 9}
	m.RefNr = "ui_1_1"
	conf := s.handle(m).(*message.Confirmation)
	assert.Equal(t, message.StatusFail, conf.Status)
	assert.Equal(t, message.FailIOA, conf.Reason, "an address the RTU never reported is rejected")

	// The point becomes eligible once the station has reported it.
	mgr.Callbacks().OnReceiveDataPoint(
		iec104.DataPoint{COA: 101, IOA: 9, Type: iec104.MMeNc1, Value: 1.5},
		nil,
		iec104.ASDUHeader{Type: iec104.MMeNc1, COT: iec104.COT{Cause: iec104.CauseSpontaneous}, COA: 101},
	)
	conf = s.handle(m).(*message.Confirmation)
	assert.Equal(t, message.StatusWaitingForSend, conf.Status)
}

func TestWorkerPoolStopsOnShutdown(t *testing.T) {
	fc := newFakeClient(101)
	s, _, _ := newTestServer(t, fc)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("workers did not stop on cancellation")
	}

	// A connection reader racing the shutdown may still enqueue; the queue
	// channel stays open so this must not panic.
	select {
	case s.work <- task{msg: control("ui_1_1", 101, message.ValMap{5: true})}:
	default:
	}
}

func TestDropQueuedForRTU(t *testing.T) {
	fc := newFakeClient(101)
	s, _, _ := newTestServer(t, fc)

	s.handle(control("ui_1_1", 101, message.ValMap{5: true}))
	queued := control("ui_2_1", 101, message.ValMap{5: false})
	queued.QueueOnCollision = true
	s.handle(queued)

	refs := s.dropQueuedForRTU(101)
	assert.Equal(t, []string{"ui_2_1"}, refs)
	assert.Equal(t, 0, s.queue.depth())
}
